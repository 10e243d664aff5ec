// Package meshstream serves the world mesh to renderers over WebSocket.
//
// A client sends HELLO and gets WELCOME back, then receives the full vertex
// buffer as a binary frame every time the world meshes change, each followed
// by a STATS message. MOVE, EDIT and PICK drive the world.
package meshstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"voxelmesh.dev/internal/meshproto"
	vlog "voxelmesh.dev/internal/persistence/log"
	"voxelmesh.dev/internal/voxel"
	"voxelmesh.dev/internal/voxel/octree"
	"voxelmesh.dev/internal/world"
)

type Options struct {
	Params  meshproto.WorldParams
	Palette voxel.Palette
	// PollInterval is how often the manager's dirty flag is checked.
	PollInterval time.Duration
	// AllowRemote accepts non-loopback clients.
	AllowRemote bool
	Logger      *log.Logger
	// OnEdit is called after every applied edit.
	OnEdit func(vlog.EditEntry)
}

type Server struct {
	mgr  *world.Manager
	opts Options
	log  *log.Logger

	upgrader websocket.Upgrader
	codec    *meshproto.FrameCodec
	nextID   atomic.Uint64
	seq      atomic.Uint32

	mu       sync.Mutex
	sessions map[string]*session
	// last is the newest raw vertex payload, replayed to new sessions.
	last     []byte
	lastSeq  uint32
	lastVert int
}

type session struct {
	id       string
	compress bool
	frames   chan []byte
	text     chan []byte
}

func NewServer(mgr *world.Manager, opts Options) (*Server, error) {
	codec, err := meshproto.NewFrameCodec()
	if err != nil {
		return nil, err
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		mgr:  mgr,
		opts: opts,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 256 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		codec:    codec,
		sessions: map[string]*session{},
	}, nil
}

func (s *Server) Close() { s.codec.Close() }

func (s *Server) welcome(sid string) meshproto.WelcomeMsg {
	w := meshproto.WelcomeMsg{
		Type:            meshproto.TypeWelcome,
		ProtocolVersion: meshproto.Version,
		SessionID:       sid,
		WorldParams:     s.opts.Params,
		VertexStride:    meshproto.VertexSize,
	}
	for _, name := range s.opts.Palette.Names() {
		v, _ := s.opts.Palette.Lookup(name)
		w.Palette = append(w.Palette, meshproto.PaletteEntry{Name: name, Color: v.Color, Material: v.Material})
	}
	return w
}

// BootstrapHandler serves the WELCOME payload over plain HTTP.
func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.welcome(""))
	}
}

func (s *Server) allowed(r *http.Request) bool {
	return s.opts.AllowRemote || isLoopbackRemote(r.RemoteAddr)
}

// Run pushes a new frame to every session whenever the world meshes change.
func (s *Server) Run(ctx context.Context) error {
	t := time.NewTicker(s.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.publish()
		}
	}
}

func (s *Server) publish() {
	vs, ok := s.mgr.TakeVertices()
	if !ok {
		return
	}
	seq := s.seq.Inc()
	raw := meshproto.AppendVertices(make([]byte, 0, len(vs)*meshproto.VertexSize), vs)

	s.mu.Lock()
	s.last, s.lastSeq, s.lastVert = raw, seq, len(vs)
	sessions := make([]*session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		sessions = append(sessions, ss)
	}
	s.mu.Unlock()

	if len(sessions) == 0 {
		return
	}
	var plain, packed []byte
	stats := s.statsMsg(seq)
	for _, ss := range sessions {
		var b []byte
		if ss.compress {
			if packed == nil {
				packed = s.codec.EncodePayload(nil, seq, len(vs), raw, true)
			}
			b = packed
		} else {
			if plain == nil {
				plain = s.codec.EncodePayload(nil, seq, len(vs), raw, false)
			}
			b = plain
		}
		offerLatest(ss.frames, b)
		ss.sendJSON(stats)
	}
}

// offerLatest replaces any frame still queued with b. Only the publisher
// sends on frames.
func offerLatest(ch chan []byte, b []byte) {
	for {
		select {
		case ch <- b:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func (ss *session) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case ss.text <- b:
	default:
		// Slow client; it will catch up on the next STATS.
	}
}

func (s *Server) statsMsg(seq uint32) meshproto.StatsMsg {
	st := s.mgr.Stats()
	c := s.mgr.Center()
	return meshproto.StatsMsg{
		Type:        meshproto.TypeStats,
		Frame:       seq,
		Center:      [3]int{c.X, c.Y, c.Z},
		Chunks:      st.Chunks,
		Active:      st.Active,
		Vertices:    st.Vertices,
		MemoryBytes: st.MemoryBytes,
		Batches:     st.Batches,
		LastBatchID: st.LastBatch.ID,
		LastBatchMs: st.LastBatch.TotalMs,
	}
}

func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send HELLO first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var hello meshproto.HelloMsg
		if typ, err := meshproto.ValidateClient(msg); err != nil || typ != meshproto.TypeHello {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
			return
		}
		_ = json.Unmarshal(msg, &hello)
		if hello.ProtocolVersion != meshproto.Version {
			b, _ := json.Marshal(meshproto.NewError(meshproto.ErrProtoVersion, "unsupported protocol version "+hello.ProtocolVersion))
			_ = conn.WriteMessage(websocket.TextMessage, b)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad version"), time.Now().Add(time.Second))
			return
		}

		ss := &session{
			id:       fmt.Sprintf("M%d", s.nextID.Inc()),
			compress: hello.Compress,
			frames:   make(chan []byte, 1),
			text:     make(chan []byte, 64),
		}
		// WELCOME goes out before the writer starts so it always precedes
		// the first frame.
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(s.welcome(ss.id)); err != nil {
			return
		}

		s.mu.Lock()
		s.sessions[ss.id] = ss
		if s.last != nil {
			ss.frames <- s.encodeLast(ss.compress)
		}
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, ss.id)
			s.mu.Unlock()
		}()
		s.log.Printf("session %s connected name=%q compress=%v", ss.id, hello.ClientName, hello.Compress)

		if hello.Position != nil {
			s.mgr.RequestMove(s.mgr.ChunkAt(*hello.Position))
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-ss.text:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				case b := <-ss.frames:
					_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
					if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handle(ctx, ss, msg)
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		s.log.Printf("session %s closed", ss.id)
	}
}

// encodeLast frames the cached payload. Caller holds s.mu.
func (s *Server) encodeLast(compress bool) []byte {
	return s.codec.EncodePayload(nil, s.lastSeq, s.lastVert, s.last, compress)
}

func (s *Server) handle(ctx context.Context, ss *session, msg []byte) {
	typ, err := meshproto.ValidateClient(msg)
	if err != nil {
		ss.sendJSON(meshproto.NewError(meshproto.ErrProtoBadRequest, err.Error()))
		return
	}
	bad := func(err error) {
		ss.sendJSON(meshproto.NewError(meshproto.ErrProtoBadRequest, "decode "+typ+": "+err.Error()))
	}
	switch typ {
	case meshproto.TypeMove:
		var m meshproto.MoveMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			bad(err)
			return
		}
		s.mgr.RequestMove(s.mgr.ChunkAt(m.Position))

	case meshproto.TypeEdit:
		var m meshproto.EditMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			bad(err)
			return
		}
		s.edit(ctx, ss, m)

	case meshproto.TypePick:
		var m meshproto.PickMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			bad(err)
			return
		}
		depth := octree.AnyDepth
		if m.MaxDepth != nil && *m.MaxDepth >= 0 {
			depth = *m.MaxDepth
		}
		v, ok := s.mgr.Get(m.Pos[0], m.Pos[1], m.Pos[2], depth, nil)
		res := meshproto.PickResultMsg{Type: meshproto.TypePickResult, Pos: m.Pos, Found: ok}
		if ok {
			res.Color, res.Material = v.Color, v.Material
			res.Name = s.nameOf(v)
		}
		ss.sendJSON(res)

	default:
		ss.sendJSON(meshproto.NewError(meshproto.ErrProtoBadRequest, "unexpected "+typ))
	}
}

func (s *Server) nameOf(v voxel.Voxel) string {
	for _, name := range s.opts.Palette.Names() {
		if pv, _ := s.opts.Palette.Lookup(name); pv == v {
			return name
		}
	}
	return ""
}

func (s *Server) edit(ctx context.Context, ss *session, m meshproto.EditMsg) {
	var (
		st  world.BatchStats
		err error
		v   voxel.Voxel
	)
	switch m.Op {
	case meshproto.OpSet:
		var ok bool
		v, ok = s.opts.Palette.Lookup(m.Voxel)
		if !ok {
			ss.sendJSON(meshproto.NewError(meshproto.ErrUnknownVoxel, "unknown voxel "+m.Voxel))
			return
		}
		st, err = s.mgr.SetVoxel(ctx, m.Pos[0], m.Pos[1], m.Pos[2], v)
	case meshproto.OpDelete:
		st, err = s.mgr.DeleteVoxel(ctx, m.Pos[0], m.Pos[1], m.Pos[2])
	}
	switch {
	case err == nil:
	case errors.Is(err, world.ErrChunkNotLoaded):
		ss.sendJSON(meshproto.NewError(meshproto.ErrNotLoaded, err.Error()))
	case errors.Is(err, context.Canceled):
		ss.sendJSON(meshproto.NewError(meshproto.ErrCancelled, err.Error()))
	default:
		s.log.Printf("session %s edit %v: %v", ss.id, m.Pos, err)
		ss.sendJSON(meshproto.NewError(meshproto.ErrInternal, err.Error()))
	}
	// A failed remesh does not undo the write; the stale chunks are
	// remeshed by the next batch, so the edit is still logged.
	if st.Edited > 0 && s.opts.OnEdit != nil {
		s.opts.OnEdit(vlog.EditEntry{
			UnixMs:   time.Now().UnixMilli(),
			BatchID:  st.ID,
			Op:       m.Op,
			Pos:      m.Pos,
			Color:    v.Color,
			Material: v.Material,
			Client:   ss.id,
		})
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
