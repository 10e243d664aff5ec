package meshstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voxelmesh.dev/internal/meshproto"
	vlog "voxelmesh.dev/internal/persistence/log"
	"voxelmesh.dev/internal/voxel"
	"voxelmesh.dev/internal/voxel/octree"
	"voxelmesh.dev/internal/world"
)

const chunk = 32

type floorGen struct{}

func (floorGen) Chunk(c world.Coord) (*octree.Octree, error) {
	o, err := octree.New(chunk)
	if err != nil {
		return nil, err
	}
	o.SetCoord(c)
	if c.Y == 0 {
		for z := 0; z < chunk; z++ {
			for x := 0; x < chunk; x++ {
				o.Set(x, 0, z, voxel.Stone)
			}
		}
	}
	return o, nil
}

type harness struct {
	t     *testing.T
	mgr   *world.Manager
	srv   *Server
	http  *httptest.Server
	codec *meshproto.FrameCodec

	mu    sync.Mutex
	edits []vlog.EditEntry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mgr, err := world.NewManager(world.Options{
		ChunkSize:      chunk,
		MesherWidth:    32,
		Radius:         0,
		VerticalChunks: 1,
		Workers:        2,
		Generator:      floorGen{},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	h := &harness{t: t, mgr: mgr}
	srv, err := NewServer(mgr, Options{
		Params:       meshproto.WorldParams{Seed: 1, ChunkSize: chunk, MesherWidth: 32, VerticalChunks: 1},
		Palette:      voxel.DefaultPalette(),
		PollInterval: 5 * time.Millisecond,
		OnEdit: func(e vlog.EditEntry) {
			h.mu.Lock()
			h.edits = append(h.edits, e)
			h.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	h.srv = srv
	h.codec, err = meshproto.NewFrameCodec()
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = mgr.Run(ctx) }()
	go func() { _ = srv.Run(ctx) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bootstrap", srv.BootstrapHandler())
	mux.HandleFunc("/v1/mesh", srv.WSHandler())
	h.http = httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		h.http.Close()
		srv.Close()
		h.codec.Close()
	})
	return h
}

func (h *harness) dial() *websocket.Conn {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/v1/mesh"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		h.t.Fatalf("dial: %v", err)
	}
	h.t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// next reads messages until match accepts one.
func next(t *testing.T, conn *websocket.Conn, match func(kind int, b []byte) bool) []byte {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		kind, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(kind, b) {
			return b
		}
	}
}

func textOf(typ string) func(int, []byte) bool {
	return func(kind int, b []byte) bool {
		if kind != websocket.TextMessage {
			return false
		}
		base, err := meshproto.DecodeBase(b)
		return err == nil && base.Type == typ
	}
}

func isFrame(kind int, _ []byte) bool { return kind == websocket.BinaryMessage }

func TestStreamHandshakeMoveEditPick(t *testing.T) {
	h := newHarness(t)
	conn := h.dial()

	pos := [3]float32{1, 5, 1}
	send(t, conn, meshproto.HelloMsg{Type: meshproto.TypeHello, ProtocolVersion: meshproto.Version, ClientName: "test", Compress: true, Position: &pos})

	var welcome meshproto.WelcomeMsg
	if err := json.Unmarshal(next(t, conn, textOf(meshproto.TypeWelcome)), &welcome); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	if welcome.SessionID == "" || welcome.VertexStride != meshproto.VertexSize || welcome.WorldParams.ChunkSize != chunk {
		t.Fatalf("unexpected welcome: %+v", welcome)
	}
	if len(welcome.Palette) != len(voxel.DefaultPalette()) {
		t.Fatalf("palette has %d entries", len(welcome.Palette))
	}

	// One 32x32 floor slab: six faces merge into six quads. The writer may
	// emit the frame and its STATS in either order.
	var frame, rawStats []byte
	statsOf := textOf(meshproto.TypeStats)
	for frame == nil || rawStats == nil {
		b := next(t, conn, func(kind int, b []byte) bool { return isFrame(kind, b) || statsOf(kind, b) })
		if len(b) >= 4 && string(b[:4]) == meshproto.FrameMagic {
			frame = b
		} else {
			rawStats = b
		}
	}
	f, err := h.codec.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Flags&meshproto.FlagZstd == 0 {
		t.Fatalf("expected compressed frame")
	}
	if len(f.Vertices) != 6*6 {
		t.Fatalf("got %d vertices", len(f.Vertices))
	}
	var stats meshproto.StatsMsg
	if err := json.Unmarshal(rawStats, &stats); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Chunks != 1 || stats.Vertices != 36 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	send(t, conn, meshproto.EditMsg{Type: meshproto.TypeEdit, Op: meshproto.OpSet, Pos: [3]int{5, 1, 5}, Voxel: "snow"})
	f, err = h.codec.Decode(next(t, conn, isFrame))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(f.Vertices) <= 36 {
		t.Fatalf("edit did not add geometry: %d vertices", len(f.Vertices))
	}

	send(t, conn, meshproto.PickMsg{Type: meshproto.TypePick, Pos: [3]int{5, 1, 5}})
	var pick meshproto.PickResultMsg
	if err := json.Unmarshal(next(t, conn, textOf(meshproto.TypePickResult)), &pick); err != nil {
		t.Fatalf("pick: %v", err)
	}
	if !pick.Found || pick.Name != "snow" || pick.Color != voxel.Snow.Color {
		t.Fatalf("unexpected pick: %+v", pick)
	}

	h.mu.Lock()
	edits := append([]vlog.EditEntry(nil), h.edits...)
	h.mu.Unlock()
	if len(edits) != 1 || edits[0].Op != meshproto.OpSet || edits[0].BatchID == "" || edits[0].Client != welcome.SessionID {
		t.Fatalf("unexpected edits: %+v", edits)
	}
}

func TestStreamErrors(t *testing.T) {
	h := newHarness(t)
	conn := h.dial()
	send(t, conn, meshproto.HelloMsg{Type: meshproto.TypeHello, ProtocolVersion: meshproto.Version})
	next(t, conn, textOf(meshproto.TypeWelcome))

	// Wait for the initial load so edits have a chunk to land in.
	h.mgr.RequestMove(world.Coord{})
	next(t, conn, isFrame)

	cases := []struct {
		msg  any
		code string
	}{
		{map[string]any{"type": "MOVE"}, meshproto.ErrProtoBadRequest},
		{meshproto.EditMsg{Type: meshproto.TypeEdit, Op: meshproto.OpSet, Pos: [3]int{1, 1, 1}, Voxel: "lava"}, meshproto.ErrUnknownVoxel},
		{meshproto.EditMsg{Type: meshproto.TypeEdit, Op: meshproto.OpDelete, Pos: [3]int{999, 0, 0}}, meshproto.ErrNotLoaded},
		{meshproto.HelloMsg{Type: meshproto.TypeHello, ProtocolVersion: meshproto.Version}, meshproto.ErrProtoBadRequest},
		// Schema-valid numbers that overflow the Go field fail decoding.
		{json.RawMessage(`{"type":"PICK","pos":[9223372036854775808,0,0]}`), meshproto.ErrProtoBadRequest},
		{json.RawMessage(`{"type":"EDIT","op":"delete","pos":[0,9223372036854775808,0]}`), meshproto.ErrProtoBadRequest},
		{json.RawMessage(`{"type":"MOVE","position":[0,1e40,0]}`), meshproto.ErrProtoBadRequest},
	}
	for _, tc := range cases {
		send(t, conn, tc.msg)
		var e meshproto.ErrorMsg
		if err := json.Unmarshal(next(t, conn, textOf(meshproto.TypeError)), &e); err != nil {
			t.Fatalf("error msg: %v", err)
		}
		if e.Code != tc.code {
			t.Fatalf("%+v: got code %s want %s (%s)", tc.msg, e.Code, tc.code, e.Message)
		}
	}
}

func TestStreamRejectsBadHello(t *testing.T) {
	h := newHarness(t)
	conn := h.dial()
	send(t, conn, meshproto.MoveMsg{Type: meshproto.TypeMove})
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}

	conn = h.dial()
	send(t, conn, meshproto.HelloMsg{Type: meshproto.TypeHello, ProtocolVersion: "9.9"})
	var e meshproto.ErrorMsg
	if err := json.Unmarshal(next(t, conn, textOf(meshproto.TypeError)), &e); err != nil || e.Code != meshproto.ErrProtoVersion {
		t.Fatalf("expected version error, got %+v %v", e, err)
	}
}

func TestBootstrap(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.http.URL + "/v1/bootstrap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var w meshproto.WelcomeMsg
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Type != meshproto.TypeWelcome || w.WorldParams.MesherWidth != 32 {
		t.Fatalf("unexpected bootstrap: %+v", w)
	}

	resp2, err := http.Post(h.http.URL+"/v1/bootstrap", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST status %d", resp2.StatusCode)
	}
}

func TestEditLoggedWhenRemeshCancelled(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mgr.Move(context.Background(), world.Coord{}); err != nil {
		t.Fatalf("Move: %v", err)
	}
	ss := &session{id: "s1", frames: make(chan []byte, 4), text: make(chan []byte, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.srv.edit(ctx, ss, meshproto.EditMsg{Type: meshproto.TypeEdit, Op: meshproto.OpSet, Pos: [3]int{5, 1, 5}, Voxel: "snow"})

	var e meshproto.ErrorMsg
	select {
	case b := <-ss.text:
		if err := json.Unmarshal(b, &e); err != nil {
			t.Fatalf("error msg: %v", err)
		}
	default:
		t.Fatalf("no reply to cancelled edit")
	}
	if e.Code != meshproto.ErrCancelled {
		t.Fatalf("got code %s want %s", e.Code, meshproto.ErrCancelled)
	}
	if v, ok := h.mgr.Get(5, 1, 5, octree.AnyDepth, nil); !ok || v != voxel.Snow {
		t.Fatalf("edit not applied: %v %v", v, ok)
	}

	// Deleting air changes nothing and is not logged.
	h.srv.edit(context.Background(), ss, meshproto.EditMsg{Type: meshproto.TypeEdit, Op: meshproto.OpDelete, Pos: [3]int{5, 20, 5}})

	h.mu.Lock()
	edits := append([]vlog.EditEntry(nil), h.edits...)
	h.mu.Unlock()
	if len(edits) != 1 || edits[0].Pos != [3]int{5, 1, 5} || edits[0].Client != "s1" || edits[0].Color != voxel.Snow.Color {
		t.Fatalf("unexpected edits: %+v", edits)
	}
}
