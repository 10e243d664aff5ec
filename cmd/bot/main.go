// Command bot is a headless mesh stream client. It wanders the world with
// MOVE, drops the odd voxel with EDIT and logs the frames it receives.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"voxelmesh.dev/internal/meshproto"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name     = flag.String("name", "bot", "client name")
		compress = flag.Bool("compress", true, "ask for zstd frames")
		every    = flag.Duration("move_every", 3*time.Second, "interval between moves")
		step     = flag.Float64("step", 48, "distance per move in world units")
		edit     = flag.Bool("edit", false, "place a voxel after every move")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	pos := [3]float32{0, 0, 0}
	hello := meshproto.HelloMsg{
		Type:            meshproto.TypeHello,
		ProtocolVersion: meshproto.Version,
		ClientName:      *name,
		Compress:        *compress,
		Position:        &pos,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	codec, err := meshproto.NewFrameCodec()
	if err != nil {
		logger.Fatalf("codec: %v", err)
	}
	defer codec.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	msgs := make(chan readResult, 16)
	go func() {
		for {
			kind, b, err := conn.ReadMessage()
			msgs <- readResult{kind: kind, b: b, err: err}
			if err != nil {
				return
			}
		}
	}()

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	t := time.NewTicker(*every)
	defer t.Stop()
	var palette []meshproto.PaletteEntry

	for {
		select {
		case <-stop:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
			return

		case <-t.C:
			pos[0] += float32((r.Float64()*2 - 1) * *step)
			pos[2] += float32((r.Float64()*2 - 1) * *step)
			if err := conn.WriteJSON(meshproto.MoveMsg{Type: meshproto.TypeMove, Position: pos}); err != nil {
				logger.Printf("send MOVE: %v", err)
				return
			}
			if *edit && len(palette) > 0 {
				at := [3]int{int(pos[0]), 1, int(pos[2])}
				v := palette[r.Intn(len(palette))]
				_ = conn.WriteJSON(meshproto.EditMsg{Type: meshproto.TypeEdit, Op: meshproto.OpSet, Pos: at, Voxel: v.Name})
				_ = conn.WriteJSON(meshproto.PickMsg{Type: meshproto.TypePick, Pos: at})
			}

		case m := <-msgs:
			if m.err != nil {
				logger.Printf("read: %v", m.err)
				return
			}
			if m.kind == websocket.BinaryMessage {
				f, err := codec.Decode(m.b)
				if err != nil {
					logger.Printf("bad frame: %v", err)
					continue
				}
				logger.Printf("frame seq=%d vertices=%d bytes=%d zstd=%v", f.Seq, len(f.Vertices), len(m.b), f.Flags&meshproto.FlagZstd != 0)
				continue
			}
			base, err := meshproto.DecodeBase(m.b)
			if err != nil {
				continue
			}
			switch base.Type {
			case meshproto.TypeWelcome:
				var w meshproto.WelcomeMsg
				if err := json.Unmarshal(m.b, &w); err != nil {
					continue
				}
				palette = w.Palette
				logger.Printf("WELCOME session=%s seed=%d chunk=%d radius=%d palette=%d", w.SessionID, w.WorldParams.Seed, w.WorldParams.ChunkSize, w.WorldParams.ChunkRadius, len(w.Palette))
			case meshproto.TypeStats:
				var s meshproto.StatsMsg
				if err := json.Unmarshal(m.b, &s); err != nil {
					continue
				}
				logger.Printf("STATS center=%v chunks=%d active=%d batch=%dms", s.Center, s.Chunks, s.Active, s.LastBatchMs)
			case meshproto.TypePickResult:
				var p meshproto.PickResultMsg
				if err := json.Unmarshal(m.b, &p); err != nil {
					continue
				}
				logger.Printf("PICK %v found=%v name=%s", p.Pos, p.Found, p.Name)
			case meshproto.TypeError:
				var e meshproto.ErrorMsg
				if err := json.Unmarshal(m.b, &e); err != nil {
					continue
				}
				logger.Printf("ERROR %s: %s", e.Code, e.Message)
			}
		}
	}
}

type readResult struct {
	kind int
	b    []byte
	err  error
}
