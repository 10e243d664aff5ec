package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"voxelmesh.dev/internal/config"
	"voxelmesh.dev/internal/meshproto"
	"voxelmesh.dev/internal/persistence/archive"
	vlog "voxelmesh.dev/internal/persistence/log"
	"voxelmesh.dev/internal/persistence/s3mirror"
	"voxelmesh.dev/internal/persistence/snapshot"
	"voxelmesh.dev/internal/transport/meshstream"
	"voxelmesh.dev/internal/world"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "http listen address")
		configPath  = flag.String("config", "./configs/world.yaml", "world config path (empty for defaults)")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		disableDB   = flag.Bool("disable_db", false, "disable the sqlite batch/edit/snapshot index")
		allowRemote = flag.Bool("allow_remote", false, "accept mesh stream clients from non-loopback addresses")

		snapPath      = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest    = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
		snapshotEvery = flag.Duration("snapshot_every", 5*time.Minute, "periodic snapshot interval (0 to disable)")
		snapshotKeep  = flag.Int("snapshot_keep", 48, "snapshots kept in the data dir; older ones move to snapshots/archive (0 keeps all)")
		logMaxMB      = flag.Int("log_max_mb", 64, "size at which a batch/edit log file is continued in a new part (0 rotates hourly only)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)
	worldLogger := log.New(os.Stdout, "[world] ", log.LstdFlags|log.Lmicroseconds)
	streamLogger := log.New(os.Stdout, "[meshstream] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	_ = os.MkdirAll(*dataDir, 0o755)

	// Optional read-model index; the world never reads from it.
	idx, err := openRuntimeIndex(*dataDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if digest, err := idx.UpsertConfig(cfg); err != nil {
			logger.Printf("index backend: upsert config: %v", err)
		} else {
			logger.Printf("config digest=%s", digest[:12])
		}
	}

	logMax := int64(*logMaxMB) << 20
	batchLog := vlog.NewBatchLogger(*dataDir, logMax)
	editLog := vlog.NewEditLogger(*dataDir, logMax)
	defer batchLog.Close()
	defer editLog.Close()

	var mirror *s3mirror.Mirror
	if mcfg, ok := s3mirror.ConfigFromEnv(); ok {
		mirror, err = s3mirror.New(mcfg, *dataDir, log.New(os.Stdout, "[mirror] ", log.LstdFlags|log.Lmicroseconds))
		if err != nil {
			logger.Fatalf("s3 mirror: %v", err)
		}
		defer mirror.Close()
		logger.Printf("mirroring snapshots to bucket=%s", mcfg.Bucket)
	}

	recorders := []world.BatchRecorder{batchLog}
	if idx != nil {
		recorders = append(recorders, idx)
	}
	mgr, err := world.NewManager(world.Options{
		ChunkSize:      cfg.ChunkSize,
		MesherWidth:    cfg.MesherWidth,
		Radius:         cfg.ChunkRadius,
		VerticalChunks: cfg.VerticalChunks,
		Workers:        cfg.Workers,
		Generator:      cfg.Generator(),
		Logger:         worldLogger,
		Recorders:      recorders,
	})
	if err != nil {
		logger.Fatalf("world: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(*dataDir, idx)
	}
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if snap.Header.Seed != cfg.Seed {
			logger.Printf("snapshot seed %d differs from config seed %d; chunks generated later use the config", snap.Header.Seed, cfg.Seed)
		}
		st, err := mgr.ImportSnapshot(ctx, snap)
		if err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s chunks=%d vertices=%d", filepath.Base(snapshotToLoad), st.Chunks, st.Vertices)
	} else {
		mgr.RequestMove(world.Coord{})
	}

	go func() {
		if err := mgr.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("world stopped: %v", err)
		}
	}()

	stream, err := meshstream.NewServer(mgr, meshstream.Options{
		Params: meshproto.WorldParams{
			Seed:           cfg.Seed,
			ChunkSize:      cfg.ChunkSize,
			MesherWidth:    cfg.MesherWidth,
			ChunkRadius:    cfg.ChunkRadius,
			VerticalChunks: cfg.VerticalChunks,
		},
		Palette:     cfg.Palette(),
		AllowRemote: *allowRemote,
		Logger:      streamLogger,
		OnEdit: func(e vlog.EditEntry) {
			if err := editLog.WriteEdit(e); err != nil {
				logger.Printf("edit log: %v", err)
			}
			if idx != nil {
				idx.RecordEdit(e)
			}
		},
	})
	if err != nil {
		logger.Fatalf("mesh stream: %v", err)
	}
	defer stream.Close()
	go func() {
		if err := stream.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("mesh stream stopped: %v", err)
		}
	}()

	snaps := &snapshotter{mgr: mgr, seed: cfg.Seed, dir: filepath.Join(*dataDir, "snapshots"), idx: idx, mirror: mirror, keep: *snapshotKeep, log: logger}
	if *snapshotEvery > 0 {
		go snaps.loop(ctx, *snapshotEvery)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, mgr, stream, idx)
		writeMirrorMetrics(rw, mirror)
	})

	enableAdminHTTP := envBool("VM_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("VM_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			resp := struct {
				Center  [3]int             `json:"center"`
				Stats   world.Stats        `json:"stats"`
				Batches []world.BatchStats `json:"recent_batches,omitempty"`
			}{Stats: mgr.Stats()}
			c := mgr.Center()
			resp.Center = [3]int{c.X, c.Y, c.Z}
			if idx != nil {
				if bs, err := idx.RecentBatches(r.Context(), 20); err == nil {
					resp.Batches = bs
				}
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			path, chunks, err := snaps.write()
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "path": path, "chunks": chunks})
		})
	} else {
		logger.Printf("admin endpoints disabled (VM_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (VM_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/v1/bootstrap", stream.BootstrapHandler())
	mux.HandleFunc("/v1/ws", stream.WSHandler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	if *snapshotEvery > 0 {
		if path, chunks, err := snaps.write(); err != nil {
			logger.Printf("final snapshot: %v", err)
		} else {
			logger.Printf("final snapshot=%s chunks=%d", filepath.Base(path), chunks)
		}
	}
}

type snapshotter struct {
	mgr    *world.Manager
	seed   int64
	dir    string
	idx    runtimeIndex
	mirror *s3mirror.Mirror
	keep   int
	log    *log.Logger
}

func (s *snapshotter) loop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, _, err := s.write(); err != nil {
				s.log.Printf("snapshot write: %v", err)
			}
		}
	}
}

func (s *snapshotter) write() (string, int, error) {
	snap := s.mgr.ExportSnapshot(s.seed)
	if len(snap.Chunks) == 0 {
		return "", 0, fmt.Errorf("no chunks loaded")
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%d.snap.zst", time.Now().UnixMilli()))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", 0, err
	}
	if s.idx != nil {
		s.idx.RecordSnapshot(path, snap)
	}
	s.mirror.Enqueue(path)
	if moved, err := archive.Rotate(s.dir, s.keep); err != nil {
		s.log.Printf("snapshot archive: %v", err)
	} else if len(moved) > 0 {
		s.log.Printf("archived %d old snapshot(s)", len(moved))
	}
	return path, len(snap.Chunks), nil
}

func writeMetrics(rw http.ResponseWriter, mgr *world.Manager, stream *meshstream.Server, idx runtimeIndex) {
	st := mgr.Stats()

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP voxelmesh_world_chunks Loaded chunk count.\n")
	fmt.Fprintf(rw, "# TYPE voxelmesh_world_chunks gauge\n")
	fmt.Fprintf(rw, "voxelmesh_world_chunks %d\n", st.Chunks)

	fmt.Fprintf(rw, "# HELP voxelmesh_world_active_chunks Chunks with an up to date mesh.\n")
	fmt.Fprintf(rw, "# TYPE voxelmesh_world_active_chunks gauge\n")
	fmt.Fprintf(rw, "voxelmesh_world_active_chunks %d\n", st.Active)

	fmt.Fprintf(rw, "# HELP voxelmesh_world_octree_nodes Allocated octree nodes across chunks.\n")
	fmt.Fprintf(rw, "# TYPE voxelmesh_world_octree_nodes gauge\n")
	fmt.Fprintf(rw, "voxelmesh_world_octree_nodes %d\n", st.Nodes)

	fmt.Fprintf(rw, "# HELP voxelmesh_world_memory_bytes Approximate octree and vertex memory.\n")
	fmt.Fprintf(rw, "# TYPE voxelmesh_world_memory_bytes gauge\n")
	fmt.Fprintf(rw, "voxelmesh_world_memory_bytes %d\n", st.MemoryBytes)

	fmt.Fprintf(rw, "# HELP voxelmesh_world_vertices Vertices across all chunk meshes.\n")
	fmt.Fprintf(rw, "# TYPE voxelmesh_world_vertices gauge\n")
	fmt.Fprintf(rw, "voxelmesh_world_vertices %d\n", st.Vertices)

	fmt.Fprintf(rw, "# HELP voxelmesh_world_batches_total Finished world batches.\n")
	fmt.Fprintf(rw, "# TYPE voxelmesh_world_batches_total counter\n")
	fmt.Fprintf(rw, "voxelmesh_world_batches_total %d\n", st.Batches)

	fmt.Fprintf(rw, "# HELP voxelmesh_world_last_batch_ms Duration of the last batch by stage.\n")
	fmt.Fprintf(rw, "# TYPE voxelmesh_world_last_batch_ms gauge\n")
	fmt.Fprintf(rw, "voxelmesh_world_last_batch_ms{stage=%q} %d\n", "generate", st.LastBatch.GenerateMs)
	fmt.Fprintf(rw, "voxelmesh_world_last_batch_ms{stage=%q} %d\n", "link", st.LastBatch.LinkMs)
	fmt.Fprintf(rw, "voxelmesh_world_last_batch_ms{stage=%q} %d\n", "mesh", st.LastBatch.MeshMs)
	fmt.Fprintf(rw, "voxelmesh_world_last_batch_ms{stage=%q} %d\n", "total", st.LastBatch.TotalMs)

	fmt.Fprintf(rw, "# HELP voxelmesh_stream_sessions Connected mesh stream clients.\n")
	fmt.Fprintf(rw, "# TYPE voxelmesh_stream_sessions gauge\n")
	fmt.Fprintf(rw, "voxelmesh_stream_sessions %d\n", stream.Sessions())

	if idx == nil {
		return
	}
	s := idx.Stats()
	fmt.Fprintf(rw, "# HELP voxelmesh_index_queue_depth Current index writer queue depth.\n")
	fmt.Fprintf(rw, "# TYPE voxelmesh_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "voxelmesh_index_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(rw, "# HELP voxelmesh_index_queue_capacity Index writer queue capacity.\n")
	fmt.Fprintf(rw, "# TYPE voxelmesh_index_queue_capacity gauge\n")
	fmt.Fprintf(rw, "voxelmesh_index_queue_capacity %d\n", s.QueueCapacity)

	fmt.Fprintf(rw, "# HELP voxelmesh_index_dropped_total Rows dropped because the index queue was full.\n")
	fmt.Fprintf(rw, "# TYPE voxelmesh_index_dropped_total counter\n")
	fmt.Fprintf(rw, "voxelmesh_index_dropped_total{kind=%q} %d\n", "batch", s.DropBatchTotal)
	fmt.Fprintf(rw, "voxelmesh_index_dropped_total{kind=%q} %d\n", "edit", s.DropEditTotal)
	fmt.Fprintf(rw, "voxelmesh_index_dropped_total{kind=%q} %d\n", "snapshot", s.DropSnapshotTotal)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func writeMirrorMetrics(rw http.ResponseWriter, m *s3mirror.Mirror) {
	if m == nil {
		return
	}
	st := m.Stats()
	fmt.Fprintf(rw, "# HELP voxelmesh_mirror_queue_depth Snapshot uploads waiting.\n")
	fmt.Fprintf(rw, "# TYPE voxelmesh_mirror_queue_depth gauge\n")
	fmt.Fprintf(rw, "voxelmesh_mirror_queue_depth %d\n", st.QueueDepth)

	fmt.Fprintf(rw, "# HELP voxelmesh_mirror_uploads_total Snapshot uploads by result.\n")
	fmt.Fprintf(rw, "# TYPE voxelmesh_mirror_uploads_total counter\n")
	fmt.Fprintf(rw, "voxelmesh_mirror_uploads_total{result=\"ok\"} %d\n", st.Uploaded)
	fmt.Fprintf(rw, "voxelmesh_mirror_uploads_total{result=\"failed\"} %d\n", st.Failed)
	fmt.Fprintf(rw, "voxelmesh_mirror_uploads_total{result=\"dropped\"} %d\n", st.Dropped)
}

// latestSnapshot prefers the index and falls back to scanning the snapshot
// directory, whose file names are creation times in milliseconds.
func latestSnapshot(dataDir string, idx runtimeIndex) string {
	if idx != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		path, ok, err := idx.LatestSnapshot(ctx)
		cancel()
		if err == nil && ok {
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	dir := filepath.Join(dataDir, "snapshots")
	names, err := archive.List(dir)
	if err != nil || len(names) == 0 {
		return ""
	}
	return filepath.Join(dir, names[len(names)-1])
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

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
