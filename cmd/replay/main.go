package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"voxelmesh.dev/internal/config"
	vlog "voxelmesh.dev/internal/persistence/log"
	"voxelmesh.dev/internal/persistence/snapshot"
	"voxelmesh.dev/internal/voxel"
	"voxelmesh.dev/internal/world"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to .snap.zst")
		editsDir   = flag.String("edits", "", "edits dir containing edits-*.jsonl.zst (optional)")
		configPath = flag.String("config", "", "world config path (empty for defaults)")
		expectPath = flag.String("expect", "", "snapshot the replayed world must match (optional)")
		outPath    = flag.String("out", "", "write the replayed world to this .snap.zst path (optional)")
	)
	flag.Parse()

	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}

	snap, err := snapshot.ReadSnapshot(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}

	nodes := 0
	for _, c := range snap.Chunks {
		nodes += len(c.Nodes)
	}
	fmt.Printf("snapshot v%d seed=%d chunk_size=%d center=%v chunks=%d nodes=%d created=%d\n",
		snap.Header.Version, snap.Header.Seed, snap.Header.ChunkSize, snap.Header.Center,
		len(snap.Chunks), nodes, snap.Header.CreatedUnix)

	if *editsDir == "" && *expectPath == "" && *outPath == "" {
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	mgr, err := newReplayManager(cfg, snap)
	if err != nil {
		fmt.Fprintln(os.Stderr, "world:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if _, err := mgr.ImportSnapshot(ctx, snap); err != nil {
		fmt.Fprintln(os.Stderr, "import snapshot:", err)
		os.Exit(1)
	}

	var counts replayCounts
	if *editsDir != "" {
		files, err := listEditFiles(*editsDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "list edits:", err)
			os.Exit(1)
		}
		if len(files) == 0 {
			fmt.Fprintln(os.Stderr, "no edit files found in", *editsDir)
			os.Exit(1)
		}
		sinceMs := snap.Header.CreatedUnix * 1000
		for _, path := range files {
			if err := replayFile(ctx, mgr, path, sinceMs, &counts); err != nil {
				fmt.Fprintln(os.Stderr, "replay:", err)
				os.Exit(1)
			}
		}
	}
	fmt.Printf("replay ok: applied=%d skipped_old=%d skipped_unloaded=%d\n", counts.applied, counts.old, counts.unloaded)

	got := mgr.ExportSnapshot(snap.Header.Seed)
	if *expectPath != "" {
		want, err := snapshot.ReadSnapshot(*expectPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read expected snapshot:", err)
			os.Exit(1)
		}
		if err := compareChunks(got, want); err != nil {
			fmt.Fprintln(os.Stderr, "mismatch:", err)
			os.Exit(1)
		}
		fmt.Printf("match: %d chunks equal %s\n", len(got.Chunks), filepath.Base(*expectPath))
	}
	if *outPath != "" {
		if err := snapshot.WriteSnapshot(*outPath, got); err != nil {
			fmt.Fprintln(os.Stderr, "write snapshot:", err)
			os.Exit(1)
		}
	}
}

// newReplayManager sizes a manager after the snapshot rather than the config,
// which only supplies the generator and mesher width.
func newReplayManager(cfg config.Config, snap snapshot.SnapshotV1) (*world.Manager, error) {
	width := cfg.MesherWidth
	if cs := snap.Header.ChunkSize; cs >= 32 && width > cs {
		width = cs
	}
	return world.NewManager(world.Options{
		ChunkSize:      snap.Header.ChunkSize,
		MesherWidth:    width,
		Radius:         snap.ChunkRadius,
		VerticalChunks: snap.VerticalChunks,
		Workers:        cfg.Workers,
		Generator:      cfg.Generator(),
		Logger:         log.New(io.Discard, "", 0),
	})
}

type replayCounts struct {
	applied  int
	old      int
	unloaded int
}

func listEditFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "edits-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	// Hourly names, and their _NNN size parts, sort chronologically.
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// replayFile applies the edits of one log file. Edits are point overwrites,
// so replaying from somewhat before the snapshot still converges; entries
// older than sinceMs are skipped only to save work.
func replayFile(ctx context.Context, mgr *world.Manager, path string, sinceMs int64, counts *replayCounts) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		var e vlog.EditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if e.UnixMs < sinceMs {
			counts.old++
			continue
		}
		switch e.Op {
		case "set":
			_, err = mgr.SetVoxel(ctx, e.Pos[0], e.Pos[1], e.Pos[2], voxel.Voxel{Color: e.Color, Material: e.Material})
		case "delete":
			_, err = mgr.DeleteVoxel(ctx, e.Pos[0], e.Pos[1], e.Pos[2])
		default:
			return fmt.Errorf("%s: unknown op %q", filepath.Base(path), e.Op)
		}
		switch {
		case errors.Is(err, world.ErrChunkNotLoaded):
			counts.unloaded++
		case err != nil:
			return fmt.Errorf("%s: edit %v: %w", filepath.Base(path), e.Pos, err)
		default:
			counts.applied++
		}
	}
	return sc.Err()
}

// compareChunks checks that both snapshots hold the same chunks with the
// same preorder node streams.
func compareChunks(got, want snapshot.SnapshotV1) error {
	if got.Header.ChunkSize != want.Header.ChunkSize {
		return fmt.Errorf("chunk size %d != %d", got.Header.ChunkSize, want.Header.ChunkSize)
	}
	byCoord := make(map[[3]int]snapshot.ChunkV1, len(want.Chunks))
	for _, c := range want.Chunks {
		byCoord[c.Coord] = c
	}
	if len(got.Chunks) != len(byCoord) {
		return fmt.Errorf("%d chunks, want %d", len(got.Chunks), len(byCoord))
	}
	for _, c := range got.Chunks {
		w, ok := byCoord[c.Coord]
		if !ok {
			return fmt.Errorf("unexpected chunk %v", c.Coord)
		}
		if !slices.Equal(c.Nodes, w.Nodes) {
			return fmt.Errorf("chunk %v differs (%d nodes, want %d)", c.Coord, len(c.Nodes), len(w.Nodes))
		}
	}
	return nil
}
