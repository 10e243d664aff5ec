package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"voxelmesh.dev/internal/config"
	vlog "voxelmesh.dev/internal/persistence/log"
	"voxelmesh.dev/internal/voxel"
	"voxelmesh.dev/internal/world"
)

func smallConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.ChunkSize = 32
	cfg.MesherWidth = 32
	cfg.BlockSize = 32
	cfg.ChunkRadius = 0
	cfg.VerticalChunks = 1
	cfg.Workers = 2
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func TestReplayReproducesEditedWorld(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := smallConfig(t)

	live, err := world.NewManager(world.Options{
		ChunkSize:      cfg.ChunkSize,
		MesherWidth:    cfg.MesherWidth,
		VerticalChunks: cfg.VerticalChunks,
		Workers:        cfg.Workers,
		Generator:      cfg.Generator(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := live.Move(ctx, world.Coord{}); err != nil {
		t.Fatalf("Move: %v", err)
	}
	base := live.ExportSnapshot(cfg.Seed)

	marker := voxel.Voxel{Color: voxel.RGBA(1, 2, 3, 255), Material: 9}
	edits := []vlog.EditEntry{
		{Op: "set", Pos: [3]int{5, 31, 5}, Color: marker.Color, Material: marker.Material},
		{Op: "set", Pos: [3]int{6, 31, 6}, Color: marker.Color, Material: marker.Material},
		{Op: "delete", Pos: [3]int{5, 31, 5}},
		{Op: "delete", Pos: [3]int{0, 0, 0}},
		{Op: "set", Pos: [3]int{1000, 0, 0}, Color: marker.Color},
	}
	logger := vlog.NewEditLogger(dir, 0)
	// Predates the snapshot, so replay skips it.
	if err := logger.WriteEdit(vlog.EditEntry{Op: "set", Pos: [3]int{1, 1, 1}, Color: marker.Color}); err != nil {
		t.Fatalf("WriteEdit: %v", err)
	}
	for _, e := range edits {
		if e.Op == "set" {
			_, err = live.SetVoxel(ctx, e.Pos[0], e.Pos[1], e.Pos[2], voxel.Voxel{Color: e.Color, Material: e.Material})
		} else {
			_, err = live.DeleteVoxel(ctx, e.Pos[0], e.Pos[1], e.Pos[2])
		}
		if err != nil && e.Pos[0] != 1000 {
			t.Fatalf("edit %v: %v", e.Pos, err)
		}
		e.UnixMs = time.Now().UnixMilli()
		if err := logger.WriteEdit(e); err != nil {
			t.Fatalf("WriteEdit: %v", err)
		}
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	want := live.ExportSnapshot(cfg.Seed)
	if err := compareChunks(base, want); err == nil {
		t.Fatalf("edits did not change the world")
	}

	replayed, err := newReplayManager(cfg, base)
	if err != nil {
		t.Fatalf("newReplayManager: %v", err)
	}
	if _, err := replayed.ImportSnapshot(ctx, base); err != nil {
		t.Fatalf("ImportSnapshot: %v", err)
	}
	files, err := listEditFiles(filepath.Join(dir, "edits"))
	if err != nil || len(files) == 0 {
		t.Fatalf("listEditFiles: %v %v", files, err)
	}
	var counts replayCounts
	for _, f := range files {
		if err := replayFile(ctx, replayed, f, base.Header.CreatedUnix*1000, &counts); err != nil {
			t.Fatalf("replayFile: %v", err)
		}
	}
	if counts.applied != 4 || counts.old != 1 || counts.unloaded != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if err := compareChunks(replayed.ExportSnapshot(cfg.Seed), want); err != nil {
		t.Fatalf("replayed world differs: %v", err)
	}
	if v, ok := replayed.Get(6, 31, 6, -1, nil); !ok || v != marker {
		t.Fatalf("Get(6,31,6) = %v %v", v, ok)
	}
}

func TestListEditFilesFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	logger := vlog.NewEditLogger(dir, 0)
	if err := logger.WriteEdit(vlog.EditEntry{Op: "delete"}); err != nil {
		t.Fatalf("WriteEdit: %v", err)
	}
	_ = logger.Close()
	files, err := listEditFiles(filepath.Join(dir, "edits"))
	if err != nil || len(files) != 1 {
		t.Fatalf("listEditFiles: %v %v", files, err)
	}
	if _, err := listEditFiles(filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}
