package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"voxelmesh.dev/internal/config"
	"voxelmesh.dev/internal/persistence/indexdb"
	vlog "voxelmesh.dev/internal/persistence/log"
	"voxelmesh.dev/internal/persistence/snapshot"
	"voxelmesh.dev/internal/world"
)

type runtimeIndex interface {
	world.BatchRecorder
	Close() error
	RecordEdit(e vlog.EditEntry)
	RecordSnapshot(path string, snap snapshot.SnapshotV1)
	UpsertConfig(cfg config.Config) (string, error)
	LatestSnapshot(ctx context.Context) (string, bool, error)
	RecentBatches(ctx context.Context, n int) ([]world.BatchStats, error)
	Stats() indexdb.Stats
}

func openRuntimeIndex(dataDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("VM_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		idx, err := indexdb.OpenSQLite(filepath.Join(dataDir, "index", "world.sqlite"))
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported VM_INDEX_BACKEND: %s", backend)
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
