// Package archive moves old world snapshots out of the live snapshot
// directory so startup and the index only ever scan a bounded set.
package archive

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"voxelmesh.dev/internal/persistence/snapshot"
)

const suffix = ".snap.zst"

type Meta struct {
	Snapshot    string `json:"snapshot"`
	Seed        int64  `json:"seed"`
	ChunkSize   int    `json:"chunk_size"`
	Chunks      int    `json:"chunks"`
	Center      [3]int `json:"center"`
	CreatedUnix int64  `json:"created_unix"`
	ArchivedAt  string `json:"archived_at"`
}

// Rotate keeps the newest keep snapshots in dir and moves the rest to
// dir/archive/<YYYYMMDD>/, writing a <name>.json sidecar next to each.
// keep <= 0 disables rotation. It returns the archived paths.
func Rotate(dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	names, err := List(dir)
	if err != nil {
		return nil, err
	}
	if len(names) <= keep {
		return nil, nil
	}

	var out []string
	for _, name := range names[:len(names)-keep] {
		ms, _ := parseName(name)
		day := time.UnixMilli(ms).UTC().Format("20060102")
		archiveDir := filepath.Join(dir, "archive", day)
		if err := os.MkdirAll(archiveDir, 0o755); err != nil {
			return out, err
		}

		src := filepath.Join(dir, name)
		dst := filepath.Join(archiveDir, name)
		meta := Meta{Snapshot: name, ArchivedAt: time.Now().UTC().Format(time.RFC3339Nano)}
		if h, err := snapshot.ReadHeader(src); err == nil {
			meta.Seed = h.Seed
			meta.ChunkSize = h.ChunkSize
			meta.Chunks = h.Chunks
			meta.Center = h.Center
			meta.CreatedUnix = h.CreatedUnix
		}

		if err := moveFile(src, dst); err != nil {
			return out, err
		}
		if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
			_ = os.WriteFile(strings.TrimSuffix(dst, suffix)+".json", b, 0o644)
		}
		out = append(out, dst)
	}
	return out, nil
}

// List returns the <unixMillis>.snap.zst names in dir, oldest first.
// A missing dir is not an error.
func List(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if _, ok := parseName(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := parseName(names[i])
		b, _ := parseName(names[j])
		return a < b
	})
	return names, nil
}

func parseName(name string) (int64, bool) {
	if !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	ms, err := strconv.ParseInt(strings.TrimSuffix(name, suffix), 10, 64)
	if err != nil || ms < 0 {
		return 0, false
	}
	return ms, true
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Rename fails across devices; fall back to copy and remove.
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
