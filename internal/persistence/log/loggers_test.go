package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelmesh.dev/internal/world"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()
	var out []string
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func TestBatchLoggerWritesReadableJSONL(t *testing.T) {
	dir := t.TempDir()
	l := NewBatchLogger(dir, 0)
	fixed := time.Date(2026, 3, 4, 5, 30, 0, 0, time.UTC)
	l.w.now = func() time.Time { return fixed }

	for i := 0; i < 3; i++ {
		if err := l.WriteBatch(world.BatchStats{ID: "b" + string(rune('0'+i)), Kind: world.BatchMove, Added: i}); err != nil {
			t.Fatalf("WriteBatch: %v", err)
		}
	}

	path := filepath.Join(dir, "batches", "batches-2026-03-04-05.jsonl.zst")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	var st world.BatchStats
	if err := json.Unmarshal([]byte(lines[2]), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.ID != "b2" || st.Added != 2 || st.Kind != world.BatchMove {
		t.Fatalf("unexpected entry: %+v", st)
	}
}

func TestWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "edits", 0)
	now := time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	if err := w.Write(EditEntry{Op: "set", Pos: [3]int{1, 2, 3}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := w.Write(EditEntry{Op: "delete", Pos: [3]int{1, 2, 3}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, name := range []string{"edits-2026-01-01-23.jsonl.zst", "edits-2026-01-02-00.jsonl.zst"} {
		if got := readLines(t, filepath.Join(dir, name)); len(got) != 1 {
			t.Fatalf("%s: expected 1 line, got %d", name, len(got))
		}
	}
}

func TestWriterContinuesFullFileInNextPart(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2026, 3, 4, 5, 0, 0, 0, time.UTC)
	open := func() *JSONLZstdWriter {
		w := NewJSONLZstdWriter(dir, "edits", 1)
		w.now = func() time.Time { return fixed }
		return w
	}

	w := open()
	for i := 0; i < 3; i++ {
		if err := w.Write(EditEntry{Op: "set", Pos: [3]int{i, 0, 0}}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// A restarted writer must not append to the filled parts.
	w = open()
	if err := w.Write(EditEntry{Op: "delete", Pos: [3]int{3, 0, 0}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range ents {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	want := []string{
		"edits-2026-03-04-05.jsonl.zst",
		"edits-2026-03-04-05_001.jsonl.zst",
		"edits-2026-03-04-05_002.jsonl.zst",
		"edits-2026-03-04-05_003.jsonl.zst",
	}
	if len(names) != len(want) {
		t.Fatalf("files %v, want %v", names, want)
	}
	for i, name := range names {
		if name != want[i] {
			t.Fatalf("files %v, want %v", names, want)
		}
		lines := readLines(t, filepath.Join(dir, name))
		if len(lines) != 1 {
			t.Fatalf("%s: expected 1 line, got %d", name, len(lines))
		}
		var e EditEntry
		if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if e.Pos[0] != i {
			t.Fatalf("%s holds entry %d, want %d", name, e.Pos[0], i)
		}
	}
}

func TestWriteRejectsUnencodable(t *testing.T) {
	w := NewJSONLZstdWriter(t.TempDir(), "x", 0)
	defer w.Close()
	if err := w.Write(func() {}); err == nil {
		t.Fatalf("expected marshal error")
	}
}
