package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelmesh.dev/internal/world"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files named
// <prefix>-YYYY-MM-DD-HH.jsonl.zst. Every Write ends a zstd block so a crash
// loses at most the record being written.
//
// With a size limit, a file that reaches maxBytes on disk is continued in
// <prefix>-YYYY-MM-DD-HH_NNN.jsonl.zst; the names still sort in write order.
type JSONLZstdWriter struct {
	baseDir  string
	prefix   string
	maxBytes int64
	now      func() time.Time

	mu      sync.Mutex
	curHour string
	part    int
	f       *countingFile
	enc     *zstd.Encoder
	w       *bufio.Writer
}

// countingFile tracks the on-disk size of the open segment.
type countingFile struct {
	*os.File
	n int64
}

func (c *countingFile) Write(p []byte) (int, error) {
	n, err := c.File.Write(p)
	c.n += int64(n)
	return n, err
}

// NewJSONLZstdWriter returns a writer rotating hourly and, when maxBytes > 0,
// whenever the current file grows past maxBytes.
func NewJSONLZstdWriter(baseDir, prefix string, maxBytes int64) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir:  baseDir,
		prefix:   prefix,
		maxBytes: maxBytes,
		now:      time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	switch {
	case hour != w.curHour:
		if err := w.openLocked(hour, w.firstOpenPart(hour)); err != nil {
			return err
		}
	case w.full():
		if err := w.openLocked(hour, w.part+1); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) full() bool {
	return w.maxBytes > 0 && w.f != nil && w.f.n >= w.maxBytes
}

// firstOpenPart skips segments of hour already filled by an earlier process.
func (w *JSONLZstdWriter) firstOpenPart(hour string) int {
	if w.maxBytes <= 0 {
		return 0
	}
	part := 0
	for {
		fi, err := os.Stat(w.pathFor(hour, part))
		if err != nil || fi.Size() < w.maxBytes {
			return part
		}
		part++
	}
}

func (w *JSONLZstdWriter) openLocked(hour string, part int) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathFor(hour, part)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	cf := &countingFile{File: f, n: fi.Size()}
	enc, err := zstd.NewWriter(cf, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = cf
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	w.part = part
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		if err := w.f.Close(); err1 == nil {
			err1 = err
		}
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathFor(hour string, part int) string {
	name := fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour)
	if part > 0 {
		name = fmt.Sprintf("%s-%s_%03d.jsonl.zst", w.prefix, hour, part)
	}
	return filepath.Join(w.baseDir, name)
}

// BatchLogger writes one JSONL entry per world batch (compressed). It
// satisfies world.BatchRecorder.
type BatchLogger struct{ w *JSONLZstdWriter }

func NewBatchLogger(dataDir string, maxBytes int64) *BatchLogger {
	return &BatchLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "batches"), "batches", maxBytes)}
}

func (l *BatchLogger) WriteBatch(v world.BatchStats) error { return l.w.Write(v) }
func (l *BatchLogger) Close() error                         { return l.w.Close() }

// EditEntry is one voxel edit as applied by the server.
type EditEntry struct {
	UnixMs   int64  `json:"unix_ms"`
	BatchID  string `json:"batch_id"`
	Op       string `json:"op"`
	Pos      [3]int `json:"pos"`
	Color    uint32 `json:"color,omitempty"`
	Material uint32 `json:"material,omitempty"`
	Client   string `json:"client,omitempty"`
}

// EditLogger writes the voxel edit audit trail (compressed).
type EditLogger struct{ w *JSONLZstdWriter }

func NewEditLogger(dataDir string, maxBytes int64) *EditLogger {
	return &EditLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "edits"), "edits", maxBytes)}
}

func (l *EditLogger) WriteEdit(v EditEntry) error { return l.w.Write(v) }
func (l *EditLogger) Close() error                { return l.w.Close() }
