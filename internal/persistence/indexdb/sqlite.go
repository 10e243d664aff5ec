package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/atomic"
	_ "modernc.org/sqlite"

	"voxelmesh.dev/internal/config"
	vlog "voxelmesh.dev/internal/persistence/log"
	"voxelmesh.dev/internal/persistence/snapshot"
	"voxelmesh.dev/internal/world"
)

// SQLiteIndex is a queryable secondary index over batches, edits and
// snapshots. Writes are queued and applied by one goroutine; when the queue
// is full they are dropped and counted. The JSONL logs remain the source of
// truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropBatch    atomic.Uint64
	dropEdit     atomic.Uint64
	dropSnapshot atomic.Uint64
}

type reqKind int

const (
	reqBatch reqKind = iota + 1
	reqEdit
	reqSnapshot
)

type req struct {
	kind reqKind

	batch    world.BatchStats
	edit     vlog.EditEntry
	snapshot snapshotRow
}

type snapshotRow struct {
	Path        string
	Seed        int64
	ChunkSize   int
	Chunks      int
	Nodes       int
	Center      [3]int
	CreatedUnix int64
}

type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropBatchTotal    uint64 `json:"drop_batch_total"`
	DropEditTotal     uint64 `json:"drop_edit_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Edits can burst when a client drags a brush.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS config (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			started_at TEXT NOT NULL,
			center_x INTEGER NOT NULL,
			center_y INTEGER NOT NULL,
			center_z INTEGER NOT NULL,
			added INTEGER NOT NULL,
			removed INTEGER NOT NULL,
			remeshed INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			quads INTEGER NOT NULL,
			vertices INTEGER NOT NULL,
			memory_bytes INTEGER NOT NULL,
			total_ms INTEGER NOT NULL,
			cancelled INTEGER NOT NULL,
			error TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_batches_started ON batches(started_at);`,
		`CREATE TABLE IF NOT EXISTS edits (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			unix_ms INTEGER NOT NULL,
			batch_id TEXT NOT NULL,
			op TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			color INTEGER NOT NULL,
			material INTEGER NOT NULL,
			client TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_edits_pos ON edits(x, z, y);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			path TEXT PRIMARY KEY,
			created_unix INTEGER NOT NULL,
			seed INTEGER NOT NULL,
			chunk_size INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			nodes INTEGER NOT NULL,
			center_x INTEGER NOT NULL,
			center_y INTEGER NOT NULL,
			center_z INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_unix);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteBatch queues one batch row. It never blocks and never fails, so the
// index can sit in world.Options.Recorders.
func (s *SQLiteIndex) WriteBatch(st world.BatchStats) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqBatch, batch: st}:
	default:
		s.dropBatch.Inc()
	}
	return nil
}

func (s *SQLiteIndex) RecordEdit(e vlog.EditEntry) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqEdit, edit: e}:
	default:
		s.dropEdit.Inc()
	}
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		Path:        path,
		Seed:        snap.Header.Seed,
		ChunkSize:   snap.Header.ChunkSize,
		Chunks:      len(snap.Chunks),
		Center:      snap.Header.Center,
		CreatedUnix: snap.Header.CreatedUnix,
	}
	for _, c := range snap.Chunks {
		r.Nodes += len(c.Nodes)
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Inc()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropBatchTotal:    s.dropBatch.Load(),
		DropEditTotal:     s.dropEdit.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

// UpsertConfig stores the effective world config and its digest. It writes
// synchronously, outside the queue.
func (s *SQLiteIndex) UpsertConfig(cfg config.Config) (string, error) {
	if s == nil {
		return "", nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	digest := hex.EncodeToString(sum[:])
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return "", err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO config(name,digest,json,updated_at) VALUES('world',?,?,?)`, digest, string(b), now); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return digest, nil
}

// LatestSnapshot returns the path of the most recent recorded snapshot.
func (s *SQLiteIndex) LatestSnapshot(ctx context.Context) (string, bool, error) {
	var path string
	err := s.db.QueryRowContext(ctx, `SELECT path FROM snapshots ORDER BY created_unix DESC, rowid DESC LIMIT 1`).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return path, true, nil
}

// RecentBatches returns up to n committed batches, newest first.
func (s *SQLiteIndex) RecentBatches(ctx context.Context, n int) ([]world.BatchStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT raw_json FROM batches ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []world.BatchStats
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var st world.BatchStats
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Prepared statements (on db; executed within tx).
	insertBatch, _ := s.db.Prepare(`INSERT OR REPLACE INTO batches(id,kind,started_at,center_x,center_y,center_z,added,removed,remeshed,chunks,quads,vertices,memory_bytes,total_ms,cancelled,error,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertEdit, _ := s.db.Prepare(`INSERT INTO edits(unix_ms,batch_id,op,x,y,z,color,material,client) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(path,created_unix,seed,chunk_size,chunks,nodes,center_x,center_y,center_z) VALUES(?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertBatch, insertEdit, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqBatch:
			b := r.batch
			raw, _ := json.Marshal(b)
			if insertBatch == nil {
				continue
			}
			if _, err := tx.Stmt(insertBatch).Exec(
				b.ID,
				b.Kind,
				b.StartedAt.UTC().Format(time.RFC3339Nano),
				b.Center[0], b.Center[1], b.Center[2],
				b.Added,
				b.Removed,
				b.Remeshed,
				b.Chunks,
				b.Quads,
				b.Vertices,
				b.MemoryBytes,
				b.TotalMs,
				boolInt(b.Cancelled),
				b.Error,
				string(raw),
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqEdit:
			e := r.edit
			if insertEdit == nil {
				continue
			}
			if _, err := tx.Stmt(insertEdit).Exec(
				e.UnixMs,
				e.BatchID,
				e.Op,
				e.Pos[0], e.Pos[1], e.Pos[2],
				int64(e.Color),
				int64(e.Material),
				e.Client,
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot == nil {
				continue
			}
			if _, err := tx.Stmt(insertSnapshot).Exec(
				sn.Path,
				sn.CreatedUnix,
				sn.Seed,
				sn.ChunkSize,
				sn.Chunks,
				sn.Nodes,
				sn.Center[0], sn.Center[1], sn.Center[2],
			); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		flushIfNeeded()
	}

	commit()
}
