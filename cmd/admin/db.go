package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/index/world.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	aabb := fs.String("aabb", "", "AABB filter for edits: x1,y1,z1:x2,y2,z2 (optional)")
	client := fs.String("client", "", "client/session filter for edits (optional)")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "world.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	var hasBox bool
	var min, max [3]int
	if strings.TrimSpace(*aabb) != "" {
		min, max, err = parseAABB(*aabb)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -aabb:", err)
			os.Exit(2)
		}
		hasBox = true
	}

	switch q {
	case "snapshots":
		err = querySnapshots(db, *limit)
	case "batches":
		err = queryBatches(db, *limit)
	case "edits":
		err = queryEdits(db, *limit, strings.TrimSpace(*client), hasBox, min, max)
	case "config":
		err = queryConfig(db)
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(want snapshots|batches|edits|config)")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, q+":", err)
		os.Exit(1)
	}
}

type snapshotRow struct {
	Path        string `json:"path"`
	CreatedUnix int64  `json:"created_unix"`
	Seed        int64  `json:"seed"`
	ChunkSize   int    `json:"chunk_size"`
	Chunks      int    `json:"chunks"`
	Nodes       int    `json:"nodes"`
	Center      [3]int `json:"center"`
}

func querySnapshots(db *sql.DB, limit int) error {
	rows, err := db.Query(`SELECT path,created_unix,seed,chunk_size,chunks,nodes,center_x,center_y,center_z FROM snapshots ORDER BY created_unix DESC LIMIT ?`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var r snapshotRow
		if err := rows.Scan(&r.Path, &r.CreatedUnix, &r.Seed, &r.ChunkSize, &r.Chunks, &r.Nodes, &r.Center[0], &r.Center[1], &r.Center[2]); err != nil {
			return err
		}
		printJSON(r)
	}
	return rows.Err()
}

// queryBatches prints the stored batch JSON verbatim.
func queryBatches(db *sql.DB, limit int) error {
	rows, err := db.Query(`SELECT raw_json FROM batches ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		fmt.Println(raw)
	}
	return rows.Err()
}

type editRow struct {
	Seq      int64  `json:"seq"`
	UnixMs   int64  `json:"unix_ms"`
	BatchID  string `json:"batch_id"`
	Op       string `json:"op"`
	Pos      [3]int `json:"pos"`
	Color    uint32 `json:"color"`
	Material uint32 `json:"material"`
	Client   string `json:"client,omitempty"`
}

func queryEdits(db *sql.DB, limit int, client string, hasBox bool, min, max [3]int) error {
	query := `SELECT seq,unix_ms,batch_id,op,x,y,z,color,material,COALESCE(client,'') FROM edits`
	var args []any
	var where []string
	if client != "" {
		where = append(where, "client = ?")
		args = append(args, client)
	}
	if hasBox {
		where = append(where, "x BETWEEN ? AND ?", "y BETWEEN ? AND ?", "z BETWEEN ? AND ?")
		args = append(args, min[0], max[0], min[1], max[1], min[2], max[2])
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var r editRow
		if err := rows.Scan(&r.Seq, &r.UnixMs, &r.BatchID, &r.Op, &r.Pos[0], &r.Pos[1], &r.Pos[2], &r.Color, &r.Material, &r.Client); err != nil {
			return err
		}
		if hasBox && !withinAABB(r.Pos, min, max) {
			continue
		}
		printJSON(r)
	}
	return rows.Err()
}

func queryConfig(db *sql.DB) error {
	var digest, raw, updated string
	err := db.QueryRow(`SELECT digest,json,updated_at FROM config WHERE name='world'`).Scan(&digest, &raw, &updated)
	if err != nil {
		return err
	}
	printJSON(struct {
		Digest    string          `json:"digest"`
		UpdatedAt string          `json:"updated_at"`
		Config    json.RawMessage `json:"config"`
	}{digest, updated, json.RawMessage(raw)})
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
