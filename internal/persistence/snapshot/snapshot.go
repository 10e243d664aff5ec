package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"voxelmesh.dev/internal/voxel"
	"voxelmesh.dev/internal/voxel/octree"
)

const Version = 1

type Header struct {
	Version     int    `json:"version"`
	Seed        int64  `json:"seed"`
	ChunkSize   int    `json:"chunk_size"`
	Chunks      int    `json:"chunks"`
	Center      [3]int `json:"center"`
	CreatedUnix int64  `json:"created_unix"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	WorldHeight    int `json:"world_height"`
	ChunkRadius    int `json:"chunk_radius"`
	VerticalChunks int `json:"vertical_chunks"`

	Chunks []ChunkV1 `json:"chunks"`
}

// ChunkV1 is one chunk octree in preorder; see octree.Flat.
type ChunkV1 struct {
	Coord  [3]int    `json:"coord"`
	Size   int       `json:"size"`
	Nodes  []NodeV1  `json:"nodes"`
	Unique []VoxelV1 `json:"unique"`
}

type NodeV1 struct {
	Color    uint32 `json:"color,omitempty"`
	Material uint32 `json:"material,omitempty"`
	Leaf     bool   `json:"leaf,omitempty"`
	Children uint8  `json:"children,omitempty"`
}

type VoxelV1 struct {
	Color    uint32 `json:"color"`
	Material uint32 `json:"material"`
}

func ChunkFromOctree(o *octree.Octree) ChunkV1 {
	f := o.Export()
	c := ChunkV1{
		Coord:  [3]int{f.Coord.X, f.Coord.Y, f.Coord.Z},
		Size:   f.Size,
		Nodes:  make([]NodeV1, len(f.Nodes)),
		Unique: make([]VoxelV1, len(f.Unique)),
	}
	for i, n := range f.Nodes {
		c.Nodes[i] = NodeV1{Color: n.Voxel.Color, Material: n.Voxel.Material, Leaf: n.Leaf, Children: n.Children}
	}
	for i, v := range f.Unique {
		c.Unique[i] = VoxelV1{Color: v.Color, Material: v.Material}
	}
	return c
}

func (c ChunkV1) Octree() (*octree.Octree, error) {
	f := octree.Flat{
		Size:   c.Size,
		Coord:  octree.Coord{X: c.Coord[0], Y: c.Coord[1], Z: c.Coord[2]},
		Nodes:  make([]octree.FlatNode, len(c.Nodes)),
		Unique: make([]voxel.Voxel, len(c.Unique)),
	}
	for i, n := range c.Nodes {
		f.Nodes[i] = octree.FlatNode{
			Voxel:    voxel.Voxel{Color: n.Color, Material: n.Material},
			Leaf:     n.Leaf,
			Children: n.Children,
		}
	}
	for i, v := range c.Unique {
		f.Unique[i] = voxel.Voxel{Color: v.Color, Material: v.Material}
	}
	o, err := octree.Import(f)
	if err != nil {
		return nil, fmt.Errorf("chunk %v: %w", c.Coord, err)
	}
	return o, nil
}

// WriteSnapshot writes a zstd stream holding one JSON header line followed by
// the gob-encoded snapshot.
func WriteSnapshot(path string, snap SnapshotV1) (err error) {
	if snap.Header.Version == 0 {
		snap.Header.Version = Version
	}
	snap.Header.Chunks = len(snap.Chunks)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(append(hb, '\n')); err != nil {
		enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	h, err := readHeader(br)
	if err != nil {
		return snap, err
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header != h {
		return snap, errors.New("snapshot: header line does not match payload")
	}
	return snap, nil
}

// ReadHeader decodes only the header line.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return Header{}, err
	}
	defer dec.Close()
	return readHeader(bufio.NewReader(dec))
}

func readHeader(br *bufio.Reader) (Header, error) {
	var h Header
	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("snapshot header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("snapshot header: %w", err)
	}
	if h.Version != Version {
		return h, fmt.Errorf("snapshot: unsupported version %d", h.Version)
	}
	return h, nil
}
