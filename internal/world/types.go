package world

import (
	"errors"
	"time"

	"go.uber.org/atomic"

	"voxelmesh.dev/internal/voxel/octree"
)

// Coord is a chunk coordinate.
type Coord = octree.Coord

type ChunkState int32

const (
	StateAbsent ChunkState = iota
	StateGenerating
	StateMeshing
	StateActive
	StateRemoved
)

func (s ChunkState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateGenerating:
		return "generating"
	case StateMeshing:
		return "meshing"
	case StateActive:
		return "active"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

var ErrChunkNotLoaded = errors.New("world: chunk not loaded")

// Generator builds the octree of one chunk. It is called from several
// goroutines at once.
type Generator interface {
	Chunk(c Coord) (*octree.Octree, error)
}

type Chunk struct {
	Coord Coord
	state atomic.Int32

	// tree is nil until generation finishes. Guarded by the chunk's
	// LockPool shard.
	tree *octree.Octree
}

func newChunk(c Coord, s ChunkState) *Chunk {
	ch := &Chunk{Coord: c}
	ch.state.Store(int32(s))
	return ch
}

func (c *Chunk) State() ChunkState     { return ChunkState(c.state.Load()) }
func (c *Chunk) setState(s ChunkState) { c.state.Store(int32(s)) }

// BatchStats summarises one pipeline run.
type BatchStats struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Center    [3]int    `json:"center"`
	StartedAt time.Time `json:"started_at"`

	Added    int `json:"added"`
	Removed  int `json:"removed"`
	Remeshed int `json:"remeshed"`
	Chunks   int `json:"chunks"`

	// Edited is 1 when an edit batch changed a voxel, even if the remesh
	// that followed failed.
	Edited int `json:"edited,omitempty"`

	Quads       int `json:"quads"`
	Vertices    int `json:"vertices"`
	MemoryBytes int `json:"memory_bytes"`

	GenerateMs int64 `json:"generate_ms"`
	LinkMs     int64 `json:"link_ms"`
	MeshMs     int64 `json:"mesh_ms"`
	TotalMs    int64 `json:"total_ms"`

	Cancelled bool   `json:"cancelled,omitempty"`
	Error     string `json:"error,omitempty"`
}

const (
	BatchMove   = "move"
	BatchEdit   = "edit"
	BatchImport = "import"
)

// BatchRecorder receives every finished batch, including failed ones.
type BatchRecorder interface {
	WriteBatch(BatchStats) error
}

type Stats struct {
	Chunks      int        `json:"chunks"`
	Active      int        `json:"active"`
	Nodes       int        `json:"nodes"`
	MemoryBytes int        `json:"memory_bytes"`
	Vertices    int        `json:"vertices"`
	Batches     uint64     `json:"batches"`
	LastBatch   BatchStats `json:"last_batch"`
}
