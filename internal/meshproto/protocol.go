// Package meshproto defines the mesh streaming protocol: JSON text messages
// for control and binary frames for vertex buffers.
package meshproto

import "encoding/json"

const Version = "0.1"

// Message types.
const (
	TypeHello      = "HELLO"
	TypeWelcome    = "WELCOME"
	TypeMove       = "MOVE"
	TypeEdit       = "EDIT"
	TypePick       = "PICK"
	TypePickResult = "PICK_RESULT"
	TypeStats      = "STATS"
	TypeError      = "ERROR"
)

// Edit operations.
const (
	OpSet    = "set"
	OpDelete = "delete"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// Client -> Server. First message on the connection.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
	// Compress asks for zstd-compressed mesh frames.
	Compress bool `json:"compress,omitempty"`
	// Position is the initial player position in world units.
	Position *[3]float32 `json:"position,omitempty"`
}

// Server -> Client. Reply to HELLO.
type WelcomeMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	SessionID       string         `json:"session_id"`
	WorldParams     WorldParams    `json:"world_params"`
	Palette         []PaletteEntry `json:"palette"`
	VertexStride    int            `json:"vertex_stride"`
}

type WorldParams struct {
	Seed           int64 `json:"seed"`
	ChunkSize      int   `json:"chunk_size"`
	MesherWidth    int   `json:"mesher_width"`
	ChunkRadius    int   `json:"chunk_radius"`
	VerticalChunks int   `json:"vertical_chunks"`
}

type PaletteEntry struct {
	Name     string `json:"name"`
	Color    uint32 `json:"color"`
	Material uint32 `json:"material"`
}

// Client -> Server. Player position update; the server recentres the loaded
// window on the chunk containing it.
type MoveMsg struct {
	Type     string     `json:"type"`
	Position [3]float32 `json:"position"`
}

// Client -> Server. Voxel names a palette entry and is required for OpSet.
type EditMsg struct {
	Type  string `json:"type"`
	Op    string `json:"op"`
	Pos   [3]int `json:"pos"`
	Voxel string `json:"voxel,omitempty"`
}

// Client -> Server. A missing or negative MaxDepth reads at full depth.
type PickMsg struct {
	Type     string `json:"type"`
	Pos      [3]int `json:"pos"`
	MaxDepth *int   `json:"max_depth,omitempty"`
}

type PickResultMsg struct {
	Type     string `json:"type"`
	Pos      [3]int `json:"pos"`
	Found    bool   `json:"found"`
	Name     string `json:"name,omitempty"`
	Color    uint32 `json:"color,omitempty"`
	Material uint32 `json:"material,omitempty"`
}

// Server -> Client. Sent after every mesh frame.
type StatsMsg struct {
	Type        string `json:"type"`
	Frame       uint32 `json:"frame"`
	Center      [3]int `json:"center"`
	Chunks      int    `json:"chunks"`
	Active      int    `json:"active"`
	Vertices    int    `json:"vertices"`
	MemoryBytes int    `json:"memory_bytes"`
	Batches     uint64 `json:"batches"`
	LastBatchID string `json:"last_batch_id,omitempty"`
	LastBatchMs int64  `json:"last_batch_ms,omitempty"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(code, msg string) ErrorMsg {
	return ErrorMsg{Type: TypeError, Code: code, Message: msg}
}
