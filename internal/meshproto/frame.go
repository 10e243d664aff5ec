package meshproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/klauspost/compress/zstd"

	"voxelmesh.dev/internal/voxel/mesh"
)

// Binary mesh frame, little-endian:
//
//	magic   [4]byte "VXM1"
//	flags   uint32  (FlagZstd: payload is one zstd frame)
//	seq     uint32
//	count   uint32  vertex count
//	payload count * VertexSize bytes, optionally compressed
//
// A vertex is position x,y,z as float32, then face int32, color uint32 and
// material uint32.
const (
	FrameMagic  = "VXM1"
	HeaderSize  = 16
	VertexSize  = 24
	FlagZstd    = 1 << 0
	maxVertices = 1 << 26
)

var (
	ErrShortFrame = errors.New("meshproto: short frame")
	ErrBadMagic   = errors.New("meshproto: bad frame magic")
)

type Frame struct {
	Seq      uint32
	Flags    uint32
	Vertices []mesh.Vertex
}

// FrameCodec encodes and decodes mesh frames. It is safe for concurrent use.
type FrameCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewFrameCodec() (*FrameCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &FrameCodec{enc: enc, dec: dec}, nil
}

func (c *FrameCodec) Close() {
	_ = c.enc.Close()
	c.dec.Close()
}

// AppendVertices appends the raw vertex payload for vs.
func AppendVertices(dst []byte, vs []mesh.Vertex) []byte {
	le := binary.LittleEndian
	for _, v := range vs {
		dst = le.AppendUint32(dst, math.Float32bits(v.Position[0]))
		dst = le.AppendUint32(dst, math.Float32bits(v.Position[1]))
		dst = le.AppendUint32(dst, math.Float32bits(v.Position[2]))
		dst = le.AppendUint32(dst, uint32(v.Face))
		dst = le.AppendUint32(dst, v.Color)
		dst = le.AppendUint32(dst, v.Material)
	}
	return dst
}

// Encode appends one frame holding vs to dst.
func (c *FrameCodec) Encode(dst []byte, seq uint32, vs []mesh.Vertex, compress bool) []byte {
	raw := AppendVertices(make([]byte, 0, len(vs)*VertexSize), vs)
	return c.EncodePayload(dst, seq, len(vs), raw, compress)
}

// EncodePayload frames a payload built by AppendVertices, so one payload can
// be shared between plain and compressed subscribers.
func (c *FrameCodec) EncodePayload(dst []byte, seq uint32, count int, raw []byte, compress bool) []byte {
	le := binary.LittleEndian
	var flags uint32
	if compress {
		flags |= FlagZstd
	}
	dst = append(dst, FrameMagic...)
	dst = le.AppendUint32(dst, flags)
	dst = le.AppendUint32(dst, seq)
	dst = le.AppendUint32(dst, uint32(count))
	if !compress {
		return append(dst, raw...)
	}
	return c.enc.EncodeAll(raw, dst)
}

func (c *FrameCodec) Decode(b []byte) (Frame, error) {
	var f Frame
	if len(b) < HeaderSize {
		return f, ErrShortFrame
	}
	if string(b[:4]) != FrameMagic {
		return f, ErrBadMagic
	}
	le := binary.LittleEndian
	f.Flags = le.Uint32(b[4:])
	f.Seq = le.Uint32(b[8:])
	count := int(le.Uint32(b[12:]))
	if count > maxVertices {
		return f, fmt.Errorf("meshproto: frame claims %d vertices", count)
	}
	payload := b[HeaderSize:]
	if f.Flags&FlagZstd != 0 {
		raw, err := c.dec.DecodeAll(payload, make([]byte, 0, count*VertexSize))
		if err != nil {
			return f, fmt.Errorf("meshproto: %w", err)
		}
		payload = raw
	}
	if len(payload) != count*VertexSize {
		return f, fmt.Errorf("%w: %d payload bytes for %d vertices", ErrShortFrame, len(payload), count)
	}
	f.Vertices = make([]mesh.Vertex, count)
	for i := range f.Vertices {
		p := payload[i*VertexSize:]
		f.Vertices[i] = mesh.Vertex{
			Position: mgl32.Vec3{
				math.Float32frombits(le.Uint32(p[0:])),
				math.Float32frombits(le.Uint32(p[4:])),
				math.Float32frombits(le.Uint32(p[8:])),
			},
			Face:     int32(le.Uint32(p[12:])),
			Color:    le.Uint32(p[16:]),
			Material: le.Uint32(p[20:]),
		}
	}
	return f, nil
}
