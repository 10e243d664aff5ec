package mesh

import (
	"github.com/go-gl/mathgl/mgl32"

	"voxelmesh.dev/internal/voxel"
)

// Vertex is the renderer-facing vertex. Face carries the direction tag 0..5
// in place of a normal.
type Vertex struct {
	Position mgl32.Vec3
	Face     int32
	Color    uint32
	Material uint32
}

// VerticesPerQuad is two triangles without index sharing.
const VerticesPerQuad = 6

// Vertices expands quads into triangles offset by origin and stamped with v.
func Vertices(quads []Quad, origin mgl32.Vec3, v voxel.Voxel) []Vertex {
	return AppendVertices(make([]Vertex, 0, len(quads)*VerticesPerQuad), quads, origin, v)
}

// AppendVertices is Vertices writing into dst. Triangles wind
// counter-clockwise seen from outside the face.
func AppendVertices(dst []Vertex, quads []Quad, origin mgl32.Vec3, v voxel.Voxel) []Vertex {
	for _, q := range quads {
		fi := &faceTable[q.Face]
		p00 := origin.Add(mgl32.Vec3{float32(q.X), float32(q.Y), float32(q.Z)})
		if fi.positive {
			p00 = p00.Add(fi.normal)
		}
		du := fi.u.Mul(float32(q.W))
		dv := fi.v.Mul(float32(q.H))
		p10, p01 := p00.Add(du), p00.Add(dv)
		p11 := p10.Add(dv)

		tri := [VerticesPerQuad]mgl32.Vec3{p00, p10, p11, p00, p11, p01}
		if fi.flip {
			tri = [VerticesPerQuad]mgl32.Vec3{p00, p01, p11, p00, p11, p10}
		}
		for _, p := range tri {
			dst = append(dst, Vertex{Position: p, Face: int32(q.Face), Color: v.Color, Material: v.Material})
		}
	}
	return dst
}
