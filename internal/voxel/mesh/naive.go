package mesh

import (
	"voxelmesh.dev/internal/voxel"
	"voxelmesh.dev/internal/voxel/octree"
)

// Naive emits one 1x1 quad per exposed unit face, with the same filter and
// neighbour rules as the greedy mesher. It is the reference the greedy output
// is checked against and a baseline for quad-count diagnostics.
func Naive(src Source, filter *voxel.Voxel) []Quad {
	var out []Quad
	size := src.Size()
	src.WalkBox(0, 0, 0, size, func(x0, y0, z0, edge int, v voxel.Voxel) bool {
		if filter != nil && *filter != v {
			return true
		}
		for y := y0; y < y0+edge; y++ {
			for z := z0; z < z0+edge; z++ {
				for x := x0; x < x0+edge; x++ {
					for f := Face(0); f < faceCount; f++ {
						dx, dy, dz := f.Offset()
						if _, ok := src.Get(x+dx, y+dy, z+dz, octree.AnyDepth, filter); ok {
							continue
						}
						out = append(out, Quad{Face: f, X: x, Y: y, Z: z, W: 1, H: 1})
					}
				}
			}
		}
		return true
	})
	return out
}
