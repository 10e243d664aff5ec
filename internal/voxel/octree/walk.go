package octree

import "voxelmesh.dev/internal/voxel"

type frame struct {
	id      nodeID
	x, y, z int
	size    int
}

// Walk visits every leaf as an axis-aligned cube. Returning false stops the
// walk.
func (o *Octree) Walk(fn func(x, y, z, size int, v voxel.Voxel) bool) {
	o.WalkBox(0, 0, 0, o.size, fn)
}

// WalkBox visits the leaves intersecting the cube [x0,x0+edge)^3. Leaves are
// reported whole, not clipped to the box.
func (o *Octree) WalkBox(x0, y0, z0, edge int, fn func(x, y, z, size int, v voxel.Voxel) bool) {
	overlaps := func(f frame) bool {
		return f.x < x0+edge && x0 < f.x+f.size &&
			f.y < y0+edge && y0 < f.y+f.size &&
			f.z < z0+edge && z0 < f.z+f.size
	}
	stack := []frame{{id: o.root, size: o.size}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !overlaps(f) {
			continue
		}
		n := &o.nodes[f.id]
		if n.leaf {
			if !fn(f.x, f.y, f.z, f.size, n.voxel) {
				return
			}
			continue
		}
		half := f.size / 2
		for i := 7; i >= 0; i-- {
			c := n.children[i]
			if c == noNode {
				continue
			}
			dx, dy, dz := octantOrigin(i, half)
			stack = append(stack, frame{id: c, x: f.x + dx, y: f.y + dy, z: f.z + dz, size: half})
		}
	}
}

// LeafCount returns the number of leaves.
func (o *Octree) LeafCount() int {
	n := 0
	o.Walk(func(_, _, _, _ int, _ voxel.Voxel) bool {
		n++
		return true
	})
	return n
}

// VoxelCount returns the number of solid unit cells.
func (o *Octree) VoxelCount() int {
	n := 0
	o.Walk(func(_, _, _, size int, _ voxel.Voxel) bool {
		n += size * size * size
		return true
	})
	return n
}
