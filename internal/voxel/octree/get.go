package octree

import (
	"voxelmesh.dev/internal/mathx"
	"voxelmesh.dev/internal/voxel"
)

// Get returns the voxel covering (x,y,z).
//
// Descent stops early at a leaf (a merged uniform region) or after maxDepth
// levels; an internal node reached at the depth bound answers with its
// majority voxel. A non-nil filter requires an exact match.
//
// Coordinates outside [0, Size()) are answered by the linked neighbour chunk
// that contains them, hopping across chunks as needed. A missing neighbour is
// a miss, not an error.
func (o *Octree) Get(x, y, z, maxDepth int, filter *voxel.Voxel) (voxel.Voxel, bool) {
	if !o.inBounds(x, y, z) {
		return o.getNeighbour(x, y, z, maxDepth, filter)
	}
	if maxDepth < 0 {
		maxDepth = o.depth
	}

	id := o.root
	size := o.size
	for depth := 0; ; depth++ {
		n := &o.nodes[id]
		if n.leaf {
			return matches(n.voxel, filter)
		}
		if depth >= maxDepth || size == 1 {
			v, ok := o.average(id)
			if !ok {
				return voxel.Voxel{}, false
			}
			return matches(v, filter)
		}
		half := size / 2
		c := n.children[octant(x, y, z, half)]
		if c == noNode {
			return voxel.Voxel{}, false
		}
		x, y, z = x&(half-1), y&(half-1), z&(half-1)
		id, size = c, half
	}
}

// Solid is Get at full depth, reduced to a presence test.
func (o *Octree) Solid(x, y, z int, filter *voxel.Voxel) bool {
	_, ok := o.Get(x, y, z, AnyDepth, filter)
	return ok
}

func (o *Octree) getNeighbour(x, y, z, maxDepth int, filter *voxel.Voxel) (voxel.Voxel, bool) {
	step := Offset{
		DX: mathx.Sign(mathx.FloorDiv(x, o.size)),
		DY: mathx.Sign(mathx.FloorDiv(y, o.size)),
		DZ: mathx.Sign(mathx.FloorDiv(z, o.size)),
	}
	n := o.neighbours[step.index()]
	if n == nil || n.size != o.size {
		return voxel.Voxel{}, false
	}
	return n.Get(x-step.DX*o.size, y-step.DY*o.size, z-step.DZ*o.size, maxDepth, filter)
}

func matches(v voxel.Voxel, filter *voxel.Voxel) (voxel.Voxel, bool) {
	if filter != nil && *filter != v {
		return voxel.Voxel{}, false
	}
	return v, true
}

// Average returns the majority voxel of the whole tree.
func (o *Octree) Average() (voxel.Voxel, bool) {
	return o.average(o.root)
}

// average votes over present children, color and material independently.
// Internal children vote with their own average. Ties go to the value seen
// first.
func (o *Octree) average(id nodeID) (voxel.Voxel, bool) {
	n := o.nodes[id]
	if n.leaf {
		return n.voxel, true
	}
	var colors, mats tally
	for _, c := range n.children {
		if c == noNode {
			continue
		}
		v, ok := o.average(c)
		if !ok {
			continue
		}
		colors.add(v.Color)
		mats.add(v.Material)
	}
	if colors.n == 0 {
		return voxel.Voxel{}, false
	}
	return voxel.Voxel{Color: colors.best(), Material: mats.best()}, true
}

type tally struct {
	vals   [8]uint32
	counts [8]int
	n      int
}

func (t *tally) add(v uint32) {
	for i := 0; i < t.n; i++ {
		if t.vals[i] == v {
			t.counts[i]++
			return
		}
	}
	t.vals[t.n] = v
	t.counts[t.n] = 1
	t.n++
}

func (t *tally) best() uint32 {
	bi := 0
	for i := 1; i < t.n; i++ {
		if t.counts[i] > t.counts[bi] {
			bi = i
		}
	}
	return t.vals[bi]
}
