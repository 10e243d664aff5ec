package octree

import "voxelmesh.dev/internal/voxel"

// Set writes a single voxel. Out-of-range coordinates are ignored.
func (o *Octree) Set(x, y, z int, v voxel.Voxel) bool {
	return o.SetSized(x, y, z, v, 1)
}

// SetSized writes v into the node of edge maxSize that contains (x,y,z),
// replacing whatever was below it. maxSize is clamped to [1, Size()].
func (o *Octree) SetSized(x, y, z int, v voxel.Voxel, maxSize int) bool {
	if !o.inBounds(x, y, z) {
		return false
	}
	if maxSize < 1 {
		maxSize = 1
	}
	if maxSize > o.size {
		maxSize = o.size
	}
	o.set(o.root, x, y, z, v, o.size, maxSize)
	o.track(v)
	return true
}

func (o *Octree) set(id nodeID, x, y, z int, v voxel.Voxel, size, maxSize int) {
	if size <= maxSize {
		o.makeLeaf(id, v)
		return
	}
	if o.nodes[id].leaf {
		if o.nodes[id].voxel == v {
			return
		}
		o.split(id)
	}

	half := size / 2
	slot := octant(x, y, z, half)
	child := o.nodes[id].children[slot]
	if child == noNode {
		child = o.alloc(o.nodes[id].depth + 1)
		o.nodes[id].children[slot] = child
	}
	o.set(child, x&(half-1), y&(half-1), z&(half-1), v, half, maxSize)
	o.merge(id)
}

func (o *Octree) makeLeaf(id nodeID, v voxel.Voxel) {
	o.releaseChildren(id)
	o.nodes[id].leaf = true
	o.nodes[id].voxel = v
}

// split pushes a leaf's voxel down into eight leaf children.
func (o *Octree) split(id nodeID) {
	v := o.nodes[id].voxel
	d := o.nodes[id].depth + 1
	o.nodes[id].leaf = false
	o.nodes[id].voxel = voxel.Voxel{}
	for i := 0; i < 8; i++ {
		c := o.alloc(d)
		o.nodes[c].leaf = true
		o.nodes[c].voxel = v
		o.nodes[id].children[i] = c
	}
}

// merge collapses eight equal leaf children into their parent.
func (o *Octree) merge(id nodeID) {
	kids := o.nodes[id].children
	first := kids[0]
	if first == noNode || !o.nodes[first].leaf {
		return
	}
	v := o.nodes[first].voxel
	for _, c := range kids[1:] {
		if c == noNode || !o.nodes[c].leaf || o.nodes[c].voxel != v {
			return
		}
	}
	o.makeLeaf(id, v)
}

// Delete turns a single cell back into air. It reports whether anything
// was removed. Internal nodes left without children are pruned.
func (o *Octree) Delete(x, y, z int) bool {
	if !o.inBounds(x, y, z) {
		return false
	}
	if o.size == 1 {
		removed := o.nodes[o.root].leaf
		o.nodes[o.root] = node{}
		return removed
	}
	return o.del(o.root, x, y, z, o.size)
}

func (o *Octree) del(id nodeID, x, y, z, size int) bool {
	if o.nodes[id].leaf {
		o.split(id)
	}
	half := size / 2
	slot := octant(x, y, z, half)
	child := o.nodes[id].children[slot]
	if child == noNode {
		return false
	}
	if half > 1 {
		if !o.del(child, x&(half-1), y&(half-1), z&(half-1), half) {
			return false
		}
		if !o.isEmptyNode(child) {
			return true
		}
	}
	o.release(child)
	o.nodes[id].children[slot] = noNode
	return true
}
