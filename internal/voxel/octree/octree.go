// Package octree implements the sparse voxel octree that backs one chunk.
//
// Nodes live in an arena and refer to their children by index. A node is
// either a leaf (a uniform cube holding one voxel), internal (up to eight
// children) or empty. Writes merge eight equal leaf children back into their
// parent, so large uniform regions cost a single node.
//
// An Octree is not safe for concurrent mutation; the world manager guards
// each chunk with its own lock.
package octree

import (
	"errors"
	"fmt"
	"unsafe"

	"voxelmesh.dev/internal/mathx"
	"voxelmesh.dev/internal/voxel"
)

const (
	MaxSize = 1024
	// AnyDepth disables the depth bound on Get.
	AnyDepth = -1

	defaultBlockSize = 64
)

var ErrInvalidSize = errors.New("octree: size must be a power of two in [1, 1024]")

type nodeID uint32

// noNode marks an absent child. Slot 0 of the arena is never handed out.
const noNode nodeID = 0

type node struct {
	voxel    voxel.Voxel
	children [8]nodeID
	depth    uint8
	leaf     bool
}

// NodeBytes is the arena footprint of one node.
const NodeBytes = int(unsafe.Sizeof(node{}))

type Octree struct {
	size      int
	depth     int
	blockSize int
	coord     Coord

	nodes []node
	free  []nodeID
	root  nodeID

	unique   []voxel.Voxel
	uniqueIx map[voxel.Voxel]struct{}

	neighbours [27]*Octree
}

func New(size int) (*Octree, error) {
	if !mathx.IsPow2(size) || size > MaxSize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}
	o := &Octree{
		size:      size,
		depth:     mathx.Log2(size),
		blockSize: defaultBlockSize,
		uniqueIx:  map[voxel.Voxel]struct{}{},
	}
	o.reset()
	return o, nil
}

func (o *Octree) reset() {
	o.nodes = make([]node, 2, 64)
	o.free = o.free[:0]
	o.root = 1
}

func (o *Octree) Size() int  { return o.size }
func (o *Octree) Depth() int { return o.depth }

func (o *Octree) Coord() Coord     { return o.coord }
func (o *Octree) SetCoord(c Coord) { o.coord = c }

// SetBlockSize sets the edge of the sub-blocks SetBlock starts from.
// Non powers of two are ignored.
func (o *Octree) SetBlockSize(n int) {
	if mathx.IsPow2(n) {
		o.blockSize = n
	}
}

// NodeCount returns the number of live nodes, root included.
func (o *Octree) NodeCount() int {
	return len(o.nodes) - 1 - len(o.free)
}

// IsEmpty reports whether the octree holds no voxels at all.
func (o *Octree) IsEmpty() bool {
	return o.isEmptyNode(o.root)
}

// MemoryUsage returns an estimate in bytes of the octree's own storage.
func (o *Octree) MemoryUsage() int {
	const voxelBytes = int(unsafe.Sizeof(voxel.Voxel{}))
	return int(unsafe.Sizeof(*o)) +
		len(o.nodes)*NodeBytes +
		len(o.free)*int(unsafe.Sizeof(nodeID(0))) +
		len(o.unique)*voxelBytes*2
}

// Clear drops every node and resets the tree to an empty root. Unique voxel
// tracking and neighbour links are kept.
func (o *Octree) Clear() {
	o.reset()
}

// UniqueVoxels returns the distinct voxel values ever written, in first-write
// order. The list only grows.
func (o *Octree) UniqueVoxels() []voxel.Voxel {
	out := make([]voxel.Voxel, len(o.unique))
	copy(out, o.unique)
	return out
}

func (o *Octree) track(v voxel.Voxel) {
	if _, ok := o.uniqueIx[v]; ok {
		return
	}
	o.uniqueIx[v] = struct{}{}
	o.unique = append(o.unique, v)
}

func (o *Octree) inBounds(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < o.size && y < o.size && z < o.size
}

func (o *Octree) alloc(depth uint8) nodeID {
	if n := len(o.free); n > 0 {
		id := o.free[n-1]
		o.free = o.free[:n-1]
		o.nodes[id] = node{depth: depth}
		return id
	}
	o.nodes = append(o.nodes, node{depth: depth})
	return nodeID(len(o.nodes) - 1)
}

// release frees a subtree back to the free list. It walks with an explicit
// stack so pathological depths cannot exhaust the goroutine stack.
func (o *Octree) release(id nodeID) {
	if id == noNode {
		return
	}
	stack := []nodeID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range o.nodes[cur].children {
			if c != noNode {
				stack = append(stack, c)
			}
		}
		o.nodes[cur] = node{}
		o.free = append(o.free, cur)
	}
}

func (o *Octree) releaseChildren(id nodeID) {
	for i, c := range o.nodes[id].children {
		if c != noNode {
			o.release(c)
			o.nodes[id].children[i] = noNode
		}
	}
}

func (o *Octree) isEmptyNode(id nodeID) bool {
	n := &o.nodes[id]
	if n.leaf {
		return false
	}
	for _, c := range n.children {
		if c != noNode {
			return false
		}
	}
	return true
}

// octant is the child slot for a coordinate inside a node of edge 2*half.
func octant(x, y, z, half int) int {
	i := 0
	if x >= half {
		i |= 4
	}
	if y >= half {
		i |= 2
	}
	if z >= half {
		i |= 1
	}
	return i
}

// octantOrigin is the offset of child slot i inside its parent.
func octantOrigin(i, half int) (int, int, int) {
	return (i >> 2 & 1) * half, (i >> 1 & 1) * half, (i & 1) * half
}
