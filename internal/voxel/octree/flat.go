package octree

import (
	"errors"
	"fmt"

	"voxelmesh.dev/internal/voxel"
)

// Flat is a pointer-free preorder encoding of an octree, used by snapshots.
type Flat struct {
	Size   int
	Coord  Coord
	Nodes  []FlatNode
	Unique []voxel.Voxel
}

// FlatNode is one node in preorder. Children lists which child slots follow,
// lowest slot first.
type FlatNode struct {
	Voxel    voxel.Voxel
	Leaf     bool
	Children uint8
}

var errBadFlat = errors.New("octree: malformed flat encoding")

func (o *Octree) Export() Flat {
	f := Flat{
		Size:   o.size,
		Coord:  o.coord,
		Nodes:  make([]FlatNode, 0, o.NodeCount()),
		Unique: o.UniqueVoxels(),
	}
	stack := []nodeID{o.root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &o.nodes[id]
		fn := FlatNode{Voxel: n.voxel, Leaf: n.leaf}
		for i := 7; i >= 0; i-- {
			if c := n.children[i]; c != noNode {
				fn.Children |= 1 << uint(i)
				stack = append(stack, c)
			}
		}
		f.Nodes = append(f.Nodes, fn)
	}
	return f
}

func Import(f Flat) (*Octree, error) {
	o, err := New(f.Size)
	if err != nil {
		return nil, err
	}
	o.coord = f.Coord
	for _, v := range f.Unique {
		o.track(v)
	}
	if len(f.Nodes) == 0 {
		return nil, fmt.Errorf("%w: no root", errBadFlat)
	}

	next := 0
	var build func(id nodeID, depth int) error
	build = func(id nodeID, depth int) error {
		if next >= len(f.Nodes) {
			return fmt.Errorf("%w: truncated at node %d", errBadFlat, next)
		}
		fn := f.Nodes[next]
		next++
		if fn.Leaf && fn.Children != 0 {
			return fmt.Errorf("%w: leaf %d has children", errBadFlat, next-1)
		}
		if fn.Children != 0 && depth >= o.depth {
			return fmt.Errorf("%w: node %d below unit depth", errBadFlat, next-1)
		}
		o.nodes[id].leaf = fn.Leaf
		if fn.Leaf {
			o.nodes[id].voxel = fn.Voxel
			o.track(fn.Voxel)
		}
		for i := 0; i < 8; i++ {
			if fn.Children&(1<<uint(i)) == 0 {
				continue
			}
			c := o.alloc(uint8(depth + 1))
			o.nodes[id].children[i] = c
			if err := build(c, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := build(o.root, 0); err != nil {
		return nil, err
	}
	if next != len(f.Nodes) {
		return nil, fmt.Errorf("%w: %d trailing nodes", errBadFlat, len(f.Nodes)-next)
	}
	return o, nil
}
