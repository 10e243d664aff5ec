package octree

import "fmt"

// Coord is a chunk coordinate in chunk units.
type Coord struct {
	X, Y, Z int
}

func (c Coord) Add(o Offset) Coord {
	return Coord{X: c.X + o.DX, Y: c.Y + o.DY, Z: c.Z + o.DZ}
}

func (c Coord) Sub(o Coord) Offset {
	return Offset{DX: c.X - o.X, DY: c.Y - o.Y, DZ: c.Z - o.Z}
}

func (c Coord) Less(o Coord) bool {
	if c.X != o.X {
		return c.X < o.X
	}
	if c.Y != o.Y {
		return c.Y < o.Y
	}
	return c.Z < o.Z
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Z)
}

// Offset is a step between adjacent chunks; each component is in [-1, 1].
type Offset struct {
	DX, DY, DZ int
}

func (o Offset) Neg() Offset {
	return Offset{DX: -o.DX, DY: -o.DY, DZ: -o.DZ}
}

// Adjacent reports whether o is one of the 26 neighbour offsets.
func (o Offset) Adjacent() bool {
	in := func(v int) bool { return v >= -1 && v <= 1 }
	return in(o.DX) && in(o.DY) && in(o.DZ) && o != Offset{}
}

func (o Offset) index() int {
	return (o.DX + 1) + 3*(o.DY+1) + 9*(o.DZ+1)
}

var offsets = func() []Offset {
	out := make([]Offset, 0, 26)
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 && dz == 0 {
					continue
				}
				out = append(out, Offset{DX: dx, DY: dy, DZ: dz})
			}
		}
	}
	return out
}()

// Offsets returns the 26 neighbour offsets in a fixed order.
func Offsets() []Offset {
	out := make([]Offset, len(offsets))
	copy(out, offsets)
	return out
}

// SetNeighbours rebuilds every neighbour slot from lookup, which is called
// with the chunk coordinate of each of the 26 adjacent chunks and may return
// nil. Links are non-owning.
func (o *Octree) SetNeighbours(lookup func(Coord) *Octree) {
	for _, off := range offsets {
		o.neighbours[off.index()] = lookup(o.coord.Add(off))
	}
}

func (o *Octree) SetNeighbour(off Offset, n *Octree) {
	if !off.Adjacent() {
		return
	}
	o.neighbours[off.index()] = n
}

func (o *Octree) ClearNeighbour(off Offset) {
	o.SetNeighbour(off, nil)
}

func (o *Octree) ClearNeighbours() {
	o.neighbours = [27]*Octree{}
}

func (o *Octree) Neighbour(off Offset) *Octree {
	if !off.Adjacent() {
		return nil
	}
	return o.neighbours[off.index()]
}
