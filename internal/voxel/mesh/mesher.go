// Package mesh turns octree occupancy into greedy-merged quads.
//
// A chunk is cut into cubic sub-chunks of the mesher width. Each sub-chunk is
// packed three times into bit lines, one packing per axis; face bits are the
// 0->1 and 1->0 transitions along each line. Face bits of one slice are then
// merged into maximal rectangles with bit scans, so a flat wall of any size
// costs one quad.
package mesh

import (
	"errors"
	"fmt"

	"voxelmesh.dev/internal/voxel"
	"voxelmesh.dev/internal/voxel/bits"
	"voxelmesh.dev/internal/voxel/octree"
)

var ErrInvalidWidth = errors.New("mesh: width must be 32, 64, 128 or 256")

// Source is the voxel data a Mesher reads. *octree.Octree implements it.
type Source interface {
	Size() int
	WalkBox(x0, y0, z0, edge int, fn func(x, y, z, size int, v voxel.Voxel) bool)
	Get(x, y, z, maxDepth int, filter *voxel.Voxel) (voxel.Voxel, bool)
}

// Quad is one merged face. X, Y, Z is the octree-local cell at the quad's
// minimum corner; W spans the face's u axis and H its v axis (x,z for
// top/bottom, y,z for left/right, x,y for front/back).
type Quad struct {
	Face    Face
	X, Y, Z int
	W, H    int
}

// Area is the number of unit faces the quad covers.
func (q Quad) Area() int { return q.W * q.H }

// Cells calls fn for every cell whose face the quad covers.
func (q Quad) Cells(fn func(x, y, z int)) {
	a := q.Face.axis()
	for dv := 0; dv < q.H; dv++ {
		for du := 0; du < q.W; du++ {
			dx, dy, dz := a.cell(du, dv, 0)
			fn(q.X+dx, q.Y+dy, q.Z+dz)
		}
	}
}

// Padding bits, one pair per axis. A set bit means the cell just past that
// end of the line is solid, so the boundary face is hidden.
const (
	PadXNeg uint8 = 1 << iota
	PadXPos
	PadYNeg
	PadYPos
	PadZNeg
	PadZPos
)

func padBits(a axis) (neg, pos uint8) {
	return PadXNeg << (2 * uint(a)), PadXPos << (2 * uint(a))
}

// Mesher holds the scratch buffers for one sub-chunk. It is not safe for
// concurrent use; give each goroutine its own.
type Mesher struct {
	width int

	lines [3][]bits.Line // [axis][u + w*v], bit = position along the axis
	pad   []uint8        // [u + w*v]

	// Face bits of one face direction, transposed per slice d:
	// rows[d*w + v] has bit u set, cols[d*w + u] has bit v set.
	// Both are all-zero between calls.
	rows []bits.Line
	cols []bits.Line
}

func New(width int) (*Mesher, error) {
	switch width {
	case 32, 64, 128, 256:
	default:
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWidth, width)
	}
	n := width * width
	m := &Mesher{
		width: width,
		pad:   make([]uint8, n),
		rows:  make([]bits.Line, n),
		cols:  make([]bits.Line, n),
	}
	for a := range m.lines {
		m.lines[a] = make([]bits.Line, n)
	}
	return m, nil
}

func (m *Mesher) Width() int { return m.width }

// Octree meshes every sub-chunk of src. Only voxels equal to *filter are
// meshed when filter is non-nil; boundary lookups use the same filter, so a
// face between two different materials is emitted for both.
func (m *Mesher) Octree(src Source, filter *voxel.Voxel) []Quad {
	return m.AppendOctree(nil, src, filter)
}

func (m *Mesher) AppendOctree(out []Quad, src Source, filter *voxel.Voxel) []Quad {
	size := src.Size()
	w := m.width
	if size < w {
		w = size
	}
	for oy := 0; oy < size; oy += w {
		for oz := 0; oz < size; oz += w {
			for ox := 0; ox < size; ox += w {
				out = m.chunk(out, src, ox, oy, oz, w, filter)
			}
		}
	}
	return out
}

func (m *Mesher) chunk(out []Quad, src Source, ox, oy, oz, w int, filter *voxel.Voxel) []Quad {
	if !m.occupancy(src, ox, oy, oz, w, filter) {
		return out
	}
	m.padding(src, ox, oy, oz, w, filter)
	for _, a := range []axis{axisX, axisY, axisZ} {
		neg, pos := a.faces()
		for _, f := range []Face{neg, pos} {
			used := m.prepareFaceMasks(a, f == pos, w)
			out = m.greedyFace(out, f, used, w, ox, oy, oz)
		}
	}
	return out
}

// occupancy packs the leaves inside the sub-chunk into the three line sets.
// It reports whether anything was set.
func (m *Mesher) occupancy(src Source, ox, oy, oz, w int, filter *voxel.Voxel) bool {
	n := w * w
	for a := range m.lines {
		clear(m.lines[a][:n])
	}
	clear(m.pad[:n])

	found := false
	lx, ly, lz := m.lines[axisX], m.lines[axisY], m.lines[axisZ]
	src.WalkBox(ox, oy, oz, w, func(x, y, z, size int, v voxel.Voxel) bool {
		if filter != nil && *filter != v {
			return true
		}
		x0, x1 := clip(x-ox, size, w)
		y0, y1 := clip(y-oy, size, w)
		z0, z1 := clip(z-oz, size, w)
		if x0 >= x1 || y0 >= y1 || z0 >= z1 {
			return true
		}
		found = true
		xr, yr, zr := bits.Range(x0, x1-x0), bits.Range(y0, y1-y0), bits.Range(z0, z1-z0)
		for c := z0; c < z1; c++ {
			for b := y0; b < y1; b++ {
				i := b + w*c
				lx[i] = lx[i].Or(xr)
			}
			for b := x0; b < x1; b++ {
				i := b + w*c
				ly[i] = ly[i].Or(yr)
			}
		}
		for c := y0; c < y1; c++ {
			for b := x0; b < x1; b++ {
				i := b + w*c
				lz[i] = lz[i].Or(zr)
			}
		}
		return true
	})
	return found
}

func clip(lo, size, w int) (int, int) {
	hi := lo + size
	if lo < 0 {
		lo = 0
	}
	if hi > w {
		hi = w
	}
	return lo, hi
}

// padding records, for every line whose first or last cell is occupied,
// whether the cell just outside the sub-chunk is solid. Lookups go through
// Get and so follow neighbour chunks.
func (m *Mesher) padding(src Source, ox, oy, oz, w int, filter *voxel.Voxel) {
	solid := func(a axis, u, v, d int) bool {
		x, y, z := a.cell(u, v, d)
		_, ok := src.Get(ox+x, oy+y, oz+z, octree.AnyDepth, filter)
		return ok
	}
	for _, a := range []axis{axisX, axisY, axisZ} {
		negBit, posBit := padBits(a)
		lines := m.lines[a]
		for v := 0; v < w; v++ {
			for u := 0; u < w; u++ {
				l := lines[u+w*v]
				if l.IsZero() {
					continue
				}
				if l.Has(0) && solid(a, u, v, -1) {
					m.pad[u+w*v] |= negBit
				}
				if l.Has(w-1) && solid(a, u, v, w) {
					m.pad[u+w*v] |= posBit
				}
			}
		}
	}
}

// prepareFaceMasks derives one face direction's bits along axis a and
// scatters them into the per-slice rows and cols. It returns the set of
// slices that received any bit.
func (m *Mesher) prepareFaceMasks(a axis, positive bool, w int) bits.Line {
	var used bits.Line
	negBit, posBit := padBits(a)
	lines := m.lines[a]
	for v := 0; v < w; v++ {
		for u := 0; u < w; u++ {
			i := u + w*v
			occ := lines[i]
			if occ.IsZero() {
				continue
			}
			var f bits.Line
			if positive {
				f = occ.AndNot(occ.Shr(1))
				if m.pad[i]&posBit != 0 {
					f.Unset(w - 1)
				}
			} else {
				f = occ.AndNot(occ.Shl(1))
				if m.pad[i]&negBit != 0 {
					f.Unset(0)
				}
			}
			for !f.IsZero() {
				d := f.TrailingZeros()
				f.Unset(d)
				m.rows[d*w+v].Set(u)
				m.cols[d*w+u].Set(v)
				used.Set(d)
			}
		}
	}
	return used
}

// greedyFace consumes the face bits of every used slice, emitting one quad per
// maximal rectangle. Rows and cols are left all-zero.
func (m *Mesher) greedyFace(out []Quad, f Face, used bits.Line, w, ox, oy, oz int) []Quad {
	a := f.axis()
	for !used.IsZero() {
		d := used.TrailingZeros()
		used.Unset(d)
		rows := m.rows[d*w : d*w+w]
		cols := m.cols[d*w : d*w+w]
		for v := 0; v < w; v++ {
			for !rows[v].IsZero() {
				u := rows[v].FirstSet() - 1
				width := rows[v].Run(u)
				run := bits.Range(u, width)

				height := cols[u].Run(v)
				for k := 1; k < height; k++ {
					if !rows[v+k].Contains(run) {
						height = k
						break
					}
				}

				for k := 0; k < height; k++ {
					rows[v+k] = rows[v+k].AndNot(run)
				}
				span := bits.Range(v, height)
				for k := u; k < u+width; k++ {
					cols[k] = cols[k].AndNot(span)
				}

				x, y, z := a.cell(u, v, d)
				out = append(out, Quad{Face: f, X: ox + x, Y: oy + y, Z: oz + z, W: width, H: height})
			}
		}
	}
	return out
}

// MemoryUsage is the size of the scratch buffers in bytes.
func (m *Mesher) MemoryUsage() int {
	const lineBytes = bits.Capacity / 8
	n := m.width * m.width
	return n*lineBytes*5 + n
}
