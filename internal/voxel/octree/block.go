package octree

import (
	"fmt"
	"math/bits"

	"voxelmesh.dev/internal/voxel"
)

// Bitmask is a dense occupancy volume with one bit per cell, indexed
// x + size*(z + size*y). Rows along X are contiguous so whole sub-block rows
// are tested a word at a time.
type Bitmask struct {
	size  int
	words []uint64
}

func NewBitmask(size int) *Bitmask {
	n := size * size * size
	return &Bitmask{size: size, words: make([]uint64, (n+63)/64)}
}

func (m *Bitmask) Size() int { return m.size }

func (m *Bitmask) index(x, y, z int) int {
	return x + m.size*(z+m.size*y)
}

func (m *Bitmask) Set(x, y, z int) {
	i := m.index(x, y, z)
	m.words[i>>6] |= 1 << uint(i&63)
}

// SetRow sets cells [x0, x0+n) of the row at (y, z).
func (m *Bitmask) SetRow(x0, y, z, n int) {
	i := m.index(x0, y, z)
	for n > 0 {
		w, b := i>>6, i&63
		k := 64 - b
		if k > n {
			k = n
		}
		m.words[w] |= span(b, k)
		i += k
		n -= k
	}
}

func (m *Bitmask) Has(x, y, z int) bool {
	i := m.index(x, y, z)
	return m.words[i>>6]&(1<<uint(i&63)) != 0
}

func (m *Bitmask) Count() int {
	n := 0
	for _, w := range m.words {
		n += bits.OnesCount64(w)
	}
	return n
}

func (m *Bitmask) IsZero() bool {
	for _, w := range m.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// span is k bits starting at bit b of one word, b+k <= 64.
func span(b, k int) uint64 {
	if k >= 64 {
		return ^uint64(0)
	}
	return ((uint64(1) << uint(k)) - 1) << uint(b)
}

// rowState reports whether a row segment is entirely set and whether any of
// it is set.
func (m *Bitmask) rowState(i, n int) (all, any bool) {
	all = true
	for n > 0 {
		w, b := i>>6, i&63
		k := 64 - b
		if k > n {
			k = n
		}
		s := span(b, k)
		got := m.words[w] & s
		if got != 0 {
			any = true
		}
		if got != s {
			all = false
		}
		if any && !all {
			return
		}
		i += k
		n -= k
	}
	return
}

// cubeState is rowState over the cube [x0,x0+s)^3.
func (m *Bitmask) cubeState(x0, y0, z0, s int) (all, any bool) {
	all = true
	for y := y0; y < y0+s; y++ {
		for z := z0; z < z0+s; z++ {
			ra, rn := m.rowState(m.index(x0, y, z), s)
			all = all && ra
			any = any || rn
			if any && !all {
				return
			}
		}
	}
	return
}

// SetBlock writes v into every cell set in mask. The volume is cut into
// sub-blocks; a fully set sub-block becomes one leaf with a single write, an
// empty one is skipped and a mixed one is split into octants down to single
// cells.
func (o *Octree) SetBlock(mask *Bitmask, v voxel.Voxel) error {
	if mask == nil || mask.size != o.size {
		got := 0
		if mask != nil {
			got = mask.size
		}
		return fmt.Errorf("octree: bitmask size %d does not match octree size %d", got, o.size)
	}
	bs := o.blockSize
	if bs > o.size {
		bs = o.size
	}
	for y := 0; y < o.size; y += bs {
		for z := 0; z < o.size; z += bs {
			for x := 0; x < o.size; x += bs {
				o.setBlock(mask, x, y, z, bs, v)
			}
		}
	}
	return nil
}

func (o *Octree) setBlock(m *Bitmask, x0, y0, z0, s int, v voxel.Voxel) {
	all, any := m.cubeState(x0, y0, z0, s)
	switch {
	case !any:
		return
	case all:
		o.SetSized(x0, y0, z0, v, s)
		return
	}
	h := s / 2
	for i := 0; i < 8; i++ {
		dx, dy, dz := octantOrigin(i, h)
		o.setBlock(m, x0+dx, y0+dy, z0+dz, h, v)
	}
}
