// Package bits provides Line, a fixed-capacity bit vector used as the single
// word abstraction for occupancy masks. Chunk widths of 32, 64, 128 and 256
// all run through the same code; narrower widths simply leave high words zero.
package bits

import "math/bits"

const (
	words = 4
	// Capacity is the widest line supported.
	Capacity = words * 64
)

// Line is a little-endian bit vector: bit i lives in word i/64.
// The zero value is an empty line.
type Line [words]uint64

// Mask returns a line with the lowest n bits set.
func Mask(n int) Line {
	return Range(0, n)
}

// Range returns a line with bits [lo, lo+n) set.
func Range(lo, n int) Line {
	var l Line
	if n <= 0 || lo >= Capacity {
		return l
	}
	if lo < 0 {
		n += lo
		lo = 0
	}
	hi := lo + n
	if hi > Capacity {
		hi = Capacity
	}
	for w := lo / 64; w < words && w*64 < hi; w++ {
		start := lo - w*64
		if start < 0 {
			start = 0
		}
		end := hi - w*64
		if end > 64 {
			end = 64
		}
		l[w] = wordRange(start, end)
	}
	return l
}

// wordRange sets bits [start, end) of a single word, 0 <= start < end <= 64.
func wordRange(start, end int) uint64 {
	var m uint64
	if end == 64 {
		m = ^uint64(0)
	} else {
		m = (uint64(1) << uint(end)) - 1
	}
	return m &^ ((uint64(1) << uint(start)) - 1)
}

func (l *Line) Set(i int)   { l[i>>6] |= 1 << uint(i&63) }
func (l *Line) Unset(i int) { l[i>>6] &^= 1 << uint(i&63) }

func (l Line) Has(i int) bool {
	if i < 0 || i >= Capacity {
		return false
	}
	return l[i>>6]&(1<<uint(i&63)) != 0
}

func (l Line) IsZero() bool {
	return l[0]|l[1]|l[2]|l[3] == 0
}

func (l Line) And(o Line) Line {
	return Line{l[0] & o[0], l[1] & o[1], l[2] & o[2], l[3] & o[3]}
}

func (l Line) Or(o Line) Line {
	return Line{l[0] | o[0], l[1] | o[1], l[2] | o[2], l[3] | o[3]}
}

func (l Line) AndNot(o Line) Line {
	return Line{l[0] &^ o[0], l[1] &^ o[1], l[2] &^ o[2], l[3] &^ o[3]}
}

func (l Line) Not() Line {
	return Line{^l[0], ^l[1], ^l[2], ^l[3]}
}

// Contains reports whether every bit of o is also set in l.
func (l Line) Contains(o Line) bool {
	return o.AndNot(l).IsZero()
}

// Shl shifts towards higher bit indices.
func (l Line) Shl(n int) Line {
	if n <= 0 {
		return l
	}
	if n >= Capacity {
		return Line{}
	}
	var out Line
	ws, bs := n/64, uint(n%64)
	for i := words - 1; i >= ws; i-- {
		v := l[i-ws] << bs
		if bs != 0 && i-ws-1 >= 0 {
			v |= l[i-ws-1] >> (64 - bs)
		}
		out[i] = v
	}
	return out
}

// Shr shifts towards lower bit indices; vacated high bits are zero.
func (l Line) Shr(n int) Line {
	if n <= 0 {
		return l
	}
	if n >= Capacity {
		return Line{}
	}
	var out Line
	ws, bs := n/64, uint(n%64)
	for i := 0; i+ws < words; i++ {
		v := l[i+ws] >> bs
		if bs != 0 && i+ws+1 < words {
			v |= l[i+ws+1] << (64 - bs)
		}
		out[i] = v
	}
	return out
}

// TrailingZeros is ctz; it returns Capacity for an empty line.
func (l Line) TrailingZeros() int {
	for i, w := range l {
		if w != 0 {
			return i*64 + bits.TrailingZeros64(w)
		}
	}
	return Capacity
}

// FirstSet is ffs: the 1-based index of the lowest set bit, or 0.
func (l Line) FirstSet() int {
	if l.IsZero() {
		return 0
	}
	return l.TrailingZeros() + 1
}

// LeadingZeros is clz relative to a line of the given width; it returns
// width for an empty line.
func (l Line) LeadingZeros(width int) int {
	for i := words - 1; i >= 0; i-- {
		if l[i] != 0 {
			top := i*64 + 63 - bits.LeadingZeros64(l[i])
			return width - 1 - top
		}
	}
	return width
}

func (l Line) OnesCount() int {
	return bits.OnesCount64(l[0]) + bits.OnesCount64(l[1]) + bits.OnesCount64(l[2]) + bits.OnesCount64(l[3])
}

// Run returns the number of contiguous set bits starting at bit from.
func (l Line) Run(from int) int {
	return l.Shr(from).Not().TrailingZeros()
}
