package voxel

import (
	"fmt"
	"strconv"
	"strings"
)

// Voxel is the payload stored per solid cell: a packed RGBA8 color and a
// material id. Two voxels are the same type iff both fields match.
type Voxel struct {
	Color    uint32 `json:"color"`
	Material uint32 `json:"material"`
}

// RGBA packs 8-bit channels as r | g<<8 | b<<16 | a<<24.
func RGBA(r, g, b, a uint8) uint32 {
	return uint32(r) | uint32(g)<<8 | uint32(b)<<16 | uint32(a)<<24
}

func (v Voxel) RGBA() (r, g, b, a uint8) {
	c := v.Color
	return uint8(c), uint8(c >> 8), uint8(c >> 16), uint8(c >> 24)
}

func (v Voxel) String() string {
	r, g, b, a := v.RGBA()
	return fmt.Sprintf("#%02x%02x%02x%02x/%d", r, g, b, a, v.Material)
}

// ParseColor accepts "#RRGGBB" or "#RRGGBBAA" (alpha defaults to ff).
func ParseColor(s string) (uint32, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	switch len(h) {
	case 6:
		h += "ff"
	case 8:
	default:
		return 0, fmt.Errorf("color %q: want #RRGGBB or #RRGGBBAA", s)
	}
	n, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("color %q: %w", s, err)
	}
	return RGBA(uint8(n>>24), uint8(n>>16), uint8(n>>8), uint8(n)), nil
}

type Entry struct {
	Name  string
	Voxel Voxel
}

// Palette is an ordered list of named voxel types.
type Palette []Entry

var (
	Stone = Voxel{Color: RGBA(0x80, 0x80, 0x80, 0xff)}
	Dirt  = Voxel{Color: RGBA(0x6b, 0x4a, 0x2b, 0xff)}
	Grass = Voxel{Color: RGBA(0x4c, 0x9a, 0x2a, 0xff)}
	Snow  = Voxel{Color: RGBA(0xf2, 0xf4, 0xf7, 0xff)}
)

func DefaultPalette() Palette {
	return Palette{
		{Name: "stone", Voxel: Stone},
		{Name: "dirt", Voxel: Dirt},
		{Name: "grass", Voxel: Grass},
		{Name: "snow", Voxel: Snow},
	}
}

func (p Palette) Lookup(name string) (Voxel, bool) {
	for _, e := range p {
		if e.Name == name {
			return e.Voxel, true
		}
	}
	return Voxel{}, false
}

func (p Palette) Names() []string {
	out := make([]string, len(p))
	for i, e := range p {
		out[i] = e.Name
	}
	return out
}
