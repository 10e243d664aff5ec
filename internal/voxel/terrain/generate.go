package terrain

import (
	"fmt"
	"math"

	"voxelmesh.dev/internal/voxel"
	"voxelmesh.dev/internal/voxel/octree"
)

// Band fills every voxel below MaxFraction of the world height that no
// earlier band claimed.
type Band struct {
	Name        string
	MaxFraction float64
	Voxel       voxel.Voxel
}

func DefaultBands() []Band {
	fractions := map[string]float64{"stone": 0.45, "dirt": 0.55, "grass": 0.70, "snow": 1.0}
	var out []Band
	for _, e := range voxel.DefaultPalette() {
		out = append(out, Band{Name: e.Name, MaxFraction: fractions[e.Name], Voxel: e.Voxel})
	}
	return out
}

type BandMask struct {
	Band Band
	Mask *octree.Bitmask
}

// ColumnHeight maps a sample in [-1, 1] to a column height in [0, worldHeight].
func ColumnHeight(n float64, worldHeight int) int {
	return int(math.Round((clamp1(n) + 1) / 2 * float64(worldHeight)))
}

// Generate builds one occupancy mask per band for the chunk at vertical chunk
// index cy. heights is the chunk's footprint as returned by a Sampler. Bands
// with no voxels in this chunk are omitted.
func Generate(cy, size, worldHeight int, heights []float64, bands []Band) []BandMask {
	// tops[i] is the first world y not covered by band i.
	tops := make([]int, len(bands))
	for i, b := range bands {
		tops[i] = int(math.Ceil(b.MaxFraction * float64(worldHeight)))
	}
	masks := make([]*octree.Bitmask, len(bands))
	base := cy * size
	for z := 0; z < size; z++ {
		for x := 0; x < size; x++ {
			h := ColumnHeight(heights[x+size*z], worldHeight)
			lo := 0
			for i := range bands {
				hi := tops[i]
				if hi > h {
					hi = h
				}
				from, to := max(lo, base), min(hi, base+size)
				if from < to {
					if masks[i] == nil {
						masks[i] = octree.NewBitmask(size)
					}
					for y := from; y < to; y++ {
						masks[i].Set(x, y-base, z)
					}
				}
				if tops[i] > lo {
					lo = tops[i]
				}
				if lo >= h {
					break
				}
			}
		}
	}
	var out []BandMask
	for i, m := range masks {
		if m != nil {
			out = append(out, BandMask{Band: bands[i], Mask: m})
		}
	}
	return out
}

// Generator produces chunk octrees from a sampler.
type Generator struct {
	Sampler     Sampler
	Bands       []Band
	ChunkSize   int
	WorldHeight int
	BlockSize   int
}

// Chunk builds the octree for coord, writing each band with one SetBlock.
func (g *Generator) Chunk(coord octree.Coord) (*octree.Octree, error) {
	o, err := octree.New(g.ChunkSize)
	if err != nil {
		return nil, err
	}
	o.SetCoord(coord)
	if g.BlockSize > 0 {
		o.SetBlockSize(g.BlockSize)
	}
	if coord.Y < 0 || coord.Y*g.ChunkSize >= g.WorldHeight {
		return o, nil
	}
	heights := g.Sampler.Sample(coord.X, coord.Z, g.ChunkSize)
	for _, bm := range Generate(coord.Y, g.ChunkSize, g.WorldHeight, heights, g.Bands) {
		if err := o.SetBlock(bm.Mask, bm.Band.Voxel); err != nil {
			return nil, fmt.Errorf("chunk %v band %s: %w", coord, bm.Band.Name, err)
		}
	}
	return o, nil
}
