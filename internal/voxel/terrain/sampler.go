// Package terrain builds chunk occupancy from a 2D height field.
package terrain

import (
	"math"

	"github.com/aquilax/go-perlin"

	"voxelmesh.dev/internal/mathx"
)

// Sampler returns the height field over one chunk footprint: size*size values
// in [-1, 1], row-major with x fastest. cx and cz are chunk coordinates.
type Sampler interface {
	Sample(cx, cz, size int) []float64
}

// SamplerFunc adapts a per-column function of world x, z.
type SamplerFunc func(wx, wz int) float64

func (f SamplerFunc) Sample(cx, cz, size int) []float64 {
	out := make([]float64, size*size)
	for z := 0; z < size; z++ {
		for x := 0; x < size; x++ {
			out[x+size*z] = clamp1(f(cx*size+x, cz*size+z))
		}
	}
	return out
}

type NoiseParams struct {
	Seed    int64
	Scale   float64
	Alpha   float64
	Beta    float64
	Octaves int
}

func DefaultNoise() NoiseParams {
	return NoiseParams{Seed: 1337, Scale: 0.01, Alpha: 2, Beta: 2, Octaves: 3}
}

// PerlinSampler samples fractal Perlin noise at world column coordinates
// times Scale. It is safe for concurrent use.
type PerlinSampler struct {
	scale float64
	noise *perlin.Perlin
}

func NewPerlinSampler(p NoiseParams) *PerlinSampler {
	if p.Scale <= 0 {
		p.Scale = DefaultNoise().Scale
	}
	if p.Octaves <= 0 {
		p.Octaves = 1
	}
	return &PerlinSampler{
		scale: p.Scale,
		noise: perlin.NewPerlin(p.Alpha, p.Beta, int32(p.Octaves), p.Seed),
	}
}

func (s *PerlinSampler) Sample(cx, cz, size int) []float64 {
	return SamplerFunc(func(wx, wz int) float64 {
		return s.noise.Noise2D(float64(wx)*s.scale, float64(wz)*s.scale)
	}).Sample(cx, cz, size)
}

// ValueSampler is hash-based value noise: lattice values from mathx.Hash2 on
// a Cell-spaced grid, bilinearly interpolated with smoothstep. It has no
// state besides the seed, which makes it handy for tests and replays.
type ValueSampler struct {
	Seed int64
	Cell int
}

func (s ValueSampler) Sample(cx, cz, size int) []float64 {
	cell := s.Cell
	if cell <= 0 {
		cell = 16
	}
	lattice := func(gx, gz int) float64 {
		return float64(mathx.Hash2(s.Seed, gx, gz)%2001)/1000 - 1
	}
	return SamplerFunc(func(wx, wz int) float64 {
		gx, gz := mathx.FloorDiv(wx, cell), mathx.FloorDiv(wz, cell)
		tx := smooth(float64(mathx.Mod(wx, cell)) / float64(cell))
		tz := smooth(float64(mathx.Mod(wz, cell)) / float64(cell))
		a := lerp(lattice(gx, gz), lattice(gx+1, gz), tx)
		b := lerp(lattice(gx, gz+1), lattice(gx+1, gz+1), tx)
		return lerp(a, b, tz)
	}).Sample(cx, cz, size)
}

func smooth(t float64) float64  { return t * t * (3 - 2*t) }
func lerp(a, b, t float64) float64 { return a + (b-a)*t }

func clamp1(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-1, math.Min(1, v))
}
