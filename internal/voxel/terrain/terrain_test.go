package terrain

import (
	"testing"

	"voxelmesh.dev/internal/voxel"
	"voxelmesh.dev/internal/voxel/octree"
)

func constant(n float64) Sampler {
	return SamplerFunc(func(_, _ int) float64 { return n })
}

func TestColumnHeight(t *testing.T) {
	for _, tc := range []struct {
		n    float64
		want int
	}{{-1, 0}, {0, 32}, {1, 64}, {5, 64}, {-3, 0}, {0.5, 48}} {
		if got := ColumnHeight(tc.n, 64); got != tc.want {
			t.Fatalf("ColumnHeight(%v)=%d want %d", tc.n, got, tc.want)
		}
	}
}

func TestDefaultBands(t *testing.T) {
	bands := DefaultBands()
	want := []struct {
		name string
		frac float64
	}{{"stone", 0.45}, {"dirt", 0.55}, {"grass", 0.70}, {"snow", 1.0}}
	if len(bands) != len(want) {
		t.Fatalf("bands=%v", bands)
	}
	for i, w := range want {
		if bands[i].Name != w.name || bands[i].MaxFraction != w.frac || bands[i].Voxel.Material != 0 {
			t.Fatalf("band %d = %+v", i, bands[i])
		}
	}
	if bands[0].Voxel != voxel.Stone || bands[3].Voxel != voxel.Snow {
		t.Fatalf("band voxels do not follow the palette")
	}
}

func count(bms []BandMask) map[string]int {
	out := map[string]int{}
	for _, bm := range bms {
		out[bm.Band.Name] = bm.Mask.Count()
	}
	return out
}

func TestGenerateSplitsBandsAcrossChunks(t *testing.T) {
	const size, height = 32, 64
	heights := constant(1).Sample(0, 0, size)

	low := count(Generate(0, size, height, heights, DefaultBands()))
	// stone y<29, dirt 29..35, grass 36..44, snow 45..63
	if len(low) != 2 || low["stone"] != 29*size*size || low["dirt"] != 3*size*size {
		t.Fatalf("lower chunk bands=%v", low)
	}
	high := count(Generate(1, size, height, heights, DefaultBands()))
	if len(high) != 3 || high["dirt"] != 4*size*size || high["grass"] != 9*size*size || high["snow"] != 19*size*size {
		t.Fatalf("upper chunk bands=%v", high)
	}
	if got := Generate(2, size, height, heights, DefaultBands()); len(got) != 0 {
		t.Fatalf("chunk above the world should be empty: %v", count(got))
	}
	if got := Generate(0, size, height, constant(-1).Sample(0, 0, size), DefaultBands()); len(got) != 0 {
		t.Fatalf("zero-height columns should be empty")
	}
}

func TestGeneratorChunk(t *testing.T) {
	g := &Generator{Sampler: constant(0), Bands: DefaultBands(), ChunkSize: 32, WorldHeight: 64}
	o, err := g.Chunk(octree.Coord{X: 3, Y: 0, Z: -2})
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if o.Coord() != (octree.Coord{X: 3, Y: 0, Z: -2}) {
		t.Fatalf("coord=%v", o.Coord())
	}
	if o.VoxelCount() != 32*32*32 {
		t.Fatalf("voxels=%d", o.VoxelCount())
	}
	if v, _ := o.Get(0, 28, 0, octree.AnyDepth, nil); v != voxel.Stone {
		t.Fatalf("y=28 is %v", v)
	}
	if v, _ := o.Get(31, 29, 31, octree.AnyDepth, nil); v != voxel.Dirt {
		t.Fatalf("y=29 is %v", v)
	}
	// Merged leaves keep the tree far below one node per voxel.
	if o.NodeCount()*8 > o.VoxelCount() {
		t.Fatalf("node count %d for %d voxels", o.NodeCount(), o.VoxelCount())
	}

	for _, y := range []int{1, 2, -1} {
		o, err := g.Chunk(octree.Coord{Y: y})
		if err != nil {
			t.Fatalf("chunk y=%d: %v", y, err)
		}
		if !o.IsEmpty() {
			t.Fatalf("chunk y=%d should be empty", y)
		}
	}

	g.ChunkSize = 48
	if _, err := g.Chunk(octree.Coord{}); err == nil {
		t.Fatalf("expected invalid size error")
	}
}

func TestValueSamplerIsSeamless(t *testing.T) {
	s := ValueSampler{Seed: 42, Cell: 8}
	wide := s.Sample(0, 0, 64)
	right := s.Sample(1, 0, 32)
	for z := 0; z < 32; z++ {
		for x := 0; x < 32; x++ {
			if right[x+32*z] != wide[32+x+64*z] {
				t.Fatalf("chunk (1,0) disagrees with world sampling at (%d,%d)", x, z)
			}
		}
	}
	for _, v := range wide {
		if v < -1 || v > 1 {
			t.Fatalf("sample %v out of range", v)
		}
	}
	again := ValueSampler{Seed: 42, Cell: 8}.Sample(0, 0, 64)
	for i := range wide {
		if wide[i] != again[i] {
			t.Fatalf("sampling is not deterministic")
		}
	}
}

func TestPerlinSampler(t *testing.T) {
	a := NewPerlinSampler(DefaultNoise()).Sample(-1, 2, 32)
	b := NewPerlinSampler(DefaultNoise()).Sample(-1, 2, 32)
	if len(a) != 32*32 {
		t.Fatalf("len=%d", len(a))
	}
	distinct := map[float64]bool{}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed gave different samples")
		}
		if a[i] < -1 || a[i] > 1 {
			t.Fatalf("sample %v out of range", a[i])
		}
		distinct[a[i]] = true
	}
	if len(distinct) < 2 {
		t.Fatalf("noise is flat")
	}
}
