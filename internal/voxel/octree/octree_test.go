package octree

import (
	"errors"
	"math/rand"
	"testing"

	"voxelmesh.dev/internal/voxel"
)

var (
	red   = voxel.Voxel{Color: 0xFF0000FF}
	green = voxel.Voxel{Color: 0xFF00FF00}
	blue  = voxel.Voxel{Color: 0xFFFF0000, Material: 3}
)

func mustNew(t testing.TB, size int) *Octree {
	t.Helper()
	o, err := New(size)
	if err != nil {
		t.Fatalf("New(%d): %v", size, err)
	}
	return o
}

func TestNewRejectsBadSizes(t *testing.T) {
	for _, size := range []int{0, -8, 3, 48, 2048} {
		if _, err := New(size); !errors.Is(err, ErrInvalidSize) {
			t.Fatalf("New(%d): err=%v want ErrInvalidSize", size, err)
		}
	}
	o := mustNew(t, 64)
	if o.Depth() != 6 || o.Size() != 64 {
		t.Fatalf("size/depth = %d/%d", o.Size(), o.Depth())
	}
	if !o.IsEmpty() || o.NodeCount() != 1 {
		t.Fatalf("fresh octree should be a bare root")
	}
}

func TestMergeCollapsesEqualOctants(t *testing.T) {
	o := mustNew(t, 8)
	for x := 0; x < 2; x++ {
		for y := 0; y < 2; y++ {
			for z := 0; z < 2; z++ {
				o.Set(x, y, z, red)
			}
		}
	}
	// root -> size 4 -> merged size 2 leaf
	if got := o.NodeCount(); got != 3 {
		t.Fatalf("node count=%d want 3", got)
	}
	if got := o.LeafCount(); got != 1 {
		t.Fatalf("leaf count=%d want 1", got)
	}
	for x := 0; x < 2; x++ {
		for y := 0; y < 2; y++ {
			for z := 0; z < 2; z++ {
				if v, ok := o.Get(x, y, z, AnyDepth, nil); !ok || v != red {
					t.Fatalf("Get(%d,%d,%d)=%v,%v", x, y, z, v, ok)
				}
			}
		}
	}
	if _, ok := o.Get(2, 0, 0, AnyDepth, nil); ok {
		t.Fatalf("cell outside the merged cube must be empty")
	}

	// Different material breaks equality even with the same color.
	o.Set(1, 1, 1, voxel.Voxel{Color: red.Color, Material: 1})
	if o.LeafCount() != 8 {
		t.Fatalf("write with a different material must split the leaf: leaves=%d", o.LeafCount())
	}
	o.Set(1, 1, 1, red)
	if o.LeafCount() != 1 || o.NodeCount() != 3 {
		t.Fatalf("rewriting the original value must merge again: leaves=%d nodes=%d", o.LeafCount(), o.NodeCount())
	}
}

func TestWholeTreeCollapsesToRoot(t *testing.T) {
	o := mustNew(t, 4)
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			for z := 0; z < 4; z++ {
				o.Set(x, y, z, green)
			}
		}
	}
	if o.NodeCount() != 1 || o.LeafCount() != 1 {
		t.Fatalf("full uniform tree should be a single root leaf: nodes=%d leaves=%d", o.NodeCount(), o.LeafCount())
	}
	if o.VoxelCount() != 64 {
		t.Fatalf("voxel count=%d", o.VoxelCount())
	}
}

func TestSplitKeepsSurroundingVoxels(t *testing.T) {
	o := mustNew(t, 8)
	o.SetSized(0, 0, 0, red, 8)
	o.Set(5, 6, 7, blue)
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			for z := 0; z < 8; z++ {
				want := red
				if x == 5 && y == 6 && z == 7 {
					want = blue
				}
				if v, ok := o.Get(x, y, z, AnyDepth, nil); !ok || v != want {
					t.Fatalf("Get(%d,%d,%d)=%v,%v want %v", x, y, z, v, ok, want)
				}
			}
		}
	}
	// root + 7 leaves + size-4 node (7 leaves + size-2 node (8 leaves))
	if got := o.NodeCount(); got != 1+8+8+8 {
		t.Fatalf("node count=%d", got)
	}
}

func TestSetIgnoresOutOfRange(t *testing.T) {
	o := mustNew(t, 8)
	if o.Set(-1, 0, 0, red) || o.Set(0, 8, 0, red) {
		t.Fatalf("out-of-range writes must be rejected")
	}
	if !o.IsEmpty() {
		t.Fatalf("rejected writes must not change the tree")
	}
}

func randomMask(size int, seed int64, density float64) *Bitmask {
	r := rand.New(rand.NewSource(seed))
	m := NewBitmask(size)
	for y := 0; y < size; y++ {
		for z := 0; z < size; z++ {
			for x := 0; x < size; x++ {
				if r.Float64() < density {
					m.Set(x, y, z)
				}
			}
		}
	}
	return m
}

func TestSetBlockMatchesPointWrites(t *testing.T) {
	for _, tc := range []struct {
		size      int
		blockSize int
		seed      int64
		density   float64
	}{
		{8, 64, 1, 0.5},
		{16, 64, 2, 0.9},
		{16, 4, 3, 0.3},
		{16, 8, 4, 0.97},
	} {
		mask := randomMask(tc.size, tc.seed, tc.density)
		// A solid slab exercises the full-block fast path.
		for y := 0; y < tc.size/2; y++ {
			for z := 0; z < tc.size; z++ {
				mask.SetRow(0, y, z, tc.size)
			}
		}

		bulk := mustNew(t, tc.size)
		bulk.SetBlockSize(tc.blockSize)
		if err := bulk.SetBlock(mask, red); err != nil {
			t.Fatalf("SetBlock: %v", err)
		}
		point := mustNew(t, tc.size)
		for y := 0; y < tc.size; y++ {
			for z := 0; z < tc.size; z++ {
				for x := 0; x < tc.size; x++ {
					if mask.Has(x, y, z) {
						point.Set(x, y, z, red)
					}
				}
			}
		}

		for y := 0; y < tc.size; y++ {
			for z := 0; z < tc.size; z++ {
				for x := 0; x < tc.size; x++ {
					bv, bok := bulk.Get(x, y, z, AnyDepth, nil)
					pv, pok := point.Get(x, y, z, AnyDepth, nil)
					if bok != pok || bv != pv || bok != mask.Has(x, y, z) {
						t.Fatalf("size=%d seed=%d (%d,%d,%d): bulk=%v,%v point=%v,%v", tc.size, tc.seed, x, y, z, bv, bok, pv, pok)
					}
				}
			}
		}
		if bulk.NodeCount() != point.NodeCount() {
			t.Fatalf("size=%d seed=%d: node count bulk=%d point=%d", tc.size, tc.seed, bulk.NodeCount(), point.NodeCount())
		}
		if bulk.VoxelCount() != mask.Count() {
			t.Fatalf("voxel count=%d mask=%d", bulk.VoxelCount(), mask.Count())
		}
	}
}

func TestSetBlockRejectsMismatchedMask(t *testing.T) {
	o := mustNew(t, 16)
	if err := o.SetBlock(NewBitmask(8), red); err == nil {
		t.Fatalf("expected size mismatch error")
	}
	if err := o.SetBlock(nil, red); err == nil {
		t.Fatalf("expected nil mask error")
	}
}

func TestSetBlockSubCubeRoundTrip(t *testing.T) {
	o := mustNew(t, 64)
	base := o.MemoryUsage()
	mask := NewBitmask(64)
	for y := 0; y < 4; y++ {
		for z := 0; z < 4; z++ {
			mask.SetRow(0, y, z, 4)
		}
	}
	v := voxel.Voxel{Color: 0xFF0000FF}
	if err := o.SetBlock(mask, v); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			for z := 0; z < 4; z++ {
				if got, ok := o.Get(x, y, z, AnyDepth, nil); !ok || got != v {
					t.Fatalf("Get(%d,%d,%d)=%v,%v", x, y, z, got, ok)
				}
			}
		}
	}
	if _, ok := o.Get(4, 0, 0, AnyDepth, nil); ok {
		t.Fatalf("Get(4,0,0) should be empty")
	}
	if o.LeafCount() != 1 {
		t.Fatalf("leaf count=%d want 1", o.LeafCount())
	}
	// root, 32, 16, 8 and the collapsed 4-cube
	if o.NodeCount() != 5 {
		t.Fatalf("node count=%d want 5", o.NodeCount())
	}
	if used := o.MemoryUsage() - base; used >= 64*NodeBytes {
		t.Fatalf("memory grew by %d bytes, expected far less than 64 nodes (%d)", used, 64*NodeBytes)
	}
	if got := o.UniqueVoxels(); len(got) != 1 || got[0] != v {
		t.Fatalf("unique voxels=%v", got)
	}
}

func TestUniqueVoxelsDedupByValue(t *testing.T) {
	o := mustNew(t, 8)
	o.Set(0, 0, 0, red)
	o.Set(7, 7, 7, voxel.Voxel{Color: red.Color})
	o.Set(1, 0, 0, blue)
	o.Delete(1, 0, 0)
	got := o.UniqueVoxels()
	if len(got) != 2 || got[0] != red || got[1] != blue {
		t.Fatalf("unique voxels=%v", got)
	}
}

func TestGetFilter(t *testing.T) {
	o := mustNew(t, 8)
	o.Set(1, 2, 3, blue)
	f := blue
	if _, ok := o.Get(1, 2, 3, AnyDepth, &f); !ok {
		t.Fatalf("matching filter should hit")
	}
	g := voxel.Voxel{Color: blue.Color}
	if _, ok := o.Get(1, 2, 3, AnyDepth, &g); ok {
		t.Fatalf("filter must compare material too")
	}
	if !o.Solid(1, 2, 3, nil) || o.Solid(0, 0, 0, nil) {
		t.Fatalf("Solid wrong")
	}
}

func TestDepthBoundedGetAverages(t *testing.T) {
	o := mustNew(t, 2)
	for x := 0; x < 2; x++ {
		for y := 0; y < 2; y++ {
			for z := 0; z < 2; z++ {
				if x == 0 {
					o.Set(x, y, z, blue)
				} else {
					o.Set(x, y, z, red)
				}
			}
		}
	}
	if v, _ := o.Get(1, 1, 1, AnyDepth, nil); v != red {
		t.Fatalf("full depth read=%v want red", v)
	}
	// 4 blue vs 4 red: the first child slot (x=0) wins the tie.
	v, ok := o.Get(1, 1, 1, 0, nil)
	if !ok || v != blue {
		t.Fatalf("depth-0 read=%v,%v want blue", v, ok)
	}
	if avg, _ := o.Average(); avg != blue {
		t.Fatalf("Average=%v", avg)
	}

	o.Set(1, 0, 0, voxel.Voxel{Color: red.Color, Material: blue.Material})
	// Colors: red 4, blue 4 -> blue first. Materials: 3 x5, 0 x3 -> 3.
	avg, _ := o.Average()
	if avg.Color != blue.Color || avg.Material != blue.Material {
		t.Fatalf("Average=%v", avg)
	}
}

func TestAverageSkipsEmptyChildren(t *testing.T) {
	o := mustNew(t, 8)
	if _, ok := o.Average(); ok {
		t.Fatalf("empty tree has no average")
	}
	o.Set(7, 7, 7, green)
	o.Set(0, 0, 0, red)
	o.Set(0, 0, 1, red)
	v, ok := o.Get(0, 0, 0, 1, nil)
	if !ok || v != red {
		t.Fatalf("depth-1 read=%v,%v", v, ok)
	}
	// (3,3,3) is empty at full depth but shares the size-4 node.
	if v, ok := o.Get(3, 3, 3, 1, nil); !ok || v != red {
		t.Fatalf("coarse read=%v,%v", v, ok)
	}
	if _, ok := o.Get(3, 3, 3, AnyDepth, nil); ok {
		t.Fatalf("fine read should miss")
	}
}

func linkRow(chunks ...*Octree) {
	byCoord := map[Coord]*Octree{}
	for _, c := range chunks {
		byCoord[c.Coord()] = c
	}
	for _, c := range chunks {
		c.SetNeighbours(func(k Coord) *Octree { return byCoord[k] })
	}
}

func TestGetFollowsNeighbours(t *testing.T) {
	a, b, c := mustNew(t, 8), mustNew(t, 8), mustNew(t, 8)
	a.SetCoord(Coord{0, 0, 0})
	b.SetCoord(Coord{1, 0, 0})
	c.SetCoord(Coord{2, 0, 0})
	b.Set(0, 3, 4, red)
	c.Set(1, 0, 0, blue)

	if _, ok := a.Get(8, 3, 4, AnyDepth, nil); ok {
		t.Fatalf("unlinked neighbour must read as empty")
	}
	linkRow(a, b, c)

	if v, ok := a.Get(8, 3, 4, AnyDepth, nil); !ok || v != red {
		t.Fatalf("a.Get(8,3,4)=%v,%v", v, ok)
	}
	if v, ok := a.Get(17, 0, 0, AnyDepth, nil); !ok || v != blue {
		t.Fatalf("two-hop read=%v,%v", v, ok)
	}
	if v, ok := c.Get(-16, 3, 4, AnyDepth, nil); ok {
		t.Fatalf("c.Get(-16,...) should land on empty a: %v", v)
	}
	if v, ok := c.Get(-8, 3, 4, AnyDepth, nil); !ok || v != red {
		t.Fatalf("negative redirect=%v,%v", v, ok)
	}
	if _, ok := a.Get(-1, 0, 0, AnyDepth, nil); ok {
		t.Fatalf("no chunk at -1")
	}

	a.ClearNeighbour(Offset{DX: 1})
	if _, ok := a.Get(8, 3, 4, AnyDepth, nil); ok {
		t.Fatalf("cleared link must not be followed")
	}
	if a.Neighbour(Offset{}) != nil || a.Neighbour(Offset{DX: 2}) != nil {
		t.Fatalf("non-adjacent offsets have no neighbour")
	}
}

func TestOffsets(t *testing.T) {
	offs := Offsets()
	if len(offs) != 26 {
		t.Fatalf("len=%d", len(offs))
	}
	seen := map[int]bool{}
	for _, o := range offs {
		if !o.Adjacent() {
			t.Fatalf("%v not adjacent", o)
		}
		if seen[o.index()] {
			t.Fatalf("duplicate slot for %v", o)
		}
		seen[o.index()] = true
		if o.Neg().Neg() != o {
			t.Fatalf("Neg not involutive")
		}
	}
}

func TestDeletePrunes(t *testing.T) {
	o := mustNew(t, 4)
	o.SetSized(0, 0, 0, green, 4)
	if !o.Delete(1, 2, 3) {
		t.Fatalf("delete should report a removal")
	}
	if o.Delete(1, 2, 3) {
		t.Fatalf("second delete of the same cell removes nothing")
	}
	if o.VoxelCount() != 63 {
		t.Fatalf("voxel count=%d", o.VoxelCount())
	}
	if _, ok := o.Get(1, 2, 3, AnyDepth, nil); ok {
		t.Fatalf("deleted cell still solid")
	}
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			for z := 0; z < 4; z++ {
				o.Delete(x, y, z)
			}
		}
	}
	if !o.IsEmpty() || o.NodeCount() != 1 {
		t.Fatalf("fully deleted tree should be a bare root: nodes=%d", o.NodeCount())
	}

	one := mustNew(t, 1)
	one.Set(0, 0, 0, red)
	if !one.Delete(0, 0, 0) || !one.IsEmpty() {
		t.Fatalf("size-1 delete failed")
	}
}

func TestFreedNodesAreReused(t *testing.T) {
	o := mustNew(t, 16)
	o.Set(3, 3, 3, red)
	o.Delete(3, 3, 3)
	arena := len(o.nodes)
	o.Set(12, 12, 12, blue)
	if len(o.nodes) != arena {
		t.Fatalf("arena grew from %d to %d despite free slots", arena, len(o.nodes))
	}
}

func TestClear(t *testing.T) {
	o := mustNew(t, 16)
	o.SetBlock(randomMask(16, 9, 0.5), red)
	o.Clear()
	if !o.IsEmpty() || o.NodeCount() != 1 {
		t.Fatalf("Clear left %d nodes", o.NodeCount())
	}
	o.Set(0, 0, 0, blue)
	if v, ok := o.Get(0, 0, 0, AnyDepth, nil); !ok || v != blue {
		t.Fatalf("tree unusable after Clear")
	}
}

func TestWalkBox(t *testing.T) {
	o := mustNew(t, 16)
	o.SetSized(0, 0, 0, red, 8)
	o.Set(15, 15, 15, blue)
	var got []int
	o.WalkBox(8, 8, 8, 8, func(x, y, z, size int, v voxel.Voxel) bool {
		got = append(got, x, y, z, size)
		return true
	})
	if len(got) != 4 || got[0] != 15 || got[3] != 1 {
		t.Fatalf("WalkBox=%v", got)
	}
	n := 0
	o.Walk(func(_, _, _, _ int, _ voxel.Voxel) bool {
		n++
		return false
	})
	if n != 1 {
		t.Fatalf("walk must stop when fn returns false")
	}
}

func TestExportImport(t *testing.T) {
	src := mustNew(t, 16)
	src.SetCoord(Coord{X: -2, Y: 0, Z: 5})
	src.SetBlock(randomMask(16, 11, 0.6), green)
	src.Set(4, 4, 4, blue)

	dst, err := Import(src.Export())
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if dst.Coord() != src.Coord() || dst.NodeCount() != src.NodeCount() {
		t.Fatalf("coord/nodes mismatch: %v/%d vs %v/%d", dst.Coord(), dst.NodeCount(), src.Coord(), src.NodeCount())
	}
	src.Walk(func(x, y, z, size int, v voxel.Voxel) bool {
		if got, ok := dst.Get(x, y, z, AnyDepth, nil); !ok || got != v {
			t.Fatalf("leaf at (%d,%d,%d) lost: %v,%v", x, y, z, got, ok)
		}
		return true
	})
	if len(dst.UniqueVoxels()) != 2 {
		t.Fatalf("unique=%v", dst.UniqueVoxels())
	}

	bad := src.Export()
	bad.Nodes = bad.Nodes[:len(bad.Nodes)-1]
	if _, err := Import(bad); err == nil {
		t.Fatalf("truncated encoding must fail")
	}
	if _, err := Import(Flat{Size: 16}); err == nil {
		t.Fatalf("empty encoding must fail")
	}
}

func BenchmarkSetBlockTerrain(b *testing.B) {
	mask := NewBitmask(64)
	for y := 0; y < 24; y++ {
		for z := 0; z < 64; z++ {
			mask.SetRow(0, y, z, 64)
		}
	}
	for z := 0; z < 64; z++ {
		for x := 0; x < 64; x++ {
			mask.Set(x, 24+(x*z)%7, z)
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		o, _ := New(64)
		_ = o.SetBlock(mask, red)
	}
}
