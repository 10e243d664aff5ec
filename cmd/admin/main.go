package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"voxelmesh.dev/internal/mathx"
	"voxelmesh.dev/internal/persistence/archive"
	"voxelmesh.dev/internal/persistence/snapshot"
	"voxelmesh.dev/internal/voxel/octree"
)

// maxRollbackVolume bounds the number of cells one rollback may visit.
const maxRollbackVolume = 1 << 24

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "rollback":
			rollbackCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	dir := filepath.Join(*dataDir, "snapshots")
	for _, name := range snapshotNames(dir) {
		h, err := snapshot.ReadHeader(filepath.Join(dir, name))
		if err != nil {
			fmt.Printf("%s\t(unreadable: %v)\n", name, err)
			continue
		}
		fmt.Printf("%s\tseed=%d chunk_size=%d chunks=%d center=%v\n", name, h.Seed, h.ChunkSize, h.Chunks, h.Center)
	}
}

// rollbackCmd copies the voxels inside an AABB from an older snapshot into a
// newer one and writes the result as a new snapshot.
func rollbackCmd(args []string) {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	fromPath := fs.String("from", "", "snapshot holding the voxels to restore (required)")
	intoPath := fs.String("into", "", "snapshot to patch (optional; defaults to latest)")
	aabb := fs.String("aabb", "", "AABB in world voxels: x1,y1,z1:x2,y2,z2 (required)")
	outPath := fs.String("out", "", "output snapshot path (optional)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*fromPath) == "" {
		fmt.Fprintln(os.Stderr, "missing -from")
		os.Exit(2)
	}
	if strings.TrimSpace(*aabb) == "" {
		fmt.Fprintln(os.Stderr, "missing -aabb")
		os.Exit(2)
	}
	min, max, err := parseAABB(*aabb)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -aabb:", err)
		os.Exit(2)
	}

	into := strings.TrimSpace(*intoPath)
	if into == "" {
		into = latestSnapshot(filepath.Join(*dataDir, "snapshots"))
	}
	if into == "" {
		fmt.Fprintln(os.Stderr, "no snapshot found; provide -into or run server until it writes one")
		os.Exit(2)
	}

	src, err := snapshot.ReadSnapshot(*fromPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read -from:", err)
		os.Exit(1)
	}
	dst, err := snapshot.ReadSnapshot(into)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read -into:", err)
		os.Exit(1)
	}

	changed, skipped, err := applyRollback(&dst, src, min, max)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rollback:", err)
		os.Exit(1)
	}

	if strings.TrimSpace(*outPath) == "" {
		base := strings.TrimSuffix(filepath.Base(into), ".snap.zst")
		*outPath = filepath.Join(filepath.Dir(into), base+".rollback.snap.zst")
	}
	if err := snapshot.WriteSnapshot(*outPath, dst); err != nil {
		fmt.Fprintln(os.Stderr, "write snapshot:", err)
		os.Exit(1)
	}

	fmt.Printf("rollback ok: from=%s into=%s aabb=%s changed=%d skipped=%d out=%s\n",
		filepath.Base(*fromPath), filepath.Base(into), *aabb, changed, skipped, *outPath)
}

// applyRollback makes every cell of dst inside [min,max] equal to the same
// cell in src. Cells whose chunk is missing from either snapshot are skipped.
func applyRollback(dst *snapshot.SnapshotV1, src snapshot.SnapshotV1, min, max [3]int) (changed, skipped int, err error) {
	cs := dst.Header.ChunkSize
	if src.Header.ChunkSize != cs {
		return 0, 0, fmt.Errorf("chunk size mismatch: %d vs %d", src.Header.ChunkSize, cs)
	}
	vol := int64(max[0]-min[0]+1) * int64(max[1]-min[1]+1) * int64(max[2]-min[2]+1)
	if vol > maxRollbackVolume {
		return 0, 0, fmt.Errorf("aabb too large: %d cells", vol)
	}

	srcIdx := make(map[[3]int]int, len(src.Chunks))
	for i, c := range src.Chunks {
		srcIdx[c.Coord] = i
	}
	dstIdx := make(map[[3]int]int, len(dst.Chunks))
	for i, c := range dst.Chunks {
		dstIdx[c.Coord] = i
	}
	srcTrees := map[[3]int]*octree.Octree{}
	dstTrees := map[[3]int]*octree.Octree{}
	load := func(cache map[[3]int]*octree.Octree, idx map[[3]int]int, chunks []snapshot.ChunkV1, c [3]int) (*octree.Octree, error) {
		if o, ok := cache[c]; ok {
			return o, nil
		}
		i, ok := idx[c]
		if !ok {
			cache[c] = nil
			return nil, nil
		}
		o, err := chunks[i].Octree()
		if err != nil {
			return nil, err
		}
		cache[c] = o
		return o, nil
	}

	dirty := map[[3]int]bool{}
	for x := min[0]; x <= max[0]; x++ {
		for y := min[1]; y <= max[1]; y++ {
			for z := min[2]; z <= max[2]; z++ {
				c := [3]int{mathx.FloorDiv(x, cs), mathx.FloorDiv(y, cs), mathx.FloorDiv(z, cs)}
				lx, ly, lz := mathx.Mod(x, cs), mathx.Mod(y, cs), mathx.Mod(z, cs)

				to, err := load(dstTrees, dstIdx, dst.Chunks, c)
				if err != nil {
					return changed, skipped, err
				}
				from, err := load(srcTrees, srcIdx, src.Chunks, c)
				if err != nil {
					return changed, skipped, err
				}
				if to == nil || from == nil {
					skipped++
					continue
				}

				want, wok := from.Get(lx, ly, lz, octree.AnyDepth, nil)
				cur, cok := to.Get(lx, ly, lz, octree.AnyDepth, nil)
				switch {
				case wok && (!cok || cur != want):
					to.Set(lx, ly, lz, want)
				case !wok && cok:
					to.Delete(lx, ly, lz)
				default:
					continue
				}
				dirty[c] = true
				changed++
			}
		}
	}

	for c := range dirty {
		dst.Chunks[dstIdx[c]] = snapshot.ChunkFromOctree(dstTrees[c])
	}
	return changed, skipped, nil
}

func parseAABB(s string) (min, max [3]int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return min, max, fmt.Errorf("expected x1,y1,z1:x2,y2,z2")
	}
	a, err := parseVec3(parts[0])
	if err != nil {
		return min, max, err
	}
	b, err := parseVec3(parts[1])
	if err != nil {
		return min, max, err
	}
	for i := 0; i < 3; i++ {
		min[i] = a[i]
		max[i] = b[i]
		if min[i] > max[i] {
			min[i], max[i] = max[i], min[i]
		}
	}
	return min, max, nil
}

func parseVec3(s string) ([3]int, error) {
	var out [3]int
	ps := strings.Split(strings.TrimSpace(s), ",")
	if len(ps) != 3 {
		return out, fmt.Errorf("expected x,y,z")
	}
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(ps[i]))
		if err != nil {
			return out, err
		}
		out[i] = n
	}
	return out, nil
}

func withinAABB(p, min, max [3]int) bool {
	return p[0] >= min[0] && p[0] <= max[0] &&
		p[1] >= min[1] && p[1] <= max[1] &&
		p[2] >= min[2] && p[2] <= max[2]
}

func snapshotNames(dir string) []string {
	names, _ := archive.List(dir)
	return names
}

func latestSnapshot(dir string) string {
	names := snapshotNames(dir)
	if len(names) == 0 {
		return ""
	}
	return filepath.Join(dir, names[len(names)-1])
}
