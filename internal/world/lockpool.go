package world

import (
	"sort"
	"sync"

	"voxelmesh.dev/internal/mathx"
	"voxelmesh.dev/internal/voxel/octree"
)

const defaultLockShards = 256

// LockPool maps chunk coordinates onto a fixed set of reader-writer locks.
// Two coordinates may share a shard; callers that need several coordinates
// must use LockAll/RLockAll, which take each shard once in index order.
type LockPool struct {
	shards []sync.RWMutex
	mask   uint64
}

// NewLockPool rounds n up to a power of two.
func NewLockPool(n int) *LockPool {
	size := 1
	for size < n {
		size <<= 1
	}
	return &LockPool{shards: make([]sync.RWMutex, size), mask: uint64(size - 1)}
}

func (p *LockPool) index(c Coord) int {
	return int(mathx.Hash3(0, c.X, c.Y, c.Z) & p.mask)
}

// For returns the lock guarding c. Holding it while acquiring another shard
// is not allowed.
func (p *LockPool) For(c Coord) *sync.RWMutex {
	return &p.shards[p.index(c)]
}

func (p *LockPool) indices(cs []Coord) []int {
	seen := make(map[int]struct{}, len(cs))
	out := make([]int, 0, len(cs))
	for _, c := range cs {
		i := p.index(c)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// LockAll write-locks every shard covering cs and returns the unlock func.
func (p *LockPool) LockAll(cs ...Coord) func() {
	idx := p.indices(cs)
	for _, i := range idx {
		p.shards[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			p.shards[idx[j]].Unlock()
		}
	}
}

func (p *LockPool) RLockAll(cs ...Coord) func() {
	idx := p.indices(cs)
	for _, i := range idx {
		p.shards[i].RLock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			p.shards[idx[j]].RUnlock()
		}
	}
}

// around returns c followed by its 26 neighbours.
func around(c Coord) []Coord {
	offs := octree.Offsets()
	out := make([]Coord, 0, len(offs)+1)
	out = append(out, c)
	for _, o := range offs {
		out = append(out, c.Add(o))
	}
	return out
}
