package world

import (
	"context"
	"fmt"
	"time"

	"voxelmesh.dev/internal/persistence/snapshot"
	"voxelmesh.dev/internal/voxel/octree"
)

// ExportSnapshot captures every generated chunk. Batches are held off while
// it runs.
func (m *Manager) ExportSnapshot(seed int64) snapshot.SnapshotV1 {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()

	center := m.Center()
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version:     snapshot.Version,
			Seed:        seed,
			ChunkSize:   m.opts.ChunkSize,
			Center:      [3]int{center.X, center.Y, center.Z},
			CreatedUnix: time.Now().Unix(),
		},
		WorldHeight:    m.opts.ChunkSize * m.opts.VerticalChunks,
		ChunkRadius:    m.opts.Radius,
		VerticalChunks: m.opts.VerticalChunks,
	}
	for _, c := range m.Chunks() {
		ch := m.chunk(c)
		if ch == nil {
			continue
		}
		mu := m.locks.For(c)
		mu.RLock()
		if ch.tree != nil {
			snap.Chunks = append(snap.Chunks, snapshot.ChunkFromOctree(ch.tree))
		}
		mu.RUnlock()
	}
	snap.Header.Chunks = len(snap.Chunks)
	return snap
}

// ImportSnapshot replaces the loaded world with the snapshot's chunks, then
// links and meshes them. Chunks are decoded before anything is unloaded, so
// a corrupt snapshot leaves the world untouched.
func (m *Manager) ImportSnapshot(ctx context.Context, snap snapshot.SnapshotV1) (BatchStats, error) {
	if snap.Header.ChunkSize != m.opts.ChunkSize {
		return BatchStats{}, fmt.Errorf("world: snapshot chunk size %d, want %d", snap.Header.ChunkSize, m.opts.ChunkSize)
	}
	trees := make([]*octree.Octree, len(snap.Chunks))
	seen := make(map[[3]int]struct{}, len(snap.Chunks))
	for i, c := range snap.Chunks {
		if c.Size != m.opts.ChunkSize {
			return BatchStats{}, fmt.Errorf("world: snapshot chunk %v has size %d", c.Coord, c.Size)
		}
		if _, dup := seen[c.Coord]; dup {
			return BatchStats{}, fmt.Errorf("world: snapshot chunk %v appears twice", c.Coord)
		}
		seen[c.Coord] = struct{}{}
		t, err := c.Octree()
		if err != nil {
			return BatchStats{}, fmt.Errorf("world: %w", err)
		}
		trees[i] = t
	}

	m.batchMu.Lock()
	defer m.batchMu.Unlock()

	center := Coord{X: snap.Header.Center[0], Y: snap.Header.Center[1], Z: snap.Header.Center[2]}
	st := m.startBatch(BatchImport, center)

	old := m.Chunks()
	m.remove(old)
	st.Removed = len(old)

	fresh := make([]*Chunk, len(trees))
	m.mu.Lock()
	for i, t := range trees {
		ch := newChunk(t.Coord(), StateMeshing)
		ch.tree = t
		m.chunks[ch.Coord] = ch
		fresh[i] = ch
	}
	m.mu.Unlock()
	st.Added = len(fresh)

	t0 := time.Now()
	for _, ch := range fresh {
		m.link(ch)
	}
	st.LinkMs = time.Since(t0).Milliseconds()

	m.lastMu.Lock()
	m.center = center
	m.lastMu.Unlock()

	coords := make([]Coord, len(fresh))
	for i, ch := range fresh {
		coords[i] = ch.Coord
	}
	sortCoords(coords)
	t0 = time.Now()
	quads, err := m.meshAll(ctx, coords)
	st.MeshMs = time.Since(t0).Milliseconds()
	st.Remeshed = len(coords)
	st.Quads = quads
	return m.finishBatch(st, err)
}
