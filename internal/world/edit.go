package world

import (
	"context"
	"fmt"

	"voxelmesh.dev/internal/mathx"
	"voxelmesh.dev/internal/voxel"
)

// locate splits a world cell into its chunk and chunk-local coordinates.
func (m *Manager) locate(wx, wy, wz int) (Coord, int, int, int) {
	s := m.opts.ChunkSize
	c := Coord{X: mathx.FloorDiv(wx, s), Y: mathx.FloorDiv(wy, s), Z: mathx.FloorDiv(wz, s)}
	return c, mathx.Mod(wx, s), mathx.Mod(wy, s), mathx.Mod(wz, s)
}

// Get reads the voxel at a world cell. Unloaded or still generating chunks
// read as empty.
func (m *Manager) Get(wx, wy, wz, maxDepth int, filter *voxel.Voxel) (voxel.Voxel, bool) {
	c, x, y, z := m.locate(wx, wy, wz)
	ch := m.chunk(c)
	if ch == nil {
		return voxel.Voxel{}, false
	}
	mu := m.locks.For(c)
	mu.RLock()
	defer mu.RUnlock()
	if ch.tree == nil {
		return voxel.Voxel{}, false
	}
	return ch.tree.Get(x, y, z, maxDepth, filter)
}

// SetVoxel writes one world cell and remeshes its chunk, plus the face
// neighbours that share the edited boundary.
func (m *Manager) SetVoxel(ctx context.Context, wx, wy, wz int, v voxel.Voxel) (BatchStats, error) {
	return m.edit(ctx, wx, wy, wz, func(ch *Chunk, x, y, z int) bool {
		return ch.tree.Set(x, y, z, v)
	})
}

// DeleteVoxel clears one world cell. Deleting air is not an error and
// remeshes nothing.
func (m *Manager) DeleteVoxel(ctx context.Context, wx, wy, wz int) (BatchStats, error) {
	return m.edit(ctx, wx, wy, wz, func(ch *Chunk, x, y, z int) bool {
		return ch.tree.Delete(x, y, z)
	})
}

func (m *Manager) edit(ctx context.Context, wx, wy, wz int, apply func(ch *Chunk, x, y, z int) bool) (BatchStats, error) {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()

	c, x, y, z := m.locate(wx, wy, wz)
	ch := m.chunk(c)
	if ch == nil {
		return BatchStats{}, fmt.Errorf("%w: %v", ErrChunkNotLoaded, c)
	}
	st := m.startBatch(BatchEdit, c)

	mu := m.locks.For(c)
	mu.Lock()
	if ch.tree == nil {
		mu.Unlock()
		return BatchStats{}, fmt.Errorf("%w: %v is %s", ErrChunkNotLoaded, c, ch.State())
	}
	changed := apply(ch, x, y, z)
	mu.Unlock()
	if !changed {
		return m.finishBatch(st, nil)
	}

	st.Edited = 1

	// The edited chunk and the face neighbours sharing the boundary go
	// stale first, so a cancelled remesh leaves them for the next batch.
	m.markStale(c)
	last := m.opts.ChunkSize - 1
	step := func(local, axis int) {
		var d int
		switch local {
		case 0:
			d = -1
		case last:
			d = 1
		default:
			return
		}
		n := c
		switch axis {
		case 0:
			n.X += d
		case 1:
			n.Y += d
		default:
			n.Z += d
		}
		m.markStale(n)
	}
	step(x, 0)
	step(y, 1)
	step(z, 2)

	targets := m.staleChunks()
	quads, err := m.meshAll(ctx, targets)
	st.Remeshed = len(targets)
	st.Quads = quads
	return m.finishBatch(st, err)
}
