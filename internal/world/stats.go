package world

import (
	"unsafe"

	"voxelmesh.dev/internal/voxel/mesh"
)

var vertexBytes = int(unsafe.Sizeof(mesh.Vertex{}))

// Chunks lists the loaded chunk coordinates, including chunks still being
// generated, in coordinate order.
func (m *Manager) Chunks() []Coord {
	m.mu.RLock()
	out := make([]Coord, 0, len(m.chunks))
	for c := range m.chunks {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sortCoords(out)
	return out
}

func (m *Manager) State(c Coord) ChunkState {
	ch := m.chunk(c)
	if ch == nil {
		return StateAbsent
	}
	return ch.State()
}

// TotalMemoryUsage is the octree memory of every loaded chunk plus the size
// of the stored meshes, in bytes.
func (m *Manager) TotalMemoryUsage() int {
	total := 0
	for _, c := range m.Chunks() {
		total += m.chunkMemory(c)
	}
	m.vmu.Lock()
	for _, vs := range m.meshes {
		total += cap(vs) * vertexBytes
	}
	m.vmu.Unlock()
	return total
}

func (m *Manager) chunkMemory(c Coord) int {
	ch := m.chunk(c)
	if ch == nil {
		return 0
	}
	mu := m.locks.For(c)
	mu.RLock()
	defer mu.RUnlock()
	if ch.tree == nil {
		return 0
	}
	return ch.tree.MemoryUsage()
}

func (m *Manager) Stats() Stats {
	var s Stats
	for _, c := range m.Chunks() {
		ch := m.chunk(c)
		if ch == nil {
			continue
		}
		s.Chunks++
		if ch.State() == StateActive {
			s.Active++
		}
		mu := m.locks.For(c)
		mu.RLock()
		if ch.tree != nil {
			s.Nodes += ch.tree.NodeCount()
			s.MemoryBytes += ch.tree.MemoryUsage()
		}
		mu.RUnlock()
	}
	m.vmu.Lock()
	for _, vs := range m.meshes {
		s.Vertices += len(vs)
		s.MemoryBytes += cap(vs) * vertexBytes
	}
	m.vmu.Unlock()
	s.Batches = m.batches.Load()
	m.lastMu.Lock()
	s.LastBatch = m.lastBatch
	m.lastMu.Unlock()
	return s
}
