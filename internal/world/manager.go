package world

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"voxelmesh.dev/internal/mathx"
	"voxelmesh.dev/internal/voxel/mesh"
	"voxelmesh.dev/internal/voxel/octree"
)

type Options struct {
	ChunkSize   int
	MesherWidth int
	// Radius is the half-width of the loaded window in chunks along X and Z.
	Radius int
	// VerticalChunks is the number of chunk layers, starting at Y=0.
	VerticalChunks int
	Workers        int
	LockShards     int

	Generator Generator
	Logger    *log.Logger
	Recorders []BatchRecorder
}

// Manager owns the loaded chunks around a moving center and keeps one mesh
// per chunk. Batches (moves, edits, imports) run one at a time; queries may
// run concurrently with them.
type Manager struct {
	opts   Options
	logger *log.Logger

	// batchMu serialises batches. Only batches change the chunk table.
	batchMu sync.Mutex

	mu     sync.RWMutex
	chunks map[Coord]*Chunk

	locks   *LockPool
	meshers sync.Pool

	vmu    sync.Mutex
	meshes map[Coord][]mesh.Vertex
	dirty  atomic.Bool

	moves    chan Coord
	inflight struct {
		sync.Mutex
		cancel context.CancelFunc
	}

	batches   atomic.Uint64
	lastMu    sync.Mutex
	lastBatch BatchStats
	center    Coord
}

func NewManager(opts Options) (*Manager, error) {
	if !mathx.IsPow2(opts.ChunkSize) || opts.ChunkSize > octree.MaxSize {
		return nil, fmt.Errorf("world: chunk size: %w: got %d", octree.ErrInvalidSize, opts.ChunkSize)
	}
	if _, err := mesh.New(opts.MesherWidth); err != nil {
		return nil, fmt.Errorf("world: %w", err)
	}
	if opts.Generator == nil {
		return nil, errors.New("world: nil generator")
	}
	if opts.Radius < 0 {
		opts.Radius = 0
	}
	if opts.VerticalChunks <= 0 {
		opts.VerticalChunks = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.LockShards <= 0 {
		opts.LockShards = defaultLockShards
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	m := &Manager{
		opts:   opts,
		logger: logger,
		chunks: map[Coord]*Chunk{},
		locks:  NewLockPool(opts.LockShards),
		meshes: map[Coord][]mesh.Vertex{},
		moves:  make(chan Coord, 1),
	}
	width := opts.MesherWidth
	m.meshers.New = func() any {
		ms, _ := mesh.New(width)
		return ms
	}
	return m, nil
}

func (m *Manager) ChunkSize() int { return m.opts.ChunkSize }

// Origin is the world position of a chunk's minimum corner.
func (m *Manager) Origin(c Coord) mgl32.Vec3 {
	s := float32(m.opts.ChunkSize)
	return mgl32.Vec3{float32(c.X) * s, float32(c.Y) * s, float32(c.Z) * s}
}

// ChunkAt returns the chunk containing world position p.
func (m *Manager) ChunkAt(p mgl32.Vec3) Coord {
	s := m.opts.ChunkSize
	return Coord{
		X: mathx.FloorDiv(int(math.Floor(float64(p.X()))), s),
		Y: mathx.FloorDiv(int(math.Floor(float64(p.Y()))), s),
		Z: mathx.FloorDiv(int(math.Floor(float64(p.Z()))), s),
	}
}

// Center is the chunk the last successful move was centred on.
func (m *Manager) Center() Coord {
	m.lastMu.Lock()
	defer m.lastMu.Unlock()
	return m.center
}

// Window lists the chunk coordinates loaded around center, sorted.
func (m *Manager) Window(center Coord) []Coord {
	r := m.opts.Radius
	out := make([]Coord, 0, (2*r+1)*(2*r+1)*m.opts.VerticalChunks)
	for y := 0; y < m.opts.VerticalChunks; y++ {
		for z := center.Z - r; z <= center.Z+r; z++ {
			for x := center.X - r; x <= center.X+r; x++ {
				out = append(out, Coord{X: x, Y: y, Z: z})
			}
		}
	}
	sortCoords(out)
	return out
}

func sortCoords(cs []Coord) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Less(cs[j]) })
}

func (m *Manager) chunk(c Coord) *Chunk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chunks[c]
}

// treeOf returns the octree of a loaded chunk. The caller must hold the
// chunk's shard.
func (m *Manager) treeOf(c Coord) *octree.Octree {
	ch := m.chunk(c)
	if ch == nil {
		return nil
	}
	return ch.tree
}

// Move loads the window around center and unloads everything else, then
// meshes the chunks whose geometry changed. Batch phases:
//
//  1. unload chunks outside the window, clearing their neighbour links
//  2. generate missing chunks in parallel
//  3. link new chunks with their neighbours, once all generation is done
//  4. mesh every chunk in StateMeshing: new chunks, the loaded neighbours of
//     added or removed ones, and leftovers from earlier batches
//
// Neighbours of removed chunks are marked StateMeshing inside phase 1, so a
// batch cancelled or failed in any later phase leaves them for the next
// batch's sweep. If ctx is cancelled during generation, the new chunks are
// dropped before any linking.
func (m *Manager) Move(ctx context.Context, center Coord) (BatchStats, error) {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()

	st := m.startBatch(BatchMove, center)
	want := m.Window(center)
	inWindow := make(map[Coord]struct{}, len(want))
	for _, c := range want {
		inWindow[c] = struct{}{}
	}

	var gone, missing []Coord
	m.mu.RLock()
	for c := range m.chunks {
		if _, ok := inWindow[c]; !ok {
			gone = append(gone, c)
		}
	}
	for _, c := range want {
		if _, ok := m.chunks[c]; !ok {
			missing = append(missing, c)
		}
	}
	m.mu.RUnlock()
	sortCoords(gone)

	m.remove(gone)
	st.Removed = len(gone)

	t0 := time.Now()
	fresh, err := m.generate(ctx, missing)
	st.GenerateMs = time.Since(t0).Milliseconds()
	if err != nil {
		return m.finishBatch(st, err)
	}
	st.Added = len(fresh)

	t0 = time.Now()
	for _, ch := range fresh {
		m.link(ch)
	}
	st.LinkMs = time.Since(t0).Milliseconds()

	for _, ch := range fresh {
		for _, n := range around(ch.Coord)[1:] {
			m.markStale(n)
		}
	}
	targets := m.staleChunks()

	t0 = time.Now()
	quads, err := m.meshAll(ctx, targets)
	st.MeshMs = time.Since(t0).Milliseconds()
	st.Remeshed = len(targets)
	st.Quads = quads
	if err == nil {
		m.lastMu.Lock()
		m.center = center
		m.lastMu.Unlock()
	}
	return m.finishBatch(st, err)
}

// markStale flags a meshed chunk for remeshing. The flag outlives a failed or
// cancelled batch; the next batch's sweep picks the chunk up.
func (m *Manager) markStale(c Coord) {
	if ch := m.chunk(c); ch != nil && ch.State() == StateActive {
		ch.setState(StateMeshing)
	}
}

// staleChunks returns every loaded chunk waiting in StateMeshing.
func (m *Manager) staleChunks() []Coord {
	var out []Coord
	m.mu.RLock()
	for c, ch := range m.chunks {
		if ch.State() == StateMeshing {
			out = append(out, c)
		}
	}
	m.mu.RUnlock()
	sortCoords(out)
	return out
}

// remove unloads chunks. Each live neighbour drops its link to the removed
// chunk under the writer locks of both and is marked stale.
func (m *Manager) remove(coords []Coord) {
	if len(coords) == 0 {
		return
	}
	for _, c := range coords {
		ch := m.chunk(c)
		if ch == nil {
			continue
		}
		unlock := m.locks.LockAll(around(c)...)
		for _, off := range octree.Offsets() {
			if n := m.treeOf(c.Add(off)); n != nil {
				n.ClearNeighbour(off.Neg())
				m.markStale(c.Add(off))
			}
		}
		if ch.tree != nil {
			ch.tree.ClearNeighbours()
		}
		ch.setState(StateRemoved)
		unlock()
	}

	m.mu.Lock()
	for _, c := range coords {
		delete(m.chunks, c)
	}
	m.mu.Unlock()

	m.vmu.Lock()
	for _, c := range coords {
		delete(m.meshes, c)
	}
	m.dirty.Store(true)
	m.vmu.Unlock()
}

// generate builds the missing chunks. Placeholders in StateGenerating are
// visible in the table while it runs; on error or cancellation they are
// removed again and no partial chunk survives.
func (m *Manager) generate(ctx context.Context, coords []Coord) ([]*Chunk, error) {
	if len(coords) == 0 {
		return nil, nil
	}
	out := make([]*Chunk, len(coords))
	m.mu.Lock()
	for i, c := range coords {
		out[i] = newChunk(c, StateGenerating)
		m.chunks[c] = out[i]
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for _, ch := range out {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tree, err := m.opts.Generator.Chunk(ch.Coord)
			if err != nil {
				return fmt.Errorf("generate chunk %v: %w", ch.Coord, err)
			}
			tree.SetCoord(ch.Coord)
			mu := m.locks.For(ch.Coord)
			mu.Lock()
			ch.tree = tree
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		m.mu.Lock()
		for _, ch := range out {
			if m.chunks[ch.Coord] == ch {
				delete(m.chunks, ch.Coord)
			}
			ch.setState(StateRemoved)
		}
		m.mu.Unlock()
		return nil, err
	}
	for _, ch := range out {
		ch.setState(StateMeshing)
	}
	return out, nil
}

// link rebuilds ch's neighbour table and points every loaded neighbour back
// at ch.
func (m *Manager) link(ch *Chunk) {
	unlock := m.locks.LockAll(around(ch.Coord)...)
	defer unlock()
	if ch.tree == nil {
		return
	}
	ch.tree.SetNeighbours(m.treeOf)
	for _, off := range octree.Offsets() {
		if n := m.treeOf(ch.Coord.Add(off)); n != nil {
			n.SetNeighbour(off.Neg(), ch.tree)
		}
	}
}

// meshAll meshes coords in parallel and returns the total quad count.
func (m *Manager) meshAll(ctx context.Context, coords []Coord) (int, error) {
	var quads atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for _, c := range coords {
		ch := m.chunk(c)
		if ch == nil {
			continue
		}
		g.Go(func() error {
			n, err := m.meshChunk(gctx, ch)
			quads.Add(int64(n))
			return err
		})
	}
	err := g.Wait()
	return int(quads.Load()), err
}

// meshChunk meshes one chunk, one goroutine per distinct voxel value. The
// chunk and its neighbours are read-locked for the duration; only the final
// store takes the vertex lock.
func (m *Manager) meshChunk(ctx context.Context, ch *Chunk) (int, error) {
	unlock := m.locks.RLockAll(around(ch.Coord)...)
	defer unlock()
	tree := ch.tree
	if tree == nil || ch.State() == StateRemoved {
		return 0, nil
	}

	unique := tree.UniqueVoxels()
	parts := make([][]mesh.Vertex, len(unique))
	counts := make([]int, len(unique))
	origin := m.Origin(ch.Coord)
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range unique {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ms := m.meshers.Get().(*mesh.Mesher)
			defer m.meshers.Put(ms)
			quads := ms.Octree(tree, &v)
			counts[i] = len(quads)
			parts[i] = mesh.Vertices(quads, origin, v)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	total, n := 0, 0
	for i, p := range parts {
		total += len(p)
		n += counts[i]
	}
	verts := make([]mesh.Vertex, 0, total)
	for _, p := range parts {
		verts = append(verts, p...)
	}

	m.vmu.Lock()
	m.meshes[ch.Coord] = verts
	m.dirty.Store(true)
	m.vmu.Unlock()
	ch.setState(StateActive)
	return n, nil
}

func (m *Manager) startBatch(kind string, center Coord) BatchStats {
	return BatchStats{
		ID:        uuid.NewString(),
		Kind:      kind,
		Center:    [3]int{center.X, center.Y, center.Z},
		StartedAt: time.Now().UTC(),
	}
}

func (m *Manager) finishBatch(st BatchStats, err error) (BatchStats, error) {
	st.TotalMs = time.Since(st.StartedAt).Milliseconds()
	st.Chunks = len(m.Chunks())
	st.MemoryBytes = m.TotalMemoryUsage()
	m.vmu.Lock()
	for _, vs := range m.meshes {
		st.Vertices += len(vs)
	}
	m.vmu.Unlock()
	if err != nil {
		st.Cancelled = errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		st.Error = err.Error()
	}

	m.batches.Inc()
	m.lastMu.Lock()
	m.lastBatch = st
	m.lastMu.Unlock()

	if err != nil {
		m.logger.Printf("batch %s %s center=%v failed after %dms: %v", st.ID, st.Kind, st.Center, st.TotalMs, err)
	} else {
		m.logger.Printf("batch %s %s center=%v +%d -%d remesh=%d quads=%d verts=%d mem=%dB gen=%dms link=%dms mesh=%dms",
			st.ID, st.Kind, st.Center, st.Added, st.Removed, st.Remeshed, st.Quads, st.Vertices, st.MemoryBytes,
			st.GenerateMs, st.LinkMs, st.MeshMs)
	}
	for _, r := range m.opts.Recorders {
		if rerr := r.WriteBatch(st); rerr != nil {
			m.logger.Printf("record batch %s: %v", st.ID, rerr)
		}
	}
	return st, err
}

// RequestMove queues a move for Run, replacing any move still queued, and
// cancels the batch in flight.
func (m *Manager) RequestMove(center Coord) {
	m.inflight.Lock()
	defer m.inflight.Unlock()
	if m.inflight.cancel != nil {
		m.inflight.cancel()
		m.inflight.cancel = nil
	}
	select {
	case <-m.moves:
	default:
	}
	// Senders are serialised by inflight, so the drained slot is free.
	m.moves <- center
}

// Run processes queued moves until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-m.moves:
			bctx, cancel := context.WithCancel(ctx)
			m.inflight.Lock()
			m.inflight.cancel = cancel
			m.inflight.Unlock()

			_, err := m.Move(bctx, c)

			m.inflight.Lock()
			m.inflight.cancel = nil
			m.inflight.Unlock()
			cancel()
			if err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				m.logger.Printf("move to %v: %v", c, err)
			}
		}
	}
}

// Dirty reports whether the meshes changed since the last TakeVertices.
func (m *Manager) Dirty() bool { return m.dirty.Load() }

// TakeVertices returns the full vertex buffer and clears the dirty flag, or
// false when nothing changed.
func (m *Manager) TakeVertices() ([]mesh.Vertex, bool) {
	m.vmu.Lock()
	defer m.vmu.Unlock()
	if !m.dirty.Load() {
		return nil, false
	}
	m.dirty.Store(false)
	return m.verticesLocked(), true
}

// Vertices concatenates every chunk mesh in coordinate order.
func (m *Manager) Vertices() []mesh.Vertex {
	m.vmu.Lock()
	defer m.vmu.Unlock()
	return m.verticesLocked()
}

func (m *Manager) verticesLocked() []mesh.Vertex {
	coords := make([]Coord, 0, len(m.meshes))
	n := 0
	for c, vs := range m.meshes {
		coords = append(coords, c)
		n += len(vs)
	}
	sortCoords(coords)
	out := make([]mesh.Vertex, 0, n)
	for _, c := range coords {
		out = append(out, m.meshes[c]...)
	}
	return out
}

// ChunkVertices returns a copy of one chunk's mesh.
func (m *Manager) ChunkVertices(c Coord) []mesh.Vertex {
	m.vmu.Lock()
	defer m.vmu.Unlock()
	return append([]mesh.Vertex(nil), m.meshes[c]...)
}
