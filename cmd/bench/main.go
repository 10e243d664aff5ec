// Command bench generates and meshes a world window once, optionally walks
// it along +X, and prints per-batch timings.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/fatih/color"

	"voxelmesh.dev/internal/config"
	"voxelmesh.dev/internal/persistence/snapshot"
	"voxelmesh.dev/internal/voxel/mesh"
	"voxelmesh.dev/internal/world"
)

func main() {
	var (
		configPath = flag.String("config", "", "world config path (empty for defaults)")
		cx         = flag.Int("x", 0, "center chunk x")
		cz         = flag.Int("z", 0, "center chunk z")
		walk       = flag.Int("walk", 0, "extra moves along +x after the first batch")
		workers    = flag.Int("workers", 0, "override config workers (0 keeps config)")
		radius     = flag.Int("radius", -1, "override config chunk radius (-1 keeps config)")
		snapOut    = flag.String("snapshot", "", "write the final world to this .snap.zst path")
		verbose    = flag.Bool("v", false, "log every batch from the world manager")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		color.Red("load config: %v", err)
		os.Exit(1)
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *radius >= 0 {
		cfg.ChunkRadius = *radius
	}

	logger := log.New(io.Discard, "", 0)
	if *verbose {
		logger = log.New(os.Stderr, "[world] ", log.LstdFlags|log.Lmicroseconds)
	}
	mgr, err := world.NewManager(world.Options{
		ChunkSize:      cfg.ChunkSize,
		MesherWidth:    cfg.MesherWidth,
		Radius:         cfg.ChunkRadius,
		VerticalChunks: cfg.VerticalChunks,
		Workers:        cfg.Workers,
		Generator:      cfg.Generator(),
		Logger:         logger,
	})
	if err != nil {
		color.Red("world: %v", err)
		os.Exit(1)
	}

	color.Blue("seed=%d chunk=%d mesher=%d radius=%d vertical=%d workers=%d",
		cfg.Seed, cfg.ChunkSize, cfg.MesherWidth, cfg.ChunkRadius, cfg.VerticalChunks, cfg.Workers)

	ctx := context.Background()
	start := time.Now()
	var batches []world.BatchStats
	for i := 0; i <= *walk; i++ {
		st, err := mgr.Move(ctx, world.Coord{X: *cx + i, Z: *cz})
		if err != nil {
			color.Red("move %d: %v", i, err)
			os.Exit(1)
		}
		batches = append(batches, st)
		printBatch(i, st)
	}
	elapsed := time.Since(start)

	st := mgr.Stats()
	bold := color.New(color.Bold)
	bold.Printf("\n%d batches in %s\n", len(batches), elapsed.Round(time.Millisecond))
	fmt.Printf("  chunks    %d (%d active)\n", st.Chunks, st.Active)
	fmt.Printf("  nodes     %d\n", st.Nodes)
	fmt.Printf("  vertices  %d (%d quads)\n", st.Vertices, st.Vertices/mesh.VerticesPerQuad)
	fmt.Printf("  memory    %.2f MiB\n", float64(st.MemoryBytes)/(1<<20))
	if len(batches) > 1 {
		var gen, meshMs int64
		for _, b := range batches[1:] {
			gen += b.GenerateMs
			meshMs += b.MeshMs
		}
		n := int64(len(batches) - 1)
		fmt.Printf("  walk avg  generate=%dms mesh=%dms\n", gen/n, meshMs/n)
	}

	if *snapOut != "" {
		snap := mgr.ExportSnapshot(cfg.Seed)
		if err := snapshot.WriteSnapshot(*snapOut, snap); err != nil {
			color.Red("write snapshot: %v", err)
			os.Exit(1)
		}
		color.Green("snapshot %s (%d chunks)", *snapOut, len(snap.Chunks))
	}
}

func printBatch(i int, st world.BatchStats) {
	c := color.New(color.FgGreen)
	if st.TotalMs > 1000 {
		c = color.New(color.FgYellow)
	}
	c.Printf("#%-3d center=%v +%d -%d remeshed=%d quads=%d gen=%dms link=%dms mesh=%dms total=%dms\n",
		i, st.Center, st.Added, st.Removed, st.Remeshed, st.Quads,
		st.GenerateMs, st.LinkMs, st.MeshMs, st.TotalMs)
}
