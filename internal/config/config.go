package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"voxelmesh.dev/internal/mathx"
	"voxelmesh.dev/internal/voxel"
	"voxelmesh.dev/internal/voxel/octree"
	"voxelmesh.dev/internal/voxel/terrain"
)

//go:embed world.schema.json
var schemaJSON string

const schemaURL = "https://voxelmesh.dev/schemas/world.schema.json"

var schema = jsonschema.MustCompileString(schemaURL, schemaJSON)

type Config struct {
	Seed           int64  `yaml:"seed"`
	ChunkSize      int    `yaml:"chunk_size"`
	WorldHeight    int    `yaml:"world_height"`
	MesherWidth    int    `yaml:"mesher_width"`
	BlockSize      int    `yaml:"block_size"`
	ChunkRadius    int    `yaml:"chunk_radius"`
	VerticalChunks int    `yaml:"vertical_chunks"`
	Workers        int    `yaml:"workers"`
	Noise          Noise  `yaml:"noise"`
	Bands          []Band `yaml:"bands"`
}

type Noise struct {
	Sampler string  `yaml:"sampler"`
	Scale   float64 `yaml:"scale"`
	Alpha   float64 `yaml:"alpha"`
	Beta    float64 `yaml:"beta"`
	Octaves int     `yaml:"octaves"`
	Cell    int     `yaml:"cell"`
}

type Band struct {
	Name        string  `yaml:"name"`
	MaxFraction float64 `yaml:"max_fraction"`
	Color       string  `yaml:"color"`
	Material    uint32  `yaml:"material"`
}

func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	return Parse(b)
}

// Parse validates raw YAML against the embedded schema, then decodes it over
// the defaults.
func Parse(b []byte) (Config, error) {
	cfg := Defaults()
	if err := validateSchema(b); err != nil {
		return cfg, fmt.Errorf("world.yaml: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("world.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("world.yaml: %w", err)
	}
	return cfg, nil
}

// validateSchema round-trips the YAML document through JSON so the schema
// sees plain JSON values.
func validateSchema(b []byte) error {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return schema.Validate(v)
}

func Defaults() Config {
	var bands []Band
	for _, b := range terrain.DefaultBands() {
		bands = append(bands, Band{
			Name:        b.Name,
			MaxFraction: b.MaxFraction,
			Color:       colorString(b.Voxel.Color),
			Material:    b.Voxel.Material,
		})
	}
	n := terrain.DefaultNoise()
	return Config{
		Seed:           n.Seed,
		ChunkSize:      64,
		MesherWidth:    64,
		BlockSize:      64,
		ChunkRadius:    2,
		VerticalChunks: 2,
		Noise: Noise{
			Sampler: "perlin",
			Scale:   n.Scale,
			Alpha:   n.Alpha,
			Beta:    n.Beta,
			Octaves: n.Octaves,
			Cell:    16,
		},
		Bands: bands,
	}
}

func colorString(c uint32) string {
	r, g, b, a := voxel.Voxel{Color: c}.RGBA()
	return fmt.Sprintf("#%02x%02x%02x%02x", r, g, b, a)
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	if c.VerticalChunks <= 0 {
		c.VerticalChunks = 1
	}
	if c.WorldHeight <= 0 {
		c.WorldHeight = c.ChunkSize * c.VerticalChunks
	}
	if c.BlockSize <= 0 || c.BlockSize > c.ChunkSize {
		c.BlockSize = c.ChunkSize
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	c.Noise.Sampler = strings.ToLower(strings.TrimSpace(c.Noise.Sampler))
	if c.Noise.Sampler == "" {
		c.Noise.Sampler = "perlin"
	}
	for i := range c.Bands {
		c.Bands[i].Name = strings.TrimSpace(c.Bands[i].Name)
	}
}

func (c Config) Validate() error {
	if !mathx.IsPow2(c.ChunkSize) || c.ChunkSize > octree.MaxSize {
		return fmt.Errorf("chunk_size must be a power of two <= %d, got %d", octree.MaxSize, c.ChunkSize)
	}
	switch c.MesherWidth {
	case 32, 64, 128, 256:
	default:
		return fmt.Errorf("mesher_width must be 32, 64, 128 or 256, got %d", c.MesherWidth)
	}
	if c.ChunkSize >= 32 && c.MesherWidth > c.ChunkSize {
		return fmt.Errorf("mesher_width %d exceeds chunk_size %d", c.MesherWidth, c.ChunkSize)
	}
	if !mathx.IsPow2(c.BlockSize) {
		return fmt.Errorf("block_size must be a power of two, got %d", c.BlockSize)
	}
	if c.ChunkRadius < 0 {
		return fmt.Errorf("chunk_radius must be >= 0")
	}
	if c.WorldHeight > c.ChunkSize*c.VerticalChunks {
		return fmt.Errorf("world_height %d exceeds vertical_chunks*chunk_size %d", c.WorldHeight, c.ChunkSize*c.VerticalChunks)
	}
	switch c.Noise.Sampler {
	case "perlin":
		if c.Noise.Scale <= 0 || c.Noise.Octaves <= 0 {
			return fmt.Errorf("noise scale and octaves must be > 0")
		}
	case "value":
		if c.Noise.Cell <= 0 {
			return fmt.Errorf("noise cell must be > 0")
		}
	default:
		return fmt.Errorf("unknown noise sampler %q", c.Noise.Sampler)
	}
	if len(c.Bands) == 0 {
		return fmt.Errorf("bands must not be empty")
	}
	seen := map[string]bool{}
	prev := 0.0
	for _, b := range c.Bands {
		if b.Name == "" {
			return fmt.Errorf("band name must not be empty")
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate band: %s", b.Name)
		}
		seen[b.Name] = true
		if b.MaxFraction <= prev || b.MaxFraction > 1 {
			return fmt.Errorf("band %s max_fraction must be in (%g, 1], got %g", b.Name, prev, b.MaxFraction)
		}
		prev = b.MaxFraction
		if _, err := voxel.ParseColor(b.Color); err != nil {
			return fmt.Errorf("band %s: %w", b.Name, err)
		}
	}
	return nil
}

// TerrainBands converts the configured bands. The config must be valid.
func (c Config) TerrainBands() []terrain.Band {
	out := make([]terrain.Band, 0, len(c.Bands))
	for _, b := range c.Bands {
		col, _ := voxel.ParseColor(b.Color)
		out = append(out, terrain.Band{
			Name:        b.Name,
			MaxFraction: b.MaxFraction,
			Voxel:       voxel.Voxel{Color: col, Material: b.Material},
		})
	}
	return out
}

// Palette lists the band voxels in band order.
func (c Config) Palette() voxel.Palette {
	var p voxel.Palette
	for _, b := range c.TerrainBands() {
		p = append(p, voxel.Entry{Name: b.Name, Voxel: b.Voxel})
	}
	return p
}

func (c Config) Sampler() terrain.Sampler {
	if c.Noise.Sampler == "value" {
		return terrain.ValueSampler{Seed: c.Seed, Cell: c.Noise.Cell}
	}
	return terrain.NewPerlinSampler(terrain.NoiseParams{
		Seed:    c.Seed,
		Scale:   c.Noise.Scale,
		Alpha:   c.Noise.Alpha,
		Beta:    c.Noise.Beta,
		Octaves: c.Noise.Octaves,
	})
}

func (c Config) Generator() *terrain.Generator {
	return &terrain.Generator{
		Sampler:     c.Sampler(),
		Bands:       c.TerrainBands(),
		ChunkSize:   c.ChunkSize,
		WorldHeight: c.WorldHeight,
		BlockSize:   c.BlockSize,
	}
}
