// Package coords loads per-slide tile coordinate tables.
package coords

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/histo-embed/server/internal/data/npy"
)

// ErrTileIndexOutOfRange is returned for tile indices absent from a table.
var ErrTileIndexOutOfRange = errors.New("tile index out of range")

// Required column names.
const (
	FieldTileLevel       = "tile_level"
	FieldTileSizeResized = "tile_size_resized"
	FieldResizeFactor    = "resize_factor"
	FieldTileSizeAt0     = "tile_size_at_0"
	FieldX               = "x"
	FieldY               = "y"
)

// Record is the geometry of one tile.
type Record struct {
	// TileLevel indexes the slide's resolution levels.
	TileLevel int
	// TileSizeResized is the patch size read at TileLevel.
	TileSizeResized int
	// ResizeFactor corrects for the difference between the level spacing
	// and the spacing the features were extracted at.
	ResizeFactor float64
	// TileSizeAt0 is the tile width in level-0 pixels.
	TileSizeAt0 int
	// X and Y are the top-left corner in level-0 pixels.
	X int
	Y int
}

// Table holds the records of one slide, indexed by tile index.
type Table struct {
	path    string
	records []Record
}

// NewTable builds a table from records; used by tests and alternative stores.
func NewTable(path string, records []Record) *Table {
	return &Table{path: path, records: records}
}

// Path returns the file the table was loaded from.
func (t *Table) Path() string { return t.path }

// Len returns the number of tiles.
func (t *Table) Len() int { return len(t.records) }

// Record returns the geometry of tile i.
func (t *Table) Record(i int) (Record, error) {
	if i < 0 || i >= len(t.records) {
		return Record{}, fmt.Errorf("%w: %d (table %s has %d tiles)", ErrTileIndexOutOfRange, i, t.path, len(t.records))
	}
	return t.records[i], nil
}

// Load reads a coordinate table from a structured .npy array.
func Load(path string) (*Table, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".npy" {
		return nil, fmt.Errorf("coordinate table %s: unsupported format %q", path, ext)
	}
	arr, err := npy.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("coordinate table: %w", err)
	}
	if !arr.Structured() {
		return nil, fmt.Errorf("coordinate table %s: expected a structured array, got dtype %s", path, arr.Descr)
	}

	cols := make(map[string][]float64, 6)
	for _, name := range []string{FieldTileLevel, FieldTileSizeResized, FieldResizeFactor, FieldTileSizeAt0, FieldX, FieldY} {
		vals, err := arr.Column(name)
		if err != nil {
			return nil, fmt.Errorf("coordinate table %s: %w", path, err)
		}
		cols[name] = vals
	}

	n := arr.Shape[0]
	records := make([]Record, n)
	for i := 0; i < n; i++ {
		records[i] = Record{
			TileLevel:       roundInt(cols[FieldTileLevel][i]),
			TileSizeResized: roundInt(cols[FieldTileSizeResized][i]),
			ResizeFactor:    cols[FieldResizeFactor][i],
			TileSizeAt0:     roundInt(cols[FieldTileSizeAt0][i]),
			X:               roundInt(cols[FieldX][i]),
			Y:               roundInt(cols[FieldY][i]),
		}
	}
	return &Table{path: path, records: records}, nil
}

func roundInt(v float64) int {
	return int(math.Round(v))
}

// Cache keeps recently used tables in memory. Concurrent requests for the
// same path share one load.
type Cache struct {
	tables *lru.Cache[string, *Table]
	group  singleflight.Group
	load   func(string) (*Table, error)

	mu     sync.Mutex
	hits   int
	misses int
}

// NewCache creates a table cache holding up to size tables.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = 64
	}
	tables, err := lru.New[string, *Table](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinate cache: %w", err)
	}
	return &Cache{tables: tables, load: Load}, nil
}

// Get returns the table at path, loading it on first use.
func (c *Cache) Get(path string) (*Table, error) {
	if t, ok := c.tables.Get(path); ok {
		c.count(true)
		return t, nil
	}
	c.count(false)

	v, err, _ := c.group.Do(path, func() (interface{}, error) {
		t, err := c.load(path)
		if err != nil {
			return nil, err
		}
		c.tables.Add(path, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Table), nil
}

// Stats returns cache statistics.
func (c *Cache) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"coord_tables_len":  c.tables.Len(),
		"coord_tables_hits": c.hits,
		"coord_tables_miss": c.misses,
	}
}

func (c *Cache) count(hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
}

// Save writes records as a structured .npy table with int64 geometry and a
// float64 resize factor, the layout produced by common tiling tools.
func Save(path string, records []Record) error {
	h := npy.Header{
		Fields: []npy.Field{
			{Name: FieldX, Type: "<i8"},
			{Name: FieldY, Type: "<i8"},
			{Name: FieldTileLevel, Type: "<i8"},
			{Name: FieldTileSizeResized, Type: "<i8"},
			{Name: FieldResizeFactor, Type: "<f8"},
			{Name: FieldTileSizeAt0, Type: "<i8"},
		},
		Shape: []int{len(records)},
	}

	const stride = 6 * 8
	data := make([]byte, len(records)*stride)
	for i, r := range records {
		off := i * stride
		binary.LittleEndian.PutUint64(data[off:], uint64(int64(r.X)))
		binary.LittleEndian.PutUint64(data[off+8:], uint64(int64(r.Y)))
		binary.LittleEndian.PutUint64(data[off+16:], uint64(int64(r.TileLevel)))
		binary.LittleEndian.PutUint64(data[off+24:], uint64(int64(r.TileSizeResized)))
		binary.LittleEndian.PutUint64(data[off+32:], math.Float64bits(r.ResizeFactor))
		binary.LittleEndian.PutUint64(data[off+40:], uint64(int64(r.TileSizeAt0)))
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := npy.Write(f, h, data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
