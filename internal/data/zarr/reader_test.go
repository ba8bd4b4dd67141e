package zarr

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
)

// writeTestArray writes a float32 [rows, cols] array with the given chunking.
// Chunks listed in skip are left off disk.
func writeTestArray(t *testing.T, rows, cols, rowChunk, colChunk int, fill interface{}, skip map[[2]int]bool) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "features.zarr")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	meta := map[string]interface{}{
		"zarr_format": 3,
		"node_type":   "array",
		"shape":       []int{rows, cols},
		"data_type":   "float32",
		"chunk_grid": map[string]interface{}{
			"name":          "regular",
			"configuration": map[string]interface{}{"chunk_shape": []int{rowChunk, colChunk}},
		},
		"chunk_key_encoding": map[string]interface{}{
			"name":          "default",
			"configuration": map[string]interface{}{"separator": "/"},
		},
		"fill_value": fill,
		"codecs": []map[string]interface{}{
			{"name": "bytes", "configuration": map[string]interface{}{"endian": "little"}},
			{"name": "zstd", "configuration": map[string]interface{}{"level": 0}},
		},
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal meta: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "zarr.json"), raw, 0644); err != nil {
		t.Fatalf("write meta: %v", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	defer enc.Close()

	for rc := 0; rc < ceilDiv(rows, rowChunk); rc++ {
		for cc := 0; cc < ceilDiv(cols, colChunk); cc++ {
			if skip[[2]int{rc, cc}] {
				continue
			}
			// Full-size chunk, edge padding left as zero.
			buf := make([]byte, rowChunk*colChunk*4)
			for i := 0; i < rowChunk; i++ {
				for j := 0; j < colChunk; j++ {
					r, c := rc*rowChunk+i, cc*colChunk+j
					if r >= rows || c >= cols {
						continue
					}
					binary.LittleEndian.PutUint32(buf[(i*colChunk+j)*4:], math.Float32bits(cellValue(r, c)))
				}
			}
			chunkDir := filepath.Join(dir, "c", strconv.Itoa(rc))
			if err := os.MkdirAll(chunkDir, 0755); err != nil {
				t.Fatalf("mkdir chunk: %v", err)
			}
			if err := os.WriteFile(filepath.Join(chunkDir, strconv.Itoa(cc)), enc.EncodeAll(buf, nil), 0644); err != nil {
				t.Fatalf("write chunk: %v", err)
			}
		}
	}
	return dir
}

func cellValue(r, c int) float32 {
	return float32(r*100 + c)
}

func TestReadMatrix_MultiChunk(t *testing.T) {
	path := writeTestArray(t, 7, 5, 3, 2, 0, nil)

	r, err := NewReader()
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	m, err := r.ReadMatrix(path)
	if err != nil {
		t.Fatalf("ReadMatrix: %v", err)
	}
	if m.Rows != 7 || m.Cols != 5 {
		t.Fatalf("unexpected dims %dx%d", m.Rows, m.Cols)
	}
	for row := 0; row < 7; row++ {
		for col := 0; col < 5; col++ {
			if got := m.Data[row*5+col]; got != cellValue(row, col) {
				t.Fatalf("value at (%d,%d): got %v want %v", row, col, got, cellValue(row, col))
			}
		}
	}
}

func TestReadMatrix_MissingChunkFails(t *testing.T) {
	path := writeTestArray(t, 4, 4, 2, 2, "NaN", map[[2]int]bool{{1, 1}: true})

	r, err := NewReader()
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	_, err = r.ReadMatrix(path)
	if !errors.Is(err, ErrMissingChunk) {
		t.Fatalf("expected ErrMissingChunk, got %v", err)
	}
	if !strings.Contains(err.Error(), "c/1/1") {
		t.Errorf("error should name the chunk: %v", err)
	}
}

// rewriteShape replaces the declared shape of an array written by
// writeTestArray.
func rewriteShape(t *testing.T, dir string, shape []int64) {
	t.Helper()
	path := filepath.Join(dir, "zarr.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	meta["shape"] = shape
	if raw, err = json.Marshal(meta); err != nil {
		t.Fatalf("encode meta: %v", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatalf("write meta: %v", err)
	}
}

func TestReadMatrix_CorruptShape(t *testing.T) {
	tests := []struct {
		name  string
		shape []int64
	}{
		{"negative rows", []int64{-1, 4}},
		{"negative cols", []int64{4, -4}},
		{"overflowing product", []int64{1 << 62, 4}},
		{"zero width", []int64{1 << 40, 0}},
		{"more rows than stored", []int64{1 << 40, 4}},
		{"more cols than stored", []int64{2, 1 << 40}},
	}

	r, err := NewReader()
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTestArray(t, 4, 4, 2, 4, 0, nil)
			rewriteShape(t, path, tt.shape)
			if _, err := r.ReadMatrix(path); err == nil {
				t.Fatalf("expected error for shape %v", tt.shape)
			}
		})
	}
}

func TestReadMatrix_RejectsNonMatrix(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vec.zarr")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	meta := `{"zarr_format":3,"node_type":"array","shape":[10],"data_type":"float32",
	"chunk_grid":{"name":"regular","configuration":{"chunk_shape":[10]}},"codecs":[{"name":"bytes"}]}`
	if err := os.WriteFile(filepath.Join(dir, "zarr.json"), []byte(meta), 0644); err != nil {
		t.Fatalf("write meta: %v", err)
	}

	r, err := NewReader()
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	if _, err := r.ReadMatrix(dir); err == nil {
		t.Fatal("expected error for 1-D array")
	}
}

func TestEncodeChunkKey(t *testing.T) {
	meta := &ArrayMeta{}
	if got := encodeChunkKey(meta, []int{3, 0}); got != "c/3/0" {
		t.Fatalf("default encoding: got %q", got)
	}
	meta.ChunkKeyEncoding.Name = "v2"
	if got := encodeChunkKey(meta, []int{3, 0}); got != "3.0" {
		t.Fatalf("v2 encoding: got %q", got)
	}
}
