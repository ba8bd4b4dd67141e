// Package zarr provides a reader for Zarr v3 arrays holding per-tile features.
package zarr

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ErrMissingChunk indicates a chunk of a feature array is absent on disk.
// Feature arrays are dense, so fill values are never substituted.
var ErrMissingChunk = errors.New("zarr: chunk missing")

// Reader decodes Zarr v3 arrays from a local filesystem store.
// A single Reader may be shared across goroutines.
type Reader struct {
	decoder *zstd.Decoder
}

// ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue  interface{} `json:"fill_value"`
	Codecs     []Codec     `json:"codecs"`
	ZarrFormat int         `json:"zarr_format"`
	NodeType   string      `json:"node_type"`
}

// Codec is one entry of the array's codec pipeline.
type Codec struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration"`
}

// Matrix is a dense row-major 2-D float32 array.
type Matrix struct {
	Rows int
	Cols int
	Data []float32
}

// NewReader creates a new Zarr reader.
func NewReader() (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Reader{decoder: decoder}, nil
}

// LoadArrayMeta loads Zarr v3 array metadata.
func (r *Reader) LoadArrayMeta(arrayPath string) (*ArrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, "zarr.json"))
	if err != nil {
		return nil, err
	}

	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse zarr.json: %w", err)
	}
	if meta.ZarrFormat != 0 && meta.ZarrFormat != 3 {
		return nil, fmt.Errorf("unsupported zarr_format: %d", meta.ZarrFormat)
	}
	if meta.NodeType != "" && meta.NodeType != "array" {
		return nil, fmt.Errorf("zarr node is a %s, not an array", meta.NodeType)
	}
	return &meta, nil
}

// ReadMatrix reads a whole [rows, cols] float array into memory.
func (r *Reader) ReadMatrix(arrayPath string) (*Matrix, error) {
	meta, err := r.LoadArrayMeta(arrayPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load array metadata: %w", err)
	}
	if len(meta.Shape) != 2 {
		return nil, fmt.Errorf("unexpected feature shape: %v (expected [N, D])", meta.Shape)
	}
	if len(meta.ChunkGrid.Configuration.ChunkShape) != 2 {
		return nil, fmt.Errorf("unexpected chunk shape: %v", meta.ChunkGrid.Configuration.ChunkShape)
	}
	elemSize, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}
	if err := checkEndian(meta); err != nil {
		return nil, err
	}

	nRows, nCols := meta.Shape[0], meta.Shape[1]
	if nRows < 0 || nCols < 0 || (nCols == 0 && nRows > 0) {
		return nil, fmt.Errorf("invalid feature shape: %v", meta.Shape)
	}
	if nCols != 0 && nRows > math.MaxInt/nCols {
		return nil, fmt.Errorf("feature shape %v overflows", meta.Shape)
	}
	rowChunk := meta.ChunkGrid.Configuration.ChunkShape[0]
	colChunk := meta.ChunkGrid.Configuration.ChunkShape[1]
	if rowChunk <= 0 || colChunk <= 0 {
		return nil, fmt.Errorf("invalid chunk shape: %v", meta.ChunkGrid.Configuration.ChunkShape)
	}

	// Rows are appended one chunk band at a time, after the band's chunks
	// are decoded and checked, so memory follows the data actually stored
	// rather than the declared shape.
	out := &Matrix{Rows: nRows, Cols: nCols}
	for rc := 0; rc < ceilDiv(nRows, rowChunk); rc++ {
		rowStart := rc * rowChunk
		rowLen := min(rowChunk, nRows-rowStart)

		var chunks [][]byte
		var strides []int
		for cc := 0; cc < ceilDiv(nCols, colChunk); cc++ {
			colLen := min(colChunk, nCols-cc*colChunk)

			path, err := chunkPath(arrayPath, meta, []int{rc, cc})
			if err != nil {
				return nil, err
			}
			chunkData, err := r.readChunk(path, meta)
			if err != nil {
				return nil, fmt.Errorf("failed to load chunk %d/%d: %w", rc, cc, err)
			}

			// Edge chunks are stored at full chunk size unless the writer
			// trimmed them; detect which layout we got.
			stride := colChunk
			if len(chunkData)/elemSize/rowLen < colChunk {
				stride = colLen
			}
			if len(chunkData)/elemSize < (rowLen-1)*stride+colLen {
				return nil, fmt.Errorf("chunk %d/%d too short: got %d bytes", rc, cc, len(chunkData))
			}
			chunks = append(chunks, chunkData)
			strides = append(strides, stride)
		}

		band := make([]float32, rowLen*nCols)
		for cc, chunkData := range chunks {
			colStart := cc * colChunk
			colLen := min(colChunk, nCols-colStart)
			for i := 0; i < rowLen; i++ {
				dst := band[i*nCols+colStart:]
				for j := 0; j < colLen; j++ {
					off := (i*strides[cc] + j) * elemSize
					dst[j] = decodeFloat(meta.DataType, chunkData[off:off+elemSize])
				}
			}
		}
		out.Data = append(out.Data, band...)
	}
	return out, nil
}

// readChunk reads a chunk and runs it through the bytes-to-bytes codecs.
func (r *Reader) readChunk(path string, meta *ArrayMeta) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	for _, c := range meta.Codecs {
		switch c.Name {
		case "bytes", "endian":
		case "zstd":
			decompressed, err := r.decoder.DecodeAll(raw, nil)
			if err != nil {
				return nil, fmt.Errorf("zstd decompress failed: %w", err)
			}
			raw = decompressed
		default:
			return nil, fmt.Errorf("unsupported zarr codec: %s", c.Name)
		}
	}
	return raw, nil
}

func encodeChunkKey(meta *ArrayMeta, chunkIndices []int) string {
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}

	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if meta.ChunkKeyEncoding.Name == "v2" {
		if sep == "" {
			sep = "."
		}
		return strings.Join(parts, sep)
	}
	if sep == "" {
		sep = "/"
	}
	return "c" + sep + strings.Join(parts, sep)
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "float32":
		return 4, nil
	case "float64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type for features: %s", dataType)
	}
}

func checkEndian(meta *ArrayMeta) error {
	for _, c := range meta.Codecs {
		if c.Name != "bytes" && c.Name != "endian" {
			continue
		}
		if e, ok := c.Configuration["endian"].(string); ok && e != "little" {
			return fmt.Errorf("unsupported endianness: %s", e)
		}
	}
	return nil
}

func decodeFloat(dataType string, b []byte) float32 {
	if dataType == "float64" {
		return float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// chunkPath returns the file holding a chunk. Some writers drop trailing
// zero chunk indices (c/<row> instead of c/<row>/0), so that key is tried too.
func chunkPath(arrayPath string, meta *ArrayMeta, chunkIndices []int) (string, error) {
	keys := []string{encodeChunkKey(meta, chunkIndices)}
	trailingAllZero := len(chunkIndices) > 1
	for _, v := range chunkIndices[1:] {
		if v != 0 {
			trailingAllZero = false
			break
		}
	}
	if trailingAllZero {
		keys = append(keys, encodeChunkKey(meta, chunkIndices[:1]))
	}

	for _, key := range keys {
		p := filepath.Join(arrayPath, filepath.FromSlash(key))
		info, err := os.Stat(p)
		if err == nil && !info.IsDir() {
			return p, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s in %s", ErrMissingChunk, keys[0], arrayPath)
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	n := a / b
	if a%b != 0 {
		n++
	}
	return n
}
