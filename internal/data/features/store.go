// Package features loads per-slide feature tensors.
package features

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/histo-embed/server/internal/data/npy"
	"github.com/histo-embed/server/internal/data/zarr"
)

// ErrUnsupported indicates a feature tensor format this build cannot read.
var ErrUnsupported = errors.New("unsupported feature tensor format")

// Tensor is the ordered sequence of per-tile feature vectors of one slide,
// stored row-major. Row i belongs to tile index i.
type Tensor struct {
	N    int
	Dim  int
	Data []float32
}

// Row returns the feature vector of tile i. The slice aliases the tensor.
func (t *Tensor) Row(i int) []float32 {
	return t.Data[i*t.Dim : (i+1)*t.Dim]
}

// Store reads feature tensors from .zarr directories and .npy files.
type Store struct {
	zarr *zarr.Reader
}

// NewStore creates a feature tensor store.
func NewStore() (*Store, error) {
	zr, err := zarr.NewReader()
	if err != nil {
		return nil, err
	}
	return &Store{zarr: zr}, nil
}

// Load reads the whole tensor at path.
func (s *Store) Load(path string) (*Tensor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("feature tensor %s: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case info.IsDir() && (ext == ".zarr" || fileExists(filepath.Join(path, "zarr.json"))):
		m, err := s.zarr.ReadMatrix(path)
		if err != nil {
			return nil, fmt.Errorf("feature tensor %s: %w", path, err)
		}
		return &Tensor{N: m.Rows, Dim: m.Cols, Data: m.Data}, nil
	case ext == ".npy":
		return loadNPY(path)
	case ext == ".pt" || ext == ".pth":
		return nil, fmt.Errorf("%w: %s is a torch archive; export it to .npy or .zarr", ErrUnsupported, path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}
}

// Close releases decoder resources.
func (s *Store) Close() {
	s.zarr.Close()
}

func loadNPY(path string) (*Tensor, error) {
	arr, err := npy.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("feature tensor: %w", err)
	}
	if arr.Structured() {
		return nil, fmt.Errorf("feature tensor %s: structured arrays are not feature matrices", path)
	}
	if len(arr.Shape) != 2 {
		return nil, fmt.Errorf("feature tensor %s: unexpected shape %v (expected [N, D])", path, arr.Shape)
	}
	vals, err := arr.Float32s()
	if err != nil {
		return nil, fmt.Errorf("feature tensor %s: %w", path, err)
	}

	n, dim := arr.Shape[0], arr.Shape[1]
	if arr.FortranOrder {
		vals = transpose(vals, n, dim)
	}
	return &Tensor{N: n, Dim: dim, Data: vals}, nil
}

// transpose converts column-major n x dim values to row-major.
func transpose(colMajor []float32, n, dim int) []float32 {
	out := make([]float32, len(colMajor))
	for c := 0; c < dim; c++ {
		for r := 0; r < n; r++ {
			out[r*dim+c] = colMajor[c*n+r]
		}
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
