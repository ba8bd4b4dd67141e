// Package dataset builds the index-aligned dataset of sampled tile features
// and slide metadata.
package dataset

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/histo-embed/server/internal/data/table"
)

// ErrRowOutOfRange is returned for a row index outside the dataset.
var ErrRowOutOfRange = errors.New("row out of range")

// Dataset is the concatenation of sampled tiles across slides. Row i of
// Features, TileIndices, WSIPaths, CoordinatesPaths and every Metadata
// column describe the same tile. A Dataset is not modified after Build.
type Dataset struct {
	// Features is rows x dim; nil when no tile was sampled.
	Features         *mat.Dense
	TileIndices      []int
	WSIPaths         []string
	CoordinatesPaths []string
	// SlideRows maps each row to its manifest row.
	SlideRows []int
	// Metadata holds one column per MetadataCols entry.
	Metadata map[string][]string
	// MetadataCols lists case_id first, then the manifest's extra columns.
	MetadataCols []string
}

// Row is one sampled tile.
type Row struct {
	Row             int               `json:"row"`
	TileIndex       int               `json:"tile_index"`
	WSIPath         string            `json:"wsi_path"`
	CoordinatesPath string            `json:"coordinates_path"`
	SlideRow        int               `json:"slide_row"`
	Metadata        map[string]string `json:"metadata"`
}

// Len returns the number of rows.
func (d *Dataset) Len() int { return len(d.TileIndices) }

// Dim returns the feature dimension, or 0 for an empty dataset.
func (d *Dataset) Dim() int {
	if d.Features == nil {
		return 0
	}
	_, c := d.Features.Dims()
	return c
}

// Row returns row i.
func (d *Dataset) Row(i int) (Row, error) {
	if i < 0 || i >= d.Len() {
		return Row{}, fmt.Errorf("%w: %d not in [0,%d)", ErrRowOutOfRange, i, d.Len())
	}
	md := make(map[string]string, len(d.MetadataCols))
	for _, col := range d.MetadataCols {
		md[col] = d.Metadata[col][i]
	}
	return Row{
		Row:             i,
		TileIndex:       d.TileIndices[i],
		WSIPath:         d.WSIPaths[i],
		CoordinatesPath: d.CoordinatesPaths[i],
		SlideRow:        d.SlideRows[i],
		Metadata:        md,
	}, nil
}

// Float32s returns the feature matrix row-major as float32.
func (d *Dataset) Float32s() []float32 {
	if d.Features == nil {
		return nil
	}
	r, c := d.Features.Dims()
	out := make([]float32, 0, r*c)
	for i := 0; i < r; i++ {
		for _, v := range d.Features.RawRowView(i) {
			out = append(out, float32(v))
		}
	}
	return out
}

// Values returns the distinct values of a metadata column in first-seen order.
func (d *Dataset) Values(col string) ([]string, bool) {
	vals, ok := d.Metadata[col]
	if !ok {
		return nil, false
	}
	seen := map[string]bool{}
	var out []string
	for _, v := range vals {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out, true
}

// part is the contribution of one slide.
type part struct {
	slide   table.Slide
	indices []int
	tiles   int
	dim     int
	rows    []float32
}

// assemble concatenates parts in order. It is the only place rows are
// appended, so alignment holds across all columns.
func assemble(schema table.Schema, parts []*part) *Dataset {
	cols := append([]string{table.ColCaseID}, schema.MetadataCols...)
	ds := &Dataset{
		Metadata:     make(map[string][]string, len(cols)),
		MetadataCols: cols,
	}

	total, dim := 0, 0
	for _, p := range parts {
		if p == nil {
			continue
		}
		total += len(p.indices)
		if dim == 0 {
			dim = p.dim
		}
	}

	var data []float64
	if total > 0 && dim > 0 {
		data = make([]float64, 0, total*dim)
	}
	for _, p := range parts {
		if p == nil {
			continue
		}
		for k, idx := range p.indices {
			ds.TileIndices = append(ds.TileIndices, idx)
			ds.WSIPaths = append(ds.WSIPaths, p.slide.WSIPath)
			ds.CoordinatesPaths = append(ds.CoordinatesPaths, p.slide.CoordinatesPath)
			ds.SlideRows = append(ds.SlideRows, p.slide.Row)
			ds.Metadata[table.ColCaseID] = append(ds.Metadata[table.ColCaseID], p.slide.CaseID)
			for j, col := range schema.MetadataCols {
				ds.Metadata[col] = append(ds.Metadata[col], p.slide.Metadata[j])
			}
			for _, v := range p.rows[k*p.dim : (k+1)*p.dim] {
				data = append(data, float64(v))
			}
		}
	}
	for _, col := range cols {
		if ds.Metadata[col] == nil {
			ds.Metadata[col] = []string{}
		}
	}
	if ds.TileIndices == nil {
		ds.TileIndices = []int{}
	}
	if len(data) > 0 {
		ds.Features = mat.NewDense(total, dim, data)
	}
	return ds
}
