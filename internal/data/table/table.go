// Package table reads the slide manifest CSV into typed slide descriptors.
package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrSchema is returned when the manifest header is unusable.
var ErrSchema = errors.New("invalid slide table schema")

// Required and reserved column names.
const (
	ColWSIPath         = "wsi_path"
	ColFeaturePath     = "feature_path"
	ColCoordinatesPath = "coordinates_path"
	ColCaseID          = "case_id"
)

// Slide describes one whole-slide image and its precomputed artifacts.
type Slide struct {
	// Row is the zero-based data row in the manifest.
	Row int
	// Key is the wsi_path value exactly as written in the manifest.
	Key             string
	WSIPath         string
	FeaturePath     string
	CoordinatesPath string
	CaseID          string
	// Metadata holds the extra column values in Schema.MetadataCols order.
	Metadata []string
}

// Schema lists the extra metadata columns of a manifest in CSV order.
type Schema struct {
	MetadataCols []string
}

// Table is a parsed manifest.
type Table struct {
	Path   string
	Schema Schema
	Slides []Slide
}

// CaseID returns the file name of path without its final extension.
func CaseID(path string) string {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" && ext != base {
		return strings.TrimSuffix(base, ext)
	}
	return base
}

// LoadFile parses the manifest at path. Relative paths in the file are
// resolved against the manifest's directory.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open slide table: %w", err)
	}
	defer f.Close()

	t, err := Parse(f, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("slide table %s: %w", path, err)
	}
	t.Path = path
	return t, nil
}

// Parse reads a manifest from r. When baseDir is non-empty, relative paths
// are joined to it.
func Parse(r io.Reader, baseDir string) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty file", ErrSchema)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	pos := map[string]int{}
	for i, name := range header {
		name = strings.TrimSpace(name)
		header[i] = name
		if name == "" {
			return nil, fmt.Errorf("%w: column %d has no name", ErrSchema, i+1)
		}
		if _, dup := pos[name]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrSchema, name)
		}
		if name == ColCaseID {
			return nil, fmt.Errorf("%w: column %q is reserved (derived from %s)", ErrSchema, ColCaseID, ColWSIPath)
		}
		pos[name] = i
	}
	for _, req := range []string{ColWSIPath, ColFeaturePath, ColCoordinatesPath} {
		if _, ok := pos[req]; !ok {
			return nil, fmt.Errorf("%w: missing required column %q", ErrSchema, req)
		}
	}

	var schema Schema
	var extra []int
	for i, name := range header {
		switch name {
		case ColWSIPath, ColFeaturePath, ColCoordinatesPath:
			continue
		}
		schema.MetadataCols = append(schema.MetadataCols, name)
		extra = append(extra, i)
	}

	t := &Table{Schema: schema}
	resolve := func(p string) string {
		if baseDir == "" || p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// csv.ParseError carries the line number.
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		line, _ := cr.FieldPos(0)

		key := strings.TrimSpace(rec[pos[ColWSIPath]])
		if key == "" {
			return nil, fmt.Errorf("line %d: empty %s", line, ColWSIPath)
		}
		s := Slide{
			Row:             len(t.Slides),
			Key:             key,
			WSIPath:         resolve(key),
			FeaturePath:     resolve(strings.TrimSpace(rec[pos[ColFeaturePath]])),
			CoordinatesPath: resolve(strings.TrimSpace(rec[pos[ColCoordinatesPath]])),
			CaseID:          CaseID(key),
			Metadata:        make([]string, len(extra)),
		}
		if s.FeaturePath == "" || s.CoordinatesPath == "" {
			return nil, fmt.Errorf("line %d: empty artifact path for %s", line, key)
		}
		for j, col := range extra {
			s.Metadata[j] = rec[col]
		}
		t.Slides = append(t.Slides, s)
	}
	return t, nil
}
