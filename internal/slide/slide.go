// Package slide opens multi-resolution whole-slide images and reads patches
// from them.
//
// Three backends are available:
//   - pyramid: a directory holding pyramid.json and one image per level
//   - flat: a single PNG/JPEG/TIFF image treated as a one-level slide
//   - openslide: vendor formats through libopenslide (build with -tags openslide)
package slide

import (
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/image/draw"
)

var (
	// ErrUnsupported indicates a slide format this build cannot open.
	ErrUnsupported = errors.New("unsupported slide format")
	// ErrOutOfBounds indicates a patch that extends past the level extent.
	ErrOutOfBounds = errors.New("patch outside slide extent")
	// ErrClosed is returned by reads on a closed slide.
	ErrClosed = errors.New("slide is closed")
)

// Handle is an open slide.
type Handle interface {
	// Spacings returns the physical pixel spacing (microns per pixel) of
	// every level, finest first.
	Spacings() []float64
	LevelCount() int
	LevelDimensions(level int) (width, height int, err error)
	Downsample(level int) (float64, error)
	// Patch reads a w x h region at the given spacing. x and y are level-0
	// pixel coordinates of the top-left corner, or of the centre when
	// center is true.
	Patch(x, y, w, h int, spacing float64, center bool) (*image.RGBA, error)
	Close() error
}

// Level describes one resolution level.
type Level struct {
	Spacing    float64
	Downsample float64
	Width      int
	Height     int
}

// Options configures how slides are opened.
type Options struct {
	// DefaultSpacing is the level-0 spacing assumed when a file carries none.
	DefaultSpacing float64
	// LevelCacheSize bounds the decoded levels kept per image-backed slide.
	LevelCacheSize int
}

func (o Options) withDefaults() Options {
	if o.DefaultSpacing <= 0 {
		o.DefaultSpacing = 0.5
	}
	if o.LevelCacheSize <= 0 {
		o.LevelCacheSize = 4
	}
	return o
}

// levelSource reads pixels from one backend. Regions passed to readRegion
// are already checked against the level extent.
type levelSource interface {
	readRegion(level, x, y, w, h int) (*image.RGBA, error)
	close() error
}

var (
	flatExts = map[string]bool{
		".png": true, ".jpg": true, ".jpeg": true, ".tif": true, ".tiff": true,
	}
	openslideExts = map[string]bool{
		".svs": true, ".ndpi": true, ".mrxs": true, ".scn": true, ".vms": true,
		".vmu": true, ".bif": true, ".svslide": true, ".tif": true, ".tiff": true,
	}
)

// PyramidManifest is the file name that marks a pyramid directory.
const PyramidManifest = "pyramid.json"

// Open opens the slide at path with the first backend that accepts it.
func Open(path string, opts Options) (*Slide, error) {
	opts = opts.withDefaults()

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("slide %s: %w", path, err)
	}
	ext := strings.ToLower(filepath.Ext(path))

	if info.IsDir() {
		if _, err := os.Stat(filepath.Join(path, PyramidManifest)); err == nil {
			return openPyramid(path, opts)
		}
		return nil, fmt.Errorf("%w: directory %s has no %s", ErrUnsupported, path, PyramidManifest)
	}

	if openslideExts[ext] {
		s, err := openOpenSlide(path)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrUnsupported) || !flatExts[ext] {
			return nil, err
		}
	}
	if flatExts[ext] {
		return openFlat(path, opts)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, path)
}

// Slide is an open slide backed by one of the package backends.
type Slide struct {
	path    string
	backend string
	levels  []Level
	src     levelSource

	mu     sync.Mutex
	closed bool
}

func newSlide(path, backend string, levels []Level, src levelSource) (*Slide, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("slide %s: no levels", path)
	}
	for i, l := range levels {
		if l.Width <= 0 || l.Height <= 0 || l.Spacing <= 0 || l.Downsample <= 0 {
			return nil, fmt.Errorf("slide %s: invalid level %d %+v", path, i, l)
		}
		if i > 0 && l.Spacing < levels[i-1].Spacing {
			return nil, fmt.Errorf("slide %s: levels must be ordered finest first", path)
		}
	}
	return &Slide{path: path, backend: backend, levels: levels, src: src}, nil
}

// Path returns the path the slide was opened from.
func (s *Slide) Path() string { return s.path }

// Backend names the backend serving the slide.
func (s *Slide) Backend() string { return s.backend }

func (s *Slide) Spacings() []float64 {
	out := make([]float64, len(s.levels))
	for i, l := range s.levels {
		out[i] = l.Spacing
	}
	return out
}

func (s *Slide) LevelCount() int { return len(s.levels) }

func (s *Slide) LevelDimensions(level int) (int, int, error) {
	if level < 0 || level >= len(s.levels) {
		return 0, 0, fmt.Errorf("slide %s: level %d out of range [0,%d)", s.path, level, len(s.levels))
	}
	return s.levels[level].Width, s.levels[level].Height, nil
}

func (s *Slide) Downsample(level int) (float64, error) {
	if level < 0 || level >= len(s.levels) {
		return 0, fmt.Errorf("slide %s: level %d out of range [0,%d)", s.path, level, len(s.levels))
	}
	return s.levels[level].Downsample, nil
}

// levelFor picks the coarsest level not coarser than spacing. Requests finer
// than level 0 read level 0.
func (s *Slide) levelFor(spacing float64) int {
	best := 0
	for i, l := range s.levels {
		if l.Spacing <= spacing*1.01 {
			best = i
		}
	}
	return best
}

func (s *Slide) Patch(x, y, w, h int, spacing float64, center bool) (*image.RGBA, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("slide %s: invalid patch size %dx%d", s.path, w, h)
	}
	if spacing <= 0 || math.IsNaN(spacing) {
		return nil, fmt.Errorf("slide %s: invalid spacing %v", s.path, spacing)
	}

	level := s.levelFor(spacing)
	lv := s.levels[level]
	ratio := spacing / lv.Spacing
	rw, rh := w, h
	if math.Abs(ratio-1) > 1e-3 {
		rw = int(math.Round(float64(w) * ratio))
		rh = int(math.Round(float64(h) * ratio))
		if rw < 1 {
			rw = 1
		}
		if rh < 1 {
			rh = 1
		}
	}

	if center {
		x -= int(math.Round(float64(rw) * lv.Downsample / 2))
		y -= int(math.Round(float64(rh) * lv.Downsample / 2))
	}
	lx := int(math.Floor(float64(x) / lv.Downsample))
	ly := int(math.Floor(float64(y) / lv.Downsample))
	region := image.Rect(lx, ly, lx+rw, ly+rh)
	if !region.In(image.Rect(0, 0, lv.Width, lv.Height)) {
		return nil, fmt.Errorf("%w: %s level %d region %v exceeds %dx%d", ErrOutOfBounds, s.path, level, region, lv.Width, lv.Height)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	img, err := s.src.readRegion(level, lx, ly, rw, rh)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("slide %s: read level %d: %w", s.path, level, err)
	}

	if rw == w && rh == h {
		return img, nil
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(out, out.Bounds(), img, img.Bounds(), draw.Src, nil)
	return out, nil
}

// Close releases backend resources. Closing twice is a no-op.
func (s *Slide) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.src.close()
}
