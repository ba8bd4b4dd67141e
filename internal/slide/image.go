package slide

import (
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// PyramidLevel is one entry of pyramid.json.
type PyramidLevel struct {
	Path       string  `json:"path"`
	Spacing    float64 `json:"spacing,omitempty"`
	Downsample float64 `json:"downsample,omitempty"`
}

// PyramidFile is the content of pyramid.json. Levels are listed finest first.
type PyramidFile struct {
	Spacing float64        `json:"spacing,omitempty"`
	Levels  []PyramidLevel `json:"levels"`
}

// imageSource serves levels stored as ordinary image files, decoding each
// level on first use.
type imageSource struct {
	paths   []string
	decoded *lru.Cache[int, image.Image]
}

func newImageSource(paths []string, cacheSize int) (*imageSource, error) {
	c, err := lru.New[int, image.Image](cacheSize)
	if err != nil {
		return nil, err
	}
	return &imageSource{paths: paths, decoded: c}, nil
}

func (s *imageSource) level(level int) (image.Image, error) {
	if img, ok := s.decoded.Get(level); ok {
		return img, nil
	}
	f, err := os.Open(s.paths[level])
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.paths[level], err)
	}
	s.decoded.Add(level, img)
	return img, nil
}

func (s *imageSource) readRegion(level, x, y, w, h int) (*image.RGBA, error) {
	img, err := s.level(level)
	if err != nil {
		return nil, err
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	origin := img.Bounds().Min
	draw.Draw(out, out.Bounds(), img, image.Pt(origin.X+x, origin.Y+y), draw.Src)
	return out, nil
}

func (s *imageSource) close() error {
	s.decoded.Purge()
	return nil
}

func imageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		if err == image.ErrFormat {
			return 0, 0, fmt.Errorf("%w: %s", ErrUnsupported, path)
		}
		return 0, 0, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg.Width, cfg.Height, nil
}

func openFlat(path string, opts Options) (*Slide, error) {
	w, h, err := imageSize(path)
	if err != nil {
		return nil, fmt.Errorf("slide %s: %w", path, err)
	}
	src, err := newImageSource([]string{path}, 1)
	if err != nil {
		return nil, err
	}
	levels := []Level{{Spacing: opts.DefaultSpacing, Downsample: 1, Width: w, Height: h}}
	return newSlide(path, "flat", levels, src)
}

func openPyramid(dir string, opts Options) (*Slide, error) {
	raw, err := os.ReadFile(filepath.Join(dir, PyramidManifest))
	if err != nil {
		return nil, fmt.Errorf("slide %s: %w", dir, err)
	}
	var pf PyramidFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("slide %s: invalid %s: %w", dir, PyramidManifest, err)
	}
	if len(pf.Levels) == 0 {
		return nil, fmt.Errorf("slide %s: %s lists no levels", dir, PyramidManifest)
	}

	base := pf.Spacing
	if base <= 0 {
		base = pf.Levels[0].Spacing
	}
	if base <= 0 {
		base = opts.DefaultSpacing
	}

	levels := make([]Level, len(pf.Levels))
	paths := make([]string, len(pf.Levels))
	for i, pl := range pf.Levels {
		p := pl.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		paths[i] = p
		w, h, err := imageSize(p)
		if err != nil {
			return nil, fmt.Errorf("slide %s level %d: %w", dir, i, err)
		}

		ds := pl.Downsample
		if ds <= 0 && i == 0 {
			ds = 1
		}
		if ds <= 0 {
			ds = float64(levels[0].Width) / float64(w)
		}
		spacing := pl.Spacing
		if spacing <= 0 {
			spacing = base * ds
		}
		levels[i] = Level{Spacing: spacing, Downsample: ds, Width: w, Height: h}
	}
	if math.Abs(levels[0].Downsample-1) > 1e-9 {
		return nil, fmt.Errorf("slide %s: level 0 downsample must be 1, got %v", dir, levels[0].Downsample)
	}

	src, err := newImageSource(paths, opts.LevelCacheSize)
	if err != nil {
		return nil, err
	}
	return newSlide(dir, "pyramid", levels, src)
}
