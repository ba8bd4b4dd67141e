package slide

import (
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// gradient returns a w x h image whose pixel (x, y) is (x*scale, y*scale).
func gradient(w, h, scale int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * scale), G: uint8(y * scale), A: 255})
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

// writePyramid writes a two-level pyramid: level 0 is 64x48 at 0.25 um/px,
// level 1 is 32x24 at 0.5 um/px.
func writePyramid(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "slide")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writePNG(t, filepath.Join(dir, "l0.png"), gradient(64, 48, 1))
	writePNG(t, filepath.Join(dir, "l1.png"), gradient(32, 24, 2))

	pf := PyramidFile{Levels: []PyramidLevel{
		{Path: "l0.png", Spacing: 0.25},
		{Path: "l1.png", Spacing: 0.5, Downsample: 2},
	}}
	raw, _ := json.Marshal(pf)
	if err := os.WriteFile(filepath.Join(dir, PyramidManifest), raw, 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return dir
}

func TestOpenPyramid(t *testing.T) {
	s, err := Open(writePyramid(t), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Backend() != "pyramid" {
		t.Errorf("unexpected backend %s", s.Backend())
	}
	sp := s.Spacings()
	if len(sp) != 2 || sp[0] != 0.25 || sp[1] != 0.5 {
		t.Fatalf("unexpected spacings %v", sp)
	}
	w, h, err := s.LevelDimensions(1)
	if err != nil || w != 32 || h != 24 {
		t.Fatalf("LevelDimensions(1) = %d, %d, %v", w, h, err)
	}
	if _, _, err := s.LevelDimensions(2); err == nil {
		t.Error("expected error for missing level")
	}
}

func TestPatch_LevelZero(t *testing.T) {
	s, err := Open(writePyramid(t), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	img, err := s.Patch(10, 20, 8, 4, 0.25, false)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 4 {
		t.Fatalf("unexpected size %v", img.Bounds())
	}
	if c := img.RGBAAt(0, 0); c.R != 10 || c.G != 20 {
		t.Fatalf("top-left pixel %v, want (10,20)", c)
	}
	if c := img.RGBAAt(7, 3); c.R != 17 || c.G != 23 {
		t.Fatalf("bottom-right pixel %v, want (17,23)", c)
	}
}

func TestPatch_CoarseLevelUsesLevelZeroOrigin(t *testing.T) {
	s, err := Open(writePyramid(t), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	// Level-0 (20, 10) is level-1 (10, 5), stored as (20, 10) in the gradient.
	img, err := s.Patch(20, 10, 4, 4, 0.5, false)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if c := img.RGBAAt(0, 0); c.R != 20 || c.G != 10 {
		t.Fatalf("top-left pixel %v, want (20,10)", c)
	}
}

func TestPatch_Center(t *testing.T) {
	s, err := Open(writePyramid(t), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	img, err := s.Patch(20, 20, 8, 8, 0.25, true)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if c := img.RGBAAt(0, 0); c.R != 16 || c.G != 16 {
		t.Fatalf("centered top-left pixel %v, want (16,16)", c)
	}
}

func TestPatch_OutOfBounds(t *testing.T) {
	s, err := Open(writePyramid(t), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	cases := [][4]int{{-1, 0, 4, 4}, {0, -4, 4, 4}, {60, 0, 8, 8}, {0, 44, 8, 8}}
	for _, c := range cases {
		if _, err := s.Patch(c[0], c[1], c[2], c[3], 0.25, false); !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("Patch%v: expected ErrOutOfBounds, got %v", c, err)
		}
	}
	// Exactly touching the far edge is allowed.
	if _, err := s.Patch(56, 40, 8, 8, 0.25, false); err != nil {
		t.Errorf("edge patch: %v", err)
	}
}

func TestPatch_IntermediateSpacingResamples(t *testing.T) {
	s, err := Open(writePyramid(t), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	img, err := s.Patch(0, 0, 10, 10, 1.0, false)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if img.Bounds().Dx() != 10 || img.Bounds().Dy() != 10 {
		t.Fatalf("unexpected size %v", img.Bounds())
	}
}

func TestOpenFlat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slide.png")
	writePNG(t, path, gradient(16, 16, 1))

	s, err := Open(path, Options{DefaultSpacing: 0.5})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Backend() != "flat" || s.LevelCount() != 1 || s.Spacings()[0] != 0.5 {
		t.Fatalf("unexpected flat slide: %s %v", s.Backend(), s.Spacings())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Patch(0, 0, 2, 2, 0.5, false); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestOpen_Unsupported(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "slide.xyz")
	if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(p, Options{}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for unknown extension, got %v", err)
	}
	if _, err := Open(dir, Options{}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for plain directory, got %v", err)
	}
	if !OpenSlideSupported {
		svs := filepath.Join(dir, "slide.svs")
		if err := os.WriteFile(svs, []byte("x"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Open(svs, Options{}); !errors.Is(err, ErrUnsupported) {
			t.Errorf("expected ErrUnsupported for svs without openslide, got %v", err)
		}
	}
}
