package render

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestDimAndBorder(t *testing.T) {
	src := solid(60, 60, color.RGBA{200, 160, 120, 255})
	opts := DefaultContextOptions()

	patch, err := DimAndBorder(src, 20, opts)
	if err != nil {
		t.Fatalf("DimAndBorder: %v", err)
	}
	if patch.Square != image.Rect(20, 20, 40, 40) {
		t.Fatalf("unexpected square %v", patch.Square)
	}
	img := patch.Image

	// Far outside: dimmed to about half.
	if c := img.RGBAAt(2, 2); c.R < 95 || c.R > 105 || c.G < 75 || c.G > 85 {
		t.Errorf("outside pixel not dimmed: %v", c)
	}
	// Well inside: untouched.
	if c := img.RGBAAt(30, 30); c != (color.RGBA{200, 160, 120, 255}) {
		t.Errorf("inside pixel changed: %v", c)
	}
	// Band straddles the square edge: outer rect is (18,18)-(42,42), width 4.
	for _, p := range []image.Point{{18, 30}, {21, 30}, {30, 41}, {40, 19}} {
		if c := img.RGBAAt(p.X, p.Y); c != (color.RGBA{0, 0, 0, 255}) {
			t.Errorf("border pixel %v = %v, want black", p, c)
		}
	}
	// Just outside and just inside the band.
	if c := img.RGBAAt(17, 30); c.R == 0 {
		t.Errorf("pixel left of band should not be border: %v", c)
	}
	if c := img.RGBAAt(22, 30); c != (color.RGBA{200, 160, 120, 255}) {
		t.Errorf("pixel right of band should be untouched: %v", c)
	}

	// Source untouched.
	if c := src.RGBAAt(2, 2); c.R != 200 {
		t.Errorf("source modified: %v", c)
	}
}

func TestDimAndBorder_NoBorderNoOverlay(t *testing.T) {
	src := solid(10, 10, color.RGBA{10, 20, 30, 255})
	patch, err := DimAndBorder(src, 10, ContextOptions{OverlayAlpha: 0, BorderWidth: 0})
	if err != nil {
		t.Fatalf("DimAndBorder: %v", err)
	}
	if !bytes.Equal(patch.Image.Pix, src.Pix) {
		t.Error("expected identical pixels with no overlay and no border")
	}
}

func TestDimAndBorder_Geometry(t *testing.T) {
	src := solid(10, 8, color.RGBA{A: 255})
	cases := []struct {
		size int
		opts ContextOptions
	}{
		{9, DefaultContextOptions()},
		{0, DefaultContextOptions()},
		{4, ContextOptions{OverlayAlpha: 1.5}},
		{4, ContextOptions{OverlayAlpha: 0.5, BorderWidth: -1}},
	}
	for _, c := range cases {
		if _, err := DimAndBorder(src, c.size, c.opts); !errors.Is(err, ErrGeometry) {
			t.Errorf("size %d opts %+v: expected ErrGeometry, got %v", c.size, c.opts, err)
		}
	}
}

func TestCenterSquare_OddRemainder(t *testing.T) {
	// Offset rounds down when the margin is odd.
	if got := CenterSquare(image.Rect(0, 0, 11, 11), 4); got != image.Rect(3, 3, 7, 7) {
		t.Fatalf("unexpected square %v", got)
	}
}

func TestThumbnailSize(t *testing.T) {
	cases := []struct{ w, h, max, tw, th int }{
		{300, 150, 150, 150, 75},
		{150, 600, 150, 38, 150},
		{100, 80, 150, 100, 80},
		{224, 224, 150, 150, 150},
	}
	for _, c := range cases {
		tw, th := ThumbnailSize(c.w, c.h, c.max)
		if tw != c.tw || th != c.th {
			t.Errorf("ThumbnailSize(%d,%d,%d) = %d,%d want %d,%d", c.w, c.h, c.max, tw, th, c.tw, c.th)
		}
	}
}

func TestEncoder(t *testing.T) {
	e := NewEncoder(nil)
	img := solid(300, 200, color.RGBA{1, 2, 3, 255})

	thumb := e.Thumbnail(img, 150)
	if thumb.Bounds().Dx() != 150 || thumb.Bounds().Dy() != 100 {
		t.Fatalf("unexpected thumbnail size %v", thumb.Bounds())
	}

	data, err := e.PNG(thumb)
	if err != nil {
		t.Fatalf("PNG: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Bounds().Dx() != 150 {
		t.Fatalf("unexpected decoded width %d", decoded.Bounds().Dx())
	}

	uri := DataURI(data)
	if !strings.HasPrefix(uri, "data:image/png;base64,") {
		t.Fatalf("unexpected data URI prefix: %.30s", uri)
	}

	empty, err := e.EmptyTile(8)
	if err != nil {
		t.Fatalf("EmptyTile: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(empty)); err != nil {
		t.Fatalf("EmptyTile is not a PNG: %v", err)
	}
}
