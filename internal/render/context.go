package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"golang.org/x/image/draw"
)

// ErrGeometry is returned when the highlighted square cannot be placed.
var ErrGeometry = errors.New("invalid context geometry")

// ContextOptions controls the look of a context window.
type ContextOptions struct {
	// OverlayAlpha is the opacity of the black overlay outside the tile.
	OverlayAlpha float64
	BorderColor  color.Color
	// BorderWidth is the band width in pixels; 0 disables the border.
	BorderWidth int
}

// DefaultContextOptions returns a half-opacity overlay with a 4 px black border.
func DefaultContextOptions() ContextOptions {
	return ContextOptions{OverlayAlpha: 0.5, BorderColor: color.Black, BorderWidth: 4}
}

// ContextPatch is a context window with the tile of interest highlighted.
type ContextPatch struct {
	Image *image.RGBA
	// Square is the tile footprint in image coordinates.
	Square image.Rectangle
}

// CenterSquare returns the size x size square centred in bounds, rounding
// the offset down.
func CenterSquare(bounds image.Rectangle, size int) image.Rectangle {
	left := bounds.Min.X + (bounds.Dx()-size)/2
	top := bounds.Min.Y + (bounds.Dy()-size)/2
	return image.Rect(left, top, left+size, top+size)
}

// DimAndBorder darkens everything outside the centred tileSize square of img
// and draws a border band straddling the square's edge. img is not modified.
func DimAndBorder(img image.Image, tileSize int, opts ContextOptions) (*ContextPatch, error) {
	b := img.Bounds()
	if tileSize <= 0 || tileSize > b.Dx() || tileSize > b.Dy() {
		return nil, fmt.Errorf("%w: square %d does not fit image %dx%d", ErrGeometry, tileSize, b.Dx(), b.Dy())
	}
	if opts.OverlayAlpha < 0 || opts.OverlayAlpha > 1 {
		return nil, fmt.Errorf("%w: overlay alpha %v outside [0,1]", ErrGeometry, opts.OverlayAlpha)
	}
	if opts.BorderWidth < 0 {
		return nil, fmt.Errorf("%w: negative border width %d", ErrGeometry, opts.BorderWidth)
	}
	if opts.BorderColor == nil {
		opts.BorderColor = color.Black
	}

	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	// Force opaque output.
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}

	sq := CenterSquare(dst.Bounds(), tileSize)
	dc := gg.NewContextForRGBA(dst)

	if opts.OverlayAlpha > 0 {
		dc.SetRGBA(0, 0, 0, opts.OverlayAlpha)
		for _, r := range frame(dst.Bounds(), sq) {
			fillRect(dc, r)
		}
	}

	if bw := opts.BorderWidth; bw > 0 {
		outer := image.Rect(sq.Min.X-bw/2, sq.Min.Y-bw/2, sq.Max.X+bw/2, sq.Max.Y+bw/2)
		dc.SetColor(opts.BorderColor)
		for _, r := range frame(outer, outer.Inset(bw)) {
			fillRect(dc, r.Intersect(dst.Bounds()))
		}
	}

	return &ContextPatch{Image: dst, Square: sq}, nil
}

// frame splits outer minus inner into up to four non-overlapping rectangles.
func frame(outer, inner image.Rectangle) []image.Rectangle {
	inner = inner.Intersect(outer)
	if inner.Empty() {
		return []image.Rectangle{outer}
	}
	parts := []image.Rectangle{
		image.Rect(outer.Min.X, outer.Min.Y, outer.Max.X, inner.Min.Y), // top
		image.Rect(outer.Min.X, inner.Max.Y, outer.Max.X, outer.Max.Y), // bottom
		image.Rect(outer.Min.X, inner.Min.Y, inner.Min.X, inner.Max.Y), // left
		image.Rect(inner.Max.X, inner.Min.Y, outer.Max.X, inner.Max.Y), // right
	}
	out := parts[:0]
	for _, p := range parts {
		if !p.Empty() {
			out = append(out, p)
		}
	}
	return out
}

func fillRect(dc *gg.Context, r image.Rectangle) {
	if r.Empty() {
		return
	}
	dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
	dc.Fill()
}
