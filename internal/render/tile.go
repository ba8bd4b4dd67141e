// Package render encodes tile images and composes context windows using
// fogleman/gg and golang.org/x/image.
package render

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/png"
	"math"
	"sync"

	"golang.org/x/image/draw"
)

// Resampler resizes images.
type Resampler interface {
	Resize(src image.Image, width, height int) *image.RGBA
}

// ScaleResampler resizes with an x/image/draw interpolator.
type ScaleResampler struct {
	Interpolator draw.Interpolator
}

// CatmullRom is the default resampler.
var CatmullRom Resampler = ScaleResampler{Interpolator: draw.CatmullRom}

func (r ScaleResampler) Resize(src image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	interp := r.Interpolator
	if interp == nil {
		interp = draw.CatmullRom
	}
	interp.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// ThumbnailSize returns the largest size fitting in max x max that keeps the
// aspect ratio of w x h. Images already inside the box keep their size.
func ThumbnailSize(w, h, max int) (int, int) {
	if max <= 0 || (w <= max && h <= max) {
		return w, h
	}
	scale := math.Min(float64(max)/float64(w), float64(max)/float64(h))
	tw := int(math.Round(float64(w) * scale))
	th := int(math.Round(float64(h) * scale))
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}
	return tw, th
}

// Encoder encodes images as PNG, reusing buffers across calls.
type Encoder struct {
	resampler  Resampler
	bufferPool sync.Pool
}

// NewEncoder creates an encoder. A nil resampler selects CatmullRom.
func NewEncoder(resampler Resampler) *Encoder {
	if resampler == nil {
		resampler = CatmullRom
	}
	return &Encoder{
		resampler: resampler,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// Resampler returns the resampler used for thumbnails.
func (e *Encoder) Resampler() Resampler { return e.resampler }

// PNG encodes img with fast compression.
func (e *Encoder) PNG(img image.Image) ([]byte, error) {
	buf := e.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		e.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// Thumbnail shrinks img to fit in max x max, keeping its aspect ratio.
func (e *Encoder) Thumbnail(img image.Image, max int) image.Image {
	b := img.Bounds()
	tw, th := ThumbnailSize(b.Dx(), b.Dy(), max)
	if tw == b.Dx() && th == b.Dy() {
		return img
	}
	return e.resampler.Resize(img, tw, th)
}

// DataURI wraps PNG bytes in a data: URI.
func DataURI(pngBytes []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes)
}

// EmptyTile creates a transparent white size x size PNG, used as a
// placeholder for tiles that failed to render.
func (e *Encoder) EmptyTile(size int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255   // R
		img.Pix[i+1] = 255 // G
		img.Pix[i+2] = 255 // B
		img.Pix[i+3] = 0   // A (transparent)
	}
	return e.PNG(img)
}
