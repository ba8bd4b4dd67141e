//go:build openslide

package slide

/*
#cgo pkg-config: openslide
#include <stdlib.h>
#include <openslide.h>
*/
import "C"

import (
	"errors"
	"fmt"
	"image"
	"strconv"
	"unsafe"
)

// OpenSlideSupported reports whether vendor formats can be opened.
const OpenSlideSupported = true

type openslideSource struct {
	osr *C.openslide_t
}

func osError(osr *C.openslide_t) error {
	if msg := C.openslide_get_error(osr); msg != nil {
		return errors.New(C.GoString(msg))
	}
	return nil
}

func osProperty(osr *C.openslide_t, name string) string {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	v := C.openslide_get_property_value(osr, cname)
	if v == nil {
		return ""
	}
	return C.GoString(v)
}

func openOpenSlide(path string) (*Slide, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	osr := C.openslide_open(cpath)
	if osr == nil {
		return nil, fmt.Errorf("%w: openslide does not recognise %s", ErrUnsupported, path)
	}
	if err := osError(osr); err != nil {
		C.openslide_close(osr)
		return nil, fmt.Errorf("openslide %s: %w", path, err)
	}

	mpp, err := strconv.ParseFloat(osProperty(osr, "openslide.mpp-x"), 64)
	if err != nil || mpp <= 0 {
		C.openslide_close(osr)
		return nil, fmt.Errorf("openslide %s: missing openslide.mpp-x property", path)
	}

	n := int(C.openslide_get_level_count(osr))
	levels := make([]Level, n)
	for i := 0; i < n; i++ {
		var w, h C.int64_t
		C.openslide_get_level_dimensions(osr, C.int32_t(i), &w, &h)
		ds := float64(C.openslide_get_level_downsample(osr, C.int32_t(i)))
		levels[i] = Level{Spacing: mpp * ds, Downsample: ds, Width: int(w), Height: int(h)}
	}

	s, err := newSlide(path, "openslide", levels, &openslideSource{osr: osr})
	if err != nil {
		C.openslide_close(osr)
		return nil, err
	}
	return s, nil
}

// readRegion converts openslide's premultiplied ARGB into straight RGBA.
func (s *openslideSource) readRegion(level, x, y, w, h int) (*image.RGBA, error) {
	buf := make([]uint32, w*h)
	// openslide expects level-0 coordinates for the origin.
	var ds C.double = C.openslide_get_level_downsample(s.osr, C.int32_t(level))
	x0 := C.int64_t(float64(x) * float64(ds))
	y0 := C.int64_t(float64(y) * float64(ds))
	C.openslide_read_region(s.osr, (*C.uint32_t)(unsafe.Pointer(&buf[0])), x0, y0, C.int32_t(level), C.int64_t(w), C.int64_t(h))
	if err := osError(s.osr); err != nil {
		return nil, err
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, p := range buf {
		a := uint8(p >> 24)
		r := uint8(p >> 16)
		g := uint8(p >> 8)
		b := uint8(p)
		if a != 0 && a != 255 {
			r = uint8(uint32(r) * 255 / uint32(a))
			g = uint8(uint32(g) * 255 / uint32(a))
			b = uint8(uint32(b) * 255 / uint32(a))
		}
		out.Pix[i*4] = r
		out.Pix[i*4+1] = g
		out.Pix[i*4+2] = b
		out.Pix[i*4+3] = a
	}
	return out, nil
}

func (s *openslideSource) close() error {
	C.openslide_close(s.osr)
	return nil
}
