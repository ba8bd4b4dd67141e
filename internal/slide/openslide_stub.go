//go:build !openslide

package slide

import "fmt"

// OpenSlideSupported reports whether vendor formats can be opened.
const OpenSlideSupported = false

// openOpenSlide is a stub when built without "-tags openslide".
func openOpenSlide(path string) (*Slide, error) {
	return nil, fmt.Errorf("%w: %s needs openslide (build with: go build -tags openslide)", ErrUnsupported, path)
}
