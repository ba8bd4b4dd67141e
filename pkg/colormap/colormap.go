// Package colormap provides color schemes for metadata overlays and borders.
package colormap

import (
	"fmt"
	"image/color"
	"math"
	"sort"
	"strconv"

	"github.com/lucasb-eyer/go-colorful"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// LinearColormap is a linear interpolation colormap.
type LinearColormap struct {
	colors []color.RGBA
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	if t <= 0 || math.IsNaN(t) {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}

	return interpolate(c.colors[lower], c.colors[upper], idx-float64(lower))
}

// AtIndex returns color at index i (wraps around).
func (c LinearColormap) AtIndex(i int) color.Color {
	return c.colors[i%len(c.colors)]
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	a, _ := colorful.MakeColor(c1)
	b, _ := colorful.MakeColor(c2)
	r, g, bl := a.BlendRgb(b, t).Clamped().RGB255()
	return color.RGBA{R: r, G: g, B: bl, A: 255}
}

// Viridis colormap (matplotlib viridis)
var Viridis = LinearColormap{
	colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// CategoricalColormap provides distinct colors for categories.
type CategoricalColormap struct {
	colors []color.RGBA
}

// At returns color at position t.
func (c CategoricalColormap) At(t float64) color.Color {
	idx := int(t * float64(len(c.colors)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(c.colors) {
		idx = len(c.colors) - 1
	}
	return c.colors[idx]
}

// AtIndex returns color at index.
func (c CategoricalColormap) AtIndex(i int) color.Color {
	return c.colors[i%len(c.colors)]
}

// Len returns the number of distinct colors.
func (c CategoricalColormap) Len() int { return len(c.colors) }

// Categorical colormap with 20 distinct colors
var Categorical = CategoricalColormap{
	colors: []color.RGBA{
		{31, 119, 180, 255},  // Blue
		{255, 127, 14, 255},  // Orange
		{44, 160, 44, 255},   // Green
		{214, 39, 40, 255},   // Red
		{148, 103, 189, 255}, // Purple
		{140, 86, 75, 255},   // Brown
		{227, 119, 194, 255}, // Pink
		{127, 127, 127, 255}, // Gray
		{188, 189, 34, 255},  // Olive
		{23, 190, 207, 255},  // Cyan
		{174, 199, 232, 255}, // Light blue
		{255, 187, 120, 255}, // Light orange
		{152, 223, 138, 255}, // Light green
		{255, 152, 150, 255}, // Light red
		{197, 176, 213, 255}, // Light purple
		{196, 156, 148, 255}, // Light brown
		{247, 182, 210, 255}, // Light pink
		{199, 199, 199, 255}, // Light gray
		{219, 219, 141, 255}, // Light olive
		{158, 218, 229, 255}, // Light cyan
	},
}

// ParseHex parses a "#rrggbb" color.
func ParseHex(s string) (color.RGBA, error) {
	c, err := colorful.Hex(s)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}

// Hex formats c as "#rrggbb".
func Hex(c color.Color) string {
	cf, _ := colorful.MakeColor(c)
	return cf.Hex()
}

// ColumnColors assigns a color to every distinct value of a metadata column.
// Values are ordered naturally (numerically when all parse as numbers). A
// column with more distinct numeric values than the categorical palette
// holds is colored along Viridis by value; otherwise palette colors are
// assigned in order.
func ColumnColors(values []string) map[string]string {
	distinct := make(map[string]struct{}, len(values))
	for _, v := range values {
		distinct[v] = struct{}{}
	}
	keys := make([]string, 0, len(distinct))
	for v := range distinct {
		keys = append(keys, v)
	}

	nums, numeric := parseNumbers(keys)
	if numeric {
		sort.Slice(keys, func(i, j int) bool { return nums[keys[i]] < nums[keys[j]] })
	} else {
		sort.Strings(keys)
	}

	out := make(map[string]string, len(keys))
	if numeric && len(keys) > Categorical.Len() {
		lo, hi := nums[keys[0]], nums[keys[len(keys)-1]]
		for _, k := range keys {
			out[k] = Hex(Viridis.At((nums[k] - lo) / (hi - lo)))
		}
		return out
	}
	for i, k := range keys {
		out[k] = Hex(Categorical.AtIndex(i))
	}
	return out
}

func parseNumbers(keys []string) (map[string]float64, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	nums := make(map[string]float64, len(keys))
	for _, k := range keys {
		v, err := strconv.ParseFloat(k, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		nums[k] = v
	}
	return nums, true
}
