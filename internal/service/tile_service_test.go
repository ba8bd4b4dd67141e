package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"sync"
	"testing"

	"github.com/histo-embed/server/internal/data/coords"
	"github.com/histo-embed/server/internal/render"
	"github.com/histo-embed/server/internal/slide"
)

type patchCall struct {
	x, y, w, h int
	spacing    float64
}

// fakeHandle is a two-level slide of the given level-0 size that records
// every read.
type fakeHandle struct {
	width, height int

	mu     sync.Mutex
	calls  []patchCall
	closed bool
}

func (f *fakeHandle) Spacings() []float64 { return []float64{0.25, 0.5} }

func (f *fakeHandle) LevelCount() int { return 2 }
func (f *fakeHandle) LevelDimensions(level int) (int, int, error) {
	return f.width >> level, f.height >> level, nil
}
func (f *fakeHandle) Downsample(level int) (float64, error) { return float64(int(1) << level), nil }

func (f *fakeHandle) Patch(x, y, w, h int, spacing float64, center bool) (*image.RGBA, error) {
	f.mu.Lock()
	f.calls = append(f.calls, patchCall{x, y, w, h, spacing})
	f.mu.Unlock()
	ds := 1.0
	if spacing == 0.5 {
		ds = 2
	}
	if x < 0 || y < 0 || float64(x)+float64(w)*ds > float64(f.width) || float64(y)+float64(h)*ds > float64(f.height) {
		return nil, fmt.Errorf("%w: fake", slide.ErrOutOfBounds)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	return img, nil
}

func (f *fakeHandle) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeHandle) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// countingResampler records resize calls.
type countingResampler struct {
	mu    sync.Mutex
	sizes [][2]int
}

func (c *countingResampler) Resize(src image.Image, w, h int) *image.RGBA {
	c.mu.Lock()
	c.sizes = append(c.sizes, [2]int{w, h})
	c.mu.Unlock()
	return render.CatmullRom.Resize(src, w, h)
}

func TestCorrectedTileSize(t *testing.T) {
	cases := []struct {
		tsr  int
		rf   float64
		want int
	}{
		{224, 1, 224},
		{224, 0.5, 448},
		{256, 1.1428571428571428, 224},
		{5, 2, 2}, // 2.5 rounds to even
		{7, 2, 4}, // 3.5 rounds to even
	}
	for _, c := range cases {
		got, err := CorrectedTileSize(c.tsr, c.rf)
		if err != nil || got != c.want {
			t.Errorf("CorrectedTileSize(%d, %v) = %d, %v; want %d", c.tsr, c.rf, got, err, c.want)
		}
	}
	for _, rf := range []float64{0, -1} {
		if _, err := CorrectedTileSize(224, rf); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("resize factor %v: expected ErrInvalidRecord, got %v", rf, err)
		}
	}
}

func TestResolve_NoResizeWhenFactorIsOne(t *testing.T) {
	h := &fakeHandle{width: 4096, height: 4096}
	rs := &countingResampler{}
	tbl := coords.NewTable("t", []coords.Record{
		{TileLevel: 1, TileSizeResized: 32, ResizeFactor: 1, TileSizeAt0: 64, X: 512, Y: 256},
	})

	res, err := NewResolver(rs, render.DefaultContextOptions()).Resolve(context.Background(), h, tbl, 0, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Resized || len(rs.sizes) != 0 {
		t.Fatalf("expected no resize, got %v", rs.sizes)
	}
	if res.TileSize != 32 || res.Context != nil {
		t.Fatalf("unexpected result size=%d context=%v", res.TileSize, res.Context)
	}
	want := patchCall{512, 256, 32, 32, 0.5}
	if len(h.calls) != 1 || h.calls[0] != want {
		t.Fatalf("unexpected reads %v, want %v", h.calls, want)
	}
}

func TestResolve_ContextWindow(t *testing.T) {
	h := &fakeHandle{width: 4096, height: 4096}
	rs := &countingResampler{}
	tbl := coords.NewTable("t", []coords.Record{
		{TileLevel: 0, TileSizeResized: 20, ResizeFactor: 0.5, TileSizeAt0: 20, X: 1000, Y: 1200},
	})

	res, err := NewResolver(rs, render.DefaultContextOptions()).Resolve(context.Background(), h, tbl, 0, 2)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// Context read: origin shifted by 2*20, size 20*5 before resize.
	ctxRead := h.calls[1]
	if ctxRead != (patchCall{960, 1160, 100, 100, 0.25}) {
		t.Fatalf("unexpected context read %+v", ctxRead)
	}
	// Tile resized to 40, context to 40*5.
	if len(rs.sizes) != 2 || rs.sizes[0] != [2]int{40, 40} || rs.sizes[1] != [2]int{200, 200} {
		t.Fatalf("unexpected resizes %v", rs.sizes)
	}
	if res.Context == nil || res.Context.Square != image.Rect(80, 80, 120, 120) {
		t.Fatalf("unexpected context square %+v", res.Context)
	}
	if b := res.Context.Image.Bounds(); b.Dx() != 200 || b.Dy() != 200 {
		t.Fatalf("unexpected context size %v", b)
	}
}

func TestResolve_Errors(t *testing.T) {
	h := &fakeHandle{width: 1000, height: 1000}
	r := NewResolver(nil, render.DefaultContextOptions())
	tbl := coords.NewTable("t", []coords.Record{
		{TileLevel: 0, TileSizeResized: 32, ResizeFactor: 1, TileSizeAt0: 32, X: 0, Y: 0},
		{TileLevel: 5, TileSizeResized: 32, ResizeFactor: 1, TileSizeAt0: 32, X: 0, Y: 0},
		{TileLevel: 0, TileSizeResized: 32, ResizeFactor: 0, TileSizeAt0: 32, X: 0, Y: 0},
	})
	ctx := context.Background()

	if _, err := r.Resolve(ctx, h, tbl, 9, 0); !errors.Is(err, coords.ErrTileIndexOutOfRange) {
		t.Errorf("expected ErrTileIndexOutOfRange, got %v", err)
	}
	if _, err := r.Resolve(ctx, h, tbl, 1, 0); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord for level, got %v", err)
	}
	if _, err := r.Resolve(ctx, h, tbl, 2, 0); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord for resize factor, got %v", err)
	}
	// The tile sits at the slide corner; its context is out of extent.
	if _, err := r.Resolve(ctx, h, tbl, 0, 1); !errors.Is(err, slide.ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds for edge context, got %v", err)
	}
	if _, err := r.Resolve(ctx, h, tbl, 0, -1); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord for negative context, got %v", err)
	}
}

func writeCoords(t *testing.T, records []coords.Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coords.npy")
	if err := coords.Save(path, records); err != nil {
		t.Fatalf("coords.Save: %v", err)
	}
	return path
}

func newTestTileService(t *testing.T, maxHandles int, handles map[string]*fakeHandle) (*TileService, *int) {
	t.Helper()
	cc, err := coords.NewCache(4)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	opens := 0
	var mu sync.Mutex
	svc, err := NewTileService(TileServiceConfig{
		Coords:         cc,
		MaxOpenHandles: maxHandles,
		Opener: func(path string, _ slide.Options) (slide.Handle, error) {
			mu.Lock()
			defer mu.Unlock()
			h, ok := handles[path]
			if !ok {
				return nil, fmt.Errorf("%w: %s", slide.ErrUnsupported, path)
			}
			opens++
			return h, nil
		},
	})
	if err != nil {
		t.Fatalf("NewTileService: %v", err)
	}
	return svc, &opens
}

func TestTileService_HandleCache(t *testing.T) {
	a := &fakeHandle{width: 512, height: 512}
	b := &fakeHandle{width: 512, height: 512}
	svc, opens := newTestTileService(t, 1, map[string]*fakeHandle{"a": a, "b": b})
	path := writeCoords(t, []coords.Record{{TileLevel: 0, TileSizeResized: 16, ResizeFactor: 1, TileSizeAt0: 16, X: 64, Y: 64}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Resolve(ctx, "a", path, 0, 0); err != nil {
			t.Fatalf("Resolve a: %v", err)
		}
	}
	if *opens != 1 {
		t.Fatalf("expected slide a opened once, got %d", *opens)
	}
	if _, err := svc.Resolve(ctx, "b", path, 0, 0); err != nil {
		t.Fatalf("Resolve b: %v", err)
	}
	if !a.isClosed() {
		t.Fatal("expected slide a closed on eviction")
	}
	if _, err := svc.Resolve(ctx, "missing", path, 0, 0); !errors.Is(err, slide.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}

	svc.Close()
	if !b.isClosed() {
		t.Fatal("expected slide b closed on Close")
	}
}

func TestTileService_PNG(t *testing.T) {
	h := &fakeHandle{width: 512, height: 512}
	svc, _ := newTestTileService(t, 2, map[string]*fakeHandle{"s": h})
	defer svc.Close()

	path := writeCoords(t, []coords.Record{{TileLevel: 0, TileSizeResized: 16, ResizeFactor: 1, TileSizeAt0: 16, X: 64, Y: 64}})
	ctx := context.Background()

	tile, err := svc.TilePNG(ctx, "s", path, 0)
	if err != nil || len(tile) == 0 {
		t.Fatalf("TilePNG: %v", err)
	}
	ctxPNG, err := svc.ContextPNG(ctx, "s", path, 0, 1)
	if err != nil || len(ctxPNG) == 0 {
		t.Fatalf("ContextPNG: %v", err)
	}
	if _, err := svc.ContextPNG(ctx, "s", path, 3, 1); !errors.Is(err, coords.ErrTileIndexOutOfRange) {
		t.Fatalf("expected ErrTileIndexOutOfRange, got %v", err)
	}
}
