package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync/atomic"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/histo-embed/server/internal/dataset"
	"github.com/histo-embed/server/internal/render"
	"github.com/histo-embed/server/internal/sampler"
	"github.com/histo-embed/server/internal/slide"
)

// stubTiles resolves any tile to a solid image; tile index 13 fails.
type stubTiles struct {
	calls atomic.Int32
}

func (s *stubTiles) Resolve(ctx context.Context, wsiPath, coordsPath string, tileIdx, contextDim int) (*TileResult, error) {
	s.calls.Add(1)
	if tileIdx == 13 {
		return nil, fmt.Errorf("tile %d context %d: %w", tileIdx, contextDim, slide.ErrOutOfBounds)
	}
	tile := image.NewRGBA(image.Rect(0, 0, 224, 224))
	res := &TileResult{Tile: tile, TileSize: 224, TileSizeResized: 224}
	if contextDim > 0 {
		span := 224 * (2*contextDim + 1)
		patch, err := render.DimAndBorder(image.NewRGBA(image.Rect(0, 0, span, span)), 224, render.DefaultContextOptions())
		if err != nil {
			return nil, err
		}
		res.Context = patch
	}
	return res, nil
}

func testDataset(n int) *dataset.Dataset {
	ds := &dataset.Dataset{
		Features:     mat.NewDense(n, 1, nil),
		Metadata:     map[string][]string{"case_id": {}},
		MetadataCols: []string{"case_id"},
	}
	for i := 0; i < n; i++ {
		ds.TileIndices = append(ds.TileIndices, i)
		ds.WSIPaths = append(ds.WSIPaths, fmt.Sprintf("s%d.svs", i%3))
		ds.CoordinatesPaths = append(ds.CoordinatesPaths, fmt.Sprintf("c%d.npy", i%3))
		ds.SlideRows = append(ds.SlideRows, i%3)
		ds.Metadata["case_id"] = append(ds.Metadata["case_id"], fmt.Sprintf("s%d", i%3))
	}
	return ds
}

func TestSelectPreview_Stable(t *testing.T) {
	candidates := make([]int, 50)
	for i := range candidates {
		candidates[i] = i * 2
	}
	first := SelectPreview(candidates, 20, sampler.GallerySeed)
	if len(first) != 20 {
		t.Fatalf("expected 20 rows, got %d", len(first))
	}

	// Same set in a different order with duplicates selects identically.
	reordered := append([]int(nil), candidates...)
	for i, j := 0, len(reordered)-1; i < j; i, j = i+1, j-1 {
		reordered[i], reordered[j] = reordered[j], reordered[i]
	}
	reordered = append(reordered, candidates[:5]...)

	for run := 0; run < 3; run++ {
		got := SelectPreview(reordered, 20, sampler.GallerySeed)
		for i := range first {
			if got[i] != first[i] {
				t.Fatalf("run %d: selection differs at %d: %d != %d", run, i, got[i], first[i])
			}
		}
	}

	if got := SelectPreview([]int{3, 1}, 20, sampler.GallerySeed); len(got) != 2 {
		t.Fatalf("expected both candidates, got %v", got)
	}
	if got := SelectPreview(nil, 20, sampler.GallerySeed); len(got) != 0 {
		t.Fatalf("expected empty selection, got %v", got)
	}
}

func TestGalleryRender(t *testing.T) {
	tiles := &stubTiles{}
	g := NewGalleryService(tiles, nil, 3, nil)
	ds := testDataset(20)

	items, err := g.Render(context.Background(), ds, []int{2, 13, 5, 99}, GalleryOptions{
		ContextDim: 1,
		MaxImages:  10,
		Seed:       sampler.GallerySeed,
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(items))
	}

	byRow := map[int]GalleryItem{}
	for _, it := range items {
		byRow[it.Row] = it
	}
	ok := byRow[2]
	if ok.Error != "" || !strings.HasPrefix(ok.Thumbnail, "data:image/png;base64,") || ok.Width != 672 {
		t.Fatalf("unexpected item for row 2: err=%q width=%d", ok.Error, ok.Width)
	}
	if ok.Metadata["case_id"] != "s2" {
		t.Fatalf("unexpected metadata %v", ok.Metadata)
	}
	if bad := byRow[13]; bad.Error == "" || bad.Thumbnail != "" {
		t.Fatalf("expected row 13 to fail alone, got %+v", bad)
	}
	if oob := byRow[99]; oob.Error == "" {
		t.Fatalf("expected out-of-range row to fail")
	}
	if tiles.calls.Load() != 3 {
		t.Fatalf("expected 3 resolve calls, got %d", tiles.calls.Load())
	}

	again, err := g.Render(context.Background(), ds, []int{2, 13, 5, 99}, GalleryOptions{ContextDim: 1, MaxImages: 10, Seed: sampler.GallerySeed})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for i := range items {
		if items[i].ID != again[i].ID {
			t.Fatalf("item %d: unstable id %s != %s", i, items[i].ID, again[i].ID)
		}
	}
}

func TestGalleryRender_NoContext(t *testing.T) {
	g := NewGalleryService(&stubTiles{}, nil, 1, nil)
	items, err := g.Render(context.Background(), testDataset(3), []int{0}, GalleryOptions{MaxImages: 5})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if items[0].Width != 224 {
		t.Fatalf("expected the plain tile without context, got width %d", items[0].Width)
	}
}

func TestGalleryRender_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := NewGalleryService(&stubTiles{}, nil, 1, nil)
	if _, err := g.Render(ctx, testDataset(3), []int{0, 1}, GalleryOptions{MaxImages: 5}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
