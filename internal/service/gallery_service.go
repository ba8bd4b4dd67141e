package service

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/histo-embed/server/internal/dataset"
	"github.com/histo-embed/server/internal/render"
	"github.com/histo-embed/server/internal/sampler"
)

// galleryNamespace scopes gallery item IDs.
var galleryNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("histo-embed/gallery"))

// TileResolver resolves tiles by slide and coordinate table path.
type TileResolver interface {
	Resolve(ctx context.Context, wsiPath, coordsPath string, tileIdx, contextDim int) (*TileResult, error)
}

// GalleryOptions controls one gallery request.
type GalleryOptions struct {
	ContextDim    int
	MaxImages     int
	Seed          int64
	ThumbnailSize int
}

// GalleryItem is one rendered preview. Failed items carry Error and no images.
type GalleryItem struct {
	ID        string            `json:"id"`
	Row       int               `json:"row"`
	TileIndex int               `json:"tile_index"`
	WSIPath   string            `json:"wsi_path"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Thumbnail string            `json:"thumbnail,omitempty"`
	Full      string            `json:"full,omitempty"`
	Width     int               `json:"width,omitempty"`
	Height    int               `json:"height,omitempty"`
	Error     string            `json:"error,omitempty"`

	// FullPNG is the encoded full view, kept for callers writing files.
	FullPNG []byte `json:"-"`
}

// SelectPreview picks at most maxImages rows from indices. The candidates are
// deduplicated and sorted before shuffling, so the result depends only on the
// candidate set and seed.
func SelectPreview(indices []int, maxImages int, seed int64) []int {
	uniq := append([]int(nil), indices...)
	sort.Ints(uniq)
	n := 0
	for i, v := range uniq {
		if i == 0 || v != uniq[n-1] {
			uniq[n] = v
			n++
		}
	}
	if maxImages < 0 {
		maxImages = 0
	}
	return sampler.Shuffled(uniq[:n], maxImages, seed)
}

// ItemID returns a stable identifier for a rendered preview.
func ItemID(row int, wsiPath string, tileIdx, contextDim int) string {
	return uuid.NewSHA1(galleryNamespace, []byte(fmt.Sprintf("%d|%s|%d|%d", row, wsiPath, tileIdx, contextDim))).String()
}

// GalleryService renders preview sets for dataset selections.
type GalleryService struct {
	tiles       TileResolver
	encoder     *render.Encoder
	concurrency int
	logger      *slog.Logger
}

// NewGalleryService creates a gallery service.
func NewGalleryService(tiles TileResolver, encoder *render.Encoder, concurrency int, logger *slog.Logger) *GalleryService {
	if encoder == nil {
		encoder = render.NewEncoder(nil)
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GalleryService{tiles: tiles, encoder: encoder, concurrency: concurrency, logger: logger}
}

// Render selects up to opts.MaxImages rows from indices and renders each.
// Items are returned in selection order; a failing item does not affect the
// others. The only error returned is cancellation of ctx.
func (g *GalleryService) Render(ctx context.Context, ds *dataset.Dataset, indices []int, opts GalleryOptions) ([]GalleryItem, error) {
	if opts.ThumbnailSize <= 0 {
		opts.ThumbnailSize = 150
	}
	selected := SelectPreview(indices, opts.MaxImages, opts.Seed)
	items := make([]GalleryItem, len(selected))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)
	for i, row := range selected {
		i, row := i, row
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			items[i] = g.renderItem(ctx, ds, row, opts)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	failed := 0
	for _, it := range items {
		if it.Error != "" {
			failed++
		}
	}
	g.logger.Info("gallery rendered",
		"candidates", len(indices),
		"selected", len(selected),
		"failed", failed,
		"context_dim", opts.ContextDim,
	)
	return items, nil
}

func (g *GalleryService) renderItem(ctx context.Context, ds *dataset.Dataset, rowIdx int, opts GalleryOptions) GalleryItem {
	item := GalleryItem{Row: rowIdx}
	row, err := ds.Row(rowIdx)
	if err != nil {
		item.ID = ItemID(rowIdx, "", -1, opts.ContextDim)
		item.Error = err.Error()
		return item
	}
	item.ID = ItemID(rowIdx, row.WSIPath, row.TileIndex, opts.ContextDim)
	item.TileIndex = row.TileIndex
	item.WSIPath = row.WSIPath
	item.Metadata = row.Metadata

	res, err := g.tiles.Resolve(ctx, row.WSIPath, row.CoordinatesPath, row.TileIndex, opts.ContextDim)
	if err != nil {
		g.logger.Warn("gallery item failed", "row", rowIdx, "wsi_path", row.WSIPath, "tile_index", row.TileIndex, "error", err)
		item.Error = err.Error()
		return item
	}

	// Without a context window the full view is the tile at full size.
	var full image.Image = res.Tile
	if res.Context != nil {
		full = res.Context.Image
	}
	fullPNG, err := g.encoder.PNG(full)
	if err != nil {
		item.Error = fmt.Sprintf("failed to encode preview: %v", err)
		return item
	}
	thumbPNG, err := g.encoder.PNG(g.encoder.Thumbnail(full, opts.ThumbnailSize))
	if err != nil {
		item.Error = fmt.Sprintf("failed to encode thumbnail: %v", err)
		return item
	}

	item.FullPNG = fullPNG
	item.Full = render.DataURI(fullPNG)
	item.Thumbnail = render.DataURI(thumbPNG)
	item.Width = full.Bounds().Dx()
	item.Height = full.Bounds().Dy()
	return item
}
