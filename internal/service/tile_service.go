// Package service provides business logic for the tile server.
package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/histo-embed/server/internal/cache"
	"github.com/histo-embed/server/internal/data/coords"
	"github.com/histo-embed/server/internal/render"
	"github.com/histo-embed/server/internal/slide"
)

// ErrInvalidRecord is returned for coordinate records that cannot describe
// a readable tile.
var ErrInvalidRecord = errors.New("invalid tile record")

// TileResult holds the pixels reconstructed for one tile.
type TileResult struct {
	Tile *image.RGBA
	// Context is nil when no context window was requested.
	Context *render.ContextPatch
	// TileSize is the side length after resize correction.
	TileSize int
	// TileSizeResized is the side length read from the slide.
	TileSizeResized int
	Resized         bool
}

// CorrectedTileSize returns round(tileSizeResized / resizeFactor), rounding
// halves to even.
func CorrectedTileSize(tileSizeResized int, resizeFactor float64) (int, error) {
	if tileSizeResized <= 0 {
		return 0, fmt.Errorf("%w: tile_size_resized %d", ErrInvalidRecord, tileSizeResized)
	}
	if !(resizeFactor > 0) || math.IsInf(resizeFactor, 0) {
		return 0, fmt.Errorf("%w: resize_factor %v", ErrInvalidRecord, resizeFactor)
	}
	size := int(math.RoundToEven(float64(tileSizeResized) / resizeFactor))
	if size <= 0 {
		return 0, fmt.Errorf("%w: corrected tile size %d", ErrInvalidRecord, size)
	}
	return size, nil
}

// Resolver maps a coordinate record to slide pixels.
type Resolver struct {
	resampler render.Resampler
	context   render.ContextOptions
}

// NewResolver creates a resolver. A nil resampler selects render.CatmullRom.
func NewResolver(resampler render.Resampler, opts render.ContextOptions) *Resolver {
	if resampler == nil {
		resampler = render.CatmullRom
	}
	return &Resolver{resampler: resampler, context: opts}
}

// ContextOptions returns the compositor options used for context windows.
func (r *Resolver) ContextOptions() render.ContextOptions { return r.context }

// Resolve reads tile tileIdx of tbl from h. When contextDim > 0 it also reads
// the surrounding (2*contextDim+1)^2 neighbourhood and highlights the tile.
func (r *Resolver) Resolve(ctx context.Context, h slide.Handle, tbl *coords.Table, tileIdx, contextDim int) (*TileResult, error) {
	if contextDim < 0 {
		return nil, fmt.Errorf("%w: context_dim %d", ErrInvalidRecord, contextDim)
	}
	rec, err := tbl.Record(tileIdx)
	if err != nil {
		return nil, err
	}

	spacings := h.Spacings()
	if rec.TileLevel < 0 || rec.TileLevel >= len(spacings) {
		return nil, fmt.Errorf("%w: tile %d level %d, slide has %d levels", ErrInvalidRecord, tileIdx, rec.TileLevel, len(spacings))
	}
	spacing := spacings[rec.TileLevel]

	tsr := rec.TileSizeResized
	tileSize, err := CorrectedTileSize(tsr, rec.ResizeFactor)
	if err != nil {
		return nil, fmt.Errorf("tile %d: %w", tileIdx, err)
	}

	tile, err := h.Patch(rec.X, rec.Y, tsr, tsr, spacing, false)
	if err != nil {
		return nil, fmt.Errorf("tile %d: %w", tileIdx, err)
	}
	res := &TileResult{TileSize: tileSize, TileSizeResized: tsr}
	if tileSize != tsr {
		tile = r.resampler.Resize(tile, tileSize, tileSize)
		res.Resized = true
	}
	res.Tile = tile

	if contextDim == 0 {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if rec.TileSizeAt0 <= 0 {
		return nil, fmt.Errorf("%w: tile %d tile_size_at_0 %d", ErrInvalidRecord, tileIdx, rec.TileSizeAt0)
	}

	span := 2*contextDim + 1
	shift := contextDim * rec.TileSizeAt0
	ctxImg, err := h.Patch(rec.X-shift, rec.Y-shift, tsr*span, tsr*span, spacing, false)
	if err != nil {
		return nil, fmt.Errorf("tile %d context %d: %w", tileIdx, contextDim, err)
	}
	if tileSize != tsr {
		ctxImg = r.resampler.Resize(ctxImg, tileSize*span, tileSize*span)
	}
	patch, err := render.DimAndBorder(ctxImg, tileSize, r.context)
	if err != nil {
		return nil, fmt.Errorf("tile %d context %d: %w", tileIdx, contextDim, err)
	}
	res.Context = patch
	return res, nil
}

// Opener opens a slide for reading.
type Opener func(path string, opts slide.Options) (slide.Handle, error)

// DefaultOpener opens slides with the slide package registry.
func DefaultOpener(path string, opts slide.Options) (slide.Handle, error) {
	s, err := slide.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// TileServiceConfig contains tile service configuration.
type TileServiceConfig struct {
	Resolver       *Resolver
	Encoder        *render.Encoder
	Cache          *cache.Manager
	Coords         *coords.Cache
	SlideOptions   slide.Options
	MaxOpenHandles int
	Opener         Opener
	Logger         *slog.Logger
}

// openSlide is an entry of the handle cache. A handle evicted while in use
// is closed by its last user.
type openSlide struct {
	handle  slide.Handle
	refs    int
	evicted bool
}

// TileService resolves and encodes tiles, keeping recently used slides open.
type TileService struct {
	resolver *Resolver
	encoder  *render.Encoder
	cache    *cache.Manager
	coords   *coords.Cache
	slideOpt slide.Options
	opener   Opener
	logger   *slog.Logger

	mu      sync.Mutex
	handles *lru.Cache[string, *openSlide]
	opening map[string]*sync.WaitGroup
}

// NewTileService creates a new tile service.
func NewTileService(cfg TileServiceConfig) (*TileService, error) {
	if cfg.MaxOpenHandles <= 0 {
		cfg.MaxOpenHandles = 8
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewResolver(nil, render.DefaultContextOptions())
	}
	if cfg.Encoder == nil {
		cfg.Encoder = render.NewEncoder(nil)
	}
	if cfg.Opener == nil {
		cfg.Opener = DefaultOpener
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Coords == nil {
		c, err := coords.NewCache(0)
		if err != nil {
			return nil, err
		}
		cfg.Coords = c
	}

	s := &TileService{
		resolver: cfg.Resolver,
		encoder:  cfg.Encoder,
		cache:    cfg.Cache,
		coords:   cfg.Coords,
		slideOpt: cfg.SlideOptions,
		opener:   cfg.Opener,
		logger:   cfg.Logger,
		opening:  make(map[string]*sync.WaitGroup),
	}
	handles, err := lru.NewWithEvict[string, *openSlide](cfg.MaxOpenHandles, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create slide handle cache: %w", err)
	}
	s.handles = handles
	return s, nil
}

// onEvict runs with s.mu held.
func (s *TileService) onEvict(path string, entry *openSlide) {
	entry.evicted = true
	if entry.refs == 0 {
		s.closeHandle(path, entry.handle)
	}
}

func (s *TileService) closeHandle(path string, h slide.Handle) {
	if err := h.Close(); err != nil {
		s.logger.Warn("failed to close slide", "wsi_path", path, "error", err)
	}
}

// acquire returns an open handle for path, opening it at most once at a time.
func (s *TileService) acquire(path string) (*openSlide, error) {
	for {
		s.mu.Lock()
		if entry, ok := s.handles.Get(path); ok {
			entry.refs++
			s.mu.Unlock()
			return entry, nil
		}
		if wg, ok := s.opening[path]; ok {
			s.mu.Unlock()
			wg.Wait()
			continue
		}
		wg := &sync.WaitGroup{}
		wg.Add(1)
		s.opening[path] = wg
		s.mu.Unlock()

		h, err := s.opener(path, s.slideOpt)

		s.mu.Lock()
		delete(s.opening, path)
		wg.Done()
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		entry := &openSlide{handle: h, refs: 1}
		s.handles.Add(path, entry)
		s.mu.Unlock()
		s.logger.Debug("slide opened", "wsi_path", path)
		return entry, nil
	}
}

func (s *TileService) release(path string, entry *openSlide) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.refs--
	if entry.refs == 0 && entry.evicted {
		s.closeHandle(path, entry.handle)
	}
}

// Resolve reconstructs tile tileIdx of the slide at wsiPath.
func (s *TileService) Resolve(ctx context.Context, wsiPath, coordsPath string, tileIdx, contextDim int) (*TileResult, error) {
	tbl, err := s.coords.Get(coordsPath)
	if err != nil {
		return nil, err
	}
	entry, err := s.acquire(wsiPath)
	if err != nil {
		return nil, err
	}
	defer s.release(wsiPath, entry)
	return s.resolver.Resolve(ctx, entry.handle, tbl, tileIdx, contextDim)
}

// TilePNG returns the corrected tile as PNG.
func (s *TileService) TilePNG(ctx context.Context, wsiPath, coordsPath string, tileIdx int) ([]byte, error) {
	key := cache.PreviewKey("tile", wsiPath, coordsPath, tileIdx, 0, nil)
	return s.cachedPNG(key, func() (image.Image, error) {
		res, err := s.Resolve(ctx, wsiPath, coordsPath, tileIdx, 0)
		if err != nil {
			return nil, err
		}
		return res.Tile, nil
	})
}

// ContextPNG returns the highlighted context window as PNG. contextDim 0
// yields the plain tile.
func (s *TileService) ContextPNG(ctx context.Context, wsiPath, coordsPath string, tileIdx, contextDim int) ([]byte, error) {
	if contextDim == 0 {
		return s.TilePNG(ctx, wsiPath, coordsPath, tileIdx)
	}
	opts := s.resolver.ContextOptions()
	key := cache.PreviewKey("context", wsiPath, coordsPath, tileIdx, contextDim, map[string]interface{}{
		"alpha":  opts.OverlayAlpha,
		"border": fmt.Sprint(opts.BorderColor),
		"width":  opts.BorderWidth,
	})
	return s.cachedPNG(key, func() (image.Image, error) {
		res, err := s.Resolve(ctx, wsiPath, coordsPath, tileIdx, contextDim)
		if err != nil {
			return nil, err
		}
		return res.Context.Image, nil
	})
}

func (s *TileService) cachedPNG(key string, build func() (image.Image, error)) ([]byte, error) {
	if s.cache != nil {
		if data, ok := s.cache.GetPreview(key); ok {
			return data, nil
		}
	}
	img, err := build()
	if err != nil {
		return nil, err
	}
	data, err := s.encoder.PNG(img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.SetPreview(key, data); err != nil {
			s.logger.Debug("preview not cached", "key", key, "bytes", len(data), "error", err)
		}
	}
	return data, nil
}

// Encoder returns the PNG encoder.
func (s *TileService) Encoder() *render.Encoder { return s.encoder }

// Stats returns handle and coordinate cache statistics.
func (s *TileService) Stats() map[string]interface{} {
	s.mu.Lock()
	open := s.handles.Len()
	s.mu.Unlock()
	stats := s.coords.Stats()
	stats["open_slides"] = open
	return stats
}

// Close closes every cached slide. Handles in use are closed on release.
func (s *TileService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles.Purge()
}
