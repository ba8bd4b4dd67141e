// Package app wires the data, rendering and service layers from configuration.
package app

import (
	"fmt"
	"log/slog"

	"github.com/histo-embed/server/internal/cache"
	"github.com/histo-embed/server/internal/config"
	"github.com/histo-embed/server/internal/data/coords"
	"github.com/histo-embed/server/internal/data/features"
	"github.com/histo-embed/server/internal/dataset"
	"github.com/histo-embed/server/internal/loadstore"
	"github.com/histo-embed/server/internal/render"
	"github.com/histo-embed/server/internal/sampler"
	"github.com/histo-embed/server/internal/service"
	"github.com/histo-embed/server/internal/slide"
	"github.com/histo-embed/server/pkg/colormap"
)

// Components are the long-lived objects shared by the server and the CLI.
type Components struct {
	Cache    *cache.Manager
	Coords   *coords.Cache
	Features *features.Store
	Encoder  *render.Encoder
	Tiles    *service.TileService
	Gallery  *service.GalleryService
}

// New builds every component from cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctxOpts, err := ContextOptions(cfg.Gallery)
	if err != nil {
		return nil, err
	}

	cacheManager, err := cache.NewManager(cache.Config{
		PreviewCacheSizeMB: cfg.Cache.PreviewSizeMB,
		PreviewTTL:         cfg.Cache.PreviewTTL(),
		QueryCacheSize:     cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	coordCache, err := coords.NewCache(cfg.Cache.CoordinateTables)
	if err != nil {
		cacheManager.Close()
		return nil, fmt.Errorf("failed to initialize coordinate cache: %w", err)
	}

	featureStore, err := features.NewStore()
	if err != nil {
		cacheManager.Close()
		return nil, fmt.Errorf("failed to initialize feature store: %w", err)
	}

	encoder := render.NewEncoder(render.CatmullRom)
	tiles, err := service.NewTileService(service.TileServiceConfig{
		Resolver: service.NewResolver(render.CatmullRom, ctxOpts),
		Encoder:  encoder,
		Cache:    cacheManager,
		Coords:   coordCache,
		SlideOptions: slide.Options{
			DefaultSpacing: cfg.Slide.DefaultSpacing,
			LevelCacheSize: cfg.Slide.LevelCacheSize,
		},
		MaxOpenHandles: cfg.Slide.MaxOpenHandles,
		Logger:         logger.With("component", "tiles"),
	})
	if err != nil {
		featureStore.Close()
		cacheManager.Close()
		return nil, err
	}

	return &Components{
		Cache:    cacheManager,
		Coords:   coordCache,
		Features: featureStore,
		Encoder:  encoder,
		Tiles:    tiles,
		Gallery:  service.NewGalleryService(tiles, encoder, cfg.Gallery.Concurrency, logger.With("component", "gallery")),
	}, nil
}

// Close releases open slides and caches.
func (c *Components) Close() {
	c.Tiles.Close()
	c.Features.Close()
	c.Cache.Close()
}

// ContextOptions converts gallery settings to compositor options.
func ContextOptions(g config.GalleryConfig) (render.ContextOptions, error) {
	border, err := colormap.ParseHex(g.BorderColor)
	if err != nil {
		return render.ContextOptions{}, fmt.Errorf("gallery.border_color: %w", err)
	}
	return render.ContextOptions{
		OverlayAlpha: g.OverlayAlpha,
		BorderColor:  border,
		BorderWidth:  g.BorderWidth,
	}, nil
}

// GalleryOptions returns the configured gallery defaults.
func GalleryOptions(g config.GalleryConfig) service.GalleryOptions {
	return service.GalleryOptions{
		ContextDim:    g.ContextDim,
		MaxImages:     g.MaxImages,
		Seed:          g.GallerySeed(),
		ThumbnailSize: g.ThumbnailSize,
	}
}

// LoadParams returns the configured load parameters for csvPath.
func LoadParams(cfg *config.Config, csvPath string) loadstore.RunParams {
	return loadstore.RunParams{
		CSVPath:             csvPath,
		NumTilesPerWSI:      cfg.Sampling.NumTilesPerWSI,
		Seed:                cfg.Sampling.Seed,
		Mode:                cfg.Sampling.Mode,
		Strict:              cfg.Sampling.Strict,
		ValidateCoordinates: cfg.Sampling.ValidateCoordinates,
	}
}

// BuilderOptions returns dataset builder options for the configured sampling.
func BuilderOptions(s config.SamplingConfig, logger *slog.Logger) (dataset.Options, error) {
	mode, err := sampler.ParseMode(s.Mode)
	if err != nil {
		return dataset.Options{}, err
	}
	return dataset.Options{
		NumTilesPerWSI:      s.NumTilesPerWSI,
		Seed:                s.Seed,
		Mode:                mode,
		Concurrency:         s.Concurrency,
		Strict:              s.Strict,
		ValidateCoordinates: s.ValidateCoordinates,
		Logger:              logger,
	}, nil
}
