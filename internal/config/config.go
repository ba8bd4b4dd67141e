// Package config handles configuration loading for the histo-embed server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/histo-embed/server/internal/sampler"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Data     DataConfig     `yaml:"data"`
	Sampling SamplingConfig `yaml:"sampling"`
	Gallery  GalleryConfig  `yaml:"gallery"`
	Slide    SlideConfig    `yaml:"slide"`
	Cache    CacheConfig    `yaml:"cache"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DataConfig contains data source settings.
type DataConfig struct {
	// CSV is the slide manifest loaded at startup. It may be empty; a load
	// can then be started through the API.
	CSV            string `yaml:"csv"`
	JobsSQLitePath string `yaml:"jobs_sqlite_path"`
	RetentionDays  int    `yaml:"retention_days"`
}

// SamplingConfig controls how tiles are drawn from each slide.
type SamplingConfig struct {
	NumTilesPerWSI      int    `yaml:"num_tiles_per_wsi"`
	Seed                int64  `yaml:"seed"`
	Mode                string `yaml:"mode"`
	Concurrency         int    `yaml:"concurrency"`
	Strict              bool   `yaml:"strict"`
	ValidateCoordinates bool   `yaml:"validate_coordinates"`
}

// GalleryConfig controls gallery rendering.
type GalleryConfig struct {
	ContextDim    int     `yaml:"context_dim"`
	MaxImages     int     `yaml:"max_images"`
	Seed          *int64  `yaml:"seed"`
	ThumbnailSize int     `yaml:"thumbnail_size"`
	OverlayAlpha  float64 `yaml:"overlay_alpha"`
	BorderColor   string  `yaml:"border_color"`
	BorderWidth   int     `yaml:"border_width"`
	Concurrency   int     `yaml:"concurrency"`
}

// GallerySeed returns the configured seed or the default.
func (g GalleryConfig) GallerySeed() int64 {
	if g.Seed == nil {
		return sampler.GallerySeed
	}
	return *g.Seed
}

// SlideConfig contains slide reader settings.
type SlideConfig struct {
	MaxOpenHandles int     `yaml:"max_open_handles"`
	DefaultSpacing float64 `yaml:"default_spacing"`
	LevelCacheSize int     `yaml:"level_cache_size"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	PreviewSizeMB     int `yaml:"preview_size_mb"`
	PreviewTTLMinutes int `yaml:"preview_ttl_minutes"`
	QueryCacheSize    int `yaml:"query_cache_size"`
	CoordinateTables  int `yaml:"coordinate_tables"`
}

// PreviewTTL returns the preview TTL as a duration.
func (c CacheConfig) PreviewTTL() time.Duration {
	return time.Duration(c.PreviewTTLMinutes) * time.Minute
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	FilePath  string `yaml:"file_path"`
	AddSource bool   `yaml:"add_source"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "histo-embed",
		},
		Data: DataConfig{
			JobsSQLitePath: "./data/jobs.sqlite",
			RetentionDays:  7,
		},
		Sampling: SamplingConfig{
			NumTilesPerWSI: 1,
			Seed:           sampler.DefaultSeed,
			Mode:           string(sampler.Stream),
			Concurrency:    4,
		},
		Gallery: GalleryConfig{
			MaxImages:     20,
			ThumbnailSize: 150,
			OverlayAlpha:  0.5,
			BorderColor:   "#000000",
			BorderWidth:   4,
			Concurrency:   8,
		},
		Slide: SlideConfig{
			MaxOpenHandles: 8,
			DefaultSpacing: 0.5,
			LevelCacheSize: 4,
		},
		Cache: CacheConfig{
			PreviewSizeMB:     256,
			PreviewTTLMinutes: 30,
			QueryCacheSize:    1000,
			CoordinateTables:  64,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Data.JobsSQLitePath == "" {
		cfg.Data.JobsSQLitePath = defaults.Data.JobsSQLitePath
	}
	if cfg.Data.RetentionDays == 0 {
		cfg.Data.RetentionDays = defaults.Data.RetentionDays
	}
	if cfg.Sampling.NumTilesPerWSI == 0 {
		cfg.Sampling.NumTilesPerWSI = defaults.Sampling.NumTilesPerWSI
	}
	if cfg.Sampling.Mode == "" {
		cfg.Sampling.Mode = defaults.Sampling.Mode
	}
	if cfg.Sampling.Concurrency == 0 {
		cfg.Sampling.Concurrency = defaults.Sampling.Concurrency
	}
	if cfg.Gallery.MaxImages == 0 {
		cfg.Gallery.MaxImages = defaults.Gallery.MaxImages
	}
	if cfg.Gallery.ThumbnailSize == 0 {
		cfg.Gallery.ThumbnailSize = defaults.Gallery.ThumbnailSize
	}
	if cfg.Gallery.OverlayAlpha == 0 {
		cfg.Gallery.OverlayAlpha = defaults.Gallery.OverlayAlpha
	}
	if cfg.Gallery.BorderColor == "" {
		cfg.Gallery.BorderColor = defaults.Gallery.BorderColor
	}
	if cfg.Gallery.BorderWidth == 0 {
		cfg.Gallery.BorderWidth = defaults.Gallery.BorderWidth
	}
	if cfg.Slide.MaxOpenHandles == 0 {
		cfg.Slide.MaxOpenHandles = defaults.Slide.MaxOpenHandles
	}
	if cfg.Gallery.Concurrency == 0 {
		cfg.Gallery.Concurrency = cfg.Slide.MaxOpenHandles
	}
	if cfg.Slide.DefaultSpacing == 0 {
		cfg.Slide.DefaultSpacing = defaults.Slide.DefaultSpacing
	}
	if cfg.Slide.LevelCacheSize == 0 {
		cfg.Slide.LevelCacheSize = defaults.Slide.LevelCacheSize
	}
	if cfg.Cache.PreviewSizeMB == 0 {
		cfg.Cache.PreviewSizeMB = defaults.Cache.PreviewSizeMB
	}
	if cfg.Cache.PreviewTTLMinutes == 0 {
		cfg.Cache.PreviewTTLMinutes = defaults.Cache.PreviewTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Cache.CoordinateTables == 0 {
		cfg.Cache.CoordinateTables = defaults.Cache.CoordinateTables
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = defaults.Log.Output
	}
}

// Validate reports settings that cannot be used.
func (c *Config) Validate() error {
	if _, err := sampler.ParseMode(c.Sampling.Mode); err != nil {
		return fmt.Errorf("sampling.mode: %w", err)
	}
	if c.Sampling.NumTilesPerWSI < 0 {
		return fmt.Errorf("sampling.num_tiles_per_wsi must be positive, got %d", c.Sampling.NumTilesPerWSI)
	}
	if c.Gallery.ContextDim < 0 {
		return fmt.Errorf("gallery.context_dim must not be negative, got %d", c.Gallery.ContextDim)
	}
	if c.Gallery.OverlayAlpha < 0 || c.Gallery.OverlayAlpha > 1 {
		return fmt.Errorf("gallery.overlay_alpha must be within [0, 1], got %v", c.Gallery.OverlayAlpha)
	}
	if c.Gallery.BorderWidth < 0 {
		return fmt.Errorf("gallery.border_width must not be negative, got %d", c.Gallery.BorderWidth)
	}
	if c.Slide.DefaultSpacing <= 0 {
		return fmt.Errorf("slide.default_spacing must be positive, got %v", c.Slide.DefaultSpacing)
	}
	return nil
}
