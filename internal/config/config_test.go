package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/histo-embed/server/internal/sampler"
)

func TestLoad_Sections(t *testing.T) {
	content := `
server:
  port: 9000
data:
  csv: "/data/slides.csv"
sampling:
  num_tiles_per_wsi: 16
  seed: 7
  mode: per_slide
  validate_coordinates: true
gallery:
  context_dim: 2
  seed: 5
  border_color: "#ff0000"
slide:
  max_open_handles: 3
cache:
  preview_ttl_minutes: 5
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Data.CSV != "/data/slides.csv" {
		t.Errorf("unexpected csv: %s", cfg.Data.CSV)
	}
	if cfg.Sampling.NumTilesPerWSI != 16 || cfg.Sampling.Seed != 7 || cfg.Sampling.Mode != "per_slide" {
		t.Errorf("unexpected sampling: %+v", cfg.Sampling)
	}
	if !cfg.Sampling.ValidateCoordinates {
		t.Error("expected validate_coordinates")
	}
	if cfg.Gallery.ContextDim != 2 || cfg.Gallery.GallerySeed() != 5 || cfg.Gallery.BorderColor != "#ff0000" {
		t.Errorf("unexpected gallery: %+v", cfg.Gallery)
	}
	// Gallery concurrency follows the slide handle budget.
	if cfg.Gallery.Concurrency != 3 {
		t.Errorf("expected gallery concurrency 3, got %d", cfg.Gallery.Concurrency)
	}
	if cfg.Cache.PreviewTTL() != 5*time.Minute {
		t.Errorf("unexpected preview ttl: %v", cfg.Cache.PreviewTTL())
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Sampling.NumTilesPerWSI != 1 || cfg.Sampling.Seed != 0 || cfg.Sampling.Mode != string(sampler.Stream) {
		t.Errorf("unexpected sampling defaults: %+v", cfg.Sampling)
	}
	if cfg.Gallery.MaxImages != 20 || cfg.Gallery.ThumbnailSize != 150 || cfg.Gallery.GallerySeed() != sampler.GallerySeed {
		t.Errorf("unexpected gallery defaults: %+v", cfg.Gallery)
	}
	if cfg.Gallery.OverlayAlpha != 0.5 || cfg.Gallery.BorderWidth != 4 || cfg.Gallery.ContextDim != 0 {
		t.Errorf("unexpected compositor defaults: %+v", cfg.Gallery)
	}
	if cfg.Slide.MaxOpenHandles != 8 || cfg.Slide.DefaultSpacing != 0.5 {
		t.Errorf("unexpected slide defaults: %+v", cfg.Slide)
	}
	if cfg.Cache.PreviewSizeMB != 256 || cfg.Cache.CoordinateTables != 64 {
		t.Errorf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" || cfg.Log.Output != "stderr" {
		t.Errorf("unexpected log defaults: %+v", cfg.Log)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected defaults, got port %d", cfg.Server.Port)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"mode":    "sampling:\n  mode: random\n",
		"alpha":   "gallery:\n  overlay_alpha: 1.5\n",
		"context": "gallery:\n  context_dim: -1\n",
		"yaml":    "server: [",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				t.Fatalf("failed to write temp config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
