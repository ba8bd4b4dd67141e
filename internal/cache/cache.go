// Package cache provides caching for rendered previews and query results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	PreviewCacheSizeMB int
	PreviewTTL         time.Duration
	QueryCacheSize     int
}

// Manager manages preview and query caches.
type Manager struct {
	previewCache *bigcache.BigCache
	queryCache   *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.PreviewTTL <= 0 {
		cfg.PreviewTTL = 30 * time.Minute
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 1000
	}

	// Context windows are much larger than map tiles, so use fewer shards
	// to leave room for multi-megabyte entries in each one.
	previewCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.PreviewTTL,
		CleanWindow:        cfg.PreviewTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       512 * 1024,
		HardMaxCacheSize:   cfg.PreviewCacheSizeMB,
		Verbose:            false,
	}

	previewCache, err := bigcache.New(context.Background(), previewCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create preview cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		previewCache.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		previewCache: previewCache,
		queryCache:   queryCache,
	}, nil
}

// GetPreview retrieves an encoded preview from cache.
func (m *Manager) GetPreview(key string) ([]byte, bool) {
	data, err := m.previewCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetPreview stores an encoded preview in cache.
func (m *Manager) SetPreview(key string, data []byte) error {
	return m.previewCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// Reset drops every entry, e.g. after the dataset is reloaded.
func (m *Manager) Reset() error {
	m.queryCache.Purge()
	return m.previewCache.Reset()
}

// PreviewKey generates a cache key for a rendered tile or context window.
func PreviewKey(kind, wsiPath, coordsPath string, tileIndex, contextDim int, opts map[string]interface{}) string {
	base := fmt.Sprintf("%s:%d:%d", kind, tileIndex, contextDim)

	// Hash paths and options so keys stay short
	h := sha256.New()
	h.Write([]byte(wsiPath))
	h.Write([]byte{0})
	h.Write([]byte(coordsPath))
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(fmt.Sprintf("|%s=%v", k, opts[k])))
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:24]
}

// QueryKey generates a cache key for a JSON query result.
func QueryKey(parts ...interface{}) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(fmt.Sprintf("%v|", p)))
	}
	return "query:" + hex.EncodeToString(h.Sum(nil))[:24]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"preview_cache_len":  m.previewCache.Len(),
		"preview_cache_cap":  m.previewCache.Capacity(),
		"preview_cache_hits": m.previewCache.Stats().Hits,
		"query_cache_len":    m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.previewCache.Close()
}
