// Package cache provides byte caching for rendered overview images.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/allegro/bigcache/v3"
)

// Config contains cache configuration.
type Config struct {
	SizeMB int
	TTL    time.Duration
}

// Manager manages the overview image cache.
type Manager struct {
	images *bigcache.BigCache
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	imageConfig := bigcache.Config{
		Shards:             16,
		LifeWindow:         cfg.TTL,
		CleanWindow:        cfg.TTL / 2,
		MaxEntriesInWindow: 1024,
		MaxEntrySize:       64 * 1024, // 64KB per image
		HardMaxCacheSize:   cfg.SizeMB,
		Verbose:            false,
	}

	images, err := bigcache.New(context.Background(), imageConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create image cache: %w", err)
	}

	return &Manager{images: images}, nil
}

// GetImage retrieves an encoded image from cache.
func (m *Manager) GetImage(key string) ([]byte, bool) {
	data, err := m.images.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetImage stores an encoded image in cache.
func (m *Manager) SetImage(key string, data []byte) error {
	return m.images.Set(key, data)
}

// OverviewKey generates a cache key for an overview image. Version counts
// changes to the drawn rows, so any edit to a table changes the key.
func OverviewKey(size int, colormap, scope string, version uint64, skeletonIDs []int64) string {
	base := fmt.Sprintf("overview:%d:%s:%s", size, colormap, scope)

	h := sha256.New()
	h.Write([]byte(strconv.FormatUint(version, 10)))
	for _, id := range skeletonIDs {
		h.Write([]byte{';'})
		h.Write([]byte(strconv.FormatInt(id, 10)))
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	stats := m.images.Stats()
	return map[string]interface{}{
		"image_cache_len":    m.images.Len(),
		"image_cache_cap":    m.images.Capacity(),
		"image_cache_hits":   stats.Hits,
		"image_cache_misses": stats.Misses,
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.images.Close()
}
