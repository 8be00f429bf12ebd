package storage

import (
	"context"
	"strings"
	"time"
)

// M3U8CacheStore is the read-through cache for raw manifest bytes (the
// cache half of C10), keyed by sha256(path)[:32]. Grounded on
// original_source/services/key_protect_service.py's
// get_cached_m3u8_content/set_cached_m3u8_content.
type M3U8CacheStore struct {
	store *Store
	ttl   time.Duration
}

const m3u8CachePrefix = "m3u8_content:"

// NewM3U8CacheStore builds a cache with the given default TTL.
func NewM3U8CacheStore(store *Store, ttl time.Duration) *M3U8CacheStore {
	return &M3U8CacheStore{store: store, ttl: ttl}
}

func m3u8CacheKey(path string) string {
	return m3u8CachePrefix + HashSHA256Prefix(path, 32)
}

// Get returns the cached manifest body for path, if present.
func (c *M3U8CacheStore) Get(ctx context.Context, path string) (string, bool) {
	v, ok, err := c.store.Get(ctx, m3u8CacheKey(path))
	if err != nil || !ok {
		return "", false
	}
	return v, true
}

// Set stores content for path under the cache's configured TTL.
func (c *M3U8CacheStore) Set(ctx context.Context, path, content string) error {
	return c.store.Set(ctx, m3u8CacheKey(path), content, c.ttl)
}

// CacheStats is the /api/m3u8-cache-stats payload.
type CacheStats struct {
	CacheCount   int              `json:"cache_count"`
	CacheDetails []CacheKeyDetail `json:"cache_details"`
	MaxDisplayed int              `json:"max_displayed"`
}

// CacheKeyDetail is one scanned cache entry's key hash and remaining TTL.
type CacheKeyDetail struct {
	KeyHash string        `json:"key_hash"`
	TTL     time.Duration `json:"ttl"`
}

const (
	m3u8CacheStatsMaxKeys  = 100
	m3u8CacheStatsMaxShown = 20
)

// Stats scans up to 100 cache keys and reports TTLs for the first 20,
// matching get_m3u8_cache_stats.
func (c *M3U8CacheStore) Stats(ctx context.Context) (CacheStats, error) {
	keys, err := c.store.ScanKeys(ctx, m3u8CachePrefix+"*")
	if err != nil {
		return CacheStats{}, err
	}
	if len(keys) > m3u8CacheStatsMaxKeys {
		keys = keys[:m3u8CacheStatsMaxKeys]
	}

	details := make([]CacheKeyDetail, 0, m3u8CacheStatsMaxShown)
	for i, key := range keys {
		if i >= m3u8CacheStatsMaxShown {
			break
		}
		ttl, err := c.store.TTL(ctx, key)
		if err != nil {
			continue
		}
		details = append(details, CacheKeyDetail{
			KeyHash: strings.TrimPrefix(key, m3u8CachePrefix),
			TTL:     ttl,
		})
	}

	return CacheStats{
		CacheCount:   len(keys),
		CacheDetails: details,
		MaxDisplayed: m3u8CacheStatsMaxShown,
	}, nil
}
