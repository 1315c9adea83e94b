// Package cache provides caching for rendered images, region snapshots and
// query results.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/skyrange/server/internal/metrics"
)

const redisPrefix = "skyrange:"

// Config contains cache configuration.
type Config struct {
	ImageCacheSizeMB int
	ImageTTL         time.Duration
	RegionCacheSize  int
	QueryCacheSize   int
	QueryTTL         time.Duration

	// Redis is an optional second level for region snapshots.
	Redis    *redis.Client
	RedisTTL time.Duration
}

// Manager manages image, region and query caches.
type Manager struct {
	images   *bigcache.BigCache
	regions  *lru.Cache[string, []byte]
	queries  *expirable.LRU[string, []byte]
	redis    *redis.Client
	redisTTL time.Duration

	// queryMu orders query stores against purges; queryGen counts purges.
	queryMu  sync.Mutex
	queryGen uint64
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	imageCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.ImageTTL,
		CleanWindow:        cfg.ImageTTL / 2,
		MaxEntriesInWindow: 4096,
		MaxEntrySize:       512 * 1024,
		HardMaxCacheSize:   cfg.ImageCacheSizeMB,
		Verbose:            false,
	}

	images, err := bigcache.New(context.Background(), imageCacheConfig)
	if err != nil {
		return nil, errors.Wrap(err, "create image cache")
	}

	regions, err := lru.New[string, []byte](cfg.RegionCacheSize)
	if err != nil {
		images.Close()
		return nil, errors.Wrap(err, "create region cache")
	}

	return &Manager{
		images:   images,
		regions:  regions,
		queries:  expirable.NewLRU[string, []byte](cfg.QueryCacheSize, nil, cfg.QueryTTL),
		redis:    cfg.Redis,
		redisTTL: cfg.RedisTTL,
	}, nil
}

// GetImage retrieves a rendered image from cache.
func (m *Manager) GetImage(key string) ([]byte, bool) {
	data, err := m.images.Get(key)
	if err != nil {
		metrics.CacheMisses.WithLabelValues("image").Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("image").Inc()
	return data, true
}

// SetImage stores a rendered image in cache.
func (m *Manager) SetImage(key string, data []byte) error {
	return m.images.Set(key, data)
}

// GetRegion retrieves an encoded region snapshot, falling back to Redis when
// it is configured. A Redis hit is promoted into the in-process cache.
func (m *Manager) GetRegion(ctx context.Context, key string) ([]byte, bool) {
	if data, ok := m.regions.Get(key); ok {
		metrics.CacheHits.WithLabelValues("region").Inc()
		return data, true
	}
	if m.redis != nil {
		data, err := m.redis.Get(ctx, redisPrefix+key).Bytes()
		if err == nil {
			metrics.CacheHits.WithLabelValues("region_redis").Inc()
			m.regions.Add(key, data)
			return data, true
		}
	}
	metrics.CacheMisses.WithLabelValues("region").Inc()
	return nil, false
}

// SetRegion stores an encoded region snapshot. Redis failures are returned
// after the in-process cache has been populated.
func (m *Manager) SetRegion(ctx context.Context, key string, data []byte) error {
	m.regions.Add(key, data)
	if m.redis == nil {
		return nil
	}
	if err := m.redis.Set(ctx, redisPrefix+key, data, m.redisTTL).Err(); err != nil {
		return errors.Wrapf(err, "redis set %s", key)
	}
	return nil
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	data, ok := m.queries.Get(key)
	if ok {
		metrics.CacheHits.WithLabelValues("query").Inc()
	} else {
		metrics.CacheMisses.WithLabelValues("query").Inc()
	}
	return data, ok
}

// QueryGeneration returns the number of query purges so far. Capture it
// before reading the store and pass it to SetQueryIf.
func (m *Manager) QueryGeneration() uint64 {
	m.queryMu.Lock()
	defer m.queryMu.Unlock()
	return m.queryGen
}

// SetQueryIf stores a query result unless the query cache was purged since
// gen was captured. It reports whether the result was stored.
func (m *Manager) SetQueryIf(gen uint64, key string, data []byte) bool {
	m.queryMu.Lock()
	defer m.queryMu.Unlock()
	if gen != m.queryGen {
		return false
	}
	m.queries.Add(key, data)
	return true
}

// PurgeQueries drops every cached query result. Called after writes that can
// change rankings.
func (m *Manager) PurgeQueries() {
	m.queryMu.Lock()
	defer m.queryMu.Unlock()
	m.queryGen++
	m.queries.Purge()
}

// Purge drops every in-process entry. Redis entries are versioned by
// creation time and are left to expire.
func (m *Manager) Purge() error {
	m.regions.Purge()
	m.PurgeQueries()
	return m.images.Reset()
}

// SkymapKey is the region cache key for a sky map. The creation stamp keeps
// keys distinct when a database reuses ids.
func SkymapKey(id int64, created time.Time) string {
	return fmt.Sprintf("skymap:%d:%d", id, created.UnixNano())
}

// FieldsKey is the region cache key for the fields of a telescope.
func FieldsKey(telescope string, created time.Time) string {
	return fmt.Sprintf("fields:%s:%d", telescope, created.UnixNano())
}

// ImageKey is the cache key for a rendered sky map image.
func ImageKey(skymapKey string, width, height int, colormap string, logScale bool) string {
	return fmt.Sprintf("img:%s:%dx%d:%s:%t", skymapKey, width, height, colormap, logScale)
}

// QueryKey is the cache key for a ranked query result.
func QueryKey(kind string, skymapID int64, telescope string, n int) string {
	return fmt.Sprintf("query:%s:%d:%s:%d", kind, skymapID, telescope, n)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"image_cache_len":  m.images.Len(),
		"image_cache_cap":  m.images.Capacity(),
		"region_cache_len": m.regions.Len(),
		"query_cache_len":  m.queries.Len(),
		"redis":            m.redis != nil,
	}
}

// Close closes the cache manager. The Redis client is owned by the caller.
func (m *Manager) Close() error {
	return m.images.Close()
}
