package service

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/hashicorp/golang-lru/simplelru"
	"go.uber.org/zap"
)

// DocumentCache is a segmented LRU cache of document snapshots. Every
// install is gated on the generation minted by the backend at commit time,
// so an entry can only ever move forward.
//
// Loads follow a mark/install protocol: Mark is called before the backend
// read and the returned token is handed to Install. When no entry is
// present, Install succeeds only if no commit or invalidation touched the
// segment in between.
type DocumentCache struct {
	config   *CacheConfig
	segments []*cacheSegment
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
	hits     atomic.Int64
	misses   atomic.Int64
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	MaxEntries int
	Segments   int
}

type cacheSegment struct {
	mu       sync.Mutex
	lru      *simplelru.LRU
	epoch    uint64
	removing bool
}

// LoadToken records the state of a cache segment before a backend call.
type LoadToken struct {
	epoch uint64
}

// Install outcomes reported to metrics
const (
	rejectStaleGeneration = "stale_generation"
	rejectConcurrentWrite = "concurrent_write"
)

// NewDocumentCache creates a new document cache
func NewDocumentCache(cfg *CacheConfig, m *metrics.Metrics, logger *zap.Logger) (*DocumentCache, error) {
	if cfg.Segments <= 0 {
		return nil, fmt.Errorf("cache segments must be positive, got %d", cfg.Segments)
	}
	if cfg.MaxEntries < cfg.Segments {
		return nil, fmt.Errorf("cache max entries %d must be at least the segment count %d", cfg.MaxEntries, cfg.Segments)
	}

	c := &DocumentCache{
		config:   cfg,
		segments: make([]*cacheSegment, cfg.Segments),
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}

	perSegment := cfg.MaxEntries / cfg.Segments
	for i := range c.segments {
		seg := &cacheSegment{}
		lru, err := simplelru.NewLRU(perSegment, func(key interface{}, _ interface{}) {
			if seg.removing {
				return
			}
			m.RecordCacheEviction()
			logger.Debug("Evicted cache entry", zap.String("key", key.(string)))
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create cache segment: %w", err)
		}
		seg.lru = lru
		c.segments[i] = seg
	}
	return c, nil
}

func (c *DocumentCache) segment(key string) *cacheSegment {
	return c.segments[xxhash.Sum64String(key)%uint64(len(c.segments))]
}

// Get returns the cached entry for key and marks it recently used.
func (c *DocumentCache) Get(key string) (*model.CacheEntry, bool) {
	seg := c.segment(key)
	seg.mu.Lock()
	v, ok := seg.lru.Get(key)
	seg.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		c.metrics.RecordCacheMiss()
		return nil, false
	}
	c.hits.Add(1)
	c.metrics.RecordCacheHit()
	return v.(*model.CacheEntry), true
}

// Peek returns the cached entry without touching recency or statistics.
func (c *DocumentCache) Peek(key string) (*model.CacheEntry, bool) {
	seg := c.segment(key)
	seg.mu.Lock()
	defer seg.mu.Unlock()

	v, ok := seg.lru.Peek(key)
	if !ok {
		return nil, false
	}
	return v.(*model.CacheEntry), true
}

// Mark returns the token to pass to Install or Commit for a backend call
// about to be made for key.
func (c *DocumentCache) Mark(key string) LoadToken {
	seg := c.segment(key)
	seg.mu.Lock()
	defer seg.mu.Unlock()
	return LoadToken{epoch: seg.epoch}
}

// Install offers a document read from the backend at generation gen. An
// existing entry is replaced only by a strictly newer generation; an
// absent entry is filled only if the segment saw no commit or
// invalidation since token was taken. It reports whether the cache now
// holds gen for key.
func (c *DocumentCache) Install(key string, doc *model.Document, gen uint64, token LoadToken) bool {
	seg := c.segment(key)
	seg.mu.Lock()
	defer seg.mu.Unlock()
	return c.installLocked(seg, key, doc, gen, token)
}

// Commit installs the result of a backend write, then advances the segment
// epoch so loads started before the write cannot fill the entry.
func (c *DocumentCache) Commit(key string, doc *model.Document, gen uint64, token LoadToken) bool {
	seg := c.segment(key)
	seg.mu.Lock()
	defer seg.mu.Unlock()

	installed := c.installLocked(seg, key, doc, gen, token)
	seg.epoch++
	return installed
}

func (c *DocumentCache) installLocked(seg *cacheSegment, key string, doc *model.Document, gen uint64, token LoadToken) bool {
	if v, ok := seg.lru.Peek(key); ok {
		existing := v.(*model.CacheEntry)
		switch {
		case gen < existing.Generation:
			c.metrics.RecordCacheRejectedInstall(rejectStaleGeneration)
			c.logger.Debug("Rejected stale cache install",
				zap.String("key", key),
				zap.Uint64("generation", gen),
				zap.Uint64("cached_generation", existing.Generation))
			return false
		case gen == existing.Generation:
			refreshed := *existing
			refreshed.Installed = c.now()
			seg.lru.Add(key, &refreshed)
			return true
		}
	} else if seg.epoch != token.epoch {
		c.metrics.RecordCacheRejectedInstall(rejectConcurrentWrite)
		c.logger.Debug("Rejected cache install after concurrent write",
			zap.String("key", key),
			zap.Uint64("generation", gen))
		return false
	}

	seg.lru.Add(key, &model.CacheEntry{
		Key:        key,
		Document:   doc,
		Generation: gen,
		Installed:  c.now(),
	})
	return true
}

// Invalidate removes key and advances the segment epoch.
func (c *DocumentCache) Invalidate(key string) {
	seg := c.segment(key)
	seg.mu.Lock()
	defer seg.mu.Unlock()

	seg.removing = true
	if seg.lru.Remove(key) {
		c.metrics.RecordCacheInvalidation()
	}
	seg.removing = false
	seg.epoch++
}

// InvalidateAll empties every segment.
func (c *DocumentCache) InvalidateAll() {
	removed := 0
	for _, seg := range c.segments {
		seg.mu.Lock()
		removed += seg.lru.Len()
		seg.removing = true
		seg.lru.Purge()
		seg.removing = false
		seg.epoch++
		seg.mu.Unlock()
	}
	c.logger.Info("Invalidated document cache", zap.Int("entries", removed))
}

// Len returns the number of cached entries.
func (c *DocumentCache) Len() int {
	n := 0
	for _, seg := range c.segments {
		seg.mu.Lock()
		n += seg.lru.Len()
		seg.mu.Unlock()
	}
	return n
}

// Stats returns cache statistics
func (c *DocumentCache) Stats() CacheStats {
	entries := c.Len()
	c.metrics.UpdateCacheEntries(entries)

	hits, misses := c.hits.Load(), c.misses.Load()
	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}
	return CacheStats{
		EntryCount:   entries,
		MaxEntries:   c.config.MaxEntries,
		Segments:     len(c.segments),
		UsagePercent: float64(entries) / float64(c.config.MaxEntries) * 100,
		Hits:         hits,
		Misses:       misses,
		HitRate:      hitRate,
	}
}

// CacheStats holds cache statistics
type CacheStats struct {
	EntryCount   int
	MaxEntries   int
	Segments     int
	UsagePercent float64
	Hits         int64
	Misses       int64
	HitRate      float64
}
