// Package originstate holds the small TTL-indexed caches that sit in front
// of origin traffic: resource metadata (C2), resolved CDN redirects (C3),
// and a preload-dedup marker (the "C-preload" auxiliary cache from §4.2).
// All three share the same shape — a mutex-guarded map keyed by origin URL,
// read-checked against a TTL, swept once a minute — so it lives in one
// generic map type instead of being hand-copied three times.
package originstate

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ttlMap is a mutex-guarded map from a string key to a value, where reads
// treat an entry older than ttl as absent. Writes always overwrite (no
// coalescing), matching §4.2.
type ttlMap[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
	ttl     time.Duration
	group   singleflight.Group
}

type entry[V any] struct {
	value      V
	insertedAt time.Time
}

func newTTLMap[V any](ttl time.Duration) *ttlMap[V] {
	return &ttlMap[V]{entries: make(map[string]entry[V]), ttl: ttl}
}

// get returns the value for key if present and not expired.
func (m *ttlMap[V]) get(key string, now time.Time) (V, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || now.Sub(e.insertedAt) >= m.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// getStale returns the value for key even if expired (but not yet swept).
// Callers use it only to seed revalidation; a stale value is never served.
func (m *ttlMap[V]) getStale(key string) (V, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	return e.value, ok
}

// put unconditionally overwrites the entry for key.
func (m *ttlMap[V]) put(key string, v V, now time.Time) {
	m.mu.Lock()
	m.entries[key] = entry[V]{value: v, insertedAt: now}
	m.mu.Unlock()
}

// sweep removes every entry older than ttl and returns how many were
// removed. Called once a minute by Sweeper.
func (m *ttlMap[V]) sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.entries {
		if now.Sub(e.insertedAt) >= m.ttl {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

func (m *ttlMap[V]) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// MetadataEntry is the cached {content-length, content-type, last-modified,
// etag} tuple for an origin URL (C2).
type MetadataEntry struct {
	ContentLength int64
	ContentType   string
	LastModified  string
	ETag          string
}

// MetadataCache is the TTL-indexed origin-URL -> MetadataEntry mapping.
type MetadataCache struct {
	m *ttlMap[MetadataEntry]
}

// NewMetadataCache creates a MetadataCache with the given TTL
// (METADATA_TTL, 5 minutes by default).
func NewMetadataCache(ttl time.Duration) *MetadataCache {
	return &MetadataCache{m: newTTLMap[MetadataEntry](ttl)}
}

// Get returns the cached metadata for url, if any and unexpired.
func (c *MetadataCache) Get(url string) (MetadataEntry, bool) {
	return c.m.get(url, time.Now())
}

// Stale returns the entry for url even past its TTL, for use as conditional
// revalidation input (If-None-Match/If-Modified-Since). A stale entry is
// never served directly.
func (c *MetadataCache) Stale(url string) (MetadataEntry, bool) {
	return c.m.getStale(url)
}

// Put stores metadata for url, overwriting any existing entry.
func (c *MetadataCache) Put(url string, e MetadataEntry) {
	c.m.put(url, e, time.Now())
}

// GetOrFetch returns the cached metadata for url, or calls fetch exactly
// once per url even under concurrent callers (via singleflight), caching
// and returning its result. This eliminates redundant HEAD preflights when
// many Range requests for the same video arrive at once.
func (c *MetadataCache) GetOrFetch(url string, fetch func() (MetadataEntry, error)) (MetadataEntry, error) {
	if e, ok := c.Get(url); ok {
		return e, nil
	}
	v, err, _ := c.m.group.Do(url, func() (any, error) {
		if e, ok := c.Get(url); ok {
			return e, nil
		}
		e, err := fetch()
		if err != nil {
			return MetadataEntry{}, err
		}
		c.Put(url, e)
		return e, nil
	})
	if err != nil {
		return MetadataEntry{}, err
	}
	return v.(MetadataEntry), nil
}

func (c *MetadataCache) sweep(now time.Time) int { return c.m.sweep(now) }

// Len reports the number of stored entries, including expired ones the
// sweeper has not removed yet.
func (c *MetadataCache) Len() int { return c.m.len() }

// RedirectEntry is the cached CDN URL an origin URL resolved to (C3).
type RedirectEntry struct {
	CDNURL string
}

// RedirectCache is the TTL-indexed origin-URL -> RedirectEntry mapping.
type RedirectCache struct {
	m *ttlMap[RedirectEntry]
}

// NewRedirectCache creates a RedirectCache with the given TTL
// (REDIRECT_TTL, 10 minutes by default).
func NewRedirectCache(ttl time.Duration) *RedirectCache {
	return &RedirectCache{m: newTTLMap[RedirectEntry](ttl)}
}

// Get returns the cached CDN redirect for url, if any and unexpired.
func (c *RedirectCache) Get(url string) (RedirectEntry, bool) {
	return c.m.get(url, time.Now())
}

// Put stores the resolved CDN URL for url.
func (c *RedirectCache) Put(url, cdnURL string) {
	c.m.put(url, RedirectEntry{CDNURL: cdnURL}, time.Now())
}

func (c *RedirectCache) sweep(now time.Time) int { return c.m.sweep(now) }

// Len reports the number of stored entries, including expired ones the
// sweeper has not removed yet.
func (c *RedirectCache) Len() int { return c.m.len() }

// PreloadCache marks (url, start, size) preload requests that were recently
// served, so a repeat preload call can answer "cached" without re-checking
// the segment cache's coalesce/assemble path. It also deduplicates
// concurrent identical preload calls via singleflight.
type PreloadCache struct {
	m *ttlMap[struct{}]
}

// NewPreloadCache creates a PreloadCache with the given TTL (PRELOAD_TTL,
// 2 minutes by default).
func NewPreloadCache(ttl time.Duration) *PreloadCache {
	return &PreloadCache{m: newTTLMap[struct{}](ttl)}
}

// Seen reports whether key was marked recently (within the TTL).
func (c *PreloadCache) Seen(key string) bool {
	_, ok := c.m.get(key, time.Now())
	return ok
}

// Mark records that key was just preloaded.
func (c *PreloadCache) Mark(key string) {
	c.m.put(key, struct{}{}, time.Now())
}

// Do runs fn at most once per key among concurrent callers, the way
// GetOrFetch does for metadata.
func (c *PreloadCache) Do(key string, fn func() error) error {
	_, err, _ := c.m.group.Do(key, func() (any, error) {
		return nil, fn()
	})
	return err
}

func (c *PreloadCache) sweep(now time.Time) int { return c.m.sweep(now) }
