package manifest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nullstream/ruleproxy/internal/diskcache"
)

// cachedManifest is one cache entry kept in memory.
type cachedManifest struct {
	manifest  Manifest
	fetchedAt time.Time
}

// CachingLoader wraps a Loader with a TTL'd cache keyed by identifier.
// Reads past the TTL are permitted (allowExpired) as a graceful-degradation
// fallback when the underlying Loader fails, marking the result stale via
// the returned bool. When disk is set, entries also persist to a
// file-per-entry on-disk layer so a restart doesn't lose a resolved
// manifest that the upstream source has since become unreachable for.
type CachingLoader struct {
	inner        Loader
	ttl          time.Duration
	allowExpired bool
	disk         *diskcache.Store

	mu    sync.Mutex
	cache map[string]cachedManifest
}

// NewCachingLoader wraps inner with a TTL'd manifest cache.
func NewCachingLoader(inner Loader, ttl time.Duration, allowExpired bool) *CachingLoader {
	return &CachingLoader{inner: inner, ttl: ttl, cache: map[string]cachedManifest{}, allowExpired: allowExpired}
}

// WithDisk attaches a file-per-entry on-disk cache backing this loader.
// Every successful fetch is persisted, and a disk entry is consulted as a
// last resort (after the in-memory cache and the underlying Loader have
// both failed to produce a fresh result) before giving up.
func (c *CachingLoader) WithDisk(store *diskcache.Store) *CachingLoader {
	c.disk = store
	return c
}

// LoadStale behaves like Load but additionally reports whether the
// returned manifest came from an expired cache entry served only because
// the underlying fetch failed and allowExpired is set.
func (c *CachingLoader) LoadStale(ctx context.Context, identifier string) (Manifest, bool, error) {
	c.mu.Lock()
	entry, ok := c.cache[identifier]
	c.mu.Unlock()

	fresh := ok && time.Since(entry.fetchedAt) < c.ttl
	if fresh {
		return entry.manifest, false, nil
	}

	m, err := c.inner.Load(ctx, identifier)
	if err == nil {
		c.mu.Lock()
		c.cache[identifier] = cachedManifest{manifest: m, fetchedAt: time.Now()}
		c.mu.Unlock()
		c.storeDisk(identifier, m)
		return m, false, nil
	}

	if ok && c.allowExpired {
		return entry.manifest, true, nil
	}

	if c.allowExpired {
		if m, ok := c.loadDisk(identifier); ok {
			c.mu.Lock()
			c.cache[identifier] = cachedManifest{manifest: m, fetchedAt: time.Now()}
			c.mu.Unlock()
			return m, true, nil
		}
	}
	return Manifest{}, false, err
}

// storeDisk persists m under identifier; failures are non-fatal since the
// in-memory cache already has the authoritative copy. Disk entries carry no
// expiry of their own — they exist precisely to outlive the in-memory TTL as
// a graceful-degradation fallback, and are replaced wholesale on the next
// successful fetch.
func (c *CachingLoader) storeDisk(identifier string, m Manifest) {
	if c.disk == nil {
		return
	}
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	_ = c.disk.Store(identifier, b, time.Time{})
}

// loadDisk retrieves a previously persisted manifest, if any live entry
// exists for identifier.
func (c *CachingLoader) loadDisk(identifier string) (Manifest, bool) {
	if c.disk == nil {
		return Manifest{}, false
	}
	b, ok, err := c.disk.Entry(identifier)
	if err != nil || !ok {
		return Manifest{}, false
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, false
	}
	return m, true
}

// Load implements Loader, discarding the staleness flag for callers (such
// as Resolver) that only need the manifest.
func (c *CachingLoader) Load(ctx context.Context, identifier string) (Manifest, error) {
	m, _, err := c.LoadStale(ctx, identifier)
	return m, err
}
