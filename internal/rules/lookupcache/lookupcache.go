// Package lookupcache implements the Rule Lookup Cache: a bounded,
// TTL-aware LRU mapping fqdn -> (action, hasRule) that sits in front of the
// Rule Store on the query hot path. It is deliberately the same
// container/list-backed LRU shape used for the Response Cache elsewhere in
// this repository, specialized to a small entry type and invalidated in
// full (rather than per-key) on every Rule Store commit, per the coherence
// argument in the design notes: updates are rare relative to lookups, and a
// full invalidate is trivially provably correct for wildcard rule changes
// that would otherwise require enumerating an open-ended subdomain set.
package lookupcache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nullstream/ruleproxy/internal/rules"
)

// Verdict is the cached result of a rule lookup for one domain.
type Verdict struct {
	Action  rules.Action
	HasRule bool // false means "no rule matched" (a negative cache entry)
}

type entry struct {
	key       string
	verdict   Verdict
	expiresAt time.Time
	elem      *list.Element
}

// Cache is a bounded LRU cache of Verdicts, generation-tagged so that a
// Reload swaps in a fresh instance instead of walking and clearing entries
// in place — matching the atomic-pointer-swap idiom used elsewhere in this
// codebase for hot-reloadable state.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	lru      *list.List
	data     map[string]*entry

	hits   int64
	misses int64
}

// New creates a Rule Lookup Cache with the given capacity and per-entry
// TTL. A non-positive capacity or ttl falls back to the defaults named in
// the rule engine design (10,000 entries / 300s).
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		lru:      list.New(),
		data:     map[string]*entry{},
	}
}

// Get returns the cached verdict for domain, if present and unexpired.
func (c *Cache) Get(domain string) (Verdict, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.data[domain]
	if e == nil {
		atomic.AddInt64(&c.misses, 1)
		return Verdict{}, false
	}
	if !e.expiresAt.After(now) {
		c.lru.Remove(e.elem)
		delete(c.data, domain)
		atomic.AddInt64(&c.misses, 1)
		return Verdict{}, false
	}
	c.lru.MoveToBack(e.elem)
	atomic.AddInt64(&c.hits, 1)
	return e.verdict, true
}

// Set stores a verdict for domain, evicting the least-recently-used entry
// if the cache is at capacity.
func (c *Cache) Set(domain string, v Verdict) {
	expires := time.Now().Add(c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing := c.data[domain]; existing != nil {
		existing.verdict = v
		existing.expiresAt = expires
		c.lru.MoveToBack(existing.elem)
		return
	}

	e := &entry{key: domain, verdict: v, expiresAt: expires}
	e.elem = c.lru.PushBack(e)
	c.data[domain] = e

	for len(c.data) > c.capacity {
		front := c.lru.Front()
		if front == nil {
			break
		}
		c.lru.Remove(front)
		delete(c.data, front.Value.(*entry).key)
	}
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Stats reports hit/miss counters since construction.
type Stats struct {
	Hits, Misses int64
}

func (c *Cache) Stats() Stats {
	return Stats{Hits: atomic.LoadInt64(&c.hits), Misses: atomic.LoadInt64(&c.misses)}
}

// Invalidator holds a swappable *Cache and is what the rule manager and
// query pipeline actually share: Invalidate() replaces the active cache
// wholesale with a fresh one, exactly mirroring
// resolvers.ReloadableCustomDNSResolver's Reload pattern so the cache
// invalidation contract and the custom-DNS reload contract read the same
// way across the codebase.
type Invalidator struct {
	mu       sync.RWMutex
	cache    *Cache
	capacity int
	ttl      time.Duration
}

// NewInvalidator constructs an Invalidator with an initial empty cache.
func NewInvalidator(capacity int, ttl time.Duration) *Invalidator {
	return &Invalidator{cache: New(capacity, ttl), capacity: capacity, ttl: ttl}
}

// Get delegates to the active cache instance.
func (i *Invalidator) Get(domain string) (Verdict, bool) {
	i.mu.RLock()
	c := i.cache
	i.mu.RUnlock()
	return c.Get(domain)
}

// Set delegates to the active cache instance.
func (i *Invalidator) Set(domain string, v Verdict) {
	i.mu.RLock()
	c := i.cache
	i.mu.RUnlock()
	c.Set(domain, v)
}

// Invalidate atomically replaces the active cache with a fresh, empty one.
// Called by the Rule Manager after every committed Rule Store write.
func (i *Invalidator) Invalidate() {
	fresh := New(i.capacity, i.ttl)
	i.mu.Lock()
	i.cache = fresh
	i.mu.Unlock()
}

// Stats reports the active cache's hit/miss counters.
func (i *Invalidator) Stats() Stats {
	i.mu.RLock()
	c := i.cache
	i.mu.RUnlock()
	return c.Stats()
}
