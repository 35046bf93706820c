package resolvers

import (
	"hash/fnv"
	"time"
)

// DefaultShardCount is the default number of shards for a ShardedTTLCache
// when the caller doesn't specify one.
const DefaultShardCount = 16

// ShardedTTLCache spreads entries across an N-way array of independent
// TTLCache instances, each with its own mutex, to reduce lock contention
// under concurrent query load. Shard selection hashes a caller-supplied
// string (the query name) with fnv32 and takes it modulo the shard count,
// so all lookups for a given name always land on the same shard.
//
// Statistics are aggregated across shards on demand; there is no global
// counter maintained on the hot path.
type ShardedTTLCache[K comparable, V any] struct {
	shards  []*TTLCache[K, V]
	keyFunc func(K) string
}

// NewShardedTTLCache creates a sharded cache with shardCount shards, each
// sized maxEntriesPerShard. keyFunc extracts the string used to pick a
// shard (typically the query name) from a cache key. shardCount <= 0 falls
// back to DefaultShardCount.
func NewShardedTTLCache[K comparable, V any](shardCount, maxEntriesPerShard int, keyFunc func(K) string) *ShardedTTLCache[K, V] {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	shards := make([]*TTLCache[K, V], shardCount)
	for i := range shards {
		shards[i] = NewTTLCache[K, V](maxEntriesPerShard)
	}
	return &ShardedTTLCache[K, V]{shards: shards, keyFunc: keyFunc}
}

// shardFor returns the shard owning key, selected via fnv32(name)%len(shards).
func (s *ShardedTTLCache[K, V]) shardFor(key K) *TTLCache[K, V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s.keyFunc(key)))
	idx := int(h.Sum32() % uint32(len(s.shards)))
	return s.shards[idx]
}

// Get retrieves a value, delegating to the owning shard.
func (s *ShardedTTLCache[K, V]) Get(key K) (V, bool, CacheEntryType) {
	return s.shardFor(key).Get(key)
}

// GetWithAge retrieves a value and its age, delegating to the owning shard.
func (s *ShardedTTLCache[K, V]) GetWithAge(key K) (V, time.Duration, bool, CacheEntryType) {
	return s.shardFor(key).GetWithAge(key)
}

// Set stores a value, delegating to the owning shard.
func (s *ShardedTTLCache[K, V]) Set(key K, val V, ttl time.Duration, entryType CacheEntryType) {
	s.shardFor(key).Set(key, val, ttl, entryType)
}

// SetByteBudget applies a per-shard byte budget and size function uniformly
// across every shard, so the aggregate budget is shardCount*perShardBudget.
func (s *ShardedTTLCache[K, V]) SetByteBudget(perShardBudget int64, sizeFunc func(V) int) {
	for _, shard := range s.shards {
		shard.SizeFunc = sizeFunc
		shard.ByteBudget = perShardBudget
	}
}

// ShardCount returns the number of shards.
func (s *ShardedTTLCache[K, V]) ShardCount() int {
	return len(s.shards)
}

// Stats aggregates per-shard statistics into a single snapshot. Fastest and
// Slowest are the min/max across shards; Average is recomputed from the
// summed totals so it stays a true weighted mean rather than an average of
// averages.
func (s *ShardedTTLCache[K, V]) Stats() Stats {
	var agg Stats
	var lookupCount int64
	var lookupTotal time.Duration
	for _, shard := range s.shards {
		st := shard.Stats()
		agg.Hits += st.Hits
		agg.Misses += st.Misses
		agg.Evictions += st.Evictions
		agg.SlowCount += st.SlowCount
		agg.EntryCount += st.EntryCount
		agg.UsedBytes += st.UsedBytes
		agg.ByteBudget += st.ByteBudget
		if st.Fastest > 0 && (agg.Fastest == 0 || st.Fastest < agg.Fastest) {
			agg.Fastest = st.Fastest
		}
		if st.Slowest > agg.Slowest {
			agg.Slowest = st.Slowest
		}
		lookupCount += int64(st.Hits + st.Misses)
		lookupTotal += st.Average * time.Duration(st.Hits+st.Misses)
	}
	total := agg.Hits + agg.Misses
	if total > 0 {
		agg.HitRate = float64(agg.Hits) / float64(total)
	}
	if lookupCount > 0 {
		agg.Average = lookupTotal / time.Duration(lookupCount)
	}
	return agg
}
