package resolvers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardedTTLCache_SetGetRoundTrip(t *testing.T) {
	cache := NewShardedTTLCache[string, string](4, 10, func(k string) string { return k })

	cache.Set("example.com", "1.2.3.4", time.Hour, CachePositive)
	val, found, entryType := cache.Get("example.com")
	require.True(t, found)
	assert.Equal(t, "1.2.3.4", val)
	assert.Equal(t, CachePositive, entryType)
}

func TestShardedTTLCache_SameKeyAlwaysSameShard(t *testing.T) {
	cache := NewShardedTTLCache[string, string](8, 10, func(k string) string { return k })

	shard1 := cache.shardFor("stable.example.com")
	shard2 := cache.shardFor("stable.example.com")
	assert.Same(t, shard1, shard2, "same key must always hash to the same shard")
}

func TestShardedTTLCache_DistributesAcrossShards(t *testing.T) {
	cache := NewShardedTTLCache[string, string](4, 100, func(k string) string { return k })

	names := []string{"a.com", "b.com", "c.com", "d.com", "e.com", "f.com", "g.com", "h.com"}
	for _, n := range names {
		cache.Set(n, "1.1.1.1", time.Hour, CachePositive)
	}

	seen := map[*TTLCache[string, string]]int{}
	for _, n := range names {
		seen[cache.shardFor(n)]++
	}
	assert.Greater(t, len(seen), 1, "expected keys to spread across more than one shard")
}

func TestShardedTTLCache_DefaultsShardCount(t *testing.T) {
	cache := NewShardedTTLCache[string, string](0, 10, func(k string) string { return k })
	assert.Equal(t, DefaultShardCount, cache.ShardCount())
}

func TestShardedTTLCache_StatsAggregatesAcrossShards(t *testing.T) {
	cache := NewShardedTTLCache[string, string](4, 10, func(k string) string { return k })

	cache.Set("a.com", "1", time.Hour, CachePositive)
	cache.Set("b.com", "2", time.Hour, CachePositive)
	cache.Get("a.com")
	cache.Get("missing.com")

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 2, stats.EntryCount)
}

func TestShardedTTLCache_SetByteBudgetAppliesPerShard(t *testing.T) {
	cache := NewShardedTTLCache[string, []byte](2, 100, func(k string) string { return k })
	cache.SetByteBudget(10, func(v []byte) int { return len(v) })

	cache.Set("same-shard-key", make([]byte, 4), time.Hour, CachePositive)
	shard := cache.shardFor("same-shard-key")
	assert.Equal(t, int64(10), shard.ByteBudget)
}
