package lookupcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullstream/ruleproxy/internal/rules"
)

func TestCache_SetGet(t *testing.T) {
	c := New(10, time.Minute)
	c.Set("ads.example.com", Verdict{Action: rules.Block, HasRule: true})

	v, ok := c.Get("ads.example.com")
	require.True(t, ok)
	assert.Equal(t, rules.Block, v.Action)
}

func TestCache_NegativeEntry(t *testing.T) {
	c := New(10, time.Minute)
	c.Set("unknown.example.com", Verdict{HasRule: false})

	v, ok := c.Get("unknown.example.com")
	require.True(t, ok)
	assert.False(t, v.HasRule)
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	c := New(10, time.Millisecond)
	c.Set("ads.example.com", Verdict{Action: rules.Block, HasRule: true})
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("ads.example.com")
	assert.False(t, ok)
}

func TestCache_EvictsLRUAtCapacity(t *testing.T) {
	c := New(2, time.Minute)
	c.Set("a.com", Verdict{HasRule: true})
	c.Set("b.com", Verdict{HasRule: true})
	c.Set("c.com", Verdict{HasRule: true}) // evicts a.com

	_, ok := c.Get("a.com")
	assert.False(t, ok)
	_, ok = c.Get("b.com")
	assert.True(t, ok)
	_, ok = c.Get("c.com")
	assert.True(t, ok)
}

func TestInvalidator_InvalidateClearsEntries(t *testing.T) {
	inv := NewInvalidator(10, time.Minute)
	inv.Set("ads.example.com", Verdict{Action: rules.Block, HasRule: true})

	inv.Invalidate()

	_, ok := inv.Get("ads.example.com")
	assert.False(t, ok, "no stale reads should survive invalidation")
}
