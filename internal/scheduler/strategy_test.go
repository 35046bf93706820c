package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalStrategy_JitterStaysWithinBounds(t *testing.T) {
	s := NewIntervalStrategy(100*time.Second, 0.1)
	now := time.Now()
	for i := 0; i < 50; i++ {
		next := s.Next(now)
		delta := next.Sub(now)
		assert.GreaterOrEqual(t, delta, 89*time.Second)
		assert.LessOrEqual(t, delta, 111*time.Second)
	}
}

func TestAdaptiveStrategy_ExpandsOnSuccessContractsOnFailure(t *testing.T) {
	// base 60s, successMultiplier=2, failureMultiplier=0.5, bounds [30,600]
	s := NewAdaptiveStrategy(60*time.Second, 30*time.Second, 600*time.Second, 2, 0.5)

	s.Observe(nil) // success: 60 -> 120
	assert.Equal(t, 120*time.Second, s.CurrentInterval())

	s.Observe(nil) // success: 120 -> 240
	assert.Equal(t, 240*time.Second, s.CurrentInterval())

	s.Observe(errors.New("fail")) // failure: 240 -> 120
	assert.Equal(t, 120*time.Second, s.CurrentInterval())

	s.Observe(errors.New("fail")) // failure: 120 -> 60
	assert.Equal(t, 60*time.Second, s.CurrentInterval())
}

func TestAdaptiveStrategy_ClampsToBounds(t *testing.T) {
	s := NewAdaptiveStrategy(60*time.Second, 30*time.Second, 600*time.Second, 2, 0.5)
	for i := 0; i < 10; i++ {
		s.Observe(nil)
	}
	assert.Equal(t, 600*time.Second, s.CurrentInterval())

	for i := 0; i < 10; i++ {
		s.Observe(errors.New("fail"))
	}
	assert.Equal(t, 30*time.Second, s.CurrentInterval())
}

func TestManualStrategy_AllowsTriggerRespectsDebounce(t *testing.T) {
	s := NewManualStrategy(time.Minute)
	now := time.Now()
	assert.True(t, s.AllowsTrigger(now))
	s.Observe(nil)
	assert.False(t, s.AllowsTrigger(s.lastRun.Add(10*time.Second)))
	assert.True(t, s.AllowsTrigger(s.lastRun.Add(2*time.Minute)))
}

func TestScheduledStrategy_DailyTimeProducesNextOccurrence(t *testing.T) {
	strategies, err := ParseScheduledTimes([]string{"04:30"})
	require.NoError(t, err)
	require.Len(t, strategies, 1)

	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	next := strategies[0].Next(now)
	assert.Equal(t, 4, next.Hour())
	assert.Equal(t, 30, next.Minute())
	assert.True(t, next.After(now))
}
