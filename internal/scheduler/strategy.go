package scheduler

import (
	"math/rand/v2"
	"time"
)

// Strategy computes a source's next due time and observes update outcomes.
// Next must be safe to call repeatedly without side effects beyond what
// Observe records; Observe is called exactly once per completed update.
type Strategy interface {
	Next(now time.Time) time.Time
	Observe(err error)
}

// IntervalStrategy fires every Period, jittered by up to JitterFraction of
// Period in either direction to avoid a thundering herd across sources
// configured with the same interval.
type IntervalStrategy struct {
	Period         time.Duration
	JitterFraction float64 // e.g. 0.1 for +/-10%
}

func NewIntervalStrategy(period time.Duration, jitterFraction float64) *IntervalStrategy {
	return &IntervalStrategy{Period: period, JitterFraction: jitterFraction}
}

func (s *IntervalStrategy) Next(now time.Time) time.Time {
	d := s.Period
	if s.JitterFraction > 0 {
		spread := float64(d) * s.JitterFraction
		d += time.Duration((rand.Float64()*2 - 1) * spread)
		if d < 0 {
			d = 0
		}
	}
	return now.Add(d)
}

func (s *IntervalStrategy) Observe(error) {}

// ManualStrategy never fires on its own; TriggerNow is the only way a
// source on this strategy runs. minimumInterval debounces repeated manual
// triggers so a user mashing "refresh now" doesn't queue redundant fetches.
type ManualStrategy struct {
	MinimumInterval time.Duration
	lastRun         time.Time
}

func NewManualStrategy(minimumInterval time.Duration) *ManualStrategy {
	return &ManualStrategy{MinimumInterval: minimumInterval}
}

func (s *ManualStrategy) Next(time.Time) time.Time {
	// Far-future: only TriggerNow moves this up. Scheduler.TriggerNow sets
	// nextDue directly, bypassing Next, so this is never actually read on
	// the manual path except at initial registration.
	return time.Now().Add(24 * 365 * time.Hour)
}

func (s *ManualStrategy) Observe(error) { s.lastRun = time.Now() }

// AllowsTrigger reports whether enough time has passed since the last run
// for a new manual trigger to be honored; the scheduler checks this before
// calling TriggerNow in response to a user request.
func (s *ManualStrategy) AllowsTrigger(now time.Time) bool {
	return s.lastRun.IsZero() || now.Sub(s.lastRun) >= s.MinimumInterval
}

// AdaptiveStrategy expands its interval on repeated success and contracts
// it on failure, within [MinInterval, MaxInterval], per the scenario:
// base 60s, success doubles (clamped), failure halves (clamped).
type AdaptiveStrategy struct {
	MinInterval        time.Duration
	MaxInterval        time.Duration
	SuccessMultiplier  float64 // > 1, expands interval after success
	FailureMultiplier  float64 // < 1, contracts interval after failure
	current            time.Duration
}

func NewAdaptiveStrategy(base, min, max time.Duration, successMultiplier, failureMultiplier float64) *AdaptiveStrategy {
	return &AdaptiveStrategy{
		MinInterval:       min,
		MaxInterval:       max,
		SuccessMultiplier: successMultiplier,
		FailureMultiplier: failureMultiplier,
		current:           base,
	}
}

func (s *AdaptiveStrategy) Next(now time.Time) time.Time {
	return now.Add(s.current)
}

func (s *AdaptiveStrategy) Observe(err error) {
	var next time.Duration
	if err == nil {
		next = time.Duration(float64(s.current) * s.SuccessMultiplier)
	} else {
		next = time.Duration(float64(s.current) * s.FailureMultiplier)
	}
	if next < s.MinInterval {
		next = s.MinInterval
	}
	if next > s.MaxInterval {
		next = s.MaxInterval
	}
	s.current = next
}

// CurrentInterval reports the strategy's live interval, surfaced on the
// status API so users can see why a source is updating faster or slower
// than its configured base.
func (s *AdaptiveStrategy) CurrentInterval() time.Duration { return s.current }
