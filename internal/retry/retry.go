// Package retry decides whether an upstream failure should be retried and
// computes its backoff, pulling the inline canTryUpstream/markFailed logic
// the teacher keeps inline in its forwarding resolver out into an
// independently testable policy type.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"sync"
	"time"
)

// Reason classifies why an upstream attempt failed, used by ShouldRetry to
// decide retryability independent of the raw error value.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonPeerClosed
	ReasonTimeout
	ReasonNetworkError
	ReasonInterfaceUnavailable
)

// ClassifyReason maps a raw error from the upstream dial/write/read path
// into a Reason, mirroring the teacher's forwarding resolver's ad-hoc
// error-string checks with typed net package errors instead.
func ClassifyReason(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	if errors.Is(err, net.ErrClosed) {
		return ReasonPeerClosed
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ReasonNetworkError
	}
	return ReasonUnknown
}

// retryableReasons is the fixed set from spec.md §4.K.
var retryableReasons = map[Reason]bool{
	ReasonPeerClosed:           true,
	ReasonTimeout:              true,
	ReasonNetworkError:         true,
	ReasonInterfaceUnavailable: true,
}

// Policy decides retryability and backoff for upstream query attempts.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	BackoffCeiling time.Duration
	JitterFraction float64 // e.g. 0.2 for +/-20%
}

// NewPolicy builds a Policy with the given bounds.
func NewPolicy(maxRetries int, initialBackoff, ceiling time.Duration, jitterFraction float64) Policy {
	return Policy{
		MaxRetries:     maxRetries,
		InitialBackoff: initialBackoff,
		BackoffCeiling: ceiling,
		JitterFraction: jitterFraction,
	}
}

// ShouldRetry reports whether attempt (1-indexed, the attempt that just
// failed) is retryable under this policy for the given reason.
func (p Policy) ShouldRetry(reason Reason, attempt int) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	return retryableReasons[reason]
}

// Backoff computes min(initialBackoff * 2^(attempt-1), ceiling) with
// jitter, for the delay before retry number `attempt`.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		base *= 2
		if base > p.BackoffCeiling {
			base = p.BackoffCeiling
			break
		}
	}
	if base > p.BackoffCeiling {
		base = p.BackoffCeiling
	}
	if p.JitterFraction <= 0 {
		return base
	}
	spread := float64(base) * p.JitterFraction
	jittered := time.Duration(float64(base) + (rand.Float64()*2-1)*spread)
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}

// Attempt records one upstream try, kept in a per-transaction ring buffer
// for diagnostics.
type Attempt struct {
	At     time.Time
	Reason Reason
	Err    error
}

// History is a bounded ring buffer of retry attempts for one transaction,
// cleared on terminal outcome (success or give-up).
type History struct {
	mu       sync.Mutex
	attempts []Attempt
	cap      int
}

// NewHistory builds a History holding up to cap attempts.
func NewHistory(cap int) *History {
	if cap <= 0 {
		cap = 8
	}
	return &History{cap: cap}
}

// Record appends a into the ring buffer, dropping the oldest entry if full.
func (h *History) Record(a Attempt) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts = append(h.attempts, a)
	if len(h.attempts) > h.cap {
		h.attempts = h.attempts[len(h.attempts)-h.cap:]
	}
}

// Snapshot returns a copy of the recorded attempts, most recent last.
func (h *History) Snapshot() []Attempt {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Attempt, len(h.attempts))
	copy(out, h.attempts)
	return out
}

// Clear empties the history on terminal outcome.
func (h *History) Clear() {
	h.mu.Lock()
	h.attempts = nil
	h.mu.Unlock()
}

// Wait sleeps for d or until ctx is cancelled, returning ctx.Err() in the
// latter case so callers can distinguish a cancelled retry from one that
// ran its course.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
