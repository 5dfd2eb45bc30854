package sts

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	// BreakerClosed passes sends through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects sends until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen allows probe sends after the cooldown.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards the processing service against sustained failure.
// Consecutive retryable failures trip it open; after the cooldown it lets a
// probe through, and a single success closes it again. Non-retryable service
// errors never count against it.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time // test hook

	mu           sync.Mutex
	state        BreakerState
	consecutive  int
	probing      bool // half-open probe in flight
	openedAt     time.Time
	totalTrips   uint64
	totalFails   uint64
	totalRejects uint64
}

// BreakerStats is a point-in-time snapshot of breaker state and counters.
type BreakerStats struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	TotalFailures       uint64 `json:"total_failures"`
	TotalTrips          uint64 `json:"total_trips"`
	TotalRejects        uint64 `json:"total_rejects"`
}

// NewCircuitBreaker creates a breaker tripping after threshold consecutive
// failures and probing again after cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger.With(slog.String("component", "circuit-breaker")),
		now:       time.Now,
	}
}

// Allow reports whether a send may proceed. While open it transitions to
// half-open once the cooldown has elapsed, admitting the caller as the one
// probe; further callers are rejected until the probe resolves.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if cb.probing {
			cb.totalRejects++
			return false
		}
		cb.probing = true
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			cb.state = BreakerHalfOpen
			cb.probing = true
			cb.logger.Info("circuit breaker half-open, probing")
			return true
		}
		cb.totalRejects++
		return false
	default:
		return false
	}
}

// RecordSuccess resets failure accounting. In half-open the first success
// closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutive = 0
	cb.probing = false
	if cb.state != BreakerClosed {
		cb.logger.Info("circuit breaker closed", slog.String("from", cb.state.String()))
		cb.state = BreakerClosed
	}
}

// RecordFailure counts one retryable failure. Reaching the threshold, or any
// failure while half-open, opens the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFails++
	cb.consecutive++
	cb.probing = false

	if cb.state == BreakerHalfOpen || (cb.state == BreakerClosed && cb.consecutive >= cb.threshold) {
		cb.state = BreakerOpen
		cb.openedAt = cb.now()
		cb.totalTrips++
		cb.logger.Warn("circuit breaker opened",
			slog.Int("consecutive_failures", cb.consecutive),
			slog.Duration("cooldown", cb.cooldown))
	}
}

// State returns the current state, applying the cooldown transition.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.state = BreakerHalfOpen
	}
	return cb.state
}

// Stats returns a snapshot of breaker counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutive,
		TotalFailures:       cb.totalFails,
		TotalTrips:          cb.totalTrips,
		TotalRejects:        cb.totalRejects,
	}
}
