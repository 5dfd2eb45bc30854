package sts

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes reconnect delays: exponential doubling from an initial
// delay, capped at a maximum, with multiplicative jitter. Attempts are
// limited unless maxAttempts is zero.
type Backoff struct {
	initial     time.Duration
	max         time.Duration
	jitter      float64
	maxAttempts int

	mu      sync.Mutex
	attempt int
}

// ErrReconnectExhausted signals that the attempt budget ran out.
var ErrReconnectExhausted = fmt.Errorf("reconnect attempts exhausted")

// NewBackoff creates a backoff policy. maxAttempts of zero means unlimited.
func NewBackoff(initial, max time.Duration, jitter float64, maxAttempts int) *Backoff {
	return &Backoff{
		initial:     initial,
		max:         max,
		jitter:      jitter,
		maxAttempts: maxAttempts,
	}
}

// Next returns the delay before the next attempt, or ErrReconnectExhausted
// once the budget is spent.
func (b *Backoff) Next() (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxAttempts > 0 && b.attempt >= b.maxAttempts {
		return 0, ErrReconnectExhausted
	}

	d := b.initial << b.attempt
	if d > b.max || d <= 0 { // shift overflow guards
		d = b.max
	}
	b.attempt++

	if b.jitter > 0 {
		factor := 1 + (rand.Float64()*2-1)*b.jitter
		d = time.Duration(float64(d) * factor)
	}
	if d > b.max {
		d = b.max
	}
	return d, nil
}

// Wait sleeps for the next delay, honoring context cancellation.
func (b *Backoff) Wait(ctx context.Context) error {
	d, err := b.Next()
	if err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset restarts the schedule after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
