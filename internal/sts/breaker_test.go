package sts

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCircuitBreakerTripsAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 30*time.Second, testLogger())

	assert.True(t, cb.Allow())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, BreakerClosed, cb.State())

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())
	assert.Equal(t, uint64(1), cb.Stats().TotalTrips)
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(3, 30*time.Second, testLogger())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	assert.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreakerHalfOpenAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(1, 30*time.Second, testLogger())
	now := time.Now()
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	assert.False(t, cb.Allow())

	now = now.Add(31 * time.Second)
	assert.True(t, cb.Allow(), "cooldown elapsed, probe admitted")
	assert.Equal(t, BreakerHalfOpen, cb.State())
}

func TestCircuitBreakerHalfOpenSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Second, testLogger())
	now := time.Now()
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(2 * time.Second)
	assert.True(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(5, time.Second, testLogger())
	now := time.Now()
	cb.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	now = now.Add(2 * time.Second)
	assert.True(t, cb.Allow())

	// One failure while half-open reopens immediately, threshold or not.
	cb.RecordFailure()
	assert.False(t, cb.Allow())
	assert.Equal(t, uint64(2), cb.Stats().TotalTrips)
}

func TestCircuitBreakerHalfOpenSingleProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Second, testLogger())
	now := time.Now()
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(2 * time.Second)

	assert.True(t, cb.Allow(), "first caller after cooldown is the probe")
	assert.False(t, cb.Allow(), "second caller must wait for the probe to resolve")
	assert.False(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreakerProbeFailureReadmitsAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Second, testLogger())
	now := time.Now()
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(2 * time.Second)
	assert.True(t, cb.Allow())

	// The failed probe reopens; the next cooldown admits a fresh probe.
	cb.RecordFailure()
	assert.False(t, cb.Allow())
	now = now.Add(2 * time.Second)
	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow())
}

func TestCircuitBreakerRejectCounter(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour, testLogger())
	cb.RecordFailure()

	cb.Allow()
	cb.Allow()

	assert.Equal(t, uint64(2), cb.Stats().TotalRejects)
}
