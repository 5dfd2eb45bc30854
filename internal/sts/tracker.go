package sts

import (
	"log/slog"
	"sync"
	"time"
)

// Tracker bounds the number of fragments awaiting a processing result and
// enforces a per-fragment timeout. Completion and timeout race on the same
// entry; whichever removes it first wins, the loser becomes a no-op.
type Tracker struct {
	capacity int
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]*trackedFragment
	nextSeq  uint64

	totalTracked   uint64
	totalCompleted uint64
	totalTimedOut  uint64
	totalCleared   uint64
}

type trackedFragment struct {
	seq       uint64
	timer     *time.Timer
	trackedAt time.Time
}

// TrackerStats is a point-in-time snapshot of tracker counters.
type TrackerStats struct {
	Inflight       int    `json:"inflight"`
	Capacity       int    `json:"capacity"`
	NextSequence   uint64 `json:"next_sequence"`
	TotalTracked   uint64 `json:"total_tracked"`
	TotalCompleted uint64 `json:"total_completed"`
	TotalTimedOut  uint64 `json:"total_timed_out"`
	TotalCleared   uint64 `json:"total_cleared"`
}

// NewTracker creates a tracker admitting at most capacity fragments, each
// timing out after timeout.
func NewTracker(capacity int, timeout time.Duration, logger *slog.Logger) *Tracker {
	return &Tracker{
		capacity: capacity,
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "fragment-tracker")),
		inflight: make(map[string]*trackedFragment),
	}
}

// HasCapacity reports whether another fragment may be tracked.
func (t *Tracker) HasCapacity() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight) < t.capacity
}

// Track registers a fragment, assigns its send sequence number and arms its
// timeout. onTimeout runs on the timer goroutine if no completion arrives in
// time. Returns false when the window is full.
func (t *Tracker) Track(fragmentID string, onTimeout func(fragmentID string)) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.inflight) >= t.capacity {
		return 0, false
	}

	tf := &trackedFragment{seq: t.nextSeq, trackedAt: time.Now()}
	t.nextSeq++
	tf.timer = time.AfterFunc(t.timeout, func() {
		if !t.remove(fragmentID) {
			return
		}
		t.mu.Lock()
		t.totalTimedOut++
		t.mu.Unlock()
		t.logger.Warn("fragment timed out",
			slog.String("fragment_id", fragmentID),
			slog.Duration("timeout", t.timeout))
		onTimeout(fragmentID)
	})
	t.inflight[fragmentID] = tf
	t.totalTracked++
	return tf.seq, true
}

// Complete marks a fragment as finished. Returns false when the fragment is
// unknown, already timed out, or cleared.
func (t *Tracker) Complete(fragmentID string) bool {
	if !t.remove(fragmentID) {
		return false
	}
	t.mu.Lock()
	t.totalCompleted++
	t.mu.Unlock()
	return true
}

// remove deletes the entry and stops its timer, returning whether it was
// still tracked.
func (t *Tracker) remove(fragmentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tf, ok := t.inflight[fragmentID]
	if !ok {
		return false
	}
	delete(t.inflight, fragmentID)
	tf.timer.Stop()
	return true
}

// Clear drops all in-flight fragments without firing their timeouts, used
// when the session drops and pending results can no longer arrive. Returns
// the cleared fragment ids.
func (t *Tracker) Clear() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.inflight))
	for id, tf := range t.inflight {
		tf.timer.Stop()
		ids = append(ids, id)
	}
	t.inflight = make(map[string]*trackedFragment)
	t.totalCleared += uint64(len(ids))
	return ids
}

// Inflight returns the number of tracked fragments.
func (t *Tracker) Inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// Stats returns a snapshot of tracker counters.
func (t *Tracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackerStats{
		Inflight:       len(t.inflight),
		Capacity:       t.capacity,
		NextSequence:   t.nextSeq,
		TotalTracked:   t.totalTracked,
		TotalCompleted: t.totalCompleted,
		TotalTimedOut:  t.totalTimedOut,
		TotalCleared:   t.totalCleared,
	}
}
