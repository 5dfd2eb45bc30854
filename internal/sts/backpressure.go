package sts

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BackpressureGate holds senders back according to the service's
// backpressure events: a hard pause blocks until resumed, a soft delay
// spaces sends out.
type BackpressureGate struct {
	logger *slog.Logger

	mu       sync.Mutex
	paused   bool
	delay    time.Duration
	severity string
	resume   chan struct{}

	totalPauses   uint64
	totalDelayed  uint64
	totalTimeouts uint64
}

// BackpressureStats is a point-in-time snapshot of gate state.
type BackpressureStats struct {
	Paused        bool          `json:"paused"`
	Delay         time.Duration `json:"delay"`
	Severity      string        `json:"severity,omitempty"`
	TotalPauses   uint64        `json:"total_pauses"`
	TotalDelayed  uint64        `json:"total_delayed"`
	TotalTimeouts uint64        `json:"total_timeouts"`
}

// NewBackpressureGate creates an open gate.
func NewBackpressureGate(logger *slog.Logger) *BackpressureGate {
	return &BackpressureGate{
		logger: logger.With(slog.String("component", "backpressure")),
	}
}

// severityDelay is the advisory delay applied by slow_down when the service
// does not recommend one.
func severityDelay(severity string) time.Duration {
	switch severity {
	case SeverityMedium:
		return 500 * time.Millisecond
	case SeverityHigh:
		return time.Second
	default:
		return 100 * time.Millisecond
	}
}

// Update applies a backpressure event. slow_down sets the advisory delay,
// pause closes the gate until a resume arrives, none clears both.
func (g *BackpressureGate) Update(bp *Backpressure) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.severity = bp.Severity

	switch bp.Action {
	case ActionSlowDown:
		g.delay = severityDelay(bp.Severity)
		if bp.RecommendedDelayMs != nil {
			g.delay = time.Duration(*bp.RecommendedDelayMs) * time.Millisecond
		}
		g.logger.Info("sending slowed by service",
			slog.Duration("delay", g.delay),
			slog.String("severity", bp.Severity))

	case ActionPause:
		if g.paused {
			return
		}
		g.paused = true
		g.resume = make(chan struct{})
		g.totalPauses++
		g.logger.Info("sending paused by service",
			slog.String("severity", bp.Severity))

	case ActionNone:
		g.delay = 0
		if g.paused {
			g.paused = false
			close(g.resume)
			g.resume = nil
			g.logger.Info("sending resumed by service")
		}

	default:
		g.logger.Warn("ignoring unknown backpressure action",
			slog.String("action", bp.Action))
	}
}

// Reset opens the gate, used when the session drops and stale backpressure
// state must not block the next connection.
func (g *BackpressureGate) Reset() {
	g.Update(&Backpressure{Action: ActionNone})
}

// Wait blocks until the gate allows a send: first until any pause lifts,
// bounded by maxWait, then through the advisory delay. Returns
// ErrBackpressureTimeout when the pause outlasts maxWait.
func (g *BackpressureGate) Wait(ctx context.Context, maxWait time.Duration) error {
	g.mu.Lock()
	resume := g.resume
	paused := g.paused
	delay := g.delay
	g.mu.Unlock()

	if paused {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		select {
		case <-resume:
		case <-timer.C:
			g.mu.Lock()
			g.totalTimeouts++
			g.mu.Unlock()
			return ErrBackpressureTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if delay > 0 {
		g.mu.Lock()
		g.totalDelayed++
		g.mu.Unlock()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Paused reports whether sending is currently paused.
func (g *BackpressureGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Stats returns a snapshot of gate state.
func (g *BackpressureGate) Stats() BackpressureStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return BackpressureStats{
		Paused:        g.paused,
		Delay:         g.delay,
		Severity:      g.severity,
		TotalPauses:   g.totalPauses,
		TotalDelayed:  g.totalDelayed,
		TotalTimeouts: g.totalTimeouts,
	}
}
