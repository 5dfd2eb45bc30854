// Package sts implements the Socket.IO client for the external
// speech-to-speech processing service: connection lifecycle, fragment
// tracking, backpressure, circuit breaking and reconnect policy.
package sts

import (
	"errors"
	"fmt"
)

// Error codes reported by the processing service on stream:error and
// fragment-level error events.
const (
	CodeTimeout          = "TIMEOUT"
	CodeModelError       = "MODEL_ERROR"
	CodeGPUOOM           = "GPU_OOM"
	CodeQueueFull        = "QUEUE_FULL"
	CodeRateLimit        = "RATE_LIMIT"
	CodeStreamNotFound   = "STREAM_NOT_FOUND"
	CodeInvalidConfig    = "INVALID_CONFIG"
	CodeFragmentTooLarge = "FRAGMENT_TOO_LARGE"
	CodeInvalidSequence  = "INVALID_SEQUENCE"
)

// retryableCodes are transient service-side conditions. They count against
// the circuit breaker and the affected fragment falls back to pass-through.
var retryableCodes = map[string]bool{
	CodeTimeout:    true,
	CodeModelError: true,
	CodeGPUOOM:     true,
	CodeQueueFull:  true,
	CodeRateLimit:  true,
}

// Retryable reports whether an error code names a transient condition.
// Unknown codes are treated as retryable so a new service-side code does not
// silently stop breaker accounting.
func Retryable(code string) bool {
	if retryableCodes[code] {
		return true
	}
	switch code {
	case CodeStreamNotFound, CodeInvalidConfig, CodeFragmentTooLarge, CodeInvalidSequence:
		return false
	}
	return true
}

// ServiceError is an error reported by the processing service.
type ServiceError struct {
	Code       string
	Message    string
	FragmentID string

	// retryable overrides the code classification when the service stated
	// it on the wire.
	retryable *bool
}

func (e *ServiceError) Error() string {
	if e.FragmentID != "" {
		return fmt.Sprintf("sts %s: %s (fragment %s)", e.Code, e.Message, e.FragmentID)
	}
	return fmt.Sprintf("sts %s: %s", e.Code, e.Message)
}

// Retryable reports whether the error should count against the breaker.
func (e *ServiceError) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return Retryable(e.Code)
}

// ErrSessionComplete marks the clean end of a session: the service
// confirmed stream:complete after stream:end. Run treats it as final and
// does not reconnect.
var ErrSessionComplete = errors.New("processing session complete")

// Sentinel errors for client-side send decisions.
var (
	// ErrBreakerOpen rejects sends while the circuit breaker is open.
	ErrBreakerOpen = errors.New("circuit breaker open")
	// ErrTrackerFull rejects sends while the in-flight window is full.
	ErrTrackerFull = errors.New("in-flight fragment window full")
	// ErrPayloadTooLarge rejects fragments above the payload limit.
	ErrPayloadTooLarge = errors.New("fragment payload exceeds limit")
	// ErrNotConnected rejects sends without an established session.
	ErrNotConnected = errors.New("not connected to processing service")
	// ErrBackpressureTimeout aborts a send held too long by backpressure.
	ErrBackpressureTimeout = errors.New("backpressure wait timed out")
)
