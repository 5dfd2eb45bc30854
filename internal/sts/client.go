package sts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dubrelay/dubrelay/internal/config"
	"github.com/dubrelay/dubrelay/internal/segment"
)

// Fallback reasons attached to fragments that bypass processing.
const (
	FallbackBreakerOpen  = "breaker_open"
	FallbackWindowFull   = "window_full"
	FallbackPayloadLimit = "payload_too_large"
	FallbackNotConnected = "not_connected"
	FallbackBackpressure = "backpressure_timeout"
	FallbackTimeout      = "timeout"
	FallbackServiceError = "service_error"
	FallbackDisconnected = "disconnected"
)

// Handlers receive asynchronous session outcomes. OnProcessed delivers the
// dubbed audio for a fragment; OnFallback releases a fragment for
// pass-through; OnDropped discards a fragment the service rejected for
// good. All run on client goroutines and must not block.
type Handlers struct {
	OnProcessed    func(fragmentID string, audio []byte)
	OnFallback     func(fragmentID, reason string)
	OnDropped      func(fragmentID, code string)
	OnConnected    func()
	OnDisconnected func(err error)
}

// Client manages the processing-service session for one stream: connection
// lifecycle with reconnect backoff, the fragment send gate, and dispatch of
// service events. Sends are gated in order by the circuit breaker, the
// in-flight window, and backpressure.
type Client struct {
	cfg      config.STSConfig
	streamID string
	workerID string
	srcLang  string
	dstLang  string
	handlers Handlers
	logger   *slog.Logger

	breaker *CircuitBreaker
	tracker *Tracker
	gate    *BackpressureGate
	backoff *Backoff

	mu           sync.Mutex
	conn         *socketConn
	ready        bool
	format       AudioFormat
	totalSent    uint64
	totalAcked   uint64
	totalDropped uint64
	fallbacks    map[string]uint64
	lateResult   uint64
}

// ClientStats is a point-in-time snapshot of the client and its parts.
type ClientStats struct {
	Connected      bool              `json:"connected"`
	Ready          bool              `json:"ready"`
	TotalSent      uint64            `json:"total_sent"`
	TotalAcked     uint64            `json:"total_acked"`
	TotalDropped   uint64            `json:"total_dropped"`
	Fallbacks      map[string]uint64 `json:"fallbacks,omitempty"`
	LateResults    uint64            `json:"late_results"`
	Breaker        BreakerStats      `json:"breaker"`
	Tracker        TrackerStats      `json:"tracker"`
	Backpressure   BackpressureStats `json:"backpressure"`
	ReconnectTries int               `json:"reconnect_tries"`
}

// NewClient creates a client for one stream session.
func NewClient(cfg config.STSConfig, streamID, workerID, srcLang, dstLang string, handlers Handlers, logger *slog.Logger) *Client {
	l := logger.With(slog.String("component", "sts-client"), slog.String("stream_id", streamID))
	return &Client{
		cfg:      cfg,
		streamID: streamID,
		workerID: workerID,
		srcLang:  srcLang,
		dstLang:  dstLang,
		handlers: handlers,
		logger:   l,
		breaker:  NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, l),
		tracker:  NewTracker(cfg.MaxInflight, cfg.FragmentTimeout, l),
		gate:     NewBackpressureGate(l),
		backoff:  NewBackoff(cfg.ReconnectInitial, cfg.ReconnectMax, cfg.ReconnectJitter, cfg.ReconnectAttempts),
	}
}

// SetFormat records the audio format sent with stream:init and every
// fragment. Must be set before Run establishes the session.
func (c *Client) SetFormat(sampleRate, channels int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.format = AudioFormat{Format: "aac", SampleRateHz: sampleRate, Channels: channels}
}

// Run drives the session until the context is cancelled, the service
// confirms completion, the reconnect budget is exhausted, or the service
// rejects the stream outright. Each established connection resets the
// backoff schedule.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.runSession(ctx)
		c.dropSession(err)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrSessionComplete) {
			return nil
		}

		var svcErr *ServiceError
		if errors.As(err, &svcErr) && !svcErr.Retryable() && svcErr.FragmentID == "" {
			c.logger.Error("service rejected stream, not reconnecting",
				slog.String("code", svcErr.Code))
			return err
		}

		if err := c.backoff.Wait(ctx); err != nil {
			if errors.Is(err, ErrReconnectExhausted) {
				c.logger.Error("reconnect attempts exhausted")
			}
			return err
		}
		c.logger.Info("reconnecting to processing service",
			slog.Int("attempt", c.backoff.Attempt()))
	}
}

// runSession dials, initializes the stream and pumps events until the
// connection drops or the session completes.
func (c *Client) runSession(ctx context.Context) error {
	conn, err := dialSocketIO(ctx, c.cfg.URL, c.cfg.HandshakePath, c.cfg.Namespace, c.cfg.Credentials, c.logger)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	format := c.format
	c.mu.Unlock()

	init := StreamInit{
		StreamID:       c.streamID,
		WorkerID:       c.workerID,
		SourceLanguage: c.srcLang,
		TargetLanguage: c.dstLang,
		MaxInflight:    c.cfg.MaxInflight,
		TimeoutMs:      c.cfg.FragmentTimeout.Milliseconds(),
		Audio:          format,
	}
	if err := conn.Emit(EventStreamInit, init); err != nil {
		conn.Close()
		return err
	}

	// Close the transport when the context ends so NextEvent unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		ev, err := conn.NextEvent()
		if err != nil {
			return err
		}
		if terminal, err := c.dispatch(ev); terminal {
			return err
		}
	}
}

// dispatch handles one service event. A true return ends the session.
func (c *Client) dispatch(ev *event) (bool, error) {
	switch ev.Name {
	case EventStreamReady:
		c.mu.Lock()
		c.ready = true
		c.backoff.Reset()
		c.mu.Unlock()
		c.logger.Info("processing session ready")
		if c.handlers.OnConnected != nil {
			c.handlers.OnConnected()
		}

	case EventFragmentAck:
		var ack FragmentAck
		if err := unmarshalEvent(ev, &ack); err != nil {
			c.logger.Warn("bad fragment ack", slog.String("error", err.Error()))
			return false, nil
		}
		c.mu.Lock()
		c.totalAcked++
		c.mu.Unlock()
		c.logger.Debug("fragment acknowledged",
			slog.String("fragment_id", ack.FragmentID),
			slog.String("status", ack.Status))

	case EventFragmentProcessed:
		var proc FragmentProcessed
		if err := unmarshalEvent(ev, &proc); err != nil {
			c.logger.Warn("bad processed event", slog.String("error", err.Error()))
			return false, nil
		}
		c.handleProcessed(&proc)

	case EventStreamPause:
		c.logger.Info("session paused by service")
		c.gate.Update(&Backpressure{Action: ActionPause})

	case EventStreamResume:
		c.logger.Info("session resumed by service")
		c.gate.Update(&Backpressure{Action: ActionNone})

	case EventBackpressure:
		var bp Backpressure
		if err := unmarshalEvent(ev, &bp); err != nil {
			c.logger.Warn("bad backpressure event", slog.String("error", err.Error()))
			return false, nil
		}
		c.gate.Update(&bp)

	case EventError:
		var se StreamError
		if err := unmarshalEvent(ev, &se); err != nil {
			c.logger.Warn("bad error event", slog.String("error", err.Error()))
			return false, nil
		}
		return c.handleError(&se)

	case EventStreamComplete:
		c.logger.Info("processing session complete")
		return true, ErrSessionComplete

	default:
		c.logger.Debug("ignoring event", slog.String("event", ev.Name))
	}
	return false, nil
}

// handleProcessed resolves one fragment with its dubbed audio. Results for
// fragments already timed out or cleared are dropped.
func (c *Client) handleProcessed(proc *FragmentProcessed) {
	if !c.tracker.Complete(proc.FragmentID) {
		c.mu.Lock()
		c.lateResult++
		c.mu.Unlock()
		c.logger.Warn("dropping late result", slog.String("fragment_id", proc.FragmentID))
		return
	}
	if proc.Status == "failed" {
		code := ""
		retryable := true
		if proc.Error != nil {
			code = proc.Error.Code
			retryable = proc.Error.Err().Retryable()
		}
		c.logger.Warn("fragment processing failed",
			slog.String("fragment_id", proc.FragmentID),
			slog.String("code", code),
			slog.Bool("retryable", retryable))
		if !retryable {
			c.drop(proc.FragmentID, code)
			return
		}
		c.breaker.RecordFailure()
		c.fallback(proc.FragmentID, FallbackServiceError)
		return
	}
	c.breaker.RecordSuccess()

	audio, err := base64.StdEncoding.DecodeString(proc.DubbedAudio.DataBase64)
	if err != nil {
		c.logger.Error("undecodable processed audio",
			slog.String("fragment_id", proc.FragmentID),
			slog.String("error", err.Error()))
		c.fallback(proc.FragmentID, FallbackServiceError)
		return
	}
	if c.handlers.OnProcessed != nil {
		c.handlers.OnProcessed(proc.FragmentID, audio)
	}
}

// handleError classifies a service error. Retryable fragment-scoped errors
// count against the breaker and resolve the fragment as fallback;
// non-retryable ones mean the fragment itself is bad, so it is dropped and
// the breaker left alone. Stream-scoped non-retryable errors terminate the
// session for good.
func (c *Client) handleError(se *StreamError) (bool, error) {
	err := se.Err()
	c.logger.Warn("service error",
		slog.String("code", se.Code),
		slog.String("message", se.Message),
		slog.String("fragment_id", se.FragmentID))

	if se.FragmentID != "" {
		if c.tracker.Complete(se.FragmentID) {
			if err.Retryable() {
				c.breaker.RecordFailure()
				c.fallback(se.FragmentID, FallbackServiceError)
			} else {
				c.drop(se.FragmentID, se.Code)
			}
		}
		return false, nil
	}

	if !err.Retryable() {
		return true, err
	}
	c.breaker.RecordFailure()
	return false, nil
}

// SendFragment submits one audio segment through the send gate. A nil
// return means the fragment is in flight and will resolve asynchronously
// through the handlers; a non-nil return means the caller should route the
// segment to fallback immediately.
func (c *Client) SendFragment(ctx context.Context, seg *segment.Segment) error {
	if int64(len(seg.Payload)) > c.cfg.PayloadLimit.Bytes() {
		return ErrPayloadTooLarge
	}
	if !c.breaker.Allow() {
		return ErrBreakerOpen
	}
	if !c.tracker.HasCapacity() {
		return ErrTrackerFull
	}
	if err := c.gate.Wait(ctx, c.cfg.FragmentTimeout); err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	ready := c.ready
	format := c.format
	c.mu.Unlock()
	if conn == nil || !ready {
		return ErrNotConnected
	}

	id := seg.FragmentID.String()
	seq, ok := c.tracker.Track(id, func(fragmentID string) {
		c.breaker.RecordFailure()
		c.fallback(fragmentID, FallbackTimeout)
	})
	if !ok {
		return ErrTrackerFull
	}

	data := FragmentData{
		FragmentID:     id,
		StreamID:       c.streamID,
		SequenceNumber: seq,
		TimestampMs:    seg.T0 / int64(time.Millisecond),
		Audio: AudioFormat{
			Format:       format.Format,
			SampleRateHz: seg.SampleRate,
			Channels:     seg.Channels,
			DurationMs:   seg.Duration / int64(time.Millisecond),
			DataBase64:   base64.StdEncoding.EncodeToString(seg.Payload),
		},
	}

	if err := conn.Emit(EventFragmentData, data); err != nil {
		c.tracker.Complete(id)
		return err
	}
	c.mu.Lock()
	c.totalSent++
	c.mu.Unlock()
	return nil
}

// End signals that no more fragments will come. The session stays up until
// the service confirms with stream:complete or the context ends.
func (c *Client) End() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Emit(EventStreamEnd, StreamRef{StreamID: c.streamID}); err != nil {
		c.logger.Warn("sending stream end", slog.String("error", err.Error()))
	}
}

// FallbackReason maps a SendFragment error to its fallback reason label.
func FallbackReason(err error) string {
	switch {
	case errors.Is(err, ErrBreakerOpen):
		return FallbackBreakerOpen
	case errors.Is(err, ErrTrackerFull):
		return FallbackWindowFull
	case errors.Is(err, ErrPayloadTooLarge):
		return FallbackPayloadLimit
	case errors.Is(err, ErrNotConnected):
		return FallbackNotConnected
	case errors.Is(err, ErrBackpressureTimeout):
		return FallbackBackpressure
	default:
		return FallbackNotConnected
	}
}

// dropSession tears down connection state after a session ends: pending
// fragments fall back, stale backpressure clears.
func (c *Client) dropSession(err error) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.ready = false
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	for _, id := range c.tracker.Clear() {
		c.fallback(id, FallbackDisconnected)
	}
	c.gate.Reset()

	if c.handlers.OnDisconnected != nil {
		c.handlers.OnDisconnected(err)
	}
}

// drop discards a fragment the service rejected with a non-retryable code.
// No audio is released downstream; the paired video airs alone.
func (c *Client) drop(fragmentID, code string) {
	c.mu.Lock()
	c.totalDropped++
	c.mu.Unlock()
	c.logger.Error("dropping fragment",
		slog.String("fragment_id", fragmentID),
		slog.String("code", code))

	if c.handlers.OnDropped != nil {
		c.handlers.OnDropped(fragmentID, code)
	}
}

// fallback releases one fragment for pass-through.
func (c *Client) fallback(fragmentID, reason string) {
	c.mu.Lock()
	if c.fallbacks == nil {
		c.fallbacks = make(map[string]uint64)
	}
	c.fallbacks[reason]++
	c.mu.Unlock()

	if c.handlers.OnFallback != nil {
		c.handlers.OnFallback(fragmentID, reason)
	}
}

// Ready reports whether the session is established and accepting fragments.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && c.conn != nil
}

// Stats returns a snapshot of the client and its gate components.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	fallbacks := make(map[string]uint64, len(c.fallbacks))
	for k, v := range c.fallbacks {
		fallbacks[k] = v
	}
	st := ClientStats{
		Connected:    c.conn != nil,
		Ready:        c.ready,
		TotalSent:    c.totalSent,
		TotalAcked:   c.totalAcked,
		TotalDropped: c.totalDropped,
		Fallbacks:    fallbacks,
		LateResults:  c.lateResult,
	}
	c.mu.Unlock()

	st.Breaker = c.breaker.Stats()
	st.Tracker = c.tracker.Stats()
	st.Backpressure = c.gate.Stats()
	st.ReconnectTries = c.backoff.Attempt()
	return st
}

// unmarshalEvent decodes an event payload into out.
func unmarshalEvent(ev *event, out any) error {
	if ev.Data == nil {
		return errors.New("event has no payload")
	}
	return json.Unmarshal(ev.Data, out)
}
