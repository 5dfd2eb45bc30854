package sts

// Socket.IO event names exchanged with the processing service.
const (
	EventStreamInit     = "stream:init"
	EventStreamReady    = "stream:ready"
	EventStreamPause    = "stream:pause"
	EventStreamResume   = "stream:resume"
	EventStreamEnd      = "stream:end"
	EventStreamComplete = "stream:complete"

	EventFragmentData      = "fragment:data"
	EventFragmentAck       = "fragment:ack"
	EventFragmentProcessed = "fragment:processed"

	EventBackpressure = "backpressure"
	EventError        = "error"
)

// AudioFormat describes an audio payload on the wire. Data travels as
// base64-encoded raw AAC access units.
type AudioFormat struct {
	Format       string `json:"format"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
	DataBase64   string `json:"data_base64,omitempty"`
}

// StreamInit opens a processing session for one stream. The in-flight cap
// and per-fragment timeout are declared up front so the service can size its
// queue.
type StreamInit struct {
	StreamID       string      `json:"stream_id"`
	WorkerID       string      `json:"worker_id"`
	SourceLanguage string      `json:"source_language"`
	TargetLanguage string      `json:"target_language"`
	MaxInflight    int         `json:"max_inflight"`
	TimeoutMs      int64       `json:"timeout_ms"`
	Audio          AudioFormat `json:"audio"`
}

// StreamRef carries just the stream identity, used by ready, pause, resume,
// end and complete events.
type StreamRef struct {
	StreamID string `json:"stream_id"`
}

// FragmentData carries one audio segment to the service. The sequence
// number is the tracker's monotonic send counter, distinct from the
// segment's batch number.
type FragmentData struct {
	FragmentID     string      `json:"fragment_id"`
	StreamID       string      `json:"stream_id"`
	SequenceNumber uint64      `json:"sequence_number"`
	TimestampMs    int64       `json:"timestamp_ms"`
	Audio          AudioFormat `json:"audio"`
}

// FragmentAck acknowledges receipt of a fragment. Receipt only; processing
// completes later with fragment:processed.
type FragmentAck struct {
	FragmentID string `json:"fragment_id"`
	StreamID   string `json:"stream_id,omitempty"`
	Status     string `json:"status,omitempty"` // queued, processing
}

// FragmentProcessed returns the dubbed audio for a fragment. The result may
// be longer or shorter than the input. Status "failed" carries an error
// instead of audio.
type FragmentProcessed struct {
	FragmentID       string       `json:"fragment_id"`
	StreamID         string       `json:"stream_id"`
	SequenceNumber   uint64       `json:"sequence_number,omitempty"`
	Status           string       `json:"status,omitempty"` // success, partial, failed
	DubbedAudio      AudioFormat  `json:"dubbed_audio"`
	Error            *StreamError `json:"error,omitempty"`
	ProcessingTimeMs int64        `json:"processing_time_ms,omitempty"`
}

// Backpressure actions and severities.
const (
	ActionSlowDown = "slow_down"
	ActionPause    = "pause"
	ActionNone     = "none"

	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Backpressure asks the client to slow down, pause, or resume sending. The
// recommended delay is optional; absent, the severity picks a default.
type Backpressure struct {
	StreamID           string `json:"stream_id,omitempty"`
	Severity           string `json:"severity,omitempty"`
	Action             string `json:"action"`
	CurrentInflight    int    `json:"current_inflight,omitempty"`
	RecommendedDelayMs *int64 `json:"recommended_delay_ms,omitempty"`
}

// StreamError reports a service-side failure, optionally tied to a
// fragment. When the service states retryability explicitly it wins over
// the local code classification.
type StreamError struct {
	StreamID   string `json:"stream_id,omitempty"`
	FragmentID string `json:"fragment_id,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Severity   string `json:"severity,omitempty"`
	Retryable  *bool  `json:"retryable,omitempty"`
}

// Err converts the wire payload to a ServiceError.
func (e *StreamError) Err() *ServiceError {
	return &ServiceError{
		Code:       e.Code,
		Message:    e.Message,
		FragmentID: e.FragmentID,
		retryable:  e.Retryable,
	}
}
