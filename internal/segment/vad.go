package segment

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dubrelay/dubrelay/internal/config"
)

// vadState is the audio segmentation state.
type vadState int

const (
	// stateAccumulating collects frames into the current segment.
	stateAccumulating vadState = iota
	// stateInSilence drops frames until voice resumes.
	stateInSilence
)

func (s vadState) String() string {
	switch s {
	case stateAccumulating:
		return "accumulating"
	case stateInSilence:
		return "in_silence"
	default:
		return "unknown"
	}
}

// AudioAccumulator collects AAC access units into voice-bounded segments.
// Frame data and loudness measurements arrive on separate paths sharing one
// pipeline clock: PushFrame carries the encoded audio, Observe carries RMS
// windows measured on a decoded tap of the same stream. A sustained run of
// windows below the silence threshold closes the current segment; frames
// arriving while silent are not forwarded. The maximum duration and memory
// limit bound segments regardless of voice activity.
type AudioAccumulator struct {
	streamID string
	cfg      config.VADConfig
	emit     EmitFunc
	logger   *slog.Logger

	mu           sync.Mutex
	state        vadState
	buf          []byte
	frames       []Frame
	t0           int64
	end          int64
	batch        uint64
	silenceStart int64 // pts of first window in current silence run, -1 outside one
	sampleRate   int
	channels     int

	emittedSilence uint64
	emittedMax     uint64
	emittedMemory  uint64
	emittedFlush   uint64
	droppedSilent  uint64
	discarded      uint64
}

// AudioStats is a point-in-time snapshot of accumulator counters.
type AudioStats struct {
	State           string        `json:"state"`
	EmittedSilence  uint64        `json:"emitted_silence"`
	EmittedMax      uint64        `json:"emitted_max_duration"`
	EmittedMemory   uint64        `json:"emitted_memory_limit"`
	EmittedFlush    uint64        `json:"emitted_flush"`
	DroppedSilent   uint64        `json:"dropped_silent_frames"`
	Discarded       uint64        `json:"discarded"`
	CurrentDuration time.Duration `json:"current_duration"`
}

// NewAudioAccumulator creates an accumulator with the given VAD parameters.
// The configuration is assumed validated.
func NewAudioAccumulator(streamID string, cfg config.VADConfig, emit EmitFunc, logger *slog.Logger) *AudioAccumulator {
	return &AudioAccumulator{
		streamID:     streamID,
		cfg:          cfg,
		emit:         emit,
		logger:       logger.With(slog.String("component", "audio-accumulator"), slog.String("stream_id", streamID)),
		state:        stateAccumulating,
		silenceStart: -1,
	}
}

// SetFormat records the audio format stamped onto emitted segments.
func (a *AudioAccumulator) SetFormat(sampleRate, channels int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sampleRate = sampleRate
	a.channels = channels
}

// PushFrame appends one AAC access unit. Frames arriving while the stream is
// silent are dropped; the next voiced window reopens accumulation.
func (a *AudioAccumulator) PushFrame(au []byte, pts, dur int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == stateInSilence {
		a.droppedSilent++
		return
	}

	if len(a.frames) == 0 {
		a.t0 = pts
		a.end = pts
	}
	off := len(a.buf)
	a.buf = append(a.buf, au...)
	a.frames = append(a.frames, Frame{Offset: off, Length: len(au), PTS: pts, Duration: dur})
	if pts+dur > a.end {
		a.end = pts + dur
	}

	if a.end-a.t0 >= int64(a.cfg.MaxSegment) {
		a.emittedMax++
		a.emitLocked("max_duration")
		return
	}
	if int64(len(a.buf)) >= a.cfg.MemoryLimit.Bytes() {
		a.emittedMemory++
		a.emitLocked("memory_limit")
	}
}

// Observe feeds one loudness window. pts is the window start on the pipeline
// clock, rmsDB the window RMS level in dBFS.
func (a *AudioAccumulator) Observe(pts int64, rmsDB float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	silent := rmsDB < a.cfg.SilenceThresholdDB

	switch a.state {
	case stateAccumulating:
		if !silent {
			a.silenceStart = -1
			return
		}
		if a.silenceStart < 0 {
			a.silenceStart = pts
			return
		}
		held := pts - a.silenceStart
		if held < int64(a.cfg.SilenceDuration) {
			return
		}
		// Silence held long enough. Segments below the minimum stay open
		// until they reach it; an empty accumulation just goes quiet.
		if len(a.frames) == 0 {
			a.state = stateInSilence
			return
		}
		if a.end-a.t0 < int64(a.cfg.MinSegment) {
			return
		}
		a.emittedSilence++
		a.emitLocked("silence")
		a.state = stateInSilence

	case stateInSilence:
		if silent {
			return
		}
		a.logger.Debug("voice resumed", slog.Int64("pts_ns", pts))
		a.state = stateAccumulating
		a.silenceStart = -1
	}
}

// Flush emits whatever is accumulated, used at end of stream. Accumulations
// below the minimum segment duration are discarded.
func (a *AudioAccumulator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.frames) == 0 {
		return
	}
	if a.end-a.t0 < int64(a.cfg.MinSegment) {
		a.discarded++
		a.resetLocked()
		return
	}
	a.emittedFlush++
	a.emitLocked("flush")
}

// emitLocked packages the current accumulation. Callers hold the mutex.
func (a *AudioAccumulator) emitLocked(reason string) {
	seg := newSegment(a.streamID, KindAudio, a.batch, a.t0)
	seg.Duration = a.end - a.t0
	seg.Payload = a.buf
	seg.Frames = a.frames
	seg.SampleRate = a.sampleRate
	seg.Channels = a.channels
	a.batch++
	a.resetLocked()

	a.logger.Debug("audio segment emitted",
		slog.Uint64("batch", seg.BatchNumber),
		slog.Duration("duration", seg.DurationTime()),
		slog.Int("bytes", len(seg.Payload)),
		slog.String("reason", reason))

	a.emit(seg)
}

func (a *AudioAccumulator) resetLocked() {
	a.buf = nil
	a.frames = nil
	a.t0 = 0
	a.end = 0
	a.silenceStart = -1
}

// Stats returns a snapshot of the accumulator counters.
func (a *AudioAccumulator) Stats() AudioStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	var cur time.Duration
	if len(a.frames) > 0 {
		cur = time.Duration(a.end - a.t0)
	}
	return AudioStats{
		State:           a.state.String(),
		EmittedSilence:  a.emittedSilence,
		EmittedMax:      a.emittedMax,
		EmittedMemory:   a.emittedMemory,
		EmittedFlush:    a.emittedFlush,
		DroppedSilent:   a.droppedSilent,
		Discarded:       a.discarded,
		CurrentDuration: cur,
	}
}
