package segment

import (
	"log/slog"
	"sync"
	"time"
)

// VideoAccumulator collects H.264 access units into segments of roughly the
// target duration. Segments always start on a keyframe: once the target is
// reached the accumulator keeps appending until the next keyframe arrives,
// which closes the segment and seeds the next one. A hard cap of twice the
// target bounds sparse-keyframe inputs.
type VideoAccumulator struct {
	streamID  string
	target    int64 // ns
	tolerance int64 // ns below target at which a keyframe may cut
	minCut    int64 // ns, floor for boundary-requested cuts
	emit      EmitFunc
	logger    *slog.Logger

	mu           sync.Mutex
	started      bool
	waitKeyframe bool // dropped mid-GOP, resync on next keyframe
	buf          []byte
	frames       []Frame
	t0           int64
	end          int64
	batch        uint64
	cutRequested bool

	emitted       uint64
	boundaryCuts  uint64
	forcedCuts    uint64
	droppedFrames uint64
	discarded     uint64
}

// VideoStats is a point-in-time snapshot of accumulator counters.
type VideoStats struct {
	SegmentsEmitted uint64        `json:"segments_emitted"`
	BoundaryCuts    uint64        `json:"boundary_cuts"`
	ForcedCuts      uint64        `json:"forced_cuts"`
	DroppedFrames   uint64        `json:"dropped_frames"`
	Discarded       uint64        `json:"discarded"`
	CurrentDuration time.Duration `json:"current_duration"`
}

// NewVideoAccumulator creates an accumulator targeting the given segment
// duration. The tolerance narrows the window in which a keyframe is allowed
// to close a segment slightly early.
func NewVideoAccumulator(streamID string, target, tolerance time.Duration, emit EmitFunc, logger *slog.Logger) *VideoAccumulator {
	return &VideoAccumulator{
		streamID:     streamID,
		target:       int64(target),
		tolerance:    int64(tolerance),
		minCut:       int64(time.Second),
		emit:         emit,
		logger:       logger.With(slog.String("component", "video-accumulator"), slog.String("stream_id", streamID)),
		waitKeyframe: true,
	}
}

// Push appends one access unit. pts and dur are nanoseconds on the input
// pipeline clock. Emission happens synchronously inside Push when a boundary
// is crossed.
func (a *VideoAccumulator) Push(au []byte, pts, dur int64, keyframe bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.waitKeyframe {
		if !keyframe {
			a.droppedFrames++
			return
		}
		a.waitKeyframe = false
	}

	if keyframe && a.started && a.cutDue() {
		a.emitLocked(false)
	}

	if !a.started {
		a.started = true
		a.t0 = pts
		a.end = pts
	}

	off := len(a.buf)
	a.buf = append(a.buf, au...)
	a.frames = append(a.frames, Frame{
		Offset:   off,
		Length:   len(au),
		PTS:      pts,
		Duration: dur,
		Keyframe: keyframe,
	})
	if pts+dur > a.end {
		a.end = pts + dur
	}

	// Sparse keyframes: never let a segment grow past twice the target.
	// The forced cut lands mid-GOP, so frames are dropped until the next
	// keyframe to keep segments decodable from their first byte.
	if a.end-a.t0 >= 2*a.target {
		a.logger.Warn("forcing segment cut, no keyframe within bound",
			slog.Duration("duration", time.Duration(a.end-a.t0)))
		a.forcedCuts++
		a.emitLocked(true)
		a.waitKeyframe = true
	}
}

// cutDue reports whether the current accumulation should close at the next
// keyframe. Callers hold the mutex.
func (a *VideoAccumulator) cutDue() bool {
	elapsed := a.end - a.t0
	if elapsed >= a.target-a.tolerance {
		return true
	}
	if a.cutRequested && elapsed >= a.minCut {
		a.boundaryCuts++
		return true
	}
	return false
}

// RequestCut asks the accumulator to close the current segment at the next
// keyframe, provided at least the minimum duration has accumulated. Audio
// segmentation calls this on every emission so video and audio batch numbers
// stay paired.
func (a *VideoAccumulator) RequestCut() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cutRequested = true
}

// Flush emits whatever is accumulated, used at end of stream. Accumulations
// shorter than the minimum cut are discarded.
func (a *VideoAccumulator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return
	}
	if a.end-a.t0 < a.minCut {
		a.discarded++
		a.reset()
		return
	}
	a.emitLocked(false)
}

// emitLocked packages the current accumulation and hands it off. Callers
// hold the mutex.
func (a *VideoAccumulator) emitLocked(forced bool) {
	seg := newSegment(a.streamID, KindVideo, a.batch, a.t0)
	seg.Duration = a.end - a.t0
	seg.Payload = a.buf
	seg.Frames = a.frames
	a.batch++
	a.emitted++
	a.reset()

	a.logger.Debug("video segment emitted",
		slog.Uint64("batch", seg.BatchNumber),
		slog.Duration("duration", seg.DurationTime()),
		slog.Int("bytes", len(seg.Payload)),
		slog.Bool("forced", forced))

	a.emit(seg)
}

func (a *VideoAccumulator) reset() {
	a.started = false
	a.buf = nil
	a.frames = nil
	a.t0 = 0
	a.end = 0
	a.cutRequested = false
}

// Stats returns a snapshot of the accumulator counters.
func (a *VideoAccumulator) Stats() VideoStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	var cur time.Duration
	if a.started {
		cur = time.Duration(a.end - a.t0)
	}
	return VideoStats{
		SegmentsEmitted: a.emitted,
		BoundaryCuts:    a.boundaryCuts,
		ForcedCuts:      a.forcedCuts,
		DroppedFrames:   a.droppedFrames,
		Discarded:       a.discarded,
		CurrentDuration: cur,
	}
}
