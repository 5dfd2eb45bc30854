// Package segment accumulates demuxed media buffers into duration-bounded,
// monotonically numbered segments. Video segments are keyframe-aligned and
// duration-driven; audio segments are bounded by voice activity detection.
package segment

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the media kind of a segment.
type Kind string

const (
	// KindVideo is an H.264 elementary stream segment.
	KindVideo Kind = "video"
	// KindAudio is an AAC elementary stream segment.
	KindAudio Kind = "audio"
)

// Segment is the unit of work flowing through a worker. The STS-facing name
// for the same thing is "fragment".
type Segment struct {
	// FragmentID uniquely identifies the segment; assigned at emission.
	FragmentID uuid.UUID
	// StreamID is the logical stream this segment belongs to.
	StreamID string
	// Kind is the media kind.
	Kind Kind
	// BatchNumber is a monotonic per-stream, per-kind emission ordinal
	// starting at 0.
	BatchNumber uint64
	// T0 is the presentation timestamp of the first buffer in nanoseconds,
	// taken from the input pipeline clock.
	T0 int64
	// Duration is the accumulated duration in nanoseconds.
	Duration int64
	// Payload holds raw H.264 Annex B access units for video, or raw AAC
	// access units for audio.
	Payload []byte
	// Frames holds per-buffer offsets into Payload together with their
	// timestamps, preserving frame boundaries for remuxing.
	Frames []Frame
	// DubbedPayload is the STS result attached to audio segments. Nil until
	// a fragment:processed event arrives; stays nil on fallback.
	DubbedPayload []byte
	// SampleRate and Channels describe audio payloads.
	SampleRate int
	Channels   int
}

// Frame records one demuxed buffer inside a segment payload.
type Frame struct {
	// Offset and Length locate the buffer inside Payload.
	Offset int
	Length int
	// PTS is the buffer presentation timestamp in nanoseconds.
	PTS int64
	// Duration is the buffer duration in nanoseconds.
	Duration int64
	// Keyframe is set on video buffers carrying a random access point.
	Keyframe bool
}

// End returns the timestamp just past the segment, T0 + Duration.
func (s *Segment) End() int64 {
	return s.T0 + s.Duration
}

// Dubbed reports whether a translated payload is attached.
func (s *Segment) Dubbed() bool {
	return len(s.DubbedPayload) > 0
}

// OutputPayload returns the dubbed payload when present, the original
// otherwise. Fallback pass-through uses the original bytes unchanged.
func (s *Segment) OutputPayload() []byte {
	if s.Dubbed() {
		return s.DubbedPayload
	}
	return s.Payload
}

// Overlap returns the length of the temporal intersection between two
// segments in nanoseconds, or 0 when they do not overlap.
func (s *Segment) Overlap(other *Segment) int64 {
	lo := max(s.T0, other.T0)
	hi := min(s.End(), other.End())
	if hi <= lo {
		return 0
	}
	return hi - lo
}

// DurationTime returns the segment duration as a time.Duration.
func (s *Segment) DurationTime() time.Duration {
	return time.Duration(s.Duration)
}

// EmitFunc receives completed segments. Implementations must not retain the
// payload slice past the call unless they own it; accumulators hand off
// ownership and never touch an emitted payload again.
type EmitFunc func(*Segment)

// newSegment stamps identity fields common to both accumulators.
func newSegment(streamID string, kind Kind, batch uint64, t0 int64) *Segment {
	return &Segment{
		FragmentID:  uuid.New(),
		StreamID:    streamID,
		Kind:        kind,
		BatchNumber: batch,
		T0:          t0,
	}
}
