package segment

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pushSeconds feeds n one-second access units starting at startSec, with a
// keyframe every gop frames.
func pushSeconds(a *VideoAccumulator, startSec, n, gop int) {
	for i := 0; i < n; i++ {
		pts := int64(startSec+i) * int64(time.Second)
		a.Push([]byte{0x00, 0x00, 0x01, byte(i)}, pts, int64(time.Second), i%gop == 0)
	}
}

func TestVideoAccumulatorCutsOnKeyframeAfterTarget(t *testing.T) {
	var got []*Segment
	a := NewVideoAccumulator("demo", 5*time.Second, 100*time.Millisecond,
		func(s *Segment) { got = append(got, s) }, testLogger())

	// Keyframe every 2s. Target is reached at 5s of accumulation; the cut
	// waits for the keyframe at t=6s.
	pushSeconds(a, 0, 14, 2)

	require.Len(t, got, 2)
	assert.Equal(t, uint64(0), got[0].BatchNumber)
	assert.Equal(t, uint64(1), got[1].BatchNumber)
	assert.Equal(t, int64(0), got[0].T0)
	assert.Equal(t, 6*time.Second, got[0].DurationTime())
	assert.Equal(t, int64(6*time.Second), got[1].T0)
	assert.True(t, got[0].Frames[0].Keyframe)
	assert.True(t, got[1].Frames[0].Keyframe)
}

func TestVideoAccumulatorDurationBounds(t *testing.T) {
	target := 5 * time.Second
	var got []*Segment
	a := NewVideoAccumulator("demo", target, 100*time.Millisecond,
		func(s *Segment) { got = append(got, s) }, testLogger())

	pushSeconds(a, 0, 60, 3)
	a.Flush()

	require.NotEmpty(t, got)
	for _, s := range got {
		assert.GreaterOrEqual(t, s.DurationTime(), target-100*time.Millisecond)
		assert.LessOrEqual(t, s.DurationTime(), 2*target)
	}
}

func TestVideoAccumulatorDropsLeadingNonKeyframes(t *testing.T) {
	var got []*Segment
	a := NewVideoAccumulator("demo", 5*time.Second, 100*time.Millisecond,
		func(s *Segment) { got = append(got, s) }, testLogger())

	a.Push([]byte{0x01}, 0, int64(time.Second), false)
	a.Push([]byte{0x02}, int64(time.Second), int64(time.Second), false)
	a.Push([]byte{0x03}, 2*int64(time.Second), int64(500*time.Millisecond), true)
	a.Flush()

	require.Empty(t, got, "below minimum cut, flush discards")
	st := a.Stats()
	assert.Equal(t, uint64(2), st.DroppedFrames)
	assert.Equal(t, uint64(1), st.Discarded)
}

func TestVideoAccumulatorFlushKeepsMinimumPartial(t *testing.T) {
	var got []*Segment
	a := NewVideoAccumulator("demo", 5*time.Second, 100*time.Millisecond,
		func(s *Segment) { got = append(got, s) }, testLogger())

	// Exactly the minimum cut accumulated: flush emits instead of discarding.
	a.Push([]byte{0x01}, 0, int64(time.Second), true)
	a.Flush()

	require.Len(t, got, 1)
	assert.Equal(t, time.Second, got[0].DurationTime())
	assert.Zero(t, a.Stats().Discarded)
}

func TestVideoAccumulatorForcedCutWithoutKeyframe(t *testing.T) {
	var got []*Segment
	a := NewVideoAccumulator("demo", 5*time.Second, 100*time.Millisecond,
		func(s *Segment) { got = append(got, s) }, testLogger())

	// Single keyframe at t=0, then nothing but delta frames. The hard cap
	// fires at twice the target.
	a.Push([]byte{0xaa}, 0, int64(time.Second), true)
	for i := 1; i < 15; i++ {
		a.Push([]byte{byte(i)}, int64(i)*int64(time.Second), int64(time.Second), false)
	}

	require.Len(t, got, 1)
	assert.Equal(t, 10*time.Second, got[0].DurationTime())
	st := a.Stats()
	assert.Equal(t, uint64(1), st.ForcedCuts)
	assert.Positive(t, st.DroppedFrames, "mid-GOP frames after the forced cut are dropped")
}

func TestVideoAccumulatorRequestCut(t *testing.T) {
	var got []*Segment
	a := NewVideoAccumulator("demo", 30*time.Second, 100*time.Millisecond,
		func(s *Segment) { got = append(got, s) }, testLogger())

	// Only 3s accumulated, far from the 30s target. A requested cut closes
	// at the next keyframe anyway.
	pushSeconds(a, 0, 3, 1)
	a.RequestCut()
	pushSeconds(a, 3, 2, 1)

	require.Len(t, got, 1)
	assert.Equal(t, 3*time.Second, got[0].DurationTime())
	assert.Equal(t, uint64(1), a.Stats().BoundaryCuts)
}

func TestVideoAccumulatorRequestCutHonorsMinimum(t *testing.T) {
	var got []*Segment
	a := NewVideoAccumulator("demo", 30*time.Second, 100*time.Millisecond,
		func(s *Segment) { got = append(got, s) }, testLogger())

	// Cut requested with under a second accumulated: the keyframe at 500ms
	// must not close the segment yet.
	a.Push([]byte{0x01}, 0, int64(500*time.Millisecond), true)
	a.RequestCut()
	a.Push([]byte{0x02}, int64(500*time.Millisecond), int64(500*time.Millisecond), true)
	require.Empty(t, got)

	a.Push([]byte{0x03}, int64(time.Second), int64(500*time.Millisecond), true)
	require.Len(t, got, 1)
	assert.Equal(t, time.Second, got[0].DurationTime())
}

func TestVideoAccumulatorMonotonicBatches(t *testing.T) {
	var batches []uint64
	a := NewVideoAccumulator("demo", 5*time.Second, 100*time.Millisecond,
		func(s *Segment) { batches = append(batches, s.BatchNumber) }, testLogger())

	pushSeconds(a, 0, 40, 1)
	a.Flush()

	require.NotEmpty(t, batches)
	for i, b := range batches {
		assert.Equal(t, uint64(i), b)
	}
}

func TestVideoAccumulatorPayloadFrames(t *testing.T) {
	var got []*Segment
	a := NewVideoAccumulator("demo", 2*time.Second, 100*time.Millisecond,
		func(s *Segment) { got = append(got, s) }, testLogger())

	a.Push([]byte{0x10, 0x11}, 0, int64(time.Second), true)
	a.Push([]byte{0x20}, int64(time.Second), int64(time.Second), false)
	a.Push([]byte{0x30}, 2*int64(time.Second), int64(time.Second), true)

	require.Len(t, got, 1)
	s := got[0]
	assert.Equal(t, []byte{0x10, 0x11, 0x20}, s.Payload)
	require.Len(t, s.Frames, 2)
	assert.Equal(t, s.Frames[0].Length, 2)
	assert.Equal(t, []byte{0x20}, s.Payload[s.Frames[1].Offset:s.Frames[1].Offset+s.Frames[1].Length])
	assert.NotEqual(t, s.FragmentID.String(), "00000000-0000-0000-0000-000000000000")
}
