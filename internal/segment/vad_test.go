package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubrelay/dubrelay/internal/config"
)

func testVADConfig() config.VADConfig {
	return config.VADConfig{
		Window:             100 * time.Millisecond,
		SilenceThresholdDB: -50,
		SilenceDuration:    time.Second,
		MinSegment:         time.Second,
		MaxSegment:         15 * time.Second,
		MemoryLimit:        10 * 1024 * 1024,
	}
}

// feedVoiced pushes n 100ms frames starting at startMs together with voiced
// loudness windows at the same timestamps.
func feedVoiced(a *AudioAccumulator, startMs, n int) {
	for i := 0; i < n; i++ {
		pts := int64(startMs+i*100) * int64(time.Millisecond)
		a.Observe(pts, -20)
		a.PushFrame([]byte{0xff, 0xf1, byte(i)}, pts, int64(100*time.Millisecond))
	}
}

// feedSilent pushes n 100ms frames with sub-threshold windows.
func feedSilent(a *AudioAccumulator, startMs, n int) {
	for i := 0; i < n; i++ {
		pts := int64(startMs+i*100) * int64(time.Millisecond)
		a.Observe(pts, -70)
		a.PushFrame([]byte{0xff, 0xf1, byte(i)}, pts, int64(100*time.Millisecond))
	}
}

func TestAudioAccumulatorEmitsOnSilence(t *testing.T) {
	var got []*Segment
	a := NewAudioAccumulator("demo", testVADConfig(), func(s *Segment) { got = append(got, s) }, testLogger())
	a.SetFormat(44100, 2)

	feedVoiced(a, 0, 30)   // 3s of speech
	feedSilent(a, 3000, 12) // 1.2s of silence

	require.Len(t, got, 1)
	s := got[0]
	assert.Equal(t, KindAudio, s.Kind)
	assert.Equal(t, uint64(0), s.BatchNumber)
	assert.Equal(t, int64(0), s.T0)
	assert.Equal(t, 44100, s.SampleRate)
	assert.Equal(t, 2, s.Channels)
	// The trailing silence run up to the hold point stays in the segment.
	assert.GreaterOrEqual(t, s.DurationTime(), 3*time.Second)
	assert.Equal(t, "in_silence", a.Stats().State)
}

func TestAudioAccumulatorDropsFramesWhileSilent(t *testing.T) {
	var got []*Segment
	a := NewAudioAccumulator("demo", testVADConfig(), func(s *Segment) { got = append(got, s) }, testLogger())

	feedVoiced(a, 0, 20)
	feedSilent(a, 2000, 50) // 5s of silence, well past the hold

	require.Len(t, got, 1)
	assert.Positive(t, a.Stats().DroppedSilent)
}

func TestAudioAccumulatorResumesAfterSilence(t *testing.T) {
	var got []*Segment
	a := NewAudioAccumulator("demo", testVADConfig(), func(s *Segment) { got = append(got, s) }, testLogger())

	feedVoiced(a, 0, 20)
	feedSilent(a, 2000, 30)
	feedVoiced(a, 5000, 20)
	feedSilent(a, 7000, 30)

	require.Len(t, got, 2)
	assert.Equal(t, uint64(0), got[0].BatchNumber)
	assert.Equal(t, uint64(1), got[1].BatchNumber)
	// The second segment starts where voice resumed, not where it left off.
	assert.Equal(t, int64(5*time.Second), got[1].T0)
}

func TestAudioAccumulatorMaxDuration(t *testing.T) {
	var got []*Segment
	a := NewAudioAccumulator("demo", testVADConfig(), func(s *Segment) { got = append(got, s) }, testLogger())

	// 20s of continuous speech with no silence at all.
	feedVoiced(a, 0, 200)

	require.NotEmpty(t, got)
	assert.Equal(t, 15*time.Second, got[0].DurationTime())
	assert.Equal(t, uint64(1), a.Stats().EmittedMax)
	assert.Equal(t, "accumulating", a.Stats().State)
}

func TestAudioAccumulatorMemoryLimit(t *testing.T) {
	cfg := testVADConfig()
	cfg.MemoryLimit = 1024
	var got []*Segment
	a := NewAudioAccumulator("demo", cfg, func(s *Segment) { got = append(got, s) }, testLogger())

	frame := make([]byte, 300)
	for i := 0; i < 5; i++ {
		pts := int64(i*100) * int64(time.Millisecond)
		a.Observe(pts, -20)
		a.PushFrame(frame, pts, int64(100*time.Millisecond))
	}

	require.Len(t, got, 1)
	assert.GreaterOrEqual(t, len(got[0].Payload), 1024)
	assert.Equal(t, uint64(1), a.Stats().EmittedMemory)
}

func TestAudioAccumulatorHoldsBelowMinimum(t *testing.T) {
	var got []*Segment
	a := NewAudioAccumulator("demo", testVADConfig(), func(s *Segment) { got = append(got, s) }, testLogger())

	// 500ms of speech then a long silence: the segment is below the 1s
	// minimum, so it stays open until enough audio accumulates.
	feedVoiced(a, 0, 5)
	for i := 0; i < 15; i++ {
		pts := int64(500+i*100) * int64(time.Millisecond)
		a.Observe(pts, -70)
	}
	require.Empty(t, got)

	// More speech arrives, then silence again. One segment covering both
	// bursts comes out.
	feedVoiced(a, 2000, 10)
	feedSilent(a, 3000, 12)

	require.Len(t, got, 1)
	assert.Equal(t, int64(0), got[0].T0)
}

func TestAudioAccumulatorFlush(t *testing.T) {
	var got []*Segment
	a := NewAudioAccumulator("demo", testVADConfig(), func(s *Segment) { got = append(got, s) }, testLogger())

	feedVoiced(a, 0, 20)
	a.Flush()

	require.Len(t, got, 1)
	assert.Equal(t, 2*time.Second, got[0].DurationTime())
	assert.Equal(t, uint64(1), a.Stats().EmittedFlush)
}

func TestAudioAccumulatorFlushDiscardsShort(t *testing.T) {
	var got []*Segment
	a := NewAudioAccumulator("demo", testVADConfig(), func(s *Segment) { got = append(got, s) }, testLogger())

	feedVoiced(a, 0, 5) // 500ms, below minimum
	a.Flush()

	require.Empty(t, got)
	assert.Equal(t, uint64(1), a.Stats().Discarded)
}

func TestAudioAccumulatorPayloadBytes(t *testing.T) {
	var got []*Segment
	a := NewAudioAccumulator("demo", testVADConfig(), func(s *Segment) { got = append(got, s) }, testLogger())

	a.Observe(0, -20)
	a.PushFrame([]byte{0x01, 0x02}, 0, int64(time.Second))
	a.Observe(int64(time.Second), -20)
	a.PushFrame([]byte{0x03}, int64(time.Second), int64(time.Second))
	a.Flush()

	require.Len(t, got, 1)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got[0].Payload)
	require.Len(t, got[0].Frames, 2)
}
