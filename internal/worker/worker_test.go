package worker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubrelay/dubrelay/internal/config"
	"github.com/dubrelay/dubrelay/internal/media"
	"github.com/dubrelay/dubrelay/internal/segment"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	var cfg config.Config
	require.NoError(t, v.Unmarshal(&cfg))
	return &cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	return New(testConfig(t), Options{StreamID: "demo"}, "ffmpeg", nil, testLogger())
}

func audioSegment(batch uint64, t0 int64) *segment.Segment {
	return &segment.Segment{
		FragmentID:  uuid.New(),
		StreamID:    "demo",
		Kind:        segment.KindAudio,
		BatchNumber: batch,
		T0:          t0,
		Duration:    int64(2 * time.Second),
		Payload:     []byte{0x01, 0x02},
		Frames:      []segment.Frame{{Offset: 0, Length: 2, PTS: t0, Duration: int64(2 * time.Second)}},
	}
}

func videoSegment(batch uint64, t0 int64) *segment.Segment {
	return &segment.Segment{
		FragmentID:  uuid.New(),
		StreamID:    "demo",
		Kind:        segment.KindVideo,
		BatchNumber: batch,
		T0:          t0,
		Duration:    int64(2 * time.Second),
		Payload:     []byte{0x03, 0x04},
		Frames:      []segment.Frame{{Offset: 0, Length: 2, PTS: t0, Duration: int64(2 * time.Second), Keyframe: true}},
	}
}

func TestWorkerDefaultsFromConfig(t *testing.T) {
	cfg := testConfig(t)
	w := New(cfg, Options{StreamID: "demo"}, "ffmpeg", nil, testLogger())

	assert.Equal(t, "demo", w.StreamID())
	assert.NotEmpty(t, w.ID())
	assert.Equal(t, StateIdle, w.State())
	assert.Equal(t, cfg.Worker.SourceLanguage, w.opts.SourceLanguage)
	assert.Equal(t, cfg.Worker.TargetLanguage, w.opts.TargetLanguage)
	assert.Equal(t, cfg.MediaMTX.InputURL("demo"), w.opts.InputURL)
	assert.Equal(t, cfg.MediaMTX.OutputURL("demo"), w.opts.OutputURL)
}

func TestWorkerOptionOverrides(t *testing.T) {
	w := New(testConfig(t), Options{
		StreamID:       "demo",
		InputURL:       "rtmp://elsewhere/in",
		OutputURL:      "rtmp://elsewhere/out",
		SourceLanguage: "ja",
		TargetLanguage: "de",
	}, "ffmpeg", nil, testLogger())

	st := w.Stats()
	assert.Equal(t, "ja", st.SourceLanguage)
	assert.Equal(t, "de", st.TargetLanguage)
	assert.Equal(t, "rtmp://elsewhere/in", w.opts.InputURL)
}

// With no processing session the send gate rejects immediately and the
// segment passes through untranslated.
func TestWorkerAudioFallsBackWhenDisconnected(t *testing.T) {
	w := newTestWorker(t)

	w.onAudioSegment(audioSegment(0, 0))

	st := w.Stats()
	assert.Equal(t, uint64(1), st.SegmentsFallback)
	assert.Zero(t, st.SegmentsDubbed)
	assert.Empty(t, w.pending)
	assert.Equal(t, 1, st.Sync.AudioBuffered)
}

func TestWorkerPairsFallbackAudioWithVideo(t *testing.T) {
	w := newTestWorker(t)

	w.onAudioSegment(audioSegment(0, 0))
	w.onVideoSegment(videoSegment(0, 0))

	st := w.Stats()
	assert.Equal(t, uint64(1), st.Sync.PairsEmitted)
	assert.Zero(t, st.Sync.VideoBuffered)
	assert.Zero(t, st.Sync.AudioBuffered)
}

// The accumulator Push methods plug straight into the input pipeline
// callbacks; this pins the payload-first signatures together.
func TestWorkerInputCallbackWiring(t *testing.T) {
	w := newTestWorker(t)

	cfg := media.InputConfig{
		OnVideo: w.video.Push,
		OnAudio: w.audio.PushFrame,
	}
	cfg.OnVideo([]byte{0x01}, 0, int64(time.Second), true)
	cfg.OnAudio([]byte{0x02}, 0, int64(20*time.Millisecond))

	assert.Equal(t, time.Second, w.video.Stats().CurrentDuration)
	assert.Equal(t, 20*time.Millisecond, w.audio.Stats().CurrentDuration)
}

func TestWorkerDroppedSegmentNotReleased(t *testing.T) {
	w := newTestWorker(t)

	seg := audioSegment(0, 0)
	w.mu.Lock()
	w.pending[seg.FragmentID.String()] = seg
	w.mu.Unlock()

	w.onDropped(seg.FragmentID.String(), "INVALID_CONFIG")

	st := w.Stats()
	assert.Equal(t, uint64(1), st.SegmentsDropped)
	assert.Zero(t, st.SegmentsFallback)
	assert.Zero(t, st.Sync.AudioBuffered, "dropped audio must not reach the synchronizer")
	assert.Empty(t, w.pending)
}

func TestWorkerProcessedAttachesDubbedAudio(t *testing.T) {
	w := newTestWorker(t)

	seg := audioSegment(0, 0)
	w.mu.Lock()
	w.pending[seg.FragmentID.String()] = seg
	w.mu.Unlock()

	dubbed := []byte{0xAA, 0xBB, 0xCC}
	w.onProcessed(seg.FragmentID.String(), dubbed)

	assert.Equal(t, dubbed, seg.DubbedPayload)
	st := w.Stats()
	assert.Equal(t, uint64(1), st.SegmentsDubbed)
	assert.Empty(t, w.pending)
}

func TestWorkerProcessedUnknownFragmentIgnored(t *testing.T) {
	w := newTestWorker(t)

	w.onProcessed(uuid.NewString(), []byte{0x01})

	st := w.Stats()
	assert.Zero(t, st.SegmentsDubbed)
	assert.Zero(t, st.Sync.AudioBuffered)
}

func TestWorkerFlushPendingReleasesAll(t *testing.T) {
	w := newTestWorker(t)

	for i := uint64(0); i < 3; i++ {
		seg := audioSegment(i, int64(i)*int64(2*time.Second))
		w.mu.Lock()
		w.pending[seg.FragmentID.String()] = seg
		w.mu.Unlock()
	}

	w.flushPending()

	st := w.Stats()
	assert.Equal(t, uint64(3), st.SegmentsFallback)
	assert.Empty(t, w.pending)
}

func TestWorkerStopWithoutStart(t *testing.T) {
	w := newTestWorker(t)
	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, StateIdle, w.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(99).String())
}
