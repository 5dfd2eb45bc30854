package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubrelay/dubrelay/internal/config"
	"github.com/dubrelay/dubrelay/internal/worker"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	var cfg config.Config
	require.NoError(t, v.Unmarshal(&cfg))
	return &cfg
}

// fakeController records lifecycle calls without running real pipelines.
type fakeController struct {
	cfg      *config.Config
	started  []worker.Options
	stopped  []string
	startErr error
	stats    []worker.Stats
}

func (f *fakeController) Start(ctx context.Context, opts worker.Options) (*worker.Worker, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, opts)
	return worker.New(f.cfg, opts, "ffmpeg", nil, testLogger()), nil
}

func (f *fakeController) Stop(ctx context.Context, streamID string) error {
	f.stopped = append(f.stopped, streamID)
	return nil
}

func (f *fakeController) Get(streamID string) *worker.Worker { return nil }
func (f *fakeController) List() []worker.Stats               { return f.stats }
func (f *fakeController) Count() int                         { return len(f.stats) }

func newHooksFixture(t *testing.T) (*HooksHandler, *fakeController) {
	t.Helper()
	ctrl := &fakeController{cfg: testConfig(t)}
	return NewHooksHandler("live", ctrl, testLogger()), ctrl
}

func TestHooksReadyStartsWorker(t *testing.T) {
	h, ctrl := newHooksFixture(t)

	out, err := h.StreamReady(context.Background(), &HookInput{Body: HookEvent{Path: "live/mystream/in"}})
	require.NoError(t, err)
	assert.True(t, out.Body.Accepted)
	assert.Equal(t, "mystream", out.Body.StreamID)
	require.Len(t, ctrl.started, 1)
	assert.Equal(t, "mystream", ctrl.started[0].StreamID)
}

func TestHooksNotReadyStopsWorker(t *testing.T) {
	h, ctrl := newHooksFixture(t)

	out, err := h.StreamNotReady(context.Background(), &HookInput{Body: HookEvent{Path: "live/mystream/in"}})
	require.NoError(t, err)
	assert.True(t, out.Body.Accepted)
	assert.Equal(t, []string{"mystream"}, ctrl.stopped)
}

func TestHooksIgnoresPublishLeg(t *testing.T) {
	h, ctrl := newHooksFixture(t)

	out, err := h.StreamReady(context.Background(), &HookInput{Body: HookEvent{Path: "live/mystream/out"}})
	require.NoError(t, err)
	assert.False(t, out.Body.Accepted)
	assert.Equal(t, "publish leg", out.Body.Reason)
	assert.Empty(t, ctrl.started)
}

func TestHooksIgnoresForeignApp(t *testing.T) {
	h, ctrl := newHooksFixture(t)

	out, err := h.StreamReady(context.Background(), &HookInput{Body: HookEvent{Path: "vod/mystream/in"}})
	require.NoError(t, err)
	assert.False(t, out.Body.Accepted)
	assert.Equal(t, "foreign app", out.Body.Reason)
	assert.Empty(t, ctrl.started)
}

// The router sends camelCase field names; the event must decode them.
func TestHookEventDecodesRouterFields(t *testing.T) {
	var ev HookEvent
	raw := `{"path":"live/mystream/in","query":"lang=zh","sourceType":"rtmpConn","sourceId":"c1"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	assert.Equal(t, "live/mystream/in", ev.Path)
	assert.Equal(t, "lang=zh", ev.Query)
	assert.Equal(t, "rtmpConn", ev.SourceType)
	assert.Equal(t, "c1", ev.SourceID)
}

func TestHooksIgnoresMalformedPaths(t *testing.T) {
	h, ctrl := newHooksFixture(t)

	for _, path := range []string{"", "live", "live/mystream", "live/my stream/in", "live/mystream/in/extra"} {
		out, err := h.StreamReady(context.Background(), &HookInput{Body: HookEvent{Path: path}})
		require.NoError(t, err)
		assert.False(t, out.Body.Accepted, "path %q", path)
	}
	assert.Empty(t, ctrl.started)
}
