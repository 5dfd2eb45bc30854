package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubrelay/dubrelay/internal/worker"
)

func newWorkersFixture(t *testing.T) (*WorkersHandler, *fakeController) {
	t.Helper()
	ctrl := &fakeController{cfg: testConfig(t)}
	return NewWorkersHandler(ctrl, testLogger()), ctrl
}

func TestListWorkersEmpty(t *testing.T) {
	h, _ := newWorkersFixture(t)

	out, err := h.ListWorkers(context.Background(), &ListWorkersInput{})
	require.NoError(t, err)
	assert.Zero(t, out.Body.Count)
	assert.Empty(t, out.Body.Workers)
}

func TestListWorkersReturnsSnapshots(t *testing.T) {
	h, ctrl := newWorkersFixture(t)
	ctrl.stats = []worker.Stats{
		{StreamID: "alpha", State: "running"},
		{StreamID: "bravo", State: "stopping"},
	}

	out, err := h.ListWorkers(context.Background(), &ListWorkersInput{})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Body.Count)
	assert.Equal(t, "alpha", out.Body.Workers[0].StreamID)
}

func TestGetWorkerNotFound(t *testing.T) {
	h, _ := newWorkersFixture(t)

	_, err := h.GetWorker(context.Background(), &GetWorkerInput{StreamID: "nope"})
	assert.Error(t, err)
}

func TestStartWorkerPassesOverrides(t *testing.T) {
	h, ctrl := newWorkersFixture(t)

	out, err := h.StartWorker(context.Background(), &StartWorkerInput{
		StreamID: "demo",
		Body: StartWorkerRequest{
			SourceLanguage: "ja",
			TargetLanguage: "de",
			InputURL:       "rtmp://elsewhere/in",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "demo", out.Body.StreamID)
	assert.Equal(t, "ja", out.Body.SourceLanguage)
	require.Len(t, ctrl.started, 1)
	assert.Equal(t, "rtmp://elsewhere/in", ctrl.started[0].InputURL)
}

func TestStartWorkerError(t *testing.T) {
	h, ctrl := newWorkersFixture(t)
	ctrl.startErr = errors.New("boom")

	_, err := h.StartWorker(context.Background(), &StartWorkerInput{StreamID: "demo"})
	assert.Error(t, err)
}

func TestStopWorker(t *testing.T) {
	h, ctrl := newWorkersFixture(t)

	out, err := h.StopWorker(context.Background(), &StopWorkerInput{StreamID: "demo"})
	require.NoError(t, err)
	assert.True(t, out.Body.Stopped)
	assert.Equal(t, []string{"demo"}, ctrl.stopped)
}
