package handlers

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dubrelay/dubrelay/internal/worker"
)

// WorkersHandler exposes worker inspection and manual lifecycle control.
type WorkersHandler struct {
	control Controller
	logger  *slog.Logger
}

// NewWorkersHandler creates a workers handler.
func NewWorkersHandler(control Controller, logger *slog.Logger) *WorkersHandler {
	return &WorkersHandler{
		control: control,
		logger:  logger.With(slog.String("component", "workers-api")),
	}
}

// ListWorkersInput is the input for the worker list endpoint.
type ListWorkersInput struct{}

// ListWorkersOutput is the output for the worker list endpoint.
type ListWorkersOutput struct {
	Body ListWorkersResponse
}

// ListWorkersResponse holds all worker snapshots.
type ListWorkersResponse struct {
	Workers []worker.Stats `json:"workers" doc:"Stats snapshot per worker, ordered by stream id"`
	Count   int            `json:"count" doc:"Number of workers"`
}

// GetWorkerInput identifies one worker by stream.
type GetWorkerInput struct {
	StreamID string `path:"streamID" doc:"Stream id"`
}

// GetWorkerOutput is the output for the worker detail endpoint.
type GetWorkerOutput struct {
	Body worker.Stats
}

// StartWorkerInput carries optional per-worker overrides.
type StartWorkerInput struct {
	StreamID string `path:"streamID" doc:"Stream id"`
	Body     StartWorkerRequest
}

// StartWorkerRequest overrides worker defaults for one stream.
type StartWorkerRequest struct {
	InputURL       string `json:"input_url,omitempty" doc:"RTMP pull URL override"`
	OutputURL      string `json:"output_url,omitempty" doc:"RTMP publish URL override"`
	SourceLanguage string `json:"source_language,omitempty" doc:"Source language override"`
	TargetLanguage string `json:"target_language,omitempty" doc:"Target language override"`
}

// StopWorkerInput identifies the worker to stop.
type StopWorkerInput struct {
	StreamID string `path:"streamID" doc:"Stream id"`
}

// StopWorkerOutput is the output for the worker stop endpoint.
type StopWorkerOutput struct {
	Body struct {
		Stopped bool `json:"stopped"`
	}
}

// Register registers the worker routes with the API.
func (h *WorkersHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listWorkers",
		Method:      "GET",
		Path:        "/api/v1/workers",
		Summary:     "List workers",
		Tags:        []string{"Workers"},
	}, h.ListWorkers)
	huma.Register(api, huma.Operation{
		OperationID: "getWorker",
		Method:      "GET",
		Path:        "/api/v1/workers/{streamID}",
		Summary:     "Get one worker",
		Tags:        []string{"Workers"},
	}, h.GetWorker)
	huma.Register(api, huma.Operation{
		OperationID: "startWorker",
		Method:      "POST",
		Path:        "/api/v1/workers/{streamID}/start",
		Summary:     "Start a worker",
		Description: "Starts a dubbing worker for the stream. Running workers are returned as-is.",
		Tags:        []string{"Workers"},
	}, h.StartWorker)
	huma.Register(api, huma.Operation{
		OperationID: "stopWorker",
		Method:      "POST",
		Path:        "/api/v1/workers/{streamID}/stop",
		Summary:     "Stop a worker",
		Tags:        []string{"Workers"},
	}, h.StopWorker)
}

// ListWorkers returns a snapshot of every worker.
func (h *WorkersHandler) ListWorkers(ctx context.Context, input *ListWorkersInput) (*ListWorkersOutput, error) {
	stats := h.control.List()
	return &ListWorkersOutput{Body: ListWorkersResponse{
		Workers: stats,
		Count:   len(stats),
	}}, nil
}

// GetWorker returns the snapshot of one worker.
func (h *WorkersHandler) GetWorker(ctx context.Context, input *GetWorkerInput) (*GetWorkerOutput, error) {
	w := h.control.Get(input.StreamID)
	if w == nil {
		return nil, huma.Error404NotFound("no worker for stream " + input.StreamID)
	}
	return &GetWorkerOutput{Body: w.Stats()}, nil
}

// StartWorker starts a worker manually.
func (h *WorkersHandler) StartWorker(ctx context.Context, input *StartWorkerInput) (*GetWorkerOutput, error) {
	w, err := h.control.Start(ctx, worker.Options{
		StreamID:       input.StreamID,
		InputURL:       input.Body.InputURL,
		OutputURL:      input.Body.OutputURL,
		SourceLanguage: input.Body.SourceLanguage,
		TargetLanguage: input.Body.TargetLanguage,
	})
	if err != nil {
		return nil, huma.Error500InternalServerError("starting worker", err)
	}
	h.logger.Info("worker started via API", slog.String("stream_id", input.StreamID))
	return &GetWorkerOutput{Body: w.Stats()}, nil
}

// StopWorker stops a worker manually. Stopping an unknown stream is a
// no-op, mirroring the lifecycle hooks.
func (h *WorkersHandler) StopWorker(ctx context.Context, input *StopWorkerInput) (*StopWorkerOutput, error) {
	if err := h.control.Stop(ctx, input.StreamID); err != nil {
		return nil, huma.Error500InternalServerError("stopping worker", err)
	}
	h.logger.Info("worker stopped via API", slog.String("stream_id", input.StreamID))
	out := &StopWorkerOutput{}
	out.Body.Stopped = true
	return out, nil
}
