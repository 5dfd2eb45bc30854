package handlers

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dubrelay/dubrelay/internal/worker"
)

// pathPattern matches media-router paths of the form app/stream/leg.
var pathPattern = regexp.MustCompile(`^([A-Za-z0-9_-]+)/([A-Za-z0-9_-]+)/(in|out)$`)

// HooksHandler receives stream lifecycle notifications from the media
// router. Only ingest legs ("<app>/<stream>/in") drive workers; publish
// legs are our own output appearing on the router and are ignored.
type HooksHandler struct {
	app     string
	control Controller
	logger  *slog.Logger
}

// NewHooksHandler creates a hooks handler scoped to the given router app.
func NewHooksHandler(app string, control Controller, logger *slog.Logger) *HooksHandler {
	return &HooksHandler{
		app:     app,
		control: control,
		logger:  logger.With(slog.String("component", "hooks")),
	}
}

// HookEvent is the notification payload sent by the media router. Only the
// path drives behavior; the remaining fields are logged for diagnostics.
type HookEvent struct {
	Path       string `json:"path" doc:"Router path of the stream, e.g. live/mystream/in"`
	Query      string `json:"query,omitempty" doc:"Query string of the publish request"`
	SourceType string `json:"sourceType,omitempty" doc:"Router source type, e.g. rtmpConn"`
	SourceID   string `json:"sourceId,omitempty" doc:"Router source connection id"`
}

// HookInput is the input for hook endpoints.
type HookInput struct {
	Body HookEvent
}

// HookResponse reports what the relay did with the notification.
type HookResponse struct {
	Accepted bool   `json:"accepted" doc:"Whether the event addressed an ingest leg of this relay"`
	StreamID string `json:"stream_id,omitempty" doc:"Stream the event was mapped to"`
	Reason   string `json:"reason,omitempty" doc:"Why the event was ignored"`
}

// HookOutput is the output for hook endpoints.
type HookOutput struct {
	Body HookResponse
}

// Register registers the hook routes with the API.
func (h *HooksHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "streamReady",
		Method:      "POST",
		Path:        "/hooks/mediamtx/ready",
		Summary:     "Stream appeared on the media router",
		Tags:        []string{"Hooks"},
	}, h.StreamReady)
	huma.Register(api, huma.Operation{
		OperationID: "streamNotReady",
		Method:      "POST",
		Path:        "/hooks/mediamtx/not-ready",
		Summary:     "Stream disappeared from the media router",
		Tags:        []string{"Hooks"},
	}, h.StreamNotReady)
}

// StreamReady starts a worker for a newly published ingest stream.
func (h *HooksHandler) StreamReady(ctx context.Context, input *HookInput) (*HookOutput, error) {
	streamID, reason := h.mapPath(input.Body.Path)
	if streamID == "" {
		h.logger.Debug("ignoring ready event",
			slog.String("path", input.Body.Path),
			slog.String("reason", reason))
		return &HookOutput{Body: HookResponse{Reason: reason}}, nil
	}

	h.logger.Info("stream ready",
		slog.String("stream_id", streamID),
		slog.String("source_type", input.Body.SourceType),
		slog.String("source_id", input.Body.SourceID))
	if _, err := h.control.Start(ctx, worker.Options{StreamID: streamID}); err != nil {
		h.logger.Error("starting worker from hook",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()))
		return nil, huma.Error500InternalServerError("starting worker", err)
	}
	return &HookOutput{Body: HookResponse{Accepted: true, StreamID: streamID}}, nil
}

// StreamNotReady stops the worker for a vanished ingest stream.
func (h *HooksHandler) StreamNotReady(ctx context.Context, input *HookInput) (*HookOutput, error) {
	streamID, reason := h.mapPath(input.Body.Path)
	if streamID == "" {
		h.logger.Debug("ignoring not-ready event",
			slog.String("path", input.Body.Path),
			slog.String("reason", reason))
		return &HookOutput{Body: HookResponse{Reason: reason}}, nil
	}

	if err := h.control.Stop(ctx, streamID); err != nil {
		h.logger.Error("stopping worker from hook",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()))
		return nil, huma.Error500InternalServerError("stopping worker", err)
	}
	return &HookOutput{Body: HookResponse{Accepted: true, StreamID: streamID}}, nil
}

// mapPath extracts the stream id from an ingest-leg path. It returns an
// empty id and a reason for paths the relay does not act on.
func (h *HooksHandler) mapPath(path string) (string, string) {
	m := pathPattern.FindStringSubmatch(path)
	if m == nil {
		return "", "unrecognized path"
	}
	if m[1] != h.app {
		return "", "foreign app"
	}
	if m[3] != "in" {
		return "", "publish leg"
	}
	return m[2], ""
}
