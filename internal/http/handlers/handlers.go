// Package handlers provides the HTTP API handlers for dubrelay.
package handlers

import (
	"context"

	"github.com/dubrelay/dubrelay/internal/worker"
)

// Controller is the worker-lifecycle surface the handlers operate on,
// implemented by the worker manager.
type Controller interface {
	Start(ctx context.Context, opts worker.Options) (*worker.Worker, error)
	Stop(ctx context.Context, streamID string) error
	Get(streamID string) *worker.Worker
	List() []worker.Stats
	Count() int
}
