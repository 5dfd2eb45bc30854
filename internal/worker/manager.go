package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dubrelay/dubrelay/internal/config"
	"github.com/dubrelay/dubrelay/internal/media"
	"github.com/dubrelay/dubrelay/internal/repository"
)

// Manager owns the set of active workers, one per stream. Start and Stop
// are idempotent so repeated lifecycle notifications from the media router
// are harmless.
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger
	codecs *repository.CodecRepository
	binary string

	mu      sync.Mutex
	workers map[string]*Worker
	// locks serializes Start/Stop per stream so a Start issued while the
	// previous worker is still tearing down waits instead of doubling up.
	locks map[string]*sync.Mutex
}

// NewManager creates a manager. The ffmpeg binary is resolved once up
// front so a missing install fails at startup rather than per stream.
func NewManager(cfg *config.Config, codecs *repository.CodecRepository, logger *slog.Logger) (*Manager, error) {
	binary, err := media.FindBinary(cfg.FFmpeg.BinaryPath)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "manager")),
		codecs:  codecs,
		binary:  binary,
		workers: make(map[string]*Worker),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// streamLock returns the lifecycle lock for one stream, creating it on
// first use. Locks are never removed; the per-stream footprint is one
// mutex.
func (m *Manager) streamLock(streamID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[streamID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[streamID] = l
	}
	return l
}

// Start launches a worker for the stream, or returns the running one. A
// finished worker for the same stream is replaced.
func (m *Manager) Start(ctx context.Context, opts Options) (*Worker, error) {
	if opts.StreamID == "" {
		return nil, fmt.Errorf("stream id is required")
	}

	lock := m.streamLock(opts.StreamID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.workers[opts.StreamID]; ok {
		switch existing.State() {
		case StateStopped, StateFailed:
			// Replaced below.
		default:
			m.logger.Debug("worker already running", slog.String("stream_id", opts.StreamID))
			return existing, nil
		}
	}

	w := New(m.cfg, opts, m.binary, m.codecs, m.logger)
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	m.workers[opts.StreamID] = w
	m.logger.Info("worker launched",
		slog.String("stream_id", opts.StreamID),
		slog.String("worker_id", w.ID()))
	return w, nil
}

// Stop tears down the worker for the stream if one exists. The stream lock
// is held across the teardown, so a concurrent Start for the same stream
// waits until the old worker is fully gone.
func (m *Manager) Stop(ctx context.Context, streamID string) error {
	lock := m.streamLock(streamID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	w, ok := m.workers[streamID]
	if ok {
		delete(m.workers, streamID)
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("no worker for stream", slog.String("stream_id", streamID))
		return nil
	}
	return w.Stop(ctx)
}

// Get returns the worker for a stream, or nil.
func (m *Manager) Get(streamID string) *Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[streamID]
}

// List returns a stats snapshot of all workers, ordered by stream id.
func (m *Manager) List() []Stats {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	out := make([]Stats, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// Count returns the number of registered workers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// CleanupAll stops every worker in parallel, bounded by the context. Used
// on shutdown.
func (m *Manager) CleanupAll(ctx context.Context) error {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*Worker)
	m.mu.Unlock()

	if len(workers) == 0 {
		return nil
	}
	m.logger.Info("stopping all workers", slog.Int("count", len(workers)))

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			lock := m.streamLock(w.StreamID())
			lock.Lock()
			defer lock.Unlock()
			return w.Stop(ctx)
		})
	}
	return g.Wait()
}
