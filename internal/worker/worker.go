// Package worker runs the per-stream dubbing pipeline: pull, segment, ship
// audio to the processing service, synchronize, publish. A Manager owns the
// workers and maps stream lifecycle events onto them.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/oklog/ulid/v2"

	"github.com/dubrelay/dubrelay/internal/avsync"
	"github.com/dubrelay/dubrelay/internal/config"
	"github.com/dubrelay/dubrelay/internal/media"
	"github.com/dubrelay/dubrelay/internal/models"
	"github.com/dubrelay/dubrelay/internal/repository"
	"github.com/dubrelay/dubrelay/internal/segment"
	"github.com/dubrelay/dubrelay/internal/sts"
)

// State is the worker lifecycle state.
type State int

const (
	// StateIdle is a created but not yet started worker.
	StateIdle State = iota
	// StateConnecting covers pipeline and session establishment.
	StateConnecting
	// StateRunning is normal operation.
	StateRunning
	// StateStopping covers graceful teardown.
	StateStopping
	// StateStopped is a finished worker.
	StateStopped
	// StateFailed is a worker that ended with an error.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options carries per-worker settings resolved from configuration plus any
// per-request overrides.
type Options struct {
	StreamID       string
	InputURL       string
	OutputURL      string
	SourceLanguage string
	TargetLanguage string
}

// Worker drives the dubbing pipeline for one stream.
type Worker struct {
	id     string
	opts   Options
	cfg    *config.Config
	logger *slog.Logger
	codecs *repository.CodecRepository
	store  *segment.Store
	binary string

	video  *segment.VideoAccumulator
	audio  *segment.AudioAccumulator
	synch  *avsync.Synchronizer
	client *sts.Client
	output *media.OutputPipeline

	mu        sync.Mutex
	state     State
	startedAt time.Time
	lastErr   error
	cancel    context.CancelFunc
	done      chan struct{}
	pending   map[string]*segment.Segment

	segmentsDubbed   uint64
	segmentsFallback uint64
	segmentsDropped  uint64
	pairsPublished   uint64
	writeErrors      uint64
}

// Stats is a point-in-time snapshot of the worker and its components.
type Stats struct {
	ID               string             `json:"id"`
	StreamID         string             `json:"stream_id"`
	State            string             `json:"state"`
	Uptime           time.Duration      `json:"uptime"`
	LastError        string             `json:"last_error,omitempty"`
	SourceLanguage   string             `json:"source_language"`
	TargetLanguage   string             `json:"target_language"`
	SegmentsDubbed   uint64             `json:"segments_dubbed"`
	SegmentsFallback uint64             `json:"segments_fallback"`
	SegmentsDropped  uint64             `json:"segments_dropped"`
	PairsPublished   uint64             `json:"pairs_published"`
	WriteErrors      uint64             `json:"write_errors"`
	Video            segment.VideoStats `json:"video"`
	Audio            segment.AudioStats `json:"audio"`
	Sync             avsync.SyncStats   `json:"sync"`
	Processing       sts.ClientStats    `json:"processing"`
}

// New creates a worker for one stream. codecs may be nil when the cache is
// unavailable.
func New(cfg *config.Config, opts Options, binary string, codecs *repository.CodecRepository, logger *slog.Logger) *Worker {
	id := ulid.Make().String()
	l := logger.With(
		slog.String("component", "worker"),
		slog.String("worker_id", id),
		slog.String("stream_id", opts.StreamID),
	)

	if opts.SourceLanguage == "" {
		opts.SourceLanguage = cfg.Worker.SourceLanguage
	}
	if opts.TargetLanguage == "" {
		opts.TargetLanguage = cfg.Worker.TargetLanguage
	}
	if opts.InputURL == "" {
		opts.InputURL = cfg.MediaMTX.InputURL(opts.StreamID)
	}
	if opts.OutputURL == "" {
		opts.OutputURL = cfg.MediaMTX.OutputURL(opts.StreamID)
	}

	w := &Worker{
		id:      id,
		opts:    opts,
		cfg:     cfg,
		logger:  l,
		codecs:  codecs,
		store:   segment.NewStore(cfg.Worker.SegmentDir, l),
		binary:  binary,
		state:   StateIdle,
		pending: make(map[string]*segment.Segment),
	}

	w.synch = avsync.NewSynchronizer(cfg.Worker.Sync, w.publishPair, l)
	w.video = segment.NewVideoAccumulator(opts.StreamID, cfg.Worker.SegmentDuration, 100*time.Millisecond, w.onVideoSegment, l)
	w.audio = segment.NewAudioAccumulator(opts.StreamID, cfg.Worker.VAD, w.onAudioSegment, l)
	w.client = sts.NewClient(cfg.STS, opts.StreamID, id, opts.SourceLanguage, opts.TargetLanguage, sts.Handlers{
		OnProcessed: w.onProcessed,
		OnFallback:  w.onFallback,
		OnDropped:   w.onDropped,
	}, l)
	return w
}

// ID returns the worker instance id.
func (w *Worker) ID() string { return w.id }

// StreamID returns the stream this worker serves.
func (w *Worker) StreamID() string { return w.opts.StreamID }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start launches the pipeline. It returns immediately; the worker runs
// until Stop or until the input ends.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateIdle {
		w.mu.Unlock()
		return fmt.Errorf("worker for %s already started", w.opts.StreamID)
	}
	w.state = StateConnecting
	w.startedAt = time.Now()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.run(runCtx)
	return nil
}

// run drives the pipeline to completion. The run context is cancelled on
// the way out so the session goroutine never outlives a natural end of
// input.
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	defer cancel()

	err := w.runPipeline(ctx)

	w.mu.Lock()
	if err != nil && ctx.Err() == nil {
		w.state = StateFailed
		w.lastErr = err
	} else {
		w.state = StateStopped
	}
	w.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		w.logger.Error("worker ended with error", slog.String("error", err.Error()))
	} else {
		w.logger.Info("worker stopped")
	}
}

func (w *Worker) runPipeline(ctx context.Context) error {
	w.logger.Info("worker starting",
		slog.String("input_url", w.opts.InputURL),
		slog.String("output_url", w.opts.OutputURL),
		slog.String("source_language", w.opts.SourceLanguage),
		slog.String("target_language", w.opts.TargetLanguage))

	// Pre-arm the output format from the codec cache when a fresh entry
	// exists; the live probe overrides it either way.
	var aacConfig *mpeg4audio.Config
	if w.codecs != nil {
		if cached, err := w.codecs.Get(ctx, w.opts.StreamID); err == nil && cached != nil && cached.Valid() {
			aacConfig = &mpeg4audio.Config{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   cached.AudioSampleRate,
				ChannelCount: cached.AudioChannels,
			}
			w.audio.SetFormat(cached.AudioSampleRate, cached.AudioChannels)
			w.client.SetFormat(cached.AudioSampleRate, cached.AudioChannels)
			w.logger.Debug("codec cache hit",
				slog.Int("sample_rate", cached.AudioSampleRate),
				slog.Int("channels", cached.AudioChannels))
		}
	}

	w.output = media.NewOutputPipeline(media.OutputConfig{
		Binary:    w.binary,
		URL:       w.opts.OutputURL,
		Logger:    w.logger,
		AACConfig: aacConfig,
	})

	input := media.NewInputPipeline(media.InputConfig{
		Binary:    w.binary,
		URL:       w.opts.InputURL,
		VADWindow: w.cfg.Worker.VAD.Window,
		Logger:    w.logger,
		OnFormat:  func(rate, ch int) { w.onFormat(ctx, rate, ch) },
		OnVideo:   w.video.Push,
		OnAudio:   w.audio.PushFrame,
		OnLevel:   w.audio.Observe,
	})

	sessionDone := make(chan error, 1)
	go func() { sessionDone <- w.client.Run(ctx) }()

	w.setState(StateRunning)

	err := input.Run(ctx)

	w.setState(StateStopping)

	// Drain: whatever is accumulated flushes through the synchronizer,
	// in-flight fragments resolve via fallback when the session drops.
	w.video.Flush()
	w.audio.Flush()
	w.flushPending()
	w.client.End()
	w.synch.Flush()
	if w.output != nil {
		w.output.Stop()
	}

	select {
	case <-sessionDone:
	case <-time.After(2 * time.Second):
	}

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// onFormat runs once the input probe knows the audio format.
func (w *Worker) onFormat(ctx context.Context, sampleRate, channels int) {
	w.logger.Info("input format probed",
		slog.Int("sample_rate", sampleRate),
		slog.Int("channels", channels))

	w.audio.SetFormat(sampleRate, channels)
	w.client.SetFormat(sampleRate, channels)

	cfg := &mpeg4audio.Config{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   sampleRate,
		ChannelCount: channels,
	}
	w.output.SetAACConfig(cfg)
	if err := w.output.Start(ctx); err != nil {
		w.logger.Error("starting output pipeline", slog.String("error", err.Error()))
		return
	}

	if w.codecs != nil {
		if err := w.codecs.Upsert(ctx, &models.StreamCodec{
			StreamID:        w.opts.StreamID,
			AudioSampleRate: sampleRate,
			AudioChannels:   channels,
			VideoCodec:      "h264",
		}); err != nil {
			w.logger.Warn("caching stream codec", slog.String("error", err.Error()))
		}
	}
}

// onVideoSegment receives completed video segments.
func (w *Worker) onVideoSegment(seg *segment.Segment) {
	w.store.Save(seg)
	w.synch.PushVideo(seg)
}

// onAudioSegment submits one audio segment for processing. Every emission
// also asks the video accumulator to cut, keeping batch numbers aligned.
// Rejected sends fall back to pass-through on the spot.
func (w *Worker) onAudioSegment(seg *segment.Segment) {
	w.video.RequestCut()
	w.store.Save(seg)

	w.mu.Lock()
	w.pending[seg.FragmentID.String()] = seg
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.STS.FragmentTimeout)
	defer cancel()
	if err := w.client.SendFragment(ctx, seg); err != nil {
		reason := sts.FallbackReason(err)
		w.logger.Debug("fragment rejected at send gate",
			slog.String("fragment_id", seg.FragmentID.String()),
			slog.String("reason", reason))
		w.onFallback(seg.FragmentID.String(), reason)
	}
}

// onProcessed attaches dubbed audio and releases the segment downstream.
func (w *Worker) onProcessed(fragmentID string, audio []byte) {
	seg := w.takePending(fragmentID)
	if seg == nil {
		return
	}
	seg.DubbedPayload = audio
	w.mu.Lock()
	w.segmentsDubbed++
	w.mu.Unlock()
	w.store.Save(seg)
	w.synch.PushAudio(seg)
}

// onFallback releases the original audio downstream.
func (w *Worker) onFallback(fragmentID, reason string) {
	seg := w.takePending(fragmentID)
	if seg == nil {
		return
	}
	w.mu.Lock()
	w.segmentsFallback++
	w.mu.Unlock()
	w.logger.Info("segment passing through untranslated",
		slog.Uint64("batch", seg.BatchNumber),
		slog.String("reason", reason))
	w.synch.PushAudio(seg)
}

// onDropped discards a segment the service rejected for good. Nothing is
// released downstream; the paired video publishes alone once its wait
// window passes.
func (w *Worker) onDropped(fragmentID, code string) {
	seg := w.takePending(fragmentID)
	if seg == nil {
		return
	}
	w.mu.Lock()
	w.segmentsDropped++
	w.mu.Unlock()
	w.logger.Warn("segment dropped by processing service",
		slog.Uint64("batch", seg.BatchNumber),
		slog.String("code", code))
}

func (w *Worker) takePending(fragmentID string) *segment.Segment {
	w.mu.Lock()
	defer w.mu.Unlock()
	seg, ok := w.pending[fragmentID]
	if !ok {
		return nil
	}
	delete(w.pending, fragmentID)
	return seg
}

// flushPending releases all unresolved audio segments as pass-through,
// used during teardown.
func (w *Worker) flushPending() {
	w.mu.Lock()
	remaining := make([]*segment.Segment, 0, len(w.pending))
	for _, seg := range w.pending {
		remaining = append(remaining, seg)
	}
	w.pending = make(map[string]*segment.Segment)
	w.segmentsFallback += uint64(len(remaining))
	w.mu.Unlock()

	for _, seg := range remaining {
		w.synch.PushAudio(seg)
	}
}

// publishPair writes one scheduled pair to the output, preserving relative
// frame timing inside each segment.
func (w *Worker) publishPair(p *avsync.Pair) {
	if w.output == nil {
		return
	}
	base := p.T0()

	if v := p.Video; v != nil {
		for _, f := range v.Frames {
			pts := p.PTS + (f.PTS - base)
			if err := w.output.WriteVideo(pts, v.Payload[f.Offset:f.Offset+f.Length]); err != nil {
				w.countWriteError(err)
				return
			}
		}
	}
	if a := p.Audio; a != nil {
		if a.Dubbed() {
			// Dubbed audio arrives as one opaque blob; its length may
			// differ from the source segment.
			if err := w.output.WriteAudio(p.PTS+(a.T0-base), a.DubbedPayload); err != nil {
				w.countWriteError(err)
				return
			}
		} else {
			for _, f := range a.Frames {
				pts := p.PTS + (f.PTS - base)
				if err := w.output.WriteAudio(pts, a.Payload[f.Offset:f.Offset+f.Length]); err != nil {
					w.countWriteError(err)
					return
				}
			}
		}
	}

	w.mu.Lock()
	w.pairsPublished++
	w.mu.Unlock()
}

func (w *Worker) countWriteError(err error) {
	w.mu.Lock()
	w.writeErrors++
	w.mu.Unlock()
	w.logger.Warn("writing output sample", slog.String("error", err.Error()))
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// Teardown states never regress to running.
	if w.state == StateStopping || w.state == StateStopped || w.state == StateFailed {
		return
	}
	w.state = s
}

// Stop tears the worker down gracefully, bounded by the context.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.state == StateIdle || w.state == StateStopped || w.state == StateFailed {
		w.mu.Unlock()
		return nil
	}
	w.state = StateStopping
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker %s did not stop in time: %w", w.opts.StreamID, ctx.Err())
	}
}

// Done returns a channel closed when the worker finishes.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Stats returns a snapshot of the worker and its components.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	st := Stats{
		ID:               w.id,
		StreamID:         w.opts.StreamID,
		State:            w.state.String(),
		LastError:        "",
		SourceLanguage:   w.opts.SourceLanguage,
		TargetLanguage:   w.opts.TargetLanguage,
		SegmentsDubbed:   w.segmentsDubbed,
		SegmentsFallback: w.segmentsFallback,
		SegmentsDropped:  w.segmentsDropped,
		PairsPublished:   w.pairsPublished,
		WriteErrors:      w.writeErrors,
	}
	if !w.startedAt.IsZero() {
		st.Uptime = time.Since(w.startedAt)
	}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	w.mu.Unlock()

	st.Video = w.video.Stats()
	st.Audio = w.audio.Stats()
	st.Sync = w.synch.Stats()
	st.Processing = w.client.Stats()
	return st
}
