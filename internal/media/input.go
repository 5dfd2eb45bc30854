package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Input retry schedule for transient pull failures.
var inputRetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// initTimeout bounds how long stream probing may take, covering the RTMP
// connect plus the PAT/PMT and track discovery.
const initTimeout = 5 * time.Second

// steadyRunTime is how long a pull must survive before the retry budget
// resets.
const steadyRunTime = 10 * time.Second

// InputConfig configures the input pipeline for one stream.
type InputConfig struct {
	Binary    string
	URL       string
	VADWindow time.Duration
	Logger    *slog.Logger

	// OnFormat reports the audio format once the stream is probed.
	OnFormat func(sampleRate, channels int)
	// OnVideo and OnAudio receive demuxed samples, timestamps in
	// nanoseconds on the shared zero-based clock.
	OnVideo func(au []byte, pts, dur int64, keyframe bool)
	OnAudio func(au []byte, pts, dur int64)
	// OnLevel receives loudness windows from the decoded audio tap.
	OnLevel LevelFunc
}

// InputPipeline pulls one RTMP stream through two ffmpeg processes: a
// copy-mode remux to MPEG-TS feeding the demuxer, and an audio-only decode
// to mono PCM feeding the loudness meter. Both share the source clock, so
// meter timestamps line up with demuxed audio timestamps.
type InputPipeline struct {
	config InputConfig
	logger *slog.Logger
}

// NewInputPipeline creates a pipeline for the given input URL.
func NewInputPipeline(config InputConfig) *InputPipeline {
	return &InputPipeline{
		config: config,
		logger: config.Logger.With(slog.String("component", "input")),
	}
}

// Run pulls the stream until the context ends or the source goes away for
// good. Transient failures retry on a short fixed schedule; a missing audio
// track aborts immediately.
func (p *InputPipeline) Run(ctx context.Context) error {
	attempt := 0
	for {
		started := time.Now()
		err := p.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNoAudioTrack) || errors.Is(err, ErrNoVideoTrack) {
			return err
		}

		if time.Since(started) >= steadyRunTime {
			attempt = 0
		}
		if attempt >= len(inputRetryDelays) {
			return fmt.Errorf("input pull failed after %d attempts: %w", attempt, err)
		}
		delay := inputRetryDelays[attempt]
		attempt++
		p.logger.Warn("input pull failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
			slog.Int("attempt", attempt))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// runOnce drives one pull attempt to completion.
func (p *InputPipeline) runOnce(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	main := NewProcess("input-remux", p.logger)
	mainArgs := NewCommandBuilder(p.config.Binary).
		HideBanner().
		InputArgs("-fflags", "nobuffer").
		Input(p.config.URL).
		OutputArgs(
			"-map", "0:v:0",
			"-map", "0:a:0?",
			"-c", "copy",
			"-f", "mpegts",
		).
		Output("pipe:1")
	if err := main.Start(ctx, StartOptions{
		Binary: mainArgs.Binary(),
		Args:   mainArgs.Build(),
		Stdout: true,
	}); err != nil {
		return err
	}

	tap := NewProcess("input-tap", p.logger)
	tapArgs := NewCommandBuilder(p.config.Binary).
		HideBanner().
		InputArgs("-fflags", "nobuffer").
		Input(p.config.URL).
		OutputArgs(
			"-vn",
			"-ac", "1",
			"-ar", "16000",
			"-f", "s16le",
		).
		Output("pipe:1")
	if err := tap.Start(ctx, StartOptions{
		Binary: tapArgs.Binary(),
		Args:   tapArgs.Build(),
		Stdout: true,
	}); err != nil {
		return err
	}

	demuxer, err := p.probe(ctx, main)
	if err != nil {
		return err
	}
	if p.config.OnFormat != nil {
		p.config.OnFormat(demuxer.SampleRate(), demuxer.Channels())
	}

	meter := NewLevelMeter(16000, p.config.VADWindow, p.config.OnLevel)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return demuxer.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		_, err := io.Copy(meter, tap.Stdout())
		meter.Flush()
		if err != nil && gctx.Err() == nil {
			return fmt.Errorf("reading audio tap: %w", err)
		}
		return nil
	})

	err = g.Wait()
	main.Stop()
	tap.Stop()

	if err != nil && !errors.Is(err, context.Canceled) {
		if tail := main.StderrTail(); len(tail) > 0 {
			p.logger.Debug("input remux stderr", slog.String("last", tail[len(tail)-1]))
		}
		return err
	}
	return nil
}

// probe initializes the demuxer with a deadline. Probing reads until the
// stream's tracks are known, which also decides whether an audio track
// exists at all.
func (p *InputPipeline) probe(ctx context.Context, main *Process) (*Demuxer, error) {
	type result struct {
		demuxer *Demuxer
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := NewDemuxer(main.Stdout(), DemuxerConfig{
			Logger:  p.logger,
			OnVideo: p.config.OnVideo,
			OnAudio: p.config.OnAudio,
		})
		ch <- result{d, err}
	}()

	timer := time.NewTimer(initTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.demuxer, r.err
	case <-timer.C:
		main.Stop()
		return nil, fmt.Errorf("stream probe timed out after %s", initTimeout)
	case <-ctx.Done():
		main.Stop()
		return nil, ctx.Err()
	}
}
