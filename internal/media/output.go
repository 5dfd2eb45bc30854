package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// OutputConfig configures the publish pipeline for one stream.
type OutputConfig struct {
	Binary    string
	URL       string
	Logger    *slog.Logger
	AACConfig *mpeg4audio.Config
}

// OutputPipeline publishes remuxed output over RTMP: samples go through the
// MPEG-TS muxer into an ffmpeg copy-mode process converting to FLV for the
// media router.
type OutputPipeline struct {
	config  OutputConfig
	logger  *slog.Logger
	process *Process
	muxer   *Muxer
}

// NewOutputPipeline creates a pipeline for the given publish URL.
func NewOutputPipeline(cfg OutputConfig) *OutputPipeline {
	return &OutputPipeline{
		config: cfg,
		logger: cfg.Logger.With(slog.String("component", "output")),
	}
}

// SetAACConfig overrides the audio output format. Must be called before
// Start.
func (p *OutputPipeline) SetAACConfig(cfg *mpeg4audio.Config) {
	p.config.AACConfig = cfg
}

// Start launches the publisher process. Sample writes are valid afterwards.
func (p *OutputPipeline) Start(ctx context.Context) error {
	proc := NewProcess("output-publish", p.logger)
	args := NewCommandBuilder(p.config.Binary).
		HideBanner().
		InputArgs("-f", "mpegts").
		Input("pipe:0").
		OutputArgs(
			"-c", "copy",
			"-f", "flv",
		).
		Output(p.config.URL)
	if err := proc.Start(ctx, StartOptions{
		Binary: args.Binary(),
		Args:   args.Build(),
		Stdin:  true,
	}); err != nil {
		return err
	}

	p.process = proc
	p.muxer = NewMuxer(proc.Stdin(), MuxerConfig{
		Logger:    p.logger,
		AACConfig: p.config.AACConfig,
	})
	return nil
}

// WriteVideo writes one H.264 access unit at the given output timestamp.
func (p *OutputPipeline) WriteVideo(pts int64, au []byte) error {
	if p.muxer == nil {
		return fmt.Errorf("output pipeline not started")
	}
	return p.muxer.WriteVideo(pts, au)
}

// WriteAudio writes AAC audio at the given output timestamp.
func (p *OutputPipeline) WriteAudio(pts int64, data []byte) error {
	if p.muxer == nil {
		return fmt.Errorf("output pipeline not started")
	}
	return p.muxer.WriteAudio(pts, data)
}

// Done returns a channel closed when the publisher process exits, nil
// before Start.
func (p *OutputPipeline) Done() <-chan struct{} {
	if p.process == nil {
		return nil
	}
	return p.process.Done()
}

// Stop closes the muxer feed and waits for the publisher to flush.
func (p *OutputPipeline) Stop() {
	if p.process != nil {
		p.process.Stop()
	}
}
