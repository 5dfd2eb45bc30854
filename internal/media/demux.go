package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// ErrNoAudioTrack is returned when the input carries no AAC audio track.
// Dubbing without audio is meaningless, so the pipeline refuses to start.
var ErrNoAudioTrack = errors.New("input stream has no audio track")

// ErrNoVideoTrack is returned when the input carries no H.264 video track.
var ErrNoVideoTrack = errors.New("input stream has no video track")

// ticksToNS converts a 90kHz MPEG-TS timestamp to nanoseconds.
func ticksToNS(ticks int64) int64 {
	return ticks * int64(time.Second) / 90000
}

// nsToTicks converts nanoseconds to 90kHz MPEG-TS ticks.
func nsToTicks(ns int64) int64 {
	return ns * 90000 / int64(time.Second)
}

// DemuxerConfig configures the MPEG-TS demuxer.
type DemuxerConfig struct {
	Logger *slog.Logger

	// OnVideo receives H.264 access units in Annex B form. Timestamps are
	// nanoseconds, zero-based on the first sample of the stream.
	OnVideo func(au []byte, pts, dur int64, keyframe bool)
	// OnAudio receives raw AAC access units.
	OnAudio func(au []byte, pts, dur int64)
}

// Demuxer reads an MPEG-TS elementary stream and splits it into H.264 and
// AAC samples with a shared zero-based nanosecond clock.
type Demuxer struct {
	config DemuxerConfig
	reader *mpegts.Reader

	audioConfig *mpeg4audio.Config
	audioDurNS  int64

	hasVideo bool
	hasAudio bool

	baseSet bool
	baseNS  int64

	lastVideoPTS int64
	lastVideoDur int64
	pendingVideo []byte
	pendingKey   bool
	havePending  bool
}

// NewDemuxer initializes a demuxer on r, reading until the PAT/PMT are
// found. It fails fast when the stream lacks an H.264 or AAC track.
func NewDemuxer(r io.Reader, config DemuxerConfig) (*Demuxer, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	d := &Demuxer{config: config}
	d.reader = &mpegts.Reader{R: r}
	if err := d.reader.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing mpegts reader: %w", err)
	}

	for _, track := range d.reader.Tracks() {
		d.setupTrack(track)
	}
	if !d.hasVideo {
		return nil, ErrNoVideoTrack
	}
	if !d.hasAudio {
		return nil, ErrNoAudioTrack
	}

	d.reader.OnDecodeError(func(err error) {
		config.Logger.Debug("mpegts decode error", slog.String("error", err.Error()))
	})

	config.Logger.Debug("demuxer initialized",
		slog.Int("sample_rate", d.audioConfig.SampleRate),
		slog.Int("channels", d.audioConfig.ChannelCount))
	return d, nil
}

func (d *Demuxer) setupTrack(track *mpegts.Track) {
	switch codec := track.Codec.(type) {
	case *mpegts.CodecH264:
		d.hasVideo = true
		d.reader.OnDataH264(track, func(pts, dts int64, au [][]byte) error {
			return d.handleH264(pts, au)
		})

	case *mpegts.CodecMPEG4Audio:
		d.hasAudio = true
		cfg := codec.Config
		d.audioConfig = &cfg
		sampleRate := cfg.SampleRate
		if sampleRate <= 0 {
			sampleRate = 48000
		}
		// AAC frames carry 1024 samples.
		d.audioDurNS = int64(1024) * int64(time.Second) / int64(sampleRate)
		d.reader.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) error {
			return d.handleMPEG4Audio(pts, aus)
		})

	default:
		d.config.Logger.Debug("ignoring track",
			slog.Uint64("pid", uint64(track.PID)),
			slog.String("type", fmt.Sprintf("%T", track.Codec)))
	}
}

// rebase converts a 90kHz timestamp to the zero-based nanosecond clock.
func (d *Demuxer) rebase(ticks int64) int64 {
	ns := ticksToNS(ticks)
	if !d.baseSet {
		d.baseSet = true
		d.baseNS = ns
	}
	return ns - d.baseNS
}

// handleH264 buffers one access unit so its duration can be derived from
// the following one's timestamp.
func (d *Demuxer) handleH264(pts int64, au [][]byte) error {
	if len(au) == 0 {
		return nil
	}
	annexB, err := h264.AnnexB(au).Marshal()
	if err != nil || len(annexB) == 0 {
		return nil
	}

	ns := d.rebase(pts)
	if d.havePending {
		dur := ns - d.lastVideoPTS
		if dur <= 0 {
			dur = d.lastVideoDur
		}
		d.lastVideoDur = dur
		if d.config.OnVideo != nil {
			d.config.OnVideo(d.pendingVideo, d.lastVideoPTS, dur, d.pendingKey)
		}
	}
	d.pendingVideo = annexB
	d.pendingKey = h264.IsRandomAccess(au)
	d.lastVideoPTS = ns
	d.havePending = true
	return nil
}

func (d *Demuxer) handleMPEG4Audio(pts int64, aus [][]byte) error {
	ns := d.rebase(pts)
	for _, au := range aus {
		if len(au) == 0 {
			continue
		}
		if d.config.OnAudio != nil {
			d.config.OnAudio(au, ns, d.audioDurNS)
		}
		ns += d.audioDurNS
	}
	return nil
}

// Run pumps samples until the context ends or the stream does. The last
// buffered video frame flushes with its estimated duration.
func (d *Demuxer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.reader.Read(); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				d.flushPending()
				return nil
			}
			return fmt.Errorf("reading mpegts: %w", err)
		}
	}
}

func (d *Demuxer) flushPending() {
	if !d.havePending {
		return
	}
	dur := d.lastVideoDur
	if dur <= 0 {
		dur = int64(40 * time.Millisecond)
	}
	if d.config.OnVideo != nil {
		d.config.OnVideo(d.pendingVideo, d.lastVideoPTS, dur, d.pendingKey)
	}
	d.havePending = false
}

// AudioConfig returns the MPEG-4 audio configuration of the input track.
func (d *Demuxer) AudioConfig() *mpeg4audio.Config {
	return d.audioConfig
}

// SampleRate returns the audio sample rate.
func (d *Demuxer) SampleRate() int {
	if d.audioConfig == nil || d.audioConfig.SampleRate <= 0 {
		return 48000
	}
	return d.audioConfig.SampleRate
}

// Channels returns the audio channel count.
func (d *Demuxer) Channels() int {
	if d.audioConfig == nil || d.audioConfig.ChannelCount <= 0 {
		return 2
	}
	return d.audioConfig.ChannelCount
}
