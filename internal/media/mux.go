package media

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// Fixed PIDs for the output transport stream.
const (
	muxVideoPID = 0x0100
	muxAudioPID = 0x0101
)

// MuxerConfig configures the MPEG-TS muxer.
type MuxerConfig struct {
	Logger *slog.Logger
	// AACConfig describes the audio track. Defaults to LC 48kHz stereo.
	AACConfig *mpeg4audio.Config
}

// Muxer writes H.264 and AAC samples into an MPEG-TS stream. Timestamps are
// nanoseconds and converted to the 90kHz transport clock on write.
type Muxer struct {
	config MuxerConfig

	mu          sync.Mutex
	writer      *mpegts.Writer
	videoTrack  *mpegts.Track
	audioTrack  *mpegts.Track
	initialized bool
}

// NewMuxer creates a muxer writing to w. Tracks are set up lazily on the
// first write so the AAC configuration can be amended until then.
func NewMuxer(w io.Writer, config MuxerConfig) *Muxer {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	m := &Muxer{config: config}
	m.videoTrack = &mpegts.Track{PID: muxVideoPID, Codec: &mpegts.CodecH264{}}
	m.writer = &mpegts.Writer{W: w}
	return m
}

// SetAACConfig replaces the audio track configuration. Only effective
// before the first write.
func (m *Muxer) SetAACConfig(cfg *mpeg4audio.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.AACConfig = cfg
}

func (m *Muxer) initialize() error {
	if m.initialized {
		return nil
	}
	aacConfig := m.config.AACConfig
	if aacConfig == nil {
		aacConfig = &mpeg4audio.Config{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   48000,
			ChannelCount: 2,
		}
	}
	m.audioTrack = &mpegts.Track{
		PID:   muxAudioPID,
		Codec: &mpegts.CodecMPEG4Audio{Config: *aacConfig},
	}
	m.writer.Tracks = []*mpegts.Track{m.videoTrack, m.audioTrack}
	if err := m.writer.Initialize(); err != nil {
		return fmt.Errorf("initializing mpegts writer: %w", err)
	}
	m.initialized = true
	m.config.Logger.Debug("muxer initialized",
		slog.Int("sample_rate", aacConfig.SampleRate),
		slog.Int("channels", aacConfig.ChannelCount))
	return nil
}

// WriteVideo writes one H.264 access unit. data may be Annex B or a raw NAL
// unit; pts is nanoseconds.
func (m *Muxer) WriteVideo(pts int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.initialize(); err != nil {
		return err
	}
	au := splitAccessUnit(data)
	if len(au) == 0 {
		return nil
	}
	ticks := nsToTicks(pts)
	return m.writer.WriteH264(m.videoTrack, ticks, ticks, au)
}

// WriteAudio writes AAC audio. data may be raw access units or ADTS framed,
// as produced by some processing backends; pts is nanoseconds.
func (m *Muxer) WriteAudio(pts int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.initialize(); err != nil {
		return err
	}
	aus := extractAACFrames(data)
	if len(aus) == 0 {
		return nil
	}
	return m.writer.WriteMPEG4Audio(m.audioTrack, nsToTicks(pts), aus)
}

// splitAccessUnit converts video data to a NAL unit slice. Annex B input is
// split on start codes, anything else passes through as one unit.
func splitAccessUnit(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if len(data) >= 4 && data[0] == 0x00 && data[1] == 0x00 &&
		(data[2] == 0x01 || (data[2] == 0x00 && data[3] == 0x01)) {
		var au h264.AnnexB
		if err := au.Unmarshal(data); err != nil {
			return [][]byte{data}
		}
		return au
	}
	return [][]byte{data}
}

// extractAACFrames returns raw AAC access units, stripping ADTS framing
// when present.
func extractAACFrames(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if len(data) >= 7 && data[0] == 0xFF && (data[1]&0xF0) == 0xF0 {
		return extractADTSFrames(data)
	}
	return [][]byte{data}
}

// extractADTSFrames walks ADTS headers and returns the contained frames.
func extractADTSFrames(data []byte) [][]byte {
	var frames [][]byte
	offset := 0
	for offset+7 <= len(data) {
		if data[offset] != 0xFF || (data[offset+1]&0xF0) != 0xF0 {
			offset++
			continue
		}
		protectionAbsent := (data[offset+1] & 0x01) != 0
		headerSize := 7
		if !protectionAbsent {
			headerSize = 9
		}
		frameLen := int(data[offset+3]&0x03)<<11 |
			int(data[offset+4])<<3 |
			int(data[offset+5]>>5)
		if frameLen < headerSize || offset+frameLen > len(data) {
			break
		}
		frame := data[offset+headerSize : offset+frameLen]
		if len(frame) > 0 {
			frames = append(frames, frame)
		}
		offset += frameLen
	}
	return frames
}
