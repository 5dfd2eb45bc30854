package media

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Minimal H.264 NAL units: SPS, PPS and an IDR slice.
var (
	testSPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xd9, 0x00, 0xa0, 0x0b}
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff}
	testP   = []byte{0x41, 0x9a, 0x24, 0x6c, 0x41, 0x4f}
)

func annexB(nalus ...[]byte) []byte {
	var buf bytes.Buffer
	for _, n := range nalus {
		buf.Write([]byte{0x00, 0x00, 0x00, 0x01})
		buf.Write(n)
	}
	return buf.Bytes()
}

func TestSplitAccessUnit(t *testing.T) {
	au := splitAccessUnit(annexB(testSPS, testPPS, testIDR))
	require.Len(t, au, 3)
	assert.Equal(t, testSPS, au[0])
	assert.Equal(t, testIDR, au[2])

	// Raw NAL without start code passes through.
	raw := splitAccessUnit(testIDR)
	require.Len(t, raw, 1)
	assert.Equal(t, testIDR, raw[0])

	assert.Nil(t, splitAccessUnit(nil))
}

func TestExtractAACFramesRaw(t *testing.T) {
	raw := []byte{0x21, 0x10, 0x04, 0x60}
	frames := extractAACFrames(raw)
	require.Len(t, frames, 1)
	assert.Equal(t, raw, frames[0])
}

func TestExtractAACFramesADTS(t *testing.T) {
	payload := []byte{0x21, 0x10, 0x04, 0x60, 0x8c, 0x1c}
	frameLen := 7 + len(payload)
	header := []byte{
		0xFF, 0xF1, // sync + MPEG-4, no CRC
		0x50, // AAC LC, 44.1kHz
		byte(0x40 | (frameLen>>11)&0x03),
		byte((frameLen >> 3) & 0xFF),
		byte((frameLen&0x07)<<5 | 0x1F),
		0xFC,
	}
	data := append(append([]byte{}, header...), payload...)
	// Two back-to-back ADTS frames.
	data = append(data, data...)

	frames := extractAACFrames(data)
	require.Len(t, frames, 2)
	assert.Equal(t, payload, frames[0])
	assert.Equal(t, payload, frames[1])
}

// TestMuxDemuxRoundTrip writes samples through the muxer and reads them
// back with the demuxer, exercising the transport layer end to end.
func TestMuxDemuxRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	m := NewMuxer(&buf, MuxerConfig{
		Logger: testLogger(),
		AACConfig: &mpeg4audio.Config{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   44100,
			ChannelCount: 2,
		},
	})

	aac := []byte{0x21, 0x10, 0x04, 0x60, 0x8c, 0x1c}
	require.NoError(t, m.WriteVideo(0, annexB(testSPS, testPPS, testIDR)))
	require.NoError(t, m.WriteAudio(0, aac))
	require.NoError(t, m.WriteVideo(int64(40*time.Millisecond), annexB(testP)))
	require.NoError(t, m.WriteAudio(int64(23*time.Millisecond), aac))
	require.NoError(t, m.WriteVideo(int64(80*time.Millisecond), annexB(testP)))

	type videoSample struct {
		pts      int64
		keyframe bool
		size     int
	}
	var videos []videoSample
	var audios []int64

	d, err := NewDemuxer(&buf, DemuxerConfig{
		Logger: testLogger(),
		OnVideo: func(au []byte, pts, dur int64, keyframe bool) {
			videos = append(videos, videoSample{pts, keyframe, len(au)})
		},
		OnAudio: func(au []byte, pts, dur int64) {
			audios = append(audios, pts)
			assert.Equal(t, aac, au)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 44100, d.SampleRate())
	assert.Equal(t, 2, d.Channels())

	require.NoError(t, d.Run(context.Background()))

	require.Len(t, videos, 3)
	assert.True(t, videos[0].keyframe)
	assert.False(t, videos[1].keyframe)
	assert.Equal(t, int64(0), videos[0].pts)
	require.Len(t, audios, 2)
}

func TestDemuxerRequiresTracks(t *testing.T) {
	// A stream with garbage never yields a PAT, so initialization fails.
	junk := bytes.Repeat([]byte{0x00}, 188*4)
	_, err := NewDemuxer(bytes.NewReader(junk), DemuxerConfig{Logger: testLogger()})
	assert.Error(t, err)
}

func TestTickConversion(t *testing.T) {
	assert.Equal(t, int64(time.Second), ticksToNS(90000))
	assert.Equal(t, int64(90000), nsToTicks(int64(time.Second)))
	assert.Equal(t, int64(0), nsToTicks(0))
}
