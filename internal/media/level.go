package media

import (
	"math"
	"time"
)

// LevelFunc receives one loudness window: the window start timestamp in
// nanoseconds and the RMS level in dBFS.
type LevelFunc func(pts int64, rmsDB float64)

// minLevelDB floors the reported level for silent windows.
const minLevelDB = -100.0

// LevelMeter computes windowed RMS loudness from a 16-bit little-endian
// mono PCM stream. The timestamp clock starts at zero and advances with the
// sample count, matching the zero-based demuxer clock when both are fed
// from the same source.
type LevelMeter struct {
	sampleRate int
	windowSize int // samples per window
	emit       LevelFunc

	sumSquares float64
	count      int
	samplesIn  int64
	carry      byte
	hasCarry   bool
}

// NewLevelMeter creates a meter over the given sample rate and window.
func NewLevelMeter(sampleRate int, window time.Duration, emit LevelFunc) *LevelMeter {
	windowSize := int(int64(sampleRate) * int64(window) / int64(time.Second))
	if windowSize < 1 {
		windowSize = 1
	}
	return &LevelMeter{
		sampleRate: sampleRate,
		windowSize: windowSize,
		emit:       emit,
	}
}

// Write consumes PCM bytes. Partial samples are carried across calls.
func (m *LevelMeter) Write(p []byte) (int, error) {
	n := len(p)
	if m.hasCarry && len(p) > 0 {
		m.addSample(int16(uint16(m.carry) | uint16(p[0])<<8))
		p = p[1:]
		m.hasCarry = false
	}
	for len(p) >= 2 {
		m.addSample(int16(uint16(p[0]) | uint16(p[1])<<8))
		p = p[2:]
	}
	if len(p) == 1 {
		m.carry = p[0]
		m.hasCarry = true
	}
	return n, nil
}

func (m *LevelMeter) addSample(s int16) {
	f := float64(s)
	m.sumSquares += f * f
	m.count++
	m.samplesIn++
	if m.count >= m.windowSize {
		m.flushWindow()
	}
}

// Flush emits a final partial window, used at end of stream.
func (m *LevelMeter) Flush() {
	if m.count > 0 {
		m.flushWindow()
	}
}

func (m *LevelMeter) flushWindow() {
	start := m.samplesIn - int64(m.count)
	pts := start * int64(time.Second) / int64(m.sampleRate)

	rms := math.Sqrt(m.sumSquares / float64(m.count))
	db := minLevelDB
	if rms > 0 {
		db = 20 * math.Log10(rms/32768.0)
		if db < minLevelDB {
			db = minLevelDB
		}
	}
	m.sumSquares = 0
	m.count = 0

	m.emit(pts, db)
}
