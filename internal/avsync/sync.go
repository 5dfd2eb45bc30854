// Package avsync pairs dubbed audio segments with their video counterparts
// and schedules output timestamps: a fixed delay absorbs processing latency,
// drift from length-changing dubbing is corrected gradually.
package avsync

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dubrelay/dubrelay/internal/config"
	"github.com/dubrelay/dubrelay/internal/segment"
)

// Pair is one scheduled output unit. Either side may be nil when its
// counterpart was evicted or never produced.
type Pair struct {
	Video *segment.Segment
	Audio *segment.Segment
	// PTS is the scheduled output timestamp in nanoseconds, strictly
	// increasing across pairs.
	PTS int64
}

// T0 returns the earliest source timestamp of the pair members.
func (p *Pair) T0() int64 {
	switch {
	case p.Video != nil && p.Audio != nil:
		return min(p.Video.T0, p.Audio.T0)
	case p.Video != nil:
		return p.Video.T0
	case p.Audio != nil:
		return p.Audio.T0
	default:
		return 0
	}
}

// EmitFunc receives scheduled pairs in PTS order.
type EmitFunc func(*Pair)

// Synchronizer buffers video and audio segments in bounded queues and pairs
// them by batch number. Output timestamps are source time plus a fixed
// offset; when monotonicity forces a pair later than ideal, the resulting
// drift is worked off in small steps once it exceeds the threshold.
type Synchronizer struct {
	cfg    config.SyncConfig
	emit   EmitFunc
	logger *slog.Logger

	mu         sync.Mutex
	video      []*segment.Segment
	audio      []*segment.Segment
	lastPTS    int64
	started    bool
	correction int64 // ns added on top of the configured offset

	pairsEmitted  uint64
	unpairedVideo uint64
	unpairedAudio uint64
	evictedVideo  uint64
	evictedAudio  uint64
	maxCorrection int64
}

// SyncStats is a point-in-time snapshot of synchronizer state.
type SyncStats struct {
	VideoBuffered int           `json:"video_buffered"`
	AudioBuffered int           `json:"audio_buffered"`
	PairsEmitted  uint64        `json:"pairs_emitted"`
	UnpairedVideo uint64        `json:"unpaired_video"`
	UnpairedAudio uint64        `json:"unpaired_audio"`
	EvictedVideo  uint64        `json:"evicted_video"`
	EvictedAudio  uint64        `json:"evicted_audio"`
	Correction    time.Duration `json:"correction"`
	MaxCorrection time.Duration `json:"max_correction"`
}

// NewSynchronizer creates a synchronizer. The configuration is assumed
// validated.
func NewSynchronizer(cfg config.SyncConfig, emit EmitFunc, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		cfg:    cfg,
		emit:   emit,
		logger: logger.With(slog.String("component", "avsync")),
	}
}

// PushVideo queues a video segment. A full queue evicts its oldest entry,
// which airs unpaired rather than being lost.
func (s *Synchronizer) PushVideo(seg *segment.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.video) >= s.cfg.BufferCapacity {
		old := s.video[0]
		s.video = s.video[1:]
		s.evictedVideo++
		s.logger.Warn("video buffer full, forcing oldest out",
			slog.Uint64("batch", old.BatchNumber))
		s.unpairedVideo++
		s.schedule(&Pair{Video: old})
	}
	s.video = append(s.video, seg)
	s.drain()
}

// PushAudio queues an audio segment, dubbed or fallback.
func (s *Synchronizer) PushAudio(seg *segment.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.audio) >= s.cfg.BufferCapacity {
		old := s.audio[0]
		s.audio = s.audio[1:]
		s.evictedAudio++
		s.logger.Warn("audio buffer full, forcing oldest out",
			slog.Uint64("batch", old.BatchNumber))
		s.unpairedAudio++
		s.schedule(&Pair{Audio: old})
	}
	s.audio = append(s.audio, seg)
	s.drain()
}

// drain emits pairs while both queue heads are available. Mismatched heads
// release the lower batch unpaired so one lost side never stalls the other.
// Callers hold the mutex.
func (s *Synchronizer) drain() {
	for len(s.video) > 0 && len(s.audio) > 0 {
		v, a := s.video[0], s.audio[0]
		switch {
		case v.BatchNumber == a.BatchNumber:
			s.video = s.video[1:]
			s.audio = s.audio[1:]
			s.schedule(&Pair{Video: v, Audio: a})
		case v.BatchNumber < a.BatchNumber:
			s.video = s.video[1:]
			s.unpairedVideo++
			s.schedule(&Pair{Video: v})
		default:
			s.audio = s.audio[1:]
			s.unpairedAudio++
			s.schedule(&Pair{Audio: a})
		}
	}
}

// Flush releases everything still buffered, used at end of stream.
func (s *Synchronizer) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drain()
	for _, v := range s.video {
		s.unpairedVideo++
		s.schedule(&Pair{Video: v})
	}
	s.video = nil
	for _, a := range s.audio {
		s.unpairedAudio++
		s.schedule(&Pair{Audio: a})
	}
	s.audio = nil
}

// schedule assigns the output timestamp and hands the pair off. Callers
// hold the mutex.
func (s *Synchronizer) schedule(p *Pair) {
	// Work accumulated drift back toward zero one step per pair, once it
	// is large enough to matter.
	if abs(s.correction) > int64(s.cfg.DriftThreshold) {
		step := int64(s.cfg.SlewStep)
		if s.correction > 0 {
			s.correction -= min(step, s.correction)
		} else {
			s.correction += min(step, -s.correction)
		}
	}

	ideal := p.T0() + int64(s.cfg.AVOffset)
	pts := ideal + s.correction
	if s.started && pts <= s.lastPTS {
		pts = s.lastPTS + 1
		s.correction = pts - ideal
	}
	if abs(s.correction) > s.maxCorrection {
		s.maxCorrection = abs(s.correction)
	}

	p.PTS = pts
	s.lastPTS = pts
	s.started = true
	s.pairsEmitted++

	s.logger.Debug("pair scheduled",
		slog.Int64("pts_ns", pts),
		slog.Duration("correction", time.Duration(s.correction)),
		slog.Bool("paired", p.Video != nil && p.Audio != nil))

	s.emit(p)
}

// Stats returns a snapshot of synchronizer state.
func (s *Synchronizer) Stats() SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SyncStats{
		VideoBuffered: len(s.video),
		AudioBuffered: len(s.audio),
		PairsEmitted:  s.pairsEmitted,
		UnpairedVideo: s.unpairedVideo,
		UnpairedAudio: s.unpairedAudio,
		EvictedVideo:  s.evictedVideo,
		EvictedAudio:  s.evictedAudio,
		Correction:    time.Duration(s.correction),
		MaxCorrection: time.Duration(s.maxCorrection),
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
