// Package models defines the persisted data model.
package models

import (
	"time"

	"gorm.io/gorm"
)

// StreamCodec caches the probed media format of a stream. Restarting a
// worker for a recently seen stream can pre-arm the output muxer and the
// processing session metadata instead of waiting for the first probe.
type StreamCodec struct {
	// StreamID is the logical stream identity (primary key).
	StreamID string `gorm:"primaryKey;size:256" json:"stream_id"`

	// Audio format of the input track.
	AudioSampleRate int `json:"audio_sample_rate,omitempty"` // Hz
	AudioChannels   int `json:"audio_channels,omitempty"`

	// VideoCodec is the detected video codec name.
	VideoCodec string `gorm:"size:50" json:"video_codec,omitempty"`

	// Probing metadata.
	ProbedAt  time.Time  `gorm:"not null;index" json:"probed_at"`
	ExpiresAt *time.Time `gorm:"index" json:"expires_at,omitempty"`
	HitCount  int64      `gorm:"default:0" json:"hit_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for StreamCodec.
func (StreamCodec) TableName() string {
	return "stream_codecs"
}

// BeforeCreate stamps the probe time when unset.
func (c *StreamCodec) BeforeCreate(tx *gorm.DB) error {
	if c.ProbedAt.IsZero() {
		c.ProbedAt = time.Now()
	}
	return nil
}

// IsExpired reports whether the cached format should be re-probed.
func (c *StreamCodec) IsExpired() bool {
	if c.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*c.ExpiresAt)
}

// SetExpiry sets the expiration time d from now.
func (c *StreamCodec) SetExpiry(d time.Duration) {
	expires := time.Now().Add(d)
	c.ExpiresAt = &expires
}

// Valid reports whether the entry carries a usable audio format.
func (c *StreamCodec) Valid() bool {
	return c.AudioSampleRate > 0 && c.AudioChannels > 0
}
