// Package repository provides data access for the codec cache.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dubrelay/dubrelay/internal/models"
)

// DefaultCodecTTL is how long a cached format stays fresh.
const DefaultCodecTTL = 24 * time.Hour

// CodecRepository stores probed stream formats.
type CodecRepository struct {
	db *gorm.DB
}

// NewCodecRepository creates a repository on the given connection.
func NewCodecRepository(db *gorm.DB) *CodecRepository {
	return &CodecRepository{db: db}
}

// Upsert stores or refreshes the cached format for a stream.
func (r *CodecRepository) Upsert(ctx context.Context, codec *models.StreamCodec) error {
	if codec.StreamID == "" {
		return errors.New("stream id is required")
	}
	codec.ProbedAt = time.Now()
	if codec.ExpiresAt == nil {
		codec.SetExpiry(DefaultCodecTTL)
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "stream_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"audio_sample_rate", "audio_channels", "video_codec",
			"probed_at", "expires_at", "updated_at",
		}),
	}).Create(codec).Error
	if err != nil {
		return fmt.Errorf("upserting stream codec: %w", err)
	}
	return nil
}

// Get returns the cached format for a stream, or nil when absent or
// expired. Hits bump the usage counter.
func (r *CodecRepository) Get(ctx context.Context, streamID string) (*models.StreamCodec, error) {
	var codec models.StreamCodec
	err := r.db.WithContext(ctx).Where("stream_id = ?", streamID).First(&codec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting stream codec: %w", err)
	}
	if codec.IsExpired() {
		return nil, nil
	}

	r.db.WithContext(ctx).Model(&codec).
		UpdateColumn("hit_count", gorm.Expr("hit_count + 1"))
	return &codec, nil
}

// DeleteExpired removes stale entries, returning how many went away.
func (r *CodecRepository) DeleteExpired(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", time.Now()).
		Delete(&models.StreamCodec{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting expired codecs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
