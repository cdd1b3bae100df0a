package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ottlab/streamd/internal/domain/channel"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChannelLogRow is the channel_logs table. The association to ChannelRow
// installs the cascading foreign key during migration.
type ChannelLogRow struct {
	ID        int64      `gorm:"primaryKey;autoIncrement"`
	ChannelID string     `gorm:"size:36;not null;index:idx_channel_logs_channel"`
	Channel   ChannelRow `gorm:"foreignKey:ChannelID;constraint:OnDelete:CASCADE"`
	Level     string     `gorm:"size:16;not null;index"`
	Message   string     `gorm:"type:text;not null"`
	CreatedAt time.Time  `gorm:"index"`
}

func (ChannelLogRow) TableName() string { return "channel_logs" }

// LogRepository persists channel log lines with bounded per-channel
// retention: once the count passes maxPerChannel, oldest entries go.
type LogRepository struct {
	db            *gorm.DB
	log           *zap.Logger
	maxPerChannel int
}

// Append writes one log entry and prunes beyond the retention cap.
// Failures here are recorded and swallowed by the caller; the log pipeline
// must never take the supervisor down.
func (r *LogRepository) Append(ctx context.Context, channelID, level, message string) error {
	row := &ChannelLogRow{
		ChannelID: channelID,
		Level:     level,
		Message:   message,
	}
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(row).Error; err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return r.prune(ctx, channelID)
}

// prune deletes the oldest rows past the retention cap.
func (r *LogRepository) prune(ctx context.Context, channelID string) error {
	if r.maxPerChannel <= 0 {
		return nil
	}
	var count int64
	if err := r.db.WithContext(ctx).Model(&ChannelLogRow{}).
		Where("channel_id = ?", channelID).Count(&count).Error; err != nil {
		return fmt.Errorf("count logs: %w", err)
	}
	excess := count - int64(r.maxPerChannel)
	if excess <= 0 {
		return nil
	}
	var cutoff ChannelLogRow
	err := r.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("id ASC").Offset(int(excess) - 1).
		First(&cutoff).Error
	if err != nil {
		return fmt.Errorf("find prune cutoff: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("channel_id = ? AND id <= ?", channelID, cutoff.ID).
		Delete(&ChannelLogRow{}).Error; err != nil {
		return fmt.Errorf("prune logs: %w", err)
	}
	return nil
}

// List returns a page of logs for a channel, newest first, optionally
// filtered by level.
func (r *LogRepository) List(ctx context.Context, channelID, level string, limit, offset int) ([]channel.ChannelLog, int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Model(&ChannelLogRow{}).Where("channel_id = ?", channelID)
	if level != "" {
		q = q.Where("level = ?", level)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	var rows []ChannelLogRow
	if err := q.Order("id DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("select: %w", err)
	}

	out := make([]channel.ChannelLog, len(rows))
	for i, row := range rows {
		out[i] = channel.ChannelLog{
			ID:        row.ID,
			ChannelID: row.ChannelID,
			Level:     row.Level,
			Message:   row.Message,
			CreatedAt: row.CreatedAt,
		}
	}
	return out, total, nil
}

// DeleteForChannel drops all logs of one channel.
func (r *LogRepository) DeleteForChannel(ctx context.Context, channelID string) error {
	if err := r.db.WithContext(ctx).Delete(&ChannelLogRow{}, "channel_id = ?", channelID).Error; err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}
