package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ottlab/streamd/internal/domain/channel"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrChannelNotFound is returned for unknown channel IDs.
var ErrChannelNotFound = errors.New("channel not found")

// ChannelRow is the channels table. Params and outputs are stored as JSON
// documents; the enumerated columns carry the indices the health loop and
// operator listings query on.
type ChannelRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string `gorm:"size:100;not null"`
	Status      string `gorm:"size:16;not null;index"`
	InputURL    string `gorm:"size:2048;not null"`
	Params      []byte `gorm:"column:ffmpeg_params;type:json"`
	Outputs     []byte `gorm:"type:json"`
	AutoRestart bool   `gorm:"not null;default:false"`
	PID         *int   `gorm:"index"`
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
}

func (ChannelRow) TableName() string { return "channels" }

// ChannelRepository persists channel records.
type ChannelRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

func toRow(ch *channel.Channel) (*ChannelRow, error) {
	params, err := json.Marshal(ch.Params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	outputs, err := json.Marshal(ch.Outputs)
	if err != nil {
		return nil, fmt.Errorf("encode outputs: %w", err)
	}
	return &ChannelRow{
		ID:          ch.ID,
		Name:        ch.Name,
		Status:      string(ch.Status),
		InputURL:    ch.InputURL,
		Params:      params,
		Outputs:     outputs,
		AutoRestart: ch.AutoRestart,
		PID:         ch.PID,
		CreatedAt:   ch.CreatedAt,
		UpdatedAt:   ch.UpdatedAt,
	}, nil
}

func fromRow(row *ChannelRow) (*channel.Channel, error) {
	ch := &channel.Channel{
		ID:          row.ID,
		Name:        row.Name,
		Status:      channel.Status(row.Status),
		InputURL:    row.InputURL,
		AutoRestart: row.AutoRestart,
		PID:         row.PID,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if len(row.Params) > 0 {
		if err := json.Unmarshal(row.Params, &ch.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if len(row.Outputs) > 0 {
		if err := json.Unmarshal(row.Outputs, &ch.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
	}
	return ch, nil
}

// Create inserts a new channel record.
func (r *ChannelRepository) Create(ctx context.Context, ch *channel.Channel) error {
	row, err := toRow(ch)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// GetByID fetches one channel. Returns ErrChannelNotFound on a miss.
func (r *ChannelRepository) GetByID(ctx context.Context, id string) (*channel.Channel, error) {
	var row ChannelRow
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("select: %w", err)
	}
	return fromRow(&row)
}

// GetAll returns every channel, newest first.
func (r *ChannelRepository) GetAll(ctx context.Context) ([]*channel.Channel, error) {
	var rows []ChannelRow
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	out := make([]*channel.Channel, 0, len(rows))
	for i := range rows {
		ch, err := fromRow(&rows[i])
		if err != nil {
			r.log.Warn("skipping undecodable channel row", zap.String("id", rows[i].ID), zap.Error(err))
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

// GetByStatus returns channels whose persisted status matches.
func (r *ChannelRepository) GetByStatus(ctx context.Context, status channel.Status) ([]*channel.Channel, error) {
	var rows []ChannelRow
	if err := r.db.WithContext(ctx).Where("status = ?", string(status)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	out := make([]*channel.Channel, 0, len(rows))
	for i := range rows {
		ch, err := fromRow(&rows[i])
		if err != nil {
			r.log.Warn("skipping undecodable channel row", zap.String("id", rows[i].ID), zap.Error(err))
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

// Update persists the full channel record.
func (r *ChannelRepository) Update(ctx context.Context, ch *channel.Channel) error {
	row, err := toRow(ch)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&ChannelRow{}).Where("id = ?", ch.ID).
		Select("*").Omit("id", "created_at").Updates(row)
	if res.Error != nil {
		return fmt.Errorf("update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// SetStatusPID mutates status and pid together, so an external reader can
// never observe status=running with pid=null.
func (r *ChannelRepository) SetStatusPID(ctx context.Context, id string, status channel.Status, pid *int) error {
	res := r.db.WithContext(ctx).Model(&ChannelRow{}).Where("id = ?", id).
		Updates(map[string]any{
			"status":     string(status),
			"pid":        pid,
			"updated_at": clause.Expr{SQL: "CURRENT_TIMESTAMP"},
		})
	if res.Error != nil {
		return fmt.Errorf("update status/pid: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// Delete removes a channel; channel_logs rows cascade.
func (r *ChannelRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&ChannelRow{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrChannelNotFound
	}
	// Cascade for backends where the FK constraint was not installed by
	// AutoMigrate (sqlite with legacy schemas).
	if err := r.db.WithContext(ctx).Delete(&ChannelLogRow{}, "channel_id = ?", id).Error; err != nil {
		r.log.Warn("log cascade delete failed", zap.String("channel_id", id), zap.Error(err))
	}
	return nil
}
