// Package service exposes the operator-facing operations over the core:
// channel CRUD, lifecycle commands, logs, and stats. It coordinates the
// store and the supervisor; transport layers stay thin over it.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/ottlab/streamd/internal/apperr"
	"github.com/ottlab/streamd/internal/bus"
	"github.com/ottlab/streamd/internal/domain/channel"
	"github.com/ottlab/streamd/internal/metrics"
	"github.com/ottlab/streamd/internal/probe"
	"github.com/ottlab/streamd/internal/store"
	"github.com/ottlab/streamd/internal/supervisor"
	"go.uber.org/zap"
)

// ChannelService coordinates the store, the supervisor, and the analyzer.
type ChannelService struct {
	log      *zap.Logger
	store    *store.Store
	sup      *supervisor.Supervisor
	stats    *metrics.ProcStats
	analyzer *probe.Analyzer
}

// NewChannelService wires dependencies. The store is injected into both
// the service and the supervisor at construction; log events travel over
// the bus rather than through direct calls, which keeps the dependency
// graph acyclic.
func NewChannelService(log *zap.Logger, st *store.Store, sup *supervisor.Supervisor, stats *metrics.ProcStats, analyzer *probe.Analyzer) *ChannelService {
	return &ChannelService{
		log:      log.Named("channel_service"),
		store:    st,
		sup:      sup,
		stats:    stats,
		analyzer: analyzer,
	}
}

// ListChannels returns all channels.
func (s *ChannelService) ListChannels(ctx context.Context) ([]*channel.Channel, error) {
	chs, err := s.store.Channels.GetAll(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list", err)
	}
	return chs, nil
}

// GetChannel returns one channel by id.
func (s *ChannelService) GetChannel(ctx context.Context, id string) (*channel.Channel, error) {
	ch, err := s.store.Channels.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrChannelNotFound) {
			return nil, apperr.Wrap(apperr.NotFound, "get", err)
		}
		return nil, apperr.Wrap(apperr.Internal, "get", err)
	}
	return ch, nil
}

// CreateChannel persists a new channel in stopped state.
func (s *ChannelService) CreateChannel(ctx context.Context, ch *channel.Channel) (*channel.Channel, error) {
	ch.ID = uuid.NewString()
	ch.Status = channel.StatusStopped
	ch.PID = nil
	ch.CreatedAt = time.Now()
	ch.UpdatedAt = ch.CreatedAt

	if err := ch.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "create", err)
	}
	if err := s.store.Channels.Create(ctx, ch); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "create", err)
	}
	s.log.Info("channel created", zap.String("channel_id", ch.ID), zap.String("name", ch.Name))
	return ch, nil
}

// UpdateChannel applies an edit. While a channel is running (or
// restarting) only name and auto_restart may change; everything else is a
// conflict because the running encoder would silently diverge from its
// declared config.
func (s *ChannelService) UpdateChannel(ctx context.Context, id string, upd *channel.Channel) (*channel.Channel, error) {
	cur, err := s.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}

	live := cur.Status == channel.StatusRunning || cur.Status == channel.StatusRestarting
	if live && criticalFieldsChanged(cur, upd) {
		return nil, apperr.New(apperr.Conflict,
			"channel %s is %s; only name and auto_restart may be edited", id, cur.Status)
	}

	cur.Name = upd.Name
	cur.AutoRestart = upd.AutoRestart
	if !live {
		cur.InputURL = upd.InputURL
		cur.Params = upd.Params
		cur.Outputs = upd.Outputs
	}
	cur.UpdatedAt = time.Now()

	if err := cur.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "update", err)
	}
	if err := s.store.Channels.Update(ctx, cur); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "update", err)
	}
	return cur, nil
}

func criticalFieldsChanged(cur, upd *channel.Channel) bool {
	if cur.InputURL != upd.InputURL {
		return true
	}
	curOut, _ := jsonEq(cur.Outputs, upd.Outputs)
	curPar, _ := jsonEq(cur.Params, upd.Params)
	return !curOut || !curPar
}

// DeleteChannel stops the channel if needed, removes its record (logs
// cascade), and clears its media directory.
func (s *ChannelService) DeleteChannel(ctx context.Context, id string) error {
	ch, err := s.GetChannel(ctx, id)
	if err != nil {
		return err
	}

	if ch.Status == channel.StatusRunning || ch.Status == channel.StatusRestarting || ch.PID != nil {
		if err := s.sup.Stop(ctx, id, true); err != nil && !apperr.Is(err, apperr.Conflict) {
			return err
		}
	}

	if err := s.store.Channels.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrChannelNotFound) {
			return apperr.Wrap(apperr.NotFound, "delete", err)
		}
		return apperr.Wrap(apperr.Internal, "delete", err)
	}
	if err := os.RemoveAll(s.sup.MediaDir(id)); err != nil {
		s.log.Warn("media dir removal failed", zap.String("channel_id", id), zap.Error(err))
	}
	s.log.Info("channel deleted", zap.String("channel_id", id))
	return nil
}

// Start launches the channel's encoder.
func (s *ChannelService) Start(ctx context.Context, id string) error {
	return s.sup.Start(ctx, id)
}

// Stop terminates the channel's encoder. cleanFiles purges its media dir.
func (s *ChannelService) Stop(ctx context.Context, id string, cleanFiles bool) error {
	return s.sup.Stop(ctx, id, cleanFiles)
}

// Restart bounces the channel's encoder.
func (s *ChannelService) Restart(ctx context.Context, id string) error {
	return s.sup.Restart(ctx, id)
}

// StatusSummary aggregates channel counts by state.
type StatusSummary struct {
	Total      int `json:"total"`
	Running    int `json:"running"`
	Stopped    int `json:"stopped"`
	Error      int `json:"error"`
	Restarting int `json:"restarting"`
}

// GetStatus returns the population summary.
func (s *ChannelService) GetStatus(ctx context.Context) (*StatusSummary, error) {
	chs, err := s.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	sum := &StatusSummary{Total: len(chs)}
	for _, ch := range chs {
		switch ch.Status {
		case channel.StatusRunning:
			sum.Running++
		case channel.StatusStopped:
			sum.Stopped++
		case channel.StatusError:
			sum.Error++
		case channel.StatusRestarting:
			sum.Restarting++
		}
	}
	return sum, nil
}

// GetLogs returns a page of persisted logs for a channel, optionally
// filtered by level.
func (s *ChannelService) GetLogs(ctx context.Context, id, level string, limit, offset int) ([]channel.ChannelLog, int64, error) {
	if _, err := s.GetChannel(ctx, id); err != nil {
		return nil, 0, err
	}
	logs, total, err := s.store.Logs.List(ctx, id, level, limit, offset)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.Internal, "logs", err)
	}
	return logs, total, nil
}

// GetLiveLogs returns the newest in-memory encoder lines for a running
// channel.
func (s *ChannelService) GetLiveLogs(id string, lines int) []string {
	if slot, ok := s.sup.Slot(id); ok {
		return slot.Logs(lines)
	}
	return nil
}

// DeleteLogs drops all persisted logs of a channel.
func (s *ChannelService) DeleteLogs(ctx context.Context, id string) error {
	if _, err := s.GetChannel(ctx, id); err != nil {
		return err
	}
	if err := s.store.Logs.DeleteForChannel(ctx, id); err != nil {
		return apperr.Wrap(apperr.Internal, "delete logs", err)
	}
	return nil
}

// ChannelStats is the combined live view of one channel.
type ChannelStats struct {
	Channel *channel.Channel      `json:"channel"`
	Process *metrics.ProcessStats `json:"process,omitempty"`
	Metrics *channel.MetricRecord `json:"metrics,omitempty"`
}

// GetStats combines the persisted record, process statistics, and the
// latest parsed metrics for one channel.
func (s *ChannelService) GetStats(ctx context.Context, id string) (*ChannelStats, error) {
	ch, err := s.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &ChannelStats{Channel: ch}
	if slot, ok := s.sup.Slot(id); ok {
		st := s.stats.Collect(slot.PID)
		out.Process = &st
		if rec, ok := slot.Metric(); ok {
			out.Metrics = &rec
		}
	}
	return out, nil
}

// AnalyzeAudioTracks probes an arbitrary input URL for audio streams.
func (s *ChannelService) AnalyzeAudioTracks(ctx context.Context, inputURL string) ([]probe.AudioTrack, error) {
	if inputURL == "" {
		return nil, apperr.New(apperr.Validation, "input_url is required")
	}
	tracks, err := s.analyzer.AnalyzeAudioTracks(ctx, inputURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "analyze", err)
	}
	return tracks, nil
}

// RunLogPersister consumes bus events and writes channel logs with bounded
// retention until ctx is cancelled. Failures are recorded at debug level
// and swallowed; this pipeline must never take the supervisor down.
func (s *ChannelService) RunLogPersister(ctx context.Context, evbus *bus.Bus) {
	events, unsubscribe := evbus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.persistEvent(ev)
		}
	}
}

func (s *ChannelService) persistEvent(ev bus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var level, msg string
	switch ev.Type {
	case bus.EventLog:
		level, msg = ev.Level, ev.Message
	case bus.EventChannelStarted:
		level, msg = "info", fmt.Sprintf("channel started (pid %d)", ev.PID)
	case bus.EventChannelStopped:
		level, msg = "info", "channel stopped"
		if ev.ExitCode != nil {
			msg = fmt.Sprintf("channel stopped (exit code %d)", *ev.ExitCode)
		}
	case bus.EventChannelError:
		level, msg = "error", ev.Err
	default:
		return
	}

	if err := s.store.Logs.Append(ctx, ev.ChannelID, level, msg); err != nil {
		s.log.Debug("log persist failed", zap.String("channel_id", ev.ChannelID), zap.Error(err))
	}
}

func jsonEq(a, b any) (bool, error) {
	aj, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	return string(aj) == string(bj), nil
}
