package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/ottlab/streamd/internal/domain/channel"
	"go.uber.org/zap"
)

// RunHealthLoop periodically reconciles the persisted channel state with
// OS truth until ctx is cancelled. One pass:
//
//   - channels persisted running with a dead pid are marked error and,
//     within budget, scheduled for auto-restart
//   - channels persisted running with no pid at all are corrected to stopped
//   - channels currently restarting are skipped, except stalls past the
//     bound, which are demoted to error
func (s *Supervisor) RunHealthLoop(ctx context.Context, interval time.Duration) {
	log := s.log.Named("health")
	log.Info("health loop started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health loop stopped")
			return
		case <-ticker.C:
			s.healthPass(ctx, log)
		}
	}
}

func (s *Supervisor) healthPass(ctx context.Context, log *zap.Logger) {
	s.DemoteStaleRestarts(ctx)

	chans, err := s.store.Channels.GetByStatus(ctx, channel.StatusRunning)
	if err != nil {
		log.Warn("health pass query failed", zap.Error(err))
		return
	}

	for _, ch := range chans {
		if s.IsRestarting(ch.ID) {
			continue
		}

		if ch.PID == nil {
			// running with no pid violates the core invariant; correct it.
			log.Warn("running channel with null pid; correcting to stopped",
				zap.String("channel_id", ch.ID))
			if err := s.store.Channels.SetStatusPID(ctx, ch.ID, channel.StatusStopped, nil); err != nil {
				log.Warn("correction failed", zap.String("channel_id", ch.ID), zap.Error(err))
			}
			continue
		}

		if s.stats.Alive(*ch.PID) {
			continue
		}

		// Dead pid. Re-read the declared state before acting; an operator
		// may have transitioned the channel since the walk began.
		fresh, err := s.store.Channels.GetByID(ctx, ch.ID)
		if err != nil {
			continue
		}
		if fresh.Status != channel.StatusRunning {
			continue
		}

		log.Warn("supervised process is gone; treating as unexpected exit",
			zap.String("channel_id", ch.ID), zap.Int("pid", *ch.PID))

		// Drop any stale slot bookkeeping for the dead pid.
		if slot, ok := s.Slot(ch.ID); ok && slot.PID == *ch.PID {
			s.removeSlot(ch.ID, slot)
		}

		s.markError(ctx, ch.ID, errors.New("supervised process no longer exists"))
		if fresh.AutoRestart {
			s.scheduleAutoRestart(ch.ID, s.opts.AutoRestartDelay)
		}
	}
}

// ReconcileOnBoot aligns persisted state with reality after a server
// restart: no child of a previous incarnation is supervised anymore, so
// running channels with dead pids go to error (auto-restart candidates)
// and stuck restarting markers are cleared.
func (s *Supervisor) ReconcileOnBoot(ctx context.Context) error {
	chans, err := s.store.Channels.GetAll(ctx)
	if err != nil {
		return err
	}

	for _, ch := range chans {
		switch ch.Status {
		case channel.StatusRunning:
			if ch.PID != nil && s.stats.Alive(*ch.PID) {
				// A live orphan we no longer own; take it down and restart
				// under supervision if the channel wants to run.
				s.terminatePID(*ch.PID)
			}
			s.markError(ctx, ch.ID, errors.New("supervisor restarted while channel was running"))
			if ch.AutoRestart {
				s.scheduleAutoRestart(ch.ID, s.opts.AutoRestartDelay)
			}
		case channel.StatusRestarting:
			s.markError(ctx, ch.ID, errors.New("restart interrupted by supervisor shutdown"))
		}
	}
	return nil
}
