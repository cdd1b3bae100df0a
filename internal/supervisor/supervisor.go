// Package supervisor owns the live set of running encoder processes. It
// drives the per-channel state machine (stopped → running → error →
// restarting), enforces the restart budget, and emits lifecycle and log
// events onto the bus.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ottlab/streamd/internal/apperr"
	"github.com/ottlab/streamd/internal/bus"
	"github.com/ottlab/streamd/internal/domain/channel"
	"github.com/ottlab/streamd/internal/metrics"
	"github.com/ottlab/streamd/internal/store"
	"github.com/ottlab/streamd/pkg/ffmpegcmd"
	"go.uber.org/zap"
)

// Options tunes the supervisor. Zero-valued timing fields fall back to the
// defaults below.
type Options struct {
	FFmpegPath          string
	MediaBasePath       string
	NVENCPresetOverride string

	RestartMaxAttempts int
	RestartWindow      time.Duration

	TermWait          time.Duration // graceful-kill wait before escalation
	KillWait          time.Duration // post-SIGKILL reap wait
	RestartDelay      time.Duration // pause between stop and start in a restart
	AutoRestartDelay  time.Duration // backoff before an automatic restart
	RestartingTimeout time.Duration // stall bound before a restart is demoted
}

func (o *Options) applyDefaults() {
	if o.TermWait == 0 {
		o.TermWait = 500 * time.Millisecond
	}
	if o.KillWait == 0 {
		o.KillWait = 200 * time.Millisecond
	}
	if o.RestartDelay == 0 {
		o.RestartDelay = time.Second
	}
	if o.AutoRestartDelay == 0 {
		o.AutoRestartDelay = 5 * time.Second
	}
	if o.RestartingTimeout == 0 {
		o.RestartingTimeout = 10 * time.Second
	}
	if o.RestartMaxAttempts == 0 {
		o.RestartMaxAttempts = 25
	}
	if o.RestartWindow == 0 {
		o.RestartWindow = 2 * time.Minute
	}
}

// Supervisor coordinates encoder child processes for all channels.
type Supervisor struct {
	log    *zap.Logger
	opts   Options
	store  *store.Store
	codec  ffmpegcmd.CodecResolver
	parser *metrics.Parser
	stats  *metrics.ProcStats
	bus    *bus.Bus
	budget *restartBudget

	// Per-channel serialization gates: all state transitions for one
	// channel are totally ordered.
	gates sync.Map // channel id -> *gate

	mu         sync.RWMutex
	slots      map[string]*Slot
	restarting map[string]time.Time // channel id -> entered at

	spawn  spawnFunc
	wg     sync.WaitGroup
	stopCh chan struct{}
	closed atomic.Bool
}

// New wires a Supervisor. The store and bus are injected so the log
// persister and the supervisor don't reference each other directly.
func New(log *zap.Logger, st *store.Store, codec ffmpegcmd.CodecResolver, parser *metrics.Parser, stats *metrics.ProcStats, evbus *bus.Bus, opts Options) *Supervisor {
	opts.applyDefaults()
	return &Supervisor{
		log:        log.Named("supervisor"),
		opts:       opts,
		store:      st,
		codec:      codec,
		parser:     parser,
		stats:      stats,
		bus:        evbus,
		budget:     newRestartBudget(opts.RestartMaxAttempts, opts.RestartWindow),
		slots:      make(map[string]*Slot),
		restarting: make(map[string]time.Time),
		spawn:      spawnOS,
		stopCh:     make(chan struct{}),
	}
}

// gate is a 1-token semaphore; Lock blocks until the token is free.
type gate struct{ ch chan struct{} }

func newGate() *gate {
	g := &gate{ch: make(chan struct{}, 1)}
	g.ch <- struct{}{}
	return g
}
func (g *gate) Lock()   { <-g.ch }
func (g *gate) Unlock() { g.ch <- struct{}{} }

// lock acquires the per-channel gate (blocking) and returns the unlock.
func (s *Supervisor) lock(id string) func() {
	v, _ := s.gates.LoadOrStore(id, newGate())
	g := v.(*gate)
	g.Lock()
	return g.Unlock
}

// Slot returns the live slot for a channel, if any.
func (s *Supervisor) Slot(id string) (*Slot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[id]
	return slot, ok
}

// Slots returns a snapshot of the live slot table.
func (s *Supervisor) Slots() map[string]*Slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Slot, len(s.slots))
	for id, slot := range s.slots {
		out[id] = slot
	}
	return out
}

// IsRestarting reports whether a channel holds the restart exclusion flag.
func (s *Supervisor) IsRestarting(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.restarting[id]
	return ok
}

func (s *Supervisor) enterRestarting(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.restarting[id]; ok {
		return false
	}
	s.restarting[id] = time.Now()
	return true
}

func (s *Supervisor) exitRestarting(id string) {
	s.mu.Lock()
	delete(s.restarting, id)
	s.mu.Unlock()
}

// MediaDir returns the channel's output directory.
func (s *Supervisor) MediaDir(id string) string {
	return filepath.Join(s.opts.MediaBasePath, id)
}

// Start spawns the encoder for a channel and transitions it to running.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()
	return s.startLocked(ctx, id)
}

// startLocked requires the per-channel gate.
func (s *Supervisor) startLocked(ctx context.Context, id string) error {
	if s.closed.Load() {
		return apperr.New(apperr.Conflict, "supervisor is shutting down")
	}
	if _, ok := s.Slot(id); ok {
		return apperr.New(apperr.Conflict, "channel %s is already running", id)
	}

	ch, err := s.store.Channels.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrChannelNotFound) {
			return apperr.Wrap(apperr.NotFound, "start", err)
		}
		return apperr.Wrap(apperr.Internal, "start", err)
	}
	if err := ch.Validate(); err != nil {
		return apperr.Wrap(apperr.Validation, "start", err)
	}

	mediaDir := s.MediaDir(id)
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return apperr.Wrap(apperr.Internal, "create media dir", err)
	}

	program, argv, err := ffmpegcmd.Build(ctx, ffmpegcmd.Config{
		FFmpegPath:          s.opts.FFmpegPath,
		MediaBasePath:       s.opts.MediaBasePath,
		NVENCPresetOverride: s.opts.NVENCPresetOverride,
	}, s.codec, ch, ch.FirstOutput())
	if err != nil {
		if apperr.Is(err, apperr.Resource) {
			s.markError(ctx, id, err)
			return err
		}
		return apperr.Wrap(apperr.Validation, "build command", err)
	}

	p, err := s.spawn(program, argv[1:])
	if err != nil {
		s.markError(ctx, id, err)
		return apperr.Wrap(apperr.Spawn, "spawn encoder", err)
	}
	pid := p.PID()

	slot := newSlot(id, p, argv)
	s.mu.Lock()
	s.slots[id] = slot
	s.mu.Unlock()

	if err := s.store.Channels.SetStatusPID(ctx, id, channel.StatusRunning, &pid); err != nil {
		// Persistence failed after the side effect landed; roll the child
		// back so the store never claims a process we can't account for.
		slot.stopRequested.Store(true)
		_ = p.Kill()
		s.removeSlot(id, slot)
		return apperr.Wrap(apperr.Internal, "persist running state", err)
	}

	s.wg.Add(3)
	go s.readStderr(slot)
	go s.readStdout(slot)
	go s.waitChild(slot)

	s.log.Info("channel started",
		zap.String("channel_id", id),
		zap.Int("pid", pid),
		zap.Strings("argv", argv))
	s.bus.Publish(bus.Event{Type: bus.EventChannelStarted, ChannelID: id, PID: pid})
	return nil
}

// markError transitions the persisted status to error with no pid.
func (s *Supervisor) markError(ctx context.Context, id string, cause error) {
	if err := s.store.Channels.SetStatusPID(ctx, id, channel.StatusError, nil); err != nil {
		s.log.Warn("failed to persist error status", zap.String("channel_id", id), zap.Error(err))
	}
	s.bus.Publish(bus.Event{Type: bus.EventChannelError, ChannelID: id, Err: cause.Error()})
}

func (s *Supervisor) removeSlot(id string, slot *Slot) {
	s.mu.Lock()
	if cur, ok := s.slots[id]; ok && cur == slot {
		delete(s.slots, id)
	}
	s.mu.Unlock()
	s.parser.ClearBuffer(id)
}

// readStderr drains the encoder's status stream: progress lines become
// metric records, everything else is routed to the log pipeline. The
// encoder mixes both onto stderr, so a successfully parsed progress line
// is deliberately not duplicated into the logs.
func (s *Supervisor) readStderr(slot *Slot) {
	defer s.wg.Done()

	buf := make([]byte, 4096)
	for {
		n, err := slot.proc.Stderr().Read(buf)
		if n > 0 {
			records, plain := s.parser.Feed(slot.ChannelID, buf[:n])
			for _, rec := range records {
				slot.SetMetric(rec)
			}
			for _, line := range plain {
				slot.logs.Append(line)
				s.bus.Publish(bus.Event{
					Type: bus.EventLog, ChannelID: slot.ChannelID,
					Level: "error", Message: line,
				})
			}
		}
		if err != nil {
			return
		}
	}
}

// readStdout routes encoder stdout lines to the log pipeline.
func (s *Supervisor) readStdout(slot *Slot) {
	defer s.wg.Done()

	sc := bufio.NewScanner(slot.proc.Stdout())
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		slot.logs.Append(line)
		s.bus.Publish(bus.Event{
			Type: bus.EventLog, ChannelID: slot.ChannelID,
			Level: "info", Message: line,
		})
	}
}

// waitChild reaps the encoder and drives the post-exit transition:
// exit 0 → stopped, non-zero → error plus auto-restart consideration.
// Operator-initiated terminations are handled by the stop path instead.
func (s *Supervisor) waitChild(slot *Slot) {
	defer s.wg.Done()

	code, err := slot.proc.Wait()
	close(slot.done)

	id := slot.ChannelID
	s.removeSlot(id, slot)

	if slot.stopRequested.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err != nil {
		s.log.Error("wait failed", zap.String("channel_id", id), zap.Error(err))
	}

	if code == 0 {
		s.log.Info("encoder exited cleanly", zap.String("channel_id", id))
		if err := s.store.Channels.SetStatusPID(ctx, id, channel.StatusStopped, nil); err != nil {
			s.log.Warn("failed to persist stopped status", zap.String("channel_id", id), zap.Error(err))
		}
		s.bus.Publish(bus.Event{Type: bus.EventChannelStopped, ChannelID: id, ExitCode: &code})
		return
	}

	s.log.Warn("encoder exited abnormally",
		zap.String("channel_id", id), zap.Int("exit_code", code))
	s.markError(ctx, id, fmt.Errorf("encoder exited with code %d", code))

	if s.closed.Load() {
		return
	}
	ch, gerr := s.store.Channels.GetByID(ctx, id)
	if gerr == nil && ch.AutoRestart {
		s.scheduleAutoRestart(id, s.opts.AutoRestartDelay)
	}
}

// Stop terminates a channel's encoder with the two-phase discipline and
// transitions it to stopped. cleanFiles additionally purges the channel's
// media directory.
func (s *Supervisor) Stop(ctx context.Context, id string, cleanFiles bool) error {
	unlock := s.lock(id)
	defer unlock()
	return s.stopLocked(ctx, id, cleanFiles)
}

func (s *Supervisor) stopLocked(ctx context.Context, id string, cleanFiles bool) error {
	slot, hasSlot := s.Slot(id)

	if !hasSlot {
		ch, err := s.store.Channels.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrChannelNotFound) {
				return apperr.Wrap(apperr.NotFound, "stop", err)
			}
			return apperr.Wrap(apperr.Internal, "stop", err)
		}
		if ch.PID == nil && ch.Status != channel.StatusRunning && ch.Status != channel.StatusRestarting {
			return apperr.New(apperr.Conflict, "channel %s is not running", id)
		}
		// Orphan pid from a previous incarnation: best-effort teardown.
		if ch.PID != nil && s.stats.Alive(*ch.PID) {
			s.terminatePID(*ch.PID)
		}
	} else {
		s.killSlot(slot)
	}

	if err := s.store.Channels.SetStatusPID(ctx, id, channel.StatusStopped, nil); err != nil {
		return apperr.Wrap(apperr.Internal, "persist stopped state", err)
	}
	s.budget.Reset(id)
	s.exitRestarting(id)

	if cleanFiles {
		s.purgeMediaDir(id)
	}

	s.log.Info("channel stopped", zap.String("channel_id", id), zap.Bool("clean_files", cleanFiles))
	s.bus.Publish(bus.Event{Type: bus.EventChannelStopped, ChannelID: id})
	return nil
}

// killSlot applies TERM → grace → KILL to a live slot and waits for the
// reap. Marks the termination operator-initiated first so the exit handler
// stays out of the way.
func (s *Supervisor) killSlot(slot *Slot) {
	slot.stopRequested.Store(true)

	if err := slot.proc.Terminate(); err != nil {
		s.log.Debug("terminate failed", zap.String("channel_id", slot.ChannelID), zap.Error(err))
	}
	select {
	case <-slot.Done():
		return
	case <-time.After(s.opts.TermWait):
	}

	if err := slot.proc.Kill(); err != nil {
		s.log.Debug("kill failed", zap.String("channel_id", slot.ChannelID), zap.Error(err))
	}
	select {
	case <-slot.Done():
	case <-time.After(s.opts.KillWait):
		s.log.Warn("child did not reap within kill wait", zap.String("channel_id", slot.ChannelID))
	}
}

// terminatePID applies the two-phase discipline to a pid we no longer own
// a handle for.
func (s *Supervisor) terminatePID(pid int) {
	_ = signalGroup(pid, false)
	time.Sleep(s.opts.TermWait)
	if s.stats.Alive(pid) {
		_ = signalGroup(pid, true)
		time.Sleep(s.opts.KillWait)
	}
}

// purgeMediaDir clears the channel's output directory contents.
func (s *Supervisor) purgeMediaDir(id string) {
	dir := s.MediaDir(id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			s.log.Warn("purge failed", zap.String("path", e.Name()), zap.Error(err))
		}
	}
}

// Restart stops and re-starts a channel. Restarts are exclusive per
// channel: a second concurrent restart gets a conflict. The restart
// re-verifies the declared status after the delay and immediately before
// spawning, so an operator stop issued mid-restart wins.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	if _, err := s.store.Channels.GetByID(ctx, id); err != nil {
		if errors.Is(err, store.ErrChannelNotFound) {
			return apperr.Wrap(apperr.NotFound, "restart", err)
		}
		return apperr.Wrap(apperr.Internal, "restart", err)
	}

	if !s.enterRestarting(id) {
		return apperr.New(apperr.Conflict, "channel %s is already restarting", id)
	}
	defer s.exitRestarting(id)

	// Phase 1: mark restarting, take the encoder down (files kept).
	unlock := s.lock(id)
	if err := s.store.Channels.SetStatusPID(ctx, id, channel.StatusRestarting, nil); err != nil {
		unlock()
		return apperr.Wrap(apperr.Internal, "persist restarting state", err)
	}
	if slot, ok := s.Slot(id); ok {
		s.killSlot(slot)
	}
	unlock()

	// The gate is released during the delay so a concurrent operator stop
	// can land and flip the status under us.
	select {
	case <-time.After(s.opts.RestartDelay):
	case <-ctx.Done():
		s.abortRestart(id)
		return ctx.Err()
	}

	// Phase 2: re-verify and spawn.
	unlock = s.lock(id)
	defer unlock()

	ch, err := s.store.Channels.GetByID(ctx, id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "restart re-read", err)
	}
	if ch.Status != channel.StatusRestarting {
		// Concurrently stopped (or otherwise transitioned); abort quietly.
		s.log.Info("restart aborted; status changed during delay",
			zap.String("channel_id", id), zap.String("status", string(ch.Status)))
		return nil
	}

	s.purgeMediaDir(id)

	if err := s.startLocked(ctx, id); err != nil {
		s.markError(context.WithoutCancel(ctx), id, err)
		return err
	}
	return nil
}

// abortRestart parks an interrupted restart in error.
func (s *Supervisor) abortRestart(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.markError(ctx, id, errors.New("restart interrupted"))
}

// scheduleAutoRestart arms one automatic restart attempt after delay,
// re-checking the declared state and the budget at fire time.
func (s *Supervisor) scheduleAutoRestart(id string, delay time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.stopCh:
			return
		}
		if s.closed.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ch, err := s.store.Channels.GetByID(ctx, id)
		if err != nil {
			return
		}
		// Operator intervention or a competing restart wins.
		if ch.Status == channel.StatusStopped || ch.Status == channel.StatusRestarting || !ch.AutoRestart {
			return
		}

		if !s.budget.Allow(id) {
			s.log.Warn("restart budget exceeded; suppressing auto-restart",
				zap.String("channel_id", id),
				zap.Int("max_attempts", s.opts.RestartMaxAttempts))
			s.markError(ctx, id, apperr.New(apperr.Conflict, "restart budget exceeded (%d attempts within %s)",
				s.opts.RestartMaxAttempts, s.opts.RestartWindow))
			return
		}

		if err := s.Restart(ctx, id); err != nil {
			s.log.Debug("auto-restart failed", zap.String("channel_id", id), zap.Error(err))
		}
	}()
}

// DemoteStaleRestarts parks channels whose restart has not advanced within
// the bound. Called by the health loop.
func (s *Supervisor) DemoteStaleRestarts(ctx context.Context) {
	s.mu.Lock()
	var stale []string
	for id, enteredAt := range s.restarting {
		if time.Since(enteredAt) > s.opts.RestartingTimeout {
			stale = append(stale, id)
			delete(s.restarting, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.log.Warn("restart stalled; demoting to error", zap.String("channel_id", id))
		s.markError(ctx, id, errors.New("restart did not complete within bound"))
	}
}

// Shutdown stops every child and waits for the handler goroutines. Media
// directories are cleared per the ephemeral-contents contract.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.stopCh)
	}

	for id := range s.Slots() {
		if err := s.Stop(ctx, id, true); err != nil && !apperr.Is(err, apperr.Conflict) {
			s.log.Warn("shutdown stop failed", zap.String("channel_id", id), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
