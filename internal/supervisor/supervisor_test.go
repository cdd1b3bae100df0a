package supervisor

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ottlab/streamd/internal/apperr"
	"github.com/ottlab/streamd/internal/bus"
	"github.com/ottlab/streamd/internal/domain/channel"
	"github.com/ottlab/streamd/internal/metrics"
	"github.com/ottlab/streamd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeProc stands in for a spawned encoder.
type fakeProc struct {
	pid    int
	stderr io.ReadCloser
	stdout io.ReadCloser

	exitCh   chan int
	exitOnce sync.Once

	terminated atomic.Bool
	killed     atomic.Bool
}

func newFakeProc(pid int, stderrData string) *fakeProc {
	return &fakeProc{
		pid:    pid,
		stderr: io.NopCloser(strings.NewReader(stderrData)),
		stdout: io.NopCloser(strings.NewReader("")),
		exitCh: make(chan int, 1),
	}
}

func (p *fakeProc) exit(code int) {
	p.exitOnce.Do(func() { p.exitCh <- code })
}

func (p *fakeProc) PID() int              { return p.pid }
func (p *fakeProc) Stdout() io.ReadCloser { return p.stdout }
func (p *fakeProc) Stderr() io.ReadCloser { return p.stderr }
func (p *fakeProc) Wait() (int, error)    { return <-p.exitCh, nil }

func (p *fakeProc) Terminate() error {
	p.terminated.Store(true)
	p.exit(143)
	return nil
}

func (p *fakeProc) Kill() error {
	p.killed.Store(true)
	p.exit(137)
	return nil
}

// testRig bundles a supervisor over an in-memory store with a scripted
// spawner.
type testRig struct {
	sup   *Supervisor
	store *store.Store
	bus   *bus.Bus

	mu      sync.Mutex
	spawned []*fakeProc
	nextPID int
}

func newTestRig(t *testing.T, opts Options) *testRig {
	t.Helper()

	st, err := store.Open(zap.NewNop(), "sqlite", ":memory:", 100)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	evbus := bus.New(zap.NewNop())
	t.Cleanup(evbus.Close)

	opts.FFmpegPath = "/usr/bin/ffmpeg"
	opts.MediaBasePath = t.TempDir()
	if opts.TermWait == 0 {
		opts.TermWait = 20 * time.Millisecond
	}
	if opts.KillWait == 0 {
		opts.KillWait = 20 * time.Millisecond
	}
	if opts.RestartDelay == 0 {
		opts.RestartDelay = 20 * time.Millisecond
	}
	if opts.AutoRestartDelay == 0 {
		opts.AutoRestartDelay = 20 * time.Millisecond
	}

	parser := metrics.NewParser(zap.NewNop())
	stats := metrics.NewProcStats(zap.NewNop())
	sup := New(zap.NewNop(), st, nil, parser, stats, evbus, opts)

	rig := &testRig{sup: sup, store: st, bus: evbus, nextPID: 40000}
	sup.spawn = func(program string, args []string) (proc, error) {
		rig.mu.Lock()
		defer rig.mu.Unlock()
		rig.nextPID++
		p := newFakeProc(rig.nextPID, "")
		rig.spawned = append(rig.spawned, p)
		return p, nil
	}
	return rig
}

func (r *testRig) spawnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spawned)
}

func (r *testRig) lastProc() *fakeProc {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.spawned) == 0 {
		return nil
	}
	return r.spawned[len(r.spawned)-1]
}

func (r *testRig) createChannel(t *testing.T, autoRestart bool) *channel.Channel {
	t.Helper()
	ch := &channel.Channel{
		ID:          uuid.NewString(),
		Name:        "test",
		InputURL:    "https://ex/live.m3u8",
		Status:      channel.StatusStopped,
		AutoRestart: autoRestart,
		Outputs:     []channel.Output{{Kind: channel.OutputUDP, Host: "10.0.0.1", Port: 5000}},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	require.NoError(t, r.store.Channels.Create(context.Background(), ch))
	return ch
}

func (r *testRig) status(t *testing.T, id string) channel.Status {
	t.Helper()
	ch, err := r.store.Channels.GetByID(context.Background(), id)
	require.NoError(t, err)
	return ch.Status
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", msg)
}

func TestStartTransitionsToRunning(t *testing.T) {
	rig := newTestRig(t, Options{})
	ch := rig.createChannel(t, false)

	require.NoError(t, rig.sup.Start(context.Background(), ch.ID))

	got, err := rig.store.Channels.GetByID(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, channel.StatusRunning, got.Status)
	require.NotNil(t, got.PID)
	assert.Equal(t, rig.lastProc().pid, *got.PID)

	_, ok := rig.sup.Slot(ch.ID)
	assert.True(t, ok)
}

func TestStartWhileRunningConflicts(t *testing.T) {
	rig := newTestRig(t, Options{})
	ch := rig.createChannel(t, false)

	require.NoError(t, rig.sup.Start(context.Background(), ch.ID))
	before, _ := rig.store.Channels.GetByID(context.Background(), ch.ID)

	err := rig.sup.Start(context.Background(), ch.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))

	// No new child; pid unchanged.
	assert.Equal(t, 1, rig.spawnCount())
	after, _ := rig.store.Channels.GetByID(context.Background(), ch.ID)
	assert.Equal(t, *before.PID, *after.PID)
}

func TestStartUnknownChannel(t *testing.T) {
	rig := newTestRig(t, Options{})
	err := rig.sup.Start(context.Background(), "no-such-id")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestStartInvalidChannel(t *testing.T) {
	rig := newTestRig(t, Options{})
	ch := &channel.Channel{
		ID:        uuid.NewString(),
		Name:      "broken",
		InputURL:  "", // missing input
		Status:    channel.StatusStopped,
		Outputs:   []channel.Output{{Kind: channel.OutputUDP, Host: "10.0.0.1", Port: 5000}},
		CreatedAt: time.Now(),
	}
	// Bypass service-level validation to exercise the supervisor's own check.
	require.NoError(t, rig.store.Channels.Create(context.Background(), ch))

	err := rig.sup.Start(context.Background(), ch.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Validation))
	assert.Equal(t, 0, rig.spawnCount())
}

func TestStopTerminatesAndPersists(t *testing.T) {
	rig := newTestRig(t, Options{})
	ch := rig.createChannel(t, false)

	require.NoError(t, rig.sup.Start(context.Background(), ch.ID))
	require.NoError(t, rig.sup.Stop(context.Background(), ch.ID, false))

	assert.True(t, rig.lastProc().terminated.Load())

	got, err := rig.store.Channels.GetByID(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, channel.StatusStopped, got.Status)
	assert.Nil(t, got.PID)

	_, ok := rig.sup.Slot(ch.ID)
	assert.False(t, ok)
}

func TestStopWhileStoppedConflicts(t *testing.T) {
	rig := newTestRig(t, Options{})
	ch := rig.createChannel(t, false)

	err := rig.sup.Stop(context.Background(), ch.ID, false)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))
}

func TestCleanExitTransitionsToStopped(t *testing.T) {
	rig := newTestRig(t, Options{})
	ch := rig.createChannel(t, true)

	require.NoError(t, rig.sup.Start(context.Background(), ch.ID))
	rig.lastProc().exit(0)

	waitFor(t, func() bool { return rig.status(t, ch.ID) == channel.StatusStopped },
		"clean exit should persist stopped")
	assert.Equal(t, 1, rig.spawnCount(), "exit code 0 must not auto-restart")
}

func TestCrashWithAutoRestart(t *testing.T) {
	rig := newTestRig(t, Options{})
	ch := rig.createChannel(t, true)

	require.NoError(t, rig.sup.Start(context.Background(), ch.ID))
	rig.lastProc().exit(1)

	// The supervisor marks error, then after the backoff re-reads the
	// channel and issues a fresh start.
	waitFor(t, func() bool { return rig.spawnCount() == 2 }, "auto-restart should respawn")
	waitFor(t, func() bool { return rig.status(t, ch.ID) == channel.StatusRunning },
		"channel should be running again")
	assert.False(t, rig.sup.IsRestarting(ch.ID), "restarting flag must clear")
}

func TestCrashWithoutAutoRestart(t *testing.T) {
	rig := newTestRig(t, Options{})
	ch := rig.createChannel(t, false)

	require.NoError(t, rig.sup.Start(context.Background(), ch.ID))
	rig.lastProc().exit(1)

	waitFor(t, func() bool { return rig.status(t, ch.ID) == channel.StatusError },
		"crash should persist error")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rig.spawnCount(), "no auto-restart without the flag")
}

func TestRestartBounces(t *testing.T) {
	rig := newTestRig(t, Options{})
	ch := rig.createChannel(t, false)

	require.NoError(t, rig.sup.Start(context.Background(), ch.ID))
	firstPID := rig.lastProc().pid

	require.NoError(t, rig.sup.Restart(context.Background(), ch.ID))

	assert.Equal(t, 2, rig.spawnCount())
	assert.NotEqual(t, firstPID, rig.lastProc().pid)

	got, err := rig.store.Channels.GetByID(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, channel.StatusRunning, got.Status)
	assert.False(t, rig.sup.IsRestarting(ch.ID))
}

func TestConcurrentRestartConflicts(t *testing.T) {
	rig := newTestRig(t, Options{RestartDelay: 200 * time.Millisecond})
	ch := rig.createChannel(t, false)
	require.NoError(t, rig.sup.Start(context.Background(), ch.ID))

	errCh := make(chan error, 1)
	go func() { errCh <- rig.sup.Restart(context.Background(), ch.ID) }()

	waitFor(t, func() bool { return rig.sup.IsRestarting(ch.ID) }, "restart should mark the exclusion flag")

	err := rig.sup.Restart(context.Background(), ch.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))

	require.NoError(t, <-errCh)
}

func TestStopDuringRestartWins(t *testing.T) {
	rig := newTestRig(t, Options{RestartDelay: 300 * time.Millisecond})
	ch := rig.createChannel(t, false)
	require.NoError(t, rig.sup.Start(context.Background(), ch.ID))

	done := make(chan error, 1)
	go func() { done <- rig.sup.Restart(context.Background(), ch.ID) }()

	// Wait until phase 1 has landed (status restarting, encoder down).
	waitFor(t, func() bool { return rig.status(t, ch.ID) == channel.StatusRestarting },
		"restart phase 1 should persist restarting")

	require.NoError(t, rig.sup.Stop(context.Background(), ch.ID, false))

	require.NoError(t, <-done)

	// The restart observed the stop at its re-check and aborted: no second
	// encoder, terminal state stopped.
	assert.Equal(t, 1, rig.spawnCount())
	assert.Equal(t, channel.StatusStopped, rig.status(t, ch.ID))
}

func TestRestartBudgetSuppressesAutoRestart(t *testing.T) {
	rig := newTestRig(t, Options{
		RestartMaxAttempts: 2,
		RestartWindow:      time.Minute,
		AutoRestartDelay:   10 * time.Millisecond,
		RestartDelay:       10 * time.Millisecond,
	})
	ch := rig.createChannel(t, true)

	require.NoError(t, rig.sup.Start(context.Background(), ch.ID))

	// Crash repeatedly; budget admits 2 auto-restarts then parks the
	// channel in error.
	for i := 0; i < 3; i++ {
		p := rig.lastProc()
		count := rig.spawnCount()
		p.exit(1)
		if i < 2 {
			waitFor(t, func() bool { return rig.spawnCount() == count+1 }, "restart within budget")
		}
	}

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 3, rig.spawnCount(), "third auto-restart must be suppressed")
	assert.Equal(t, channel.StatusError, rig.status(t, ch.ID))
}

func TestHealthPassCorrectsNullPID(t *testing.T) {
	rig := newTestRig(t, Options{})
	ch := rig.createChannel(t, false)

	// Force the inconsistent state directly in the store.
	require.NoError(t, rig.store.Channels.SetStatusPID(context.Background(), ch.ID, channel.StatusRunning, nil))

	rig.sup.healthPass(context.Background(), zap.NewNop())
	assert.Equal(t, channel.StatusStopped, rig.status(t, ch.ID))
}

func TestDemoteStaleRestarts(t *testing.T) {
	rig := newTestRig(t, Options{RestartingTimeout: 10 * time.Millisecond})
	ch := rig.createChannel(t, false)

	require.True(t, rig.sup.enterRestarting(ch.ID))
	time.Sleep(30 * time.Millisecond)

	rig.sup.DemoteStaleRestarts(context.Background())
	assert.False(t, rig.sup.IsRestarting(ch.ID))
	assert.Equal(t, channel.StatusError, rig.status(t, ch.ID))
}

func TestShutdownStopsChildren(t *testing.T) {
	rig := newTestRig(t, Options{})
	ch1 := rig.createChannel(t, true)
	ch2 := rig.createChannel(t, true)

	require.NoError(t, rig.sup.Start(context.Background(), ch1.ID))
	require.NoError(t, rig.sup.Start(context.Background(), ch2.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, rig.sup.Shutdown(ctx))

	assert.Empty(t, rig.sup.Slots())
	assert.Equal(t, channel.StatusStopped, rig.status(t, ch1.ID))
	assert.Equal(t, channel.StatusStopped, rig.status(t, ch2.ID))
}

func TestStderrFeedsMetrics(t *testing.T) {
	rig := newTestRig(t, Options{})
	ch := rig.createChannel(t, false)

	line := "frame=  123 fps= 25 q=28.0 size=    1024kB time=00:00:05.00 bitrate=1677.7kbits/s speed=1.0x\n"
	rig.sup.spawn = func(program string, args []string) (proc, error) {
		rig.mu.Lock()
		defer rig.mu.Unlock()
		rig.nextPID++
		p := newFakeProc(rig.nextPID, line)
		rig.spawned = append(rig.spawned, p)
		return p, nil
	}

	require.NoError(t, rig.sup.Start(context.Background(), ch.ID))

	slot, ok := rig.sup.Slot(ch.ID)
	require.True(t, ok)
	waitFor(t, func() bool {
		rec, ok := slot.Metric()
		return ok && rec.Frame == 123
	}, "stderr line should land in the slot's metric record")
}
