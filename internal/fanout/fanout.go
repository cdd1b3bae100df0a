// Package fanout pushes periodic channel snapshots to realtime
// subscribers. A subscriber follows one channel or all channels; each
// follow owns a timer that is torn down on unfollow, and a disconnect
// drains every timer the subscriber holds.
package fanout

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ottlab/streamd/internal/domain/channel"
	"github.com/ottlab/streamd/internal/metrics"
	"github.com/ottlab/streamd/internal/store"
	"github.com/ottlab/streamd/internal/supervisor"
	"go.uber.org/zap"
)

const defaultCadence = 2 * time.Second

// followAll is the follow key meaning "every channel".
const followAll = "*"

// Snapshot is one push frame for one channel.
type Snapshot struct {
	Channel *channel.Channel       `json:"channel"`
	Process *metrics.ProcessStats  `json:"process,omitempty"`
	Metrics *channel.MetricRecord  `json:"metrics,omitempty"`
}

// Sink receives pushed snapshots. Implementations must be safe for calls
// from the fanout's timer goroutines; a returned error detaches the
// subscriber.
type Sink interface {
	Send(snapshots []Snapshot) error
}

// Fanout manages subscribers and their follow timers.
type Fanout struct {
	log     *zap.Logger
	store   *store.Store
	sup     *supervisor.Supervisor
	stats   *metrics.ProcStats
	cadence time.Duration

	mu   sync.Mutex
	subs map[string]*subscriber

	wg sync.WaitGroup
}

type subscriber struct {
	id   string
	sink Sink

	mu      sync.Mutex
	follows map[string]context.CancelFunc // follow key -> timer cancel

	// last network tx observations per channel, for bitrate derivation
	// when the parser has nothing.
	netMu   sync.Mutex
	lastNet map[string]netSample
}

type netSample struct {
	txBytes uint64
	at      time.Time
}

// New constructs a Fanout. cadence <= 0 selects the default.
func New(log *zap.Logger, st *store.Store, sup *supervisor.Supervisor, stats *metrics.ProcStats, cadence time.Duration) *Fanout {
	if cadence <= 0 {
		cadence = defaultCadence
	}
	return &Fanout{
		log:     log.Named("fanout"),
		store:   st,
		sup:     sup,
		stats:   stats,
		cadence: cadence,
		subs:    make(map[string]*subscriber),
	}
}

// Connect registers a subscriber under id with its push sink.
func (f *Fanout) Connect(id string, sink Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[id]; ok {
		return
	}
	f.subs[id] = &subscriber{
		id:      id,
		sink:    sink,
		follows: make(map[string]context.CancelFunc),
		lastNet: make(map[string]netSample),
	}
}

// Disconnect removes a subscriber and drains all its timers.
func (f *Fanout) Disconnect(id string) {
	f.mu.Lock()
	sub, ok := f.subs[id]
	delete(f.subs, id)
	f.mu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	for key, cancel := range sub.follows {
		cancel()
		delete(sub.follows, key)
	}
	sub.mu.Unlock()
}

// FollowChannel starts pushing snapshots of one channel to the subscriber.
func (f *Fanout) FollowChannel(subID, channelID string) {
	f.follow(subID, channelID)
}

// FollowAll starts pushing snapshots of every channel to the subscriber.
func (f *Fanout) FollowAll(subID string) {
	f.follow(subID, followAll)
}

// Unfollow tears down one follow timer.
func (f *Fanout) Unfollow(subID, channelID string) {
	f.mu.Lock()
	sub, ok := f.subs[subID]
	f.mu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	if cancel, ok := sub.follows[channelID]; ok {
		cancel()
		delete(sub.follows, channelID)
	}
	sub.mu.Unlock()
}

// UnfollowAll tears down the all-channels timer.
func (f *Fanout) UnfollowAll(subID string) {
	f.Unfollow(subID, followAll)
}

func (f *Fanout) follow(subID, key string) {
	f.mu.Lock()
	sub, ok := f.subs[subID]
	f.mu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if _, ok := sub.follows[key]; ok {
		return // already following
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub.follows[key] = cancel

	f.wg.Add(1)
	go f.pushLoop(ctx, sub, key)
}

// pushLoop emits a snapshot batch at the configured cadence until its
// follow is cancelled. A sink failure detaches the whole subscriber.
func (f *Fanout) pushLoop(ctx context.Context, sub *subscriber, key string) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snaps, err := f.collect(ctx, sub, key)
			if err != nil {
				f.log.Debug("snapshot collection failed",
					zap.String("subscriber", sub.id), zap.Error(err))
				continue
			}
			if err := sub.sink.Send(snaps); err != nil {
				f.log.Debug("push failed; disconnecting subscriber",
					zap.String("subscriber", sub.id), zap.Error(err))
				f.Disconnect(sub.id)
				return
			}
		}
	}
}

func (f *Fanout) collect(ctx context.Context, sub *subscriber, key string) ([]Snapshot, error) {
	if key == followAll {
		chans, err := f.store.Channels.GetAll(ctx)
		if err != nil {
			return nil, err
		}
		snaps := make([]Snapshot, 0, len(chans))
		for _, ch := range chans {
			snaps = append(snaps, f.snapshot(sub, ch))
		}
		return snaps, nil
	}

	ch, err := f.store.Channels.GetByID(ctx, key)
	if err != nil {
		return nil, err
	}
	return []Snapshot{f.snapshot(sub, ch)}, nil
}

// snapshot combines the persisted record, live process stats, and the most
// recent metric record. When the parser produced no bitrate, it is derived
// from the network tx delta, and failing that substituted from the
// configured bitrate, each with its source tag.
func (f *Fanout) snapshot(sub *subscriber, ch *channel.Channel) Snapshot {
	snap := Snapshot{Channel: ch}

	slot, running := f.sup.Slot(ch.ID)
	if !running {
		return snap
	}

	stats := f.stats.Collect(slot.PID)
	snap.Process = &stats

	var rec channel.MetricRecord
	if m, ok := slot.Metric(); ok {
		rec = m
	}
	if rec.Bitrate == 0 {
		if kbit, ok := sub.netRate(ch.ID, stats.TxBytes); ok {
			rec.Bitrate = kbit
			rec.Source = channel.MetricSourceCalculated
		} else if kbit, ok := configuredKbit(ch.Params.VideoBitrate); ok {
			rec.Bitrate = kbit
			rec.Source = channel.MetricSourceConfigured
		}
	}
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = time.Now()
	}
	snap.Metrics = &rec
	return snap
}

// netRate derives kbit/s from successive tx-byte observations.
func (s *subscriber) netRate(channelID string, txBytes uint64) (float64, bool) {
	now := time.Now()
	s.netMu.Lock()
	defer s.netMu.Unlock()

	prev, ok := s.lastNet[channelID]
	s.lastNet[channelID] = netSample{txBytes: txBytes, at: now}
	if !ok || txBytes < prev.txBytes {
		return 0, false
	}
	elapsed := now.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	return float64(txBytes-prev.txBytes) * 8 / elapsed / 1000, true
}

// configuredKbit converts the declared video bitrate ("2500k", "2M",
// plain bps) into kbit/s.
func configuredKbit(declared string) (float64, bool) {
	if declared == "" {
		return 0, false
	}
	mult := 1.0 / 1000 // plain numbers are bps
	body := declared
	switch declared[len(declared)-1] {
	case 'k', 'K':
		mult = 1
		body = declared[:len(declared)-1]
	case 'm', 'M':
		mult = 1000
		body = declared[:len(declared)-1]
	}
	n, err := strconv.ParseFloat(body, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n * mult, true
}

// Shutdown cancels all subscriber timers and waits for push loops.
func (f *Fanout) Shutdown() {
	f.mu.Lock()
	ids := make([]string, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	for _, id := range ids {
		f.Disconnect(id)
	}
	f.wg.Wait()
}
