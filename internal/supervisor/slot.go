package supervisor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ottlab/streamd/internal/domain/channel"
)

// Slot is the in-memory record of one running encoder. Exclusively owned
// by the supervisor; never persisted.
type Slot struct {
	ChannelID string
	PID       int
	StartedAt time.Time
	Argv      []string

	proc proc
	logs *logRing

	// stopRequested marks an operator-initiated termination so the exit
	// handler doesn't treat it as a crash.
	stopRequested atomic.Bool

	// done closes when the child has been fully reaped.
	done chan struct{}

	mu     sync.RWMutex
	metric *channel.MetricRecord
}

func newSlot(channelID string, p proc, argv []string) *Slot {
	return &Slot{
		ChannelID: channelID,
		PID:       p.PID(),
		StartedAt: time.Now(),
		Argv:      argv,
		proc:      p,
		logs:      &logRing{},
		done:      make(chan struct{}),
	}
}

// SetMetric stores the most recent parsed metric record.
func (s *Slot) SetMetric(rec channel.MetricRecord) {
	s.mu.Lock()
	s.metric = &rec
	s.mu.Unlock()
}

// Metric returns a copy of the latest metric record, if any.
func (s *Slot) Metric() (channel.MetricRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.metric == nil {
		return channel.MetricRecord{}, false
	}
	return *s.metric, true
}

// Logs returns the newest live log lines for the slot.
func (s *Slot) Logs(lines int) []string {
	return s.logs.Read(lines)
}

// Done closes when the child is reaped.
func (s *Slot) Done() <-chan struct{} { return s.done }
