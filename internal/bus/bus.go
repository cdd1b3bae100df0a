// Package bus is the supervisor's typed event bus. Publishing never blocks
// the publisher: each subscriber owns a bounded buffer, and events beyond
// it are dropped and counted.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event is one supervisor lifecycle or log event.
type Event struct {
	Type      EventType
	ChannelID string
	PID       int
	ExitCode  *int
	Err       string
	Level     string
	Message   string
	Timestamp time.Time
}

// EventType discriminates bus events.
type EventType string

const (
	EventChannelStarted EventType = "channel_started"
	EventChannelStopped EventType = "channel_stopped"
	EventChannelError   EventType = "channel_error"
	EventLog            EventType = "log"
)

const subscriberBuffer = 256

// Bus fans events out to subscribers.
type Bus struct {
	log *zap.Logger

	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID int
	closed bool

	dropped atomic.Uint64
}

// New constructs a Bus.
func New(log *zap.Logger) *Bus {
	return &Bus{
		log:  log.Named("bus"),
		subs: make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its event channel plus
// an unsubscribe function. The channel closes on unsubscribe or bus close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers an event to all subscribers without blocking. A full
// subscriber buffer drops the event for that subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if n := b.dropped.Add(1); n%1000 == 1 {
				b.log.Warn("slow subscriber; dropping events", zap.Uint64("total_dropped", n))
			}
		}
	}
}

// Close shuts the bus; all subscriber channels are closed and further
// publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
