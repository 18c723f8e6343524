package events

import (
	"sync"
	"sync/atomic"

	"github.com/TheMichaelB/offsync/internal/models"
)

// Sink receives domain events for confirmed (or permanently failed)
// mutations.
type Sink interface {
	Publish(models.DomainEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(models.DomainEvent)

// Publish calls f.
func (f SinkFunc) Publish(ev models.DomainEvent) { f(ev) }

// Bus fans domain events out to subscribers over buffered channels.
// Slow subscribers drop events rather than block the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan models.DomainEvent
	nextID  int
	buffer  int
	dropped atomic.Uint64
	logger  *Logger
}

// NewBus creates a bus whose subscriber channels hold buffer events.
func NewBus(buffer int, logger *Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = Discard()
	}
	return &Bus{
		subs:   make(map[int]chan models.DomainEvent),
		buffer: buffer,
		logger: logger.WithField("component", "event_bus"),
	}
}

// Subscribe returns a channel of events and a func that closes it.
func (b *Bus) Subscribe() (<-chan models.DomainEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan models.DomainEvent, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev models.DomainEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.WithFields(map[string]interface{}{
				"kind":  string(ev.Kind),
				"scope": ev.Scope.String(),
			}).Warn("Event subscriber is full, dropping event")
		}
	}
}

// Dropped returns the number of undelivered events.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
