// Package events fans engine notifications out to interested parties:
// the log, WebSocket clients and, when configured, an AMQP exchange.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/checksync/internal/domain"
)

const defaultSubscriberBuffer = 64

type subscriber struct {
	ch chan domain.Event
}

// Bus implements domain.Observer. Delivery never blocks the publisher:
// a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
	now    func() time.Time
	logger *zap.Logger
}

// NewBus creates an event bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		now:    time.Now,
		logger: logger.Named("events"),
	}
}

// OnStatusChanged implements domain.Observer
func (b *Bus) OnStatusChanged(kind string, level domain.StatusLevel, message string) {
	fields := []zap.Field{zap.String("kind", kind), zap.String("level", string(level))}
	switch level {
	case domain.StatusError:
		b.logger.Error(message, fields...)
	case domain.StatusWarning:
		b.logger.Warn(message, fields...)
	default:
		b.logger.Info(message, fields...)
	}

	b.Publish(domain.Event{
		Type:    domain.EventStatusChanged,
		Kind:    kind,
		Level:   level,
		Message: message,
	})
}

// OnSyncCompleted implements domain.Observer
func (b *Bus) OnSyncCompleted(kind, id string, version int) {
	b.logger.Debug("Sync completed",
		zap.String("kind", kind),
		zap.String("entity_id", id),
		zap.Int("version", version))

	b.Publish(domain.Event{
		Type:     domain.EventSyncCompleted,
		Kind:     kind,
		EntityID: id,
		Version:  version,
	})
}

// Publish delivers an event to every subscriber
func (b *Bus) Publish(event domain.Event) {
	if event.At.IsZero() {
		event.At = b.now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			b.logger.Debug("Subscriber buffer full, event dropped",
				zap.Uint64("subscriber", id),
				zap.String("type", string(event.Type)))
		}
	}
}

// Subscribe registers a buffered listener. The returned function
// unsubscribes and closes the channel; calling it twice is harmless.
func (b *Bus) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Subscribers returns the number of live subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel; later events are discarded
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Verify that Bus implements domain.Observer interface
var _ domain.Observer = (*Bus)(nil)
