package bus

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/apcdev/apc/internal/common/logger"
)

// MemoryBus implements Bus with in-process fan-out. It is the default
// transport when no NATS URL is configured.
type MemoryBus struct {
	mu        sync.RWMutex
	subs      []*Subscription
	closed    bool
	inboxSize int
	logger    *logger.Logger
}

// NewMemoryBus creates a new in-memory event bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		inboxSize: DefaultInboxSize,
		logger:    log.WithFields(zap.String("component", "event-bus")),
	}
}

// SetInboxSize overrides the per-subscription inbox capacity for
// subscriptions created after the call.
func (b *MemoryBus) SetInboxSize(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > 0 {
		b.inboxSize = n
	}
}

// Publish delivers the envelope to all matching subscriptions. It never
// blocks; slow subscribers lose their oldest buffered envelope instead.
func (b *MemoryBus) Publish(env *Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.Matches(env.Type) {
			sub.push(env)
		}
	}

	b.logger.Debug("published event",
		zap.String("event_id", env.ID),
		zap.String("event_type", env.Type))
	return nil
}

// Subscribe creates a subscription for the given event types (empty = all).
func (b *MemoryBus) Subscribe(types ...string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := newSubscription(types, b.inboxSize, b.remove)
	b.subs = append(b.subs, sub)

	b.logger.Debug("subscription created", zap.Strings("types", types))
	return sub, nil
}

func (b *MemoryBus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Close closes the bus and every open subscription. Idempotent.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.detach = nil // already removed from the bus slice
		sub.Close()
	}
	b.logger.Info("memory event bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
