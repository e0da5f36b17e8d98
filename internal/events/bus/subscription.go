package bus

import (
	"sync"
	"sync/atomic"
)

// DefaultInboxSize is the bounded inbox capacity per subscription.
const DefaultInboxSize = 256

// Subscription is a handle to a bounded event inbox. Delivery is FIFO for
// accepted envelopes; when the inbox is full the oldest buffered envelope is
// dropped to make room.
type Subscription struct {
	inbox   chan *Envelope
	filter  map[string]struct{} // nil means all types
	dropped atomic.Uint64

	pushMu    sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	detach    func(*Subscription)
}

func newSubscription(types []string, size int, detach func(*Subscription)) *Subscription {
	if size <= 0 {
		size = DefaultInboxSize
	}
	var filter map[string]struct{}
	if len(types) > 0 {
		filter = make(map[string]struct{}, len(types))
		for _, t := range types {
			filter[t] = struct{}{}
		}
	}
	return &Subscription{
		inbox:  make(chan *Envelope, size),
		filter: filter,
		closed: make(chan struct{}),
		detach: detach,
	}
}

// C returns the receive channel for this subscription. The channel is closed
// when the subscription closes.
func (s *Subscription) C() <-chan *Envelope {
	return s.inbox
}

// Dropped returns the number of envelopes discarded due to a full inbox.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Matches reports whether the subscription accepts the given event type.
func (s *Subscription) Matches(eventType string) bool {
	if s.filter == nil {
		return true
	}
	_, ok := s.filter[eventType]
	return ok
}

// Close detaches the subscription from the bus and closes the inbox.
// Idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.detach != nil {
			s.detach(s)
		}
		// Take the push lock so no push races the channel close.
		s.pushMu.Lock()
		close(s.inbox)
		s.pushMu.Unlock()
	})
}

// push delivers one envelope without blocking. If the inbox is full the
// oldest buffered envelope is evicted and counted as dropped.
func (s *Subscription) push(env *Envelope) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	select {
	case <-s.closed:
		return
	default:
	}

	for {
		select {
		case s.inbox <- env:
			return
		default:
		}
		// Inbox full: evict the oldest entry. A concurrent reader may have
		// drained it already, in which case the next send attempt succeeds.
		select {
		case <-s.inbox:
			s.dropped.Add(1)
		default:
		}
	}
}
