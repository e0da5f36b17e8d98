// Package bus provides the event bus carrying daemon state changes to
// connected clients.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Envelope is a single broadcast event.
type Envelope struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEnvelope creates an envelope with a UUID and current timestamp.
func NewEnvelope(eventType string, payload map[string]any) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Bus is the event bus interface. Publish never blocks on slow subscribers:
// when a subscriber inbox is full the oldest buffered envelope for that
// subscriber is dropped and its drop counter incremented.
type Bus interface {
	// Publish delivers the envelope to every subscription whose filter
	// matches the envelope type.
	Publish(env *Envelope) error

	// Subscribe creates a subscription limited to the given event types.
	// An empty type list subscribes to all events.
	Subscribe(types ...string) (*Subscription, error)

	// Close shuts the bus down and closes all subscriptions.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
