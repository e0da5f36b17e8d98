package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/apcdev/apc/internal/common/logger"
)

// subjectPrefix namespaces daemon events on the NATS wire.
const subjectPrefix = "apc.event."

// NATSConfig is the connection configuration for the NATS-backed bus.
type NATSConfig struct {
	URL           string
	ClientID      string
	MaxReconnects int
}

// NATSBus implements Bus over a NATS connection. Envelopes are published to
// apc.event.<type>; subscriptions deliver into the same bounded inbox
// discipline as the in-memory bus.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger

	mu       sync.Mutex
	natsSubs map[*Subscription][]*nats.Subscription
}

// NewNATSBus connects to NATS with reconnection logic.
func NewNATSBus(cfg NATSConfig, log *logger.Logger) (*NATSBus, error) {
	b := &NATSBus{
		logger:   log.WithFields(zap.String("component", "event-bus")),
		natsSubs: make(map[*Subscription][]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn
	log.Info("connected to NATS", zap.String("url", cfg.URL))
	return b, nil
}

// Publish sends the envelope to apc.event.<type>.
func (b *NATSBus) Publish(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.conn.Publish(subjectPrefix+env.Type, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe binds one NATS subscription per requested type (or a wildcard for
// all types) feeding a bounded inbox.
func (b *NATSBus) Subscribe(types ...string) (*Subscription, error) {
	sub := newSubscription(types, DefaultInboxSize, b.detach)

	subjects := make([]string, 0, len(types))
	if len(types) == 0 {
		subjects = append(subjects, subjectPrefix+">")
	} else {
		for _, t := range types {
			subjects = append(subjects, subjectPrefix+t)
		}
	}

	handler := func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Warn("failed to unmarshal envelope",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		sub.push(&env)
	}

	var bound []*nats.Subscription
	for _, subject := range subjects {
		ns, err := b.conn.Subscribe(subject, handler)
		if err != nil {
			for _, prev := range bound {
				_ = prev.Unsubscribe()
			}
			return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		bound = append(bound, ns)
	}

	b.mu.Lock()
	b.natsSubs[sub] = bound
	b.mu.Unlock()
	return sub, nil
}

func (b *NATSBus) detach(sub *Subscription) {
	b.mu.Lock()
	bound := b.natsSubs[sub]
	delete(b.natsSubs, sub)
	b.mu.Unlock()

	for _, ns := range bound {
		_ = ns.Unsubscribe()
	}
}

// Close drains the connection, falling back to a hard close.
func (b *NATSBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected returns whether the NATS connection is active.
func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
