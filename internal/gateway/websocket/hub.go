// Package websocket streams daemon events to connected clients. Clients
// send a subscribe message naming the event types they want; everything
// published on the bus that matches is fanned out to them.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/apcdev/apc/internal/common/logger"
	"github.com/apcdev/apc/internal/events/bus"
)

// Hub manages all WebSocket client connections.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *bus.Envelope

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *bus.Envelope, 256),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run processes registration and broadcast until the context ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case env := <-h.broadcast:
			h.broadcastEnvelope(env)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// broadcastEnvelope sends an event to every client whose filter accepts its
// type. Slow clients lose the message instead of stalling the hub.
func (h *Hub) broadcastEnvelope(env *bus.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("cannot marshal event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.wants(env.Type) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Buffer full; the write pump will clean the client up if it
			// stays wedged.
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues an event for fan-out.
func (h *Hub) Broadcast(env *bus.Envelope) {
	select {
	case h.broadcast <- env:
	default:
		h.logger.Warn("broadcast queue full, event dropped", zap.String("type", env.Type))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Bridge pumps every bus event into the hub until the context ends.
func (h *Hub) Bridge(ctx context.Context, b bus.Bus) error {
	sub, err := b.Subscribe()
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.C():
			if !ok {
				return nil
			}
			h.Broadcast(env)
		}
	}
}
