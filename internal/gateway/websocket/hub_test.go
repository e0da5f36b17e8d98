package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"

	"github.com/apcdev/apc/internal/common/logger"
	"github.com/apcdev/apc/internal/events"
	"github.com/apcdev/apc/internal/events/bus"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func TestClientFilter(t *testing.T) {
	c := NewClient("c1", nil, nil, testLogger(t))

	if !c.wants(events.TaskReady) {
		t.Error("fresh client must receive all event types")
	}

	c.setFilter([]string{events.TaskReady, events.SessionUpdated, "bogus.type"})
	if !c.wants(events.TaskReady) || !c.wants(events.SessionUpdated) {
		t.Error("subscribed types must pass the filter")
	}
	if c.wants(events.PoolChanged) {
		t.Error("unsubscribed type passed the filter")
	}
	if c.wants("bogus.type") {
		t.Error("unknown type must not enter the filter")
	}

	c.setFilter(nil)
	if !c.wants(events.PoolChanged) {
		t.Error("empty subscribe list must reset to all types")
	}
}

func TestHubBroadcastsToMatchingClients(t *testing.T) {
	log := testLogger(t)
	h := NewHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	all := NewClient("all", nil, h, log)
	filtered := NewClient("filtered", nil, h, log)
	filtered.setFilter([]string{events.TaskReady})
	h.Register(all)
	h.Register(filtered)

	// Wait for registration to land.
	deadline := time.Now().Add(time.Second)
	for h.ClientCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("clients not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Broadcast(bus.NewEnvelope(events.SessionUpdated, map[string]any{"sessionId": "PS_000001"}))

	select {
	case data := <-all.send:
		var env bus.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if env.Type != events.SessionUpdated {
			t.Errorf("type = %s", env.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("unfiltered client got nothing")
	}

	select {
	case data := <-filtered.send:
		t.Fatalf("filtered client received %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebSocketEndToEnd(t *testing.T) {
	log := testLogger(t)
	h := NewHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	b := bus.NewMemoryBus(log)
	defer b.Close()
	go h.Bridge(ctx, b)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", NewHandler(h, log).HandleConnection)
	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if err := conn.WriteJSON(map[string]any{"subscribe": []string{events.TaskReady}}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Give the subscribe frame time to apply, then publish one filtered-out
	// and one matching event.
	deadline := time.Now().Add(time.Second)
	for h.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	b.Publish(bus.NewEnvelope(events.PoolChanged, nil))
	b.Publish(bus.NewEnvelope(events.TaskReady, map[string]any{"taskId": "PS_000001_T1"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var env bus.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("bad frame %q: %v", frame, err)
	}
	if env.Type != events.TaskReady {
		t.Errorf("received %s, want task.ready", env.Type)
	}
	if env.Payload["taskId"] != "PS_000001_T1" {
		t.Errorf("payload = %v", env.Payload)
	}
}
