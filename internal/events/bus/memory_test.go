package bus

import (
	"testing"
	"time"

	"github.com/apcdev/apc/internal/common/logger"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	return log
}

func recvOne(t *testing.T, sub *Subscription) *Envelope {
	t.Helper()
	select {
	case env := <-sub.C():
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	b := NewMemoryBus(testLogger())
	defer b.Close()

	all, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	filtered, err := b.Subscribe("task.ready")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Publish(NewEnvelope("task.ready", map[string]any{"taskId": "PS_000001_T1"})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := b.Publish(NewEnvelope("session.updated", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	first := recvOne(t, all)
	if first.Type != "task.ready" {
		t.Errorf("expected task.ready first, got %s", first.Type)
	}
	second := recvOne(t, all)
	if second.Type != "session.updated" {
		t.Errorf("expected session.updated second, got %s", second.Type)
	}

	env := recvOne(t, filtered)
	if env.Type != "task.ready" {
		t.Errorf("filtered subscriber got %s", env.Type)
	}
	select {
	case extra := <-filtered.C():
		t.Errorf("filtered subscriber received unexpected %v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublishOrderIsFIFOPerSubscriber(t *testing.T) {
	b := NewMemoryBus(testLogger())
	defer b.Close()

	sub, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := b.Publish(NewEnvelope("daemon.progress", map[string]any{"seq": i})); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	for i := 0; i < 10; i++ {
		env := recvOne(t, sub)
		if env.Payload["seq"] != i {
			t.Fatalf("expected seq %d, got %v", i, env.Payload["seq"])
		}
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := NewMemoryBus(testLogger())
	defer b.Close()
	b.SetInboxSize(2)

	sub, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Inbox capacity 2: publish 5, expect the 3 oldest to be dropped.
	for i := 0; i < 5; i++ {
		if err := b.Publish(NewEnvelope("daemon.progress", map[string]any{"seq": i})); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	if got := sub.Dropped(); got != 3 {
		t.Errorf("expected 3 dropped, got %d", got)
	}

	env := recvOne(t, sub)
	if env.Payload["seq"] != 3 {
		t.Errorf("expected oldest surviving seq 3, got %v", env.Payload["seq"])
	}
	env = recvOne(t, sub)
	if env.Payload["seq"] != 4 {
		t.Errorf("expected seq 4, got %v", env.Payload["seq"])
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewMemoryBus(testLogger())
	defer b.Close()
	b.SetInboxSize(1)

	if _, err := b.Subscribe(); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = b.Publish(NewEnvelope("daemon.progress", nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	b := NewMemoryBus(testLogger())
	defer b.Close()

	sub, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	sub.Close()
	sub.Close()

	// Publishing after close must not panic and must not deliver.
	if err := b.Publish(NewEnvelope("daemon.progress", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, ok := <-sub.C(); ok {
		t.Error("expected closed inbox channel")
	}
}

func TestBusCloseClosesSubscriptions(t *testing.T) {
	b := NewMemoryBus(testLogger())

	sub, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.Close()
	b.Close() // idempotent

	if b.IsConnected() {
		t.Error("bus should report disconnected after Close")
	}
	if _, ok := <-sub.C(); ok {
		t.Error("expected subscription channel closed after bus Close")
	}
	if err := b.Publish(NewEnvelope("daemon.progress", nil)); err == nil {
		t.Error("expected error publishing to closed bus")
	}
}
