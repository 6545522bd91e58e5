package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ansible-dev/ansible/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	var received atomic.Int32
	var mu sync.Mutex
	var gotType string

	sub, err := bus.Subscribe("tasks.changed", func(ctx context.Context, event *Event) error {
		received.Add(1)
		mu.Lock()
		gotType = event.Type
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("task.changed", "node-a", map[string]interface{}{"id": "t-1"})
	if err := bus.Publish(context.Background(), "tasks.changed", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Dispatch is synchronous, so the handler has run by now.
	if received.Load() != 1 {
		t.Errorf("Expected 1 event, got %d", received.Load())
	}
	mu.Lock()
	if gotType != "task.changed" {
		t.Errorf("Expected event type %q, got %q", "task.changed", gotType)
	}
	mu.Unlock()
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	var count1, count2 atomic.Int32

	sub1, err := bus.Subscribe("messages.posted", func(ctx context.Context, event *Event) error {
		count1.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe 1 failed: %v", err)
	}
	defer func() {
		_ = sub1.Unsubscribe()
	}()

	sub2, err := bus.Subscribe("messages.posted", func(ctx context.Context, event *Event) error {
		count2.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe 2 failed: %v", err)
	}
	defer func() {
		_ = sub2.Unsubscribe()
	}()

	event := NewEvent("message.posted", "node-a", map[string]interface{}{"id": "m-1"})
	if err := bus.Publish(context.Background(), "messages.posted", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if count1.Load() != 1 {
		t.Errorf("Subscriber 1: expected 1 event, got %d", count1.Load())
	}
	if count2.Load() != 1 {
		t.Errorf("Subscriber 2: expected 1 event, got %d", count2.Load())
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	var received atomic.Int32

	sub, err := bus.Subscribe("nodes.changed", func(ctx context.Context, event *Event) error {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if !sub.IsValid() {
		t.Error("Expected subscription to be valid")
	}

	event := NewEvent("node.changed", "node-a", map[string]interface{}{"id": "node-a"})
	if err := bus.Publish(context.Background(), "nodes.changed", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if received.Load() != 1 {
		t.Fatalf("Expected 1 event before unsubscribe, got %d", received.Load())
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	if err := bus.Publish(context.Background(), "nodes.changed", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if received.Load() != 1 {
		t.Errorf("Expected no delivery after unsubscribe, got %d", received.Load())
	}
}

func TestMemoryEventBus_SingleTokenWildcard(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	var received atomic.Int32

	sub, err := bus.Subscribe("tasks.*.changed", func(ctx context.Context, event *Event) error {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("task.changed", "node-a", nil)

	// Matches: one token in the wildcard position.
	if err := bus.Publish(context.Background(), "tasks.t-1.changed", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if received.Load() != 1 {
		t.Errorf("Expected match on tasks.t-1.changed, got %d", received.Load())
	}

	// No match: * does not span dots.
	if err := bus.Publish(context.Background(), "tasks.t-1.sub.changed", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if received.Load() != 1 {
		t.Errorf("Expected no match on tasks.t-1.sub.changed, got %d", received.Load())
	}
}

func TestMemoryEventBus_MultiTokenWildcard(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	var received atomic.Int32

	sub, err := bus.Subscribe("dispatch.>", func(ctx context.Context, event *Event) error {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("dispatch.delivered", "node-a", nil)

	subjects := []string{
		"dispatch.delivered",
		"dispatch.task.t-1.delivered",
		"dispatch.message.m-1.agent-x.failed",
	}
	for _, subject := range subjects {
		if err := bus.Publish(context.Background(), subject, event); err != nil {
			t.Fatalf("Publish %q failed: %v", subject, err)
		}
	}
	if received.Load() != int32(len(subjects)) {
		t.Errorf("Expected %d matches, got %d", len(subjects), received.Load())
	}

	// > requires at least one token after the prefix.
	if err := bus.Publish(context.Background(), "dispatch", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if received.Load() != int32(len(subjects)) {
		t.Errorf("Expected no match on bare prefix, got %d", received.Load())
	}
}

func TestMemoryEventBus_WildcardNoMatch(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	var received atomic.Int32

	sub, err := bus.Subscribe("agents.*", func(ctx context.Context, event *Event) error {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("agent.changed", "node-a", nil)
	if err := bus.Publish(context.Background(), "tasks.changed", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if received.Load() != 0 {
		t.Errorf("Expected no events, got %d", received.Load())
	}
}

func TestMemoryEventBus_ExactMatch(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	var exact, other atomic.Int32

	sub1, err := bus.Subscribe("coordination.changed", func(ctx context.Context, event *Event) error {
		exact.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub1.Unsubscribe()
	}()

	sub2, err := bus.Subscribe("coordination.removed", func(ctx context.Context, event *Event) error {
		other.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub2.Unsubscribe()
	}()

	event := NewEvent("coordination.changed", "node-a", nil)
	if err := bus.Publish(context.Background(), "coordination.changed", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if exact.Load() != 1 {
		t.Errorf("Expected exact subscriber to receive 1 event, got %d", exact.Load())
	}
	if other.Load() != 0 {
		t.Errorf("Expected other subscriber to receive 0 events, got %d", other.Load())
	}
}

func TestMemoryEventBus_QueueSubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	var count1, count2 atomic.Int32

	sub1, err := bus.QueueSubscribe("tasks.changed", "workers", func(ctx context.Context, event *Event) error {
		count1.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("QueueSubscribe 1 failed: %v", err)
	}
	defer func() {
		_ = sub1.Unsubscribe()
	}()

	sub2, err := bus.QueueSubscribe("tasks.changed", "workers", func(ctx context.Context, event *Event) error {
		count2.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("QueueSubscribe 2 failed: %v", err)
	}
	defer func() {
		_ = sub2.Unsubscribe()
	}()

	const total = 10
	for i := 0; i < total; i++ {
		event := NewEvent("task.changed", "node-a", map[string]interface{}{"seq": i})
		if err := bus.Publish(context.Background(), "tasks.changed", event); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	got := count1.Load() + count2.Load()
	if got != total {
		t.Errorf("Expected %d total deliveries across the queue group, got %d", total, got)
	}
	// Round-robin: both members share the load.
	if count1.Load() == 0 || count2.Load() == 0 {
		t.Errorf("Expected both queue members to receive events, got %d and %d",
			count1.Load(), count2.Load())
	}
}

func TestMemoryEventBus_MessageOrdering(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	var mu sync.Mutex
	var order []int

	sub, err := bus.Subscribe("tasks.changed", func(ctx context.Context, event *Event) error {
		mu.Lock()
		order = append(order, event.Data["seq"].(int))
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	const total = 50
	for i := 0; i < total; i++ {
		event := NewEvent("task.changed", "node-a", map[string]interface{}{"seq": i})
		if err := bus.Publish(context.Background(), "tasks.changed", event); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	// Handlers run on the publisher's goroutine, so a subscriber sees
	// events in publish order.
	mu.Lock()
	defer mu.Unlock()
	if len(order) != total {
		t.Fatalf("Expected %d events, got %d", total, len(order))
	}
	for i, seq := range order {
		if seq != i {
			t.Fatalf("Out-of-order delivery at position %d: got seq %d", i, seq)
		}
	}
}

func TestMemoryEventBus_HandlerMaySubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	var nested atomic.Int32

	sub, err := bus.Subscribe("sync.ready", func(ctx context.Context, event *Event) error {
		// Subscribing from inside a handler must not deadlock.
		_, err := bus.Subscribe(fmt.Sprintf("late.%d", nested.Add(1)), func(ctx context.Context, event *Event) error {
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("sync.ready", "node-a", nil)
	if err := bus.Publish(context.Background(), "sync.ready", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if nested.Load() != 1 {
		t.Errorf("Expected nested subscribe to run once, got %d", nested.Load())
	}
}

func TestMemoryEventBus_ConcurrentAccess(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	var received atomic.Int32

	sub, err := bus.Subscribe("tasks.changed", func(ctx context.Context, event *Event) error {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	const publishers = 10
	const perPublisher = 20

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				event := NewEvent("task.changed", "node-a", map[string]interface{}{"publisher": p, "seq": i})
				if err := bus.Publish(context.Background(), "tasks.changed", event); err != nil {
					t.Errorf("Publish failed: %v", err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	if received.Load() != publishers*perPublisher {
		t.Errorf("Expected %d events, got %d", publishers*perPublisher, received.Load())
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	sub, err := bus.Subscribe("tasks.changed", func(ctx context.Context, event *Event) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after close")
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after close")
	}

	event := NewEvent("task.changed", "node-a", nil)
	if err := bus.Publish(context.Background(), "tasks.changed", event); err == nil {
		t.Error("Expected publish on closed bus to fail")
	}
	if _, err := bus.Subscribe("tasks.changed", func(ctx context.Context, event *Event) error {
		return nil
	}); err == nil {
		t.Error("Expected subscribe on closed bus to fail")
	}
}

func TestNewEvent(t *testing.T) {
	event := NewEvent("message.posted", "node-a", map[string]interface{}{"id": "m-1"})

	if event.ID == "" {
		t.Error("Expected non-empty event ID")
	}
	if event.Type != "message.posted" {
		t.Errorf("Expected type %q, got %q", "message.posted", event.Type)
	}
	if event.Source != "node-a" {
		t.Errorf("Expected source node-a, got %q", event.Source)
	}
	if event.Timestamp.IsZero() {
		t.Error("Expected non-zero timestamp")
	}
	if event.Data["id"] != "m-1" {
		t.Errorf("Expected data id m-1, got %v", event.Data["id"])
	}
}
