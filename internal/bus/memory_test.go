package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryBusPublishAndDrain(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus(8)
	ctx := context.Background()

	if err := PublishJSON(ctx, b, "trades", "key-1", map[string]string{"trade_id": "T-1"}); err != nil {
		t.Fatalf("PublishJSON: %v", err)
	}
	if err := b.Publish(ctx, Message{Topic: "trades", Key: "key-2", Value: []byte("{}")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msgs := b.Drain("trades")
	if len(msgs) != 2 {
		t.Fatalf("drained %d messages, want 2", len(msgs))
	}
	if msgs[0].Key != "key-1" || msgs[1].Key != "key-2" {
		t.Errorf("order = %s, %s, want key-1 then key-2", msgs[0].Key, msgs[1].Key)
	}
	if again := b.Drain("trades"); len(again) != 0 {
		t.Errorf("second drain = %d messages, want 0", len(again))
	}
}

func TestMemoryBusRunDeliversPerTopic(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	got := make(map[string]int)
	done := make(chan struct{})

	go b.Run(ctx, []string{"a", "b"}, func(_ context.Context, msg Message) error {
		mu.Lock()
		got[msg.Topic]++
		total := got["a"] + got["b"]
		mu.Unlock()
		if total == 3 {
			close(done)
		}
		return nil
	})

	for _, topic := range []string{"a", "b", "a"} {
		if err := b.Publish(ctx, Message{Topic: topic, Value: []byte("{}")}); err != nil {
			t.Fatalf("publish %s: %v", topic, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not receive all messages")
	}
	mu.Lock()
	defer mu.Unlock()
	if got["a"] != 2 || got["b"] != 1 {
		t.Errorf("delivery counts = %v, want a:2 b:1", got)
	}
}

func TestMemoryBusPublishBlocksUntilCancel(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus(1)
	ctx, cancel := context.WithCancel(context.Background())

	if err := b.Publish(ctx, Message{Topic: "full", Value: []byte("1")}); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Publish(ctx, Message{Topic: "full", Value: []byte("2")})
	}()

	select {
	case err := <-errCh:
		t.Fatalf("publish returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
