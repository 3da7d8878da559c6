package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loyalty-foundry/talon/internal/domain"
)

func TestChannelBus(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()
	ctx := context.Background()
	merchantID := "m-001"

	t.Run("PublishSubscribe", func(t *testing.T) {
		var received atomic.Int32
		var mu sync.Mutex
		var lastPayload []byte

		sub, err := b.Subscribe(ctx, merchantID, domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
			mu.Lock()
			lastPayload = msg.Payload
			mu.Unlock()
			received.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		if err := b.Publish(ctx, merchantID, domain.TopicDecision, []byte(`{"outcome":"ALLOW"}`)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		deadline := time.Now().Add(time.Second)
		for received.Load() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if received.Load() != 1 {
			t.Fatalf("expected 1 message, got %d", received.Load())
		}

		mu.Lock()
		defer mu.Unlock()
		if string(lastPayload) != `{"outcome":"ALLOW"}` {
			t.Errorf("unexpected payload: %s", lastPayload)
		}
	})

	t.Run("MerchantIsolation", func(t *testing.T) {
		var received atomic.Int32

		sub, err := b.Subscribe(ctx, "m-002", domain.TopicFindingRaised, func(ctx context.Context, msg *domain.Message) error {
			received.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		// Publish for a different merchant on the same topic.
		if err := b.Publish(ctx, "m-003", domain.TopicFindingRaised, []byte("x")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		time.Sleep(50 * time.Millisecond)
		if received.Load() != 0 {
			t.Errorf("messages must not cross merchants, got %d", received.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count atomic.Int32
		handler := func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		}

		sub1, _ := b.Subscribe(ctx, merchantID, domain.TopicFindingCleared, handler)
		defer sub1.Unsubscribe()
		sub2, _ := b.Subscribe(ctx, merchantID, domain.TopicFindingCleared, handler)
		defer sub2.Unsubscribe()

		if err := b.Publish(ctx, merchantID, domain.TopicFindingCleared, []byte("f-1")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		deadline := time.Now().Add(time.Second)
		for count.Load() < 2 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if count.Load() != 2 {
			t.Errorf("expected both subscribers to receive, got %d", count.Load())
		}
	})

	t.Run("RequiresMerchantID", func(t *testing.T) {
		if err := b.Publish(ctx, "", "topic", []byte("x")); err == nil {
			t.Error("expected error for empty merchantID")
		}
		if _, err := b.Subscribe(ctx, "", "topic", nil); err == nil {
			t.Error("expected error for empty merchantID")
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := b.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	b := NewChannelBus(10)
	ctx := context.Background()

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := b.Publish(ctx, "m-001", "topic", []byte("x")); err == nil {
		t.Error("expected error publishing on closed bus")
	}
	if err := b.Ping(ctx); err == nil {
		t.Error("expected ping to fail on closed bus")
	}
	// Idempotent close
	if err := b.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 10})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer b.Close()

		if _, ok := b.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
