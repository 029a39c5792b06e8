package messaging

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	contractsv1 "heirloom/contracts/gen/events/v1"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewEventBus([]string{"localhost:9092"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan contractsv1.Envelope, 1)
	err := bus.Subscribe(ctx, contractsv1.EventClaimResolved, "test-cg", func(_ context.Context, event contractsv1.Envelope) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := bus.Publish(ctx, contractsv1.EventClaimResolved, contractsv1.Envelope{EventID: "evt-1", EventType: contractsv1.EventClaimResolved}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case event := <-received:
		if event.EventID != "evt-1" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := NewEventBus(nil, nil)
	if err := bus.Publish(context.Background(), "nobody.listens", contractsv1.Envelope{EventID: "evt-2"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(bus.Brokers()) != 0 {
		t.Fatalf("expected no brokers")
	}
}

func TestFailedHandlerIsRedelivered(t *testing.T) {
	bus := NewEventBus(nil, nil)
	bus.RetryDelay = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan struct{})
	err := bus.Subscribe(ctx, contractsv1.EventEstateReleaseEligible, "test-cg", func(_ context.Context, _ contractsv1.Envelope) error {
		if calls.Add(1) == 1 {
			return errors.New("transient failure")
		}
		close(done)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := bus.Publish(ctx, contractsv1.EventEstateReleaseEligible, contractsv1.Envelope{EventID: "evt-3"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for redelivery")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected two deliveries, got %d", got)
	}
}
