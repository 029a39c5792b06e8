package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	contractsv1 "heirloom/contracts/gen/events/v1"
)

const module = "internal/platform/messaging"

// EventBus is the in-process publish/subscribe adapter used by the outbox
// relays and the release consumer. Broker addresses are accepted so the
// constructor signature survives a move to an external broker.
type EventBus struct {
	mu          sync.RWMutex
	brokers     []string
	subscribers map[string][]chan contractsv1.Envelope
	buffer      int
	// MaxAttempts and RetryDelay bound redelivery of an event whose handler
	// returned an error.
	MaxAttempts int
	RetryDelay  time.Duration
	logger      *slog.Logger
}

func NewEventBus(brokers []string, logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		brokers:     append([]string(nil), brokers...),
		subscribers: make(map[string][]chan contractsv1.Envelope),
		buffer:      128,
		MaxAttempts: 3,
		RetryDelay:  250 * time.Millisecond,
		logger:      logger,
	}
}

func (b *EventBus) Brokers() []string {
	return append([]string(nil), b.brokers...)
}

// Publish fans the event out to every subscriber of topic. A subscriber
// whose buffer is full misses the event.
func (b *EventBus) Publish(ctx context.Context, topic string, event contractsv1.Envelope) error {
	b.mu.RLock()
	subs := append([]chan contractsv1.Envelope(nil), b.subscribers[topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub <- event:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"event", "bus_publish_drop",
				"module", module,
				"layer", "platform",
				"topic", topic,
				"event_id", event.EventID,
			)
		}
	}

	b.logger.Debug("event published",
		"event", "bus_publish",
		"module", module,
		"layer", "platform",
		"topic", topic,
		"event_id", event.EventID,
		"event_type", event.EventType,
		"subscriber_count", len(subs),
	)
	return nil
}

// Subscribe delivers events on topic to handler until ctx is done. A failed
// event is redelivered to the same handler up to MaxAttempts times.
func (b *EventBus) Subscribe(
	ctx context.Context,
	topic string,
	consumerGroup string,
	handler func(context.Context, contractsv1.Envelope) error,
) error {
	ch := make(chan contractsv1.Envelope, b.buffer)

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				b.removeSubscriber(topic, ch)
				return
			case event := <-ch:
				b.deliver(ctx, topic, consumerGroup, event, handler)
			}
		}
	}()
	return nil
}

func (b *EventBus) deliver(
	ctx context.Context,
	topic string,
	consumerGroup string,
	event contractsv1.Envelope,
	handler func(context.Context, contractsv1.Envelope) error,
) {
	attempts := b.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := handler(ctx, event)
		if err == nil {
			return
		}
		b.logger.Error("consumer handler failed",
			"event", "bus_consume_failed",
			"module", module,
			"layer", "platform",
			"topic", topic,
			"consumer_group", consumerGroup,
			"event_id", event.EventID,
			"event_type", event.EventType,
			"attempt", attempt,
			"error", err.Error(),
		)
		if attempt >= attempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.RetryDelay):
		}
	}
}

func (b *EventBus) removeSubscriber(topic string, target chan contractsv1.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := b.subscribers[topic]
	if len(items) == 0 {
		return
	}
	filtered := make([]chan contractsv1.Envelope, 0, len(items))
	for _, item := range items {
		if item != target {
			filtered = append(filtered, item)
		}
	}
	b.subscribers[topic] = filtered
}
