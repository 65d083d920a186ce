// Package memory provides an in-process implementation of events.EventBus.
// It mirrors the delivery semantics of the Kafka bus closely enough for
// service-level tests: per-subscriber delivery, ack callbacks, and bounded
// redelivery with a dead-letter hook.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/copysentry/copysentry/internal/domain/events"
)

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("event bus is closed")

var _ events.EventBus = (*EventBus)(nil)

type subscription struct {
	eventTypes map[events.EventType]struct{}
	handler    events.HandlerFunc
}

// EventBus is an in-memory event bus. Publishes deliver synchronously to all
// matching subscribers; a handler that acks with an error gets the event
// redelivered up to maxDeliveryAttempts times before it is handed to the
// dead-letter callback.
type EventBus struct {
	mu   sync.RWMutex
	subs []subscription

	maxDeliveryAttempts int
	onDeadLetter        func(evt events.EventEnvelope, attempts int, cause error)

	closed bool
}

// Option configures an EventBus.
type Option func(*EventBus)

// WithMaxDeliveryAttempts bounds redelivery of events whose handlers fail.
func WithMaxDeliveryAttempts(n int) Option {
	return func(b *EventBus) { b.maxDeliveryAttempts = n }
}

// WithDeadLetterFunc registers a callback invoked when an event exhausts its
// delivery attempts.
func WithDeadLetterFunc(fn func(evt events.EventEnvelope, attempts int, cause error)) Option {
	return func(b *EventBus) { b.onDeadLetter = fn }
}

// NewEventBus creates an in-memory event bus.
func NewEventBus(opts ...Option) *EventBus {
	b := &EventBus{maxDeliveryAttempts: 3}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers the event to every subscriber registered for its type.
// Delivery is synchronous so tests can assert side effects immediately after
// Publish returns.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	var pParams events.PublishParams
	for _, opt := range opts {
		opt(&pParams)
	}
	if pParams.Key != "" {
		event.Key = pParams.Key
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if _, ok := sub.eventTypes[event.Type]; !ok {
			continue
		}
		b.deliver(ctx, sub, event)
	}
	return nil
}

func (b *EventBus) deliver(ctx context.Context, sub subscription, event events.EventEnvelope) {
	for attempt := 1; attempt <= b.maxDeliveryAttempts; attempt++ {
		event.Metadata.DeliveryAttempt = attempt

		var ackErr error
		acked := false
		ack := func(err error) {
			acked = true
			ackErr = err
		}

		if err := sub.handler(ctx, event, ack); err != nil {
			ackErr = err
			acked = true
		}

		if !acked || ackErr == nil {
			return
		}

		if attempt == b.maxDeliveryAttempts && b.onDeadLetter != nil {
			b.onDeadLetter(event, attempt, ackErr)
		}
	}
}

// Subscribe registers a handler for the given event types.
func (b *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	typeSet := make(map[events.EventType]struct{}, len(eventTypes))
	for _, et := range eventTypes {
		typeSet[et] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.subs = append(b.subs, subscription{eventTypes: typeSet, handler: handler})
	return nil
}

// Close removes all subscriptions.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
	b.closed = true
	return nil
}
