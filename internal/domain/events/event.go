// Package events provides domain event handling capabilities for communicating state changes
// and important activities across system boundaries in a decoupled way.
package events

import "time"

// EventType represents a domain event category, enabling type-safe event routing
// and handling. It allows the system to distinguish between different kinds of
// events like scan task enqueues and status transitions.
type EventType string

// DomainEvent encapsulates all event data flowing through the system, providing
// a standardized format for event processing and distribution.
type DomainEvent interface {
	// EventType returns the category of this event for routing and handling.
	EventType() EventType

	// OccurredAt returns when this event was created.
	OccurredAt() time.Time
}

// EventEnvelope wraps a domain event payload with the transport-level metadata
// needed to route, order, and acknowledge it.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically containing a business
	// identifier like a scan task ID that events can be partitioned by.
	Key string

	// Timestamp records when this envelope was created.
	Timestamp time.Time

	// Payload contains the actual event data. The concrete type depends on Type.
	Payload any

	// Metadata carries broker position information for the received message.
	Metadata EventMetadata
}

// EventMetadata describes where in the underlying stream a message came from.
type EventMetadata struct {
	Partition int32
	Offset    int64

	// DeliveryAttempt counts how many times the broker has handed this
	// message to a consumer. The first delivery is attempt 1.
	DeliveryAttempt int
}

// PublishOption is a function type that modifies PublishParams.
// It enables flexible configuration of event publishing behavior through
// functional options.
type PublishOption func(*PublishParams)

// PublishParams contains configuration options for publishing domain events.
type PublishParams struct {
	// Key is used as a partition key to control event routing and ordering.
	Key string
	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string
}

// WithKey returns a PublishOption that sets the partition key for event routing.
// The key helps ensure related events are processed in order by the same consumer.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}

// WithHeaders returns a PublishOption that attaches metadata headers to an event.
func WithHeaders(headers map[string]string) PublishOption {
	return func(p *PublishParams) { p.Headers = headers }
}
