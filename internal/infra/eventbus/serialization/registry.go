// Package serialization maps domain event types to their JSON wire format.
// The queue contract is JSON, so every event payload crossing the broker is
// wrapped in a universal envelope that names its type.
package serialization

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/copysentry/copysentry/internal/domain/events"
	"github.com/copysentry/copysentry/internal/domain/scanning"
)

// universalEnvelope is the broker-level wrapper for every event payload.
type universalEnvelope struct {
	Type    events.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

type deserializeFunc func(data json.RawMessage) (any, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[events.EventType]deserializeFunc)
)

// RegisterPayload associates an event type with its concrete payload type.
// The payload is returned by value from DeserializePayload so handlers can
// type-assert without pointer juggling.
func RegisterPayload[T any](eventType events.EventType) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[eventType] = func(data json.RawMessage) (any, error) {
		var payload T
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("unmarshaling payload for event %s: %w", eventType, err)
		}
		return payload, nil
	}
}

func init() {
	RegisterPayload[scanning.TaskEnqueuedEvent](scanning.EventTypeTaskEnqueued)
	RegisterPayload[scanning.TaskStatusEvent](scanning.EventTypeTaskStatus)
	RegisterPayload[scanning.TaskDeadLetteredEvent](scanning.EventTypeTaskDeadLettered)
}

// SerializeEventEnvelope wraps a payload in the universal envelope and
// serializes it for the broker.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload for event %s: %w", eventType, err)
	}

	return json.Marshal(universalEnvelope{Type: eventType, Payload: payloadBytes})
}

// UnmarshalUniversalEnvelope splits a broker message into its event type and
// raw payload bytes.
func UnmarshalUniversalEnvelope(data []byte) (events.EventType, json.RawMessage, error) {
	var env universalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshaling universal envelope: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("universal envelope missing event type")
	}
	return env.Type, env.Payload, nil
}

// DeserializePayload converts raw payload bytes into the registered concrete
// type for the event.
func DeserializePayload(eventType events.EventType, data json.RawMessage) (any, error) {
	registryMu.RLock()
	fn, ok := registry[eventType]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no payload registered for event type %s", eventType)
	}
	return fn(data)
}
