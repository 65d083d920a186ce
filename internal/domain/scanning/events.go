package scanning

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/copysentry/copysentry/internal/domain/events"
)

// Event types for the scan pipeline.
const (
	// EventTypeTaskEnqueued is the durable queue message that hands a scan to
	// exactly one worker.
	EventTypeTaskEnqueued events.EventType = "ScanTaskEnqueued"

	// EventTypeTaskStatus carries a status transition toward the owning
	// user's push channel.
	EventTypeTaskStatus events.EventType = "ScanTaskStatus"

	// EventTypeTaskDeadLettered marks a queue message that exhausted its
	// delivery attempts and was parked for manual inspection.
	EventTypeTaskDeadLettered events.EventType = "ScanTaskDeadLettered"
)

// TaskEnqueuedEvent is the payload of the durable queue message published by
// the API layer and consumed by scan workers. Delivery is at-least-once, so
// consumers must tolerate redelivery of the same ScanID.
type TaskEnqueuedEvent struct {
	occurredAt time.Time

	ScanID      uuid.UUID `json:"scanId"`
	FileID      uuid.UUID `json:"fileId"`
	UserID      uuid.UUID `json:"userId"`
	Pointer     string    `json:"pointer"`
	Fingerprint string    `json:"fingerprint"`
	Keywords    []string  `json:"keywords,omitempty"`
}

// NewTaskEnqueuedEvent creates the queue message for a newly created scan task.
func NewTaskEnqueuedEvent(scanID, fileID, userID uuid.UUID, pointer, fingerprint string, keywords []string) TaskEnqueuedEvent {
	return TaskEnqueuedEvent{
		occurredAt:  time.Now().UTC(),
		ScanID:      scanID,
		FileID:      fileID,
		UserID:      userID,
		Pointer:     pointer,
		Fingerprint: fingerprint,
		Keywords:    keywords,
	}
}

// EventType returns the event type for routing.
func (e TaskEnqueuedEvent) EventType() events.EventType { return EventTypeTaskEnqueued }

// OccurredAt returns when the event was created.
func (e TaskEnqueuedEvent) OccurredAt() time.Time { return e.occurredAt }

// TaskStatusEvent is pushed at every task transition. It is relayed to the
// owning user's channel best-effort; clients that miss a push fall back to
// polling the scan status endpoint.
type TaskStatusEvent struct {
	occurredAt time.Time

	TaskID  uuid.UUID   `json:"taskId"`
	FileID  uuid.UUID   `json:"fileId"`
	UserID  uuid.UUID   `json:"userId"`
	Status  TaskStatus  `json:"status"`
	Message string      `json:"message,omitempty"`
	Results *ScanResult `json:"results,omitempty"`
}

// NewTaskStatusEvent creates a status push for one task transition.
func NewTaskStatusEvent(taskID, fileID, userID uuid.UUID, status TaskStatus, message string, results *ScanResult) TaskStatusEvent {
	return TaskStatusEvent{
		occurredAt: time.Now().UTC(),
		TaskID:     taskID,
		FileID:     fileID,
		UserID:     userID,
		Status:     status,
		Message:    message,
		Results:    results,
	}
}

// EventType returns the event type for routing.
func (e TaskStatusEvent) EventType() events.EventType { return EventTypeTaskStatus }

// OccurredAt returns when the event was created.
func (e TaskStatusEvent) OccurredAt() time.Time { return e.occurredAt }

// TaskDeadLetteredEvent parks an undeliverable queue message together with the
// reason it kept failing. The original payload is carried as raw bytes because
// poison messages by definition may not deserialize.
type TaskDeadLetteredEvent struct {
	occurredAt time.Time

	OriginTopic string          `json:"originTopic"`
	Key         string          `json:"key,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	Reason      string          `json:"reason"`
}

// NewTaskDeadLetteredEvent wraps an exhausted queue message for the dead-letter topic.
func NewTaskDeadLetteredEvent(originTopic, key string, payload []byte, attempts int, reason string) TaskDeadLetteredEvent {
	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		// Poison bytes that are not JSON are carried as a quoted string so the
		// dead-letter event itself stays serializable.
		raw, _ = json.Marshal(string(payload))
	}
	return TaskDeadLetteredEvent{
		occurredAt:  time.Now().UTC(),
		OriginTopic: originTopic,
		Key:         key,
		Payload:     raw,
		Attempts:    attempts,
		Reason:      reason,
	}
}

// EventType returns the event type for routing.
func (e TaskDeadLetteredEvent) EventType() events.EventType { return EventTypeTaskDeadLettered }

// OccurredAt returns when the event was created.
func (e TaskDeadLetteredEvent) OccurredAt() time.Time { return e.occurredAt }
