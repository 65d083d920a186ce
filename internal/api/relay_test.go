package api

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/copysentry/copysentry/internal/domain/events"
	"github.com/copysentry/copysentry/internal/domain/scanning"
	"github.com/copysentry/copysentry/internal/infra/eventbus/memory"
	"github.com/copysentry/copysentry/pkg/common/logger"
)

type capturingNotifier struct {
	mu     sync.Mutex
	events []scanning.TaskStatusEvent
}

func (c *capturingNotifier) NotifyStatus(_ context.Context, evt scanning.TaskStatusEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *capturingNotifier) all() []scanning.TaskStatusEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]scanning.TaskStatusEvent(nil), c.events...)
}

func TestStatusRelay_ForwardsStatusEvents(t *testing.T) {
	t.Parallel()

	bus := memory.NewEventBus()
	defer bus.Close()

	notifier := new(capturingNotifier)
	relay := NewStatusRelay(notifier, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, relay.Subscribe(context.Background(), bus))

	userID := uuid.New()
	evt := scanning.NewTaskStatusEvent(uuid.New(), uuid.New(), userID, scanning.TaskStatusCompleted, "", nil)
	require.NoError(t, bus.Publish(context.Background(), events.EventEnvelope{
		Type:      scanning.EventTypeTaskStatus,
		Key:       userID.String(),
		Timestamp: time.Now(),
		Payload:   evt,
	}))

	got := notifier.all()
	require.Len(t, got, 1)
	assert.Equal(t, evt.TaskID, got[0].TaskID)
	assert.Equal(t, scanning.TaskStatusCompleted, got[0].Status)
}

func TestStatusRelay_IgnoresOtherEventTypes(t *testing.T) {
	t.Parallel()

	bus := memory.NewEventBus()
	defer bus.Close()

	notifier := new(capturingNotifier)
	relay := NewStatusRelay(notifier, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, relay.Subscribe(context.Background(), bus))

	enqueued := scanning.NewTaskEnqueuedEvent(uuid.New(), uuid.New(), uuid.New(), "cas://p", "fp", nil)
	require.NoError(t, bus.Publish(context.Background(), events.EventEnvelope{
		Type:      scanning.EventTypeTaskEnqueued,
		Timestamp: time.Now(),
		Payload:   enqueued,
	}))

	assert.Empty(t, notifier.all())
}

func TestStatusRelay_DropsMalformedPayload(t *testing.T) {
	t.Parallel()

	bus := memory.NewEventBus()
	defer bus.Close()

	notifier := new(capturingNotifier)
	relay := NewStatusRelay(notifier, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, relay.Subscribe(context.Background(), bus))

	// A payload of the wrong type is dropped, not redelivered.
	require.NoError(t, bus.Publish(context.Background(), events.EventEnvelope{
		Type:      scanning.EventTypeTaskStatus,
		Timestamp: time.Now(),
		Payload:   "not a status event",
	}))

	assert.Empty(t, notifier.all())
}
