package api

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/copysentry/copysentry/internal/domain/events"
	"github.com/copysentry/copysentry/internal/domain/scanning"
	"github.com/copysentry/copysentry/pkg/common/logger"
)

// StatusRelay forwards task status events from the bus to the websocket hub.
// Delivery to clients is best-effort: every event is acked regardless of
// whether any connection received it, and malformed payloads are dropped
// rather than redelivered.
type StatusRelay struct {
	notifier scanning.StatusNotifier
	logger   *logger.Logger
	tracer   trace.Tracer
}

// NewStatusRelay creates a relay pushing into the given notifier.
func NewStatusRelay(notifier scanning.StatusNotifier, log *logger.Logger, tracer trace.Tracer) *StatusRelay {
	return &StatusRelay{
		notifier: notifier,
		logger:   log.With("component", "status_relay"),
		tracer:   tracer,
	}
}

// Subscribe attaches the relay to the status topic on the bus.
func (sr *StatusRelay) Subscribe(ctx context.Context, bus events.EventBus) error {
	if err := bus.Subscribe(ctx,
		[]events.EventType{scanning.EventTypeTaskStatus},
		sr.handleStatusEvent,
	); err != nil {
		return fmt.Errorf("subscribing to status events: %w", err)
	}
	return nil
}

func (sr *StatusRelay) handleStatusEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	ctx, span := sr.tracer.Start(ctx, "status_relay.handle_status_event",
		trace.WithAttributes(attribute.String("event.type", string(evt.Type))),
	)
	defer span.End()
	defer ack(nil)

	statusEvt, ok := evt.Payload.(scanning.TaskStatusEvent)
	if !ok {
		sr.logger.Error(ctx, "Dropping status event with unexpected payload",
			"payload_type", fmt.Sprintf("%T", evt.Payload))
		return nil
	}

	span.SetAttributes(
		attribute.String("task_id", statusEvt.TaskID.String()),
		attribute.String("status", statusEvt.Status.String()),
	)
	sr.notifier.NotifyStatus(ctx, statusEvt)
	return nil
}
