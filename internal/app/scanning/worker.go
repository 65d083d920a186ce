package scanning

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/copysentry/copysentry/internal/domain/events"
	"github.com/copysentry/copysentry/internal/domain/protection"
	"github.com/copysentry/copysentry/internal/domain/scanning"
	"github.com/copysentry/copysentry/pkg/common/logger"
)

// ScanWorker is the consumer side of the task queue. Instances are competing
// consumers: the broker hands each queue message to exactly one of them, and
// the conditional claim on the task row guards against the redelivery cases
// the broker cannot see.
//
// Processing one message is: claim (PENDING -> PROCESSING) -> fetch content ->
// aggregate across providers -> verify candidates -> persist the terminal
// state -> push a status event. Losing the claim means another worker or the
// stuck-task sweep owns the task; the message is acked and dropped without
// touching state.
type ScanWorker struct {
	tasks        scanning.TaskRepository
	contentStore protection.ContentStore
	aggregator   *SearchAggregator
	verifier     *MatchVerifier
	publisher    events.DomainEventPublisher

	// notifier pushes transitions to users connected to THIS process. It is
	// optional; cross-process delivery rides the published status events.
	notifier scanning.StatusNotifier

	logger  *logger.Logger
	metrics WorkerMetrics
	tracer  trace.Tracer
}

// NewScanWorker creates a worker over the given collaborators. notifier may
// be nil when status pushes are relayed exclusively through the event bus.
func NewScanWorker(
	tasks scanning.TaskRepository,
	contentStore protection.ContentStore,
	aggregator *SearchAggregator,
	verifier *MatchVerifier,
	publisher events.DomainEventPublisher,
	notifier scanning.StatusNotifier,
	log *logger.Logger,
	metrics WorkerMetrics,
	tracer trace.Tracer,
) *ScanWorker {
	return &ScanWorker{
		tasks:        tasks,
		contentStore: contentStore,
		aggregator:   aggregator,
		verifier:     verifier,
		publisher:    publisher,
		notifier:     notifier,
		logger:       log.With("component", "scan_worker"),
		metrics:      metrics,
		tracer:       tracer,
	}
}

// Subscribe registers the worker on the bus for task enqueue messages.
func (w *ScanWorker) Subscribe(ctx context.Context, bus events.EventBus) error {
	return bus.Subscribe(ctx, []events.EventType{scanning.EventTypeTaskEnqueued}, w.handleTaskEnqueued)
}

func (w *ScanWorker) handleTaskEnqueued(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	enq, ok := evt.Payload.(scanning.TaskEnqueuedEvent)
	if !ok {
		err := fmt.Errorf("unexpected payload type %T for %s", evt.Payload, evt.Type)
		ack(err)
		return err
	}

	ctx, span := w.tracer.Start(ctx, "scan_worker.process_task",
		trace.WithAttributes(
			attribute.String("scan_id", enq.ScanID.String()),
			attribute.String("file_id", enq.FileID.String()),
			attribute.Int("delivery_attempt", evt.Metadata.DeliveryAttempt),
		),
	)
	defer span.End()

	err := w.metrics.TrackTask(ctx, func() error {
		return w.processTask(ctx, enq)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task processing failed")
		w.logger.Error(ctx, "Scan task processing failed, nacking for redelivery",
			"scan_id", enq.ScanID,
			"delivery_attempt", evt.Metadata.DeliveryAttempt,
			"error", err,
		)
	}
	ack(err)
	return nil
}

// processTask runs one scan end to end. Returning an error nacks the message
// for redelivery; infrastructure that already recorded a terminal task state
// returns nil so redelivery cannot resurrect a finished task.
func (w *ScanWorker) processTask(ctx context.Context, enq scanning.TaskEnqueuedEvent) error {
	claimed, err := w.tasks.TryTransition(ctx, enq.ScanID, scanning.TaskStatusPending, scanning.TaskStatusProcessing)
	if err != nil {
		return fmt.Errorf("claiming task %s: %w", enq.ScanID, err)
	}
	if !claimed {
		// Redelivery of a message another worker already claimed, or a task
		// the sweep already failed. Idempotency means dropping it silently.
		w.metrics.IncClaimsLost(ctx)
		w.logger.Info(ctx, "Task claim lost, dropping redelivered message", "scan_id", enq.ScanID)
		return nil
	}

	w.pushStatus(ctx, scanning.NewTaskStatusEvent(
		enq.ScanID, enq.FileID, enq.UserID, scanning.TaskStatusProcessing, "", nil,
	))

	fingerprint, err := protection.ParseFingerprint(enq.Fingerprint)
	if err != nil {
		return w.failTask(ctx, enq, fmt.Sprintf("invalid fingerprint in queue message: %v", err))
	}

	content, err := w.contentStore.Get(ctx, enq.Pointer)
	if err != nil {
		return w.failTask(ctx, enq, fmt.Sprintf("content fetch failed: %v", err))
	}

	aggregate := w.aggregator.Aggregate(ctx, content, enq.Keywords)
	verification := w.verifier.Verify(ctx, fingerprint, aggregate.CandidateURLs())

	result := scanning.ScanResult{
		Results:        aggregate.Results,
		ProviderErrors: aggregate.Errors,
		Matches:        verification.Matches,
		VerifyErrors:   verification.Errors,
	}
	raw, err := result.Marshal()
	if err != nil {
		return w.failTask(ctx, enq, fmt.Sprintf("result serialization failed: %v", err))
	}

	completed, err := w.tasks.CompleteTask(ctx, enq.ScanID, raw)
	if err != nil {
		return fmt.Errorf("completing task %s: %w", enq.ScanID, err)
	}
	if !completed {
		// The sweep reclaimed the task mid-flight. Its FAILED state stands;
		// the work is discarded.
		w.logger.Warn(ctx, "Task no longer processing at completion, result discarded", "scan_id", enq.ScanID)
		return nil
	}

	w.metrics.IncTasksCompleted(ctx)
	w.logger.Info(ctx, "Scan task completed",
		"scan_id", enq.ScanID,
		"providers_succeeded", len(aggregate.Results),
		"providers_failed", len(aggregate.Errors),
		"verified_matches", len(result.VerifiedURLs()),
	)

	w.pushStatus(ctx, scanning.NewTaskStatusEvent(
		enq.ScanID, enq.FileID, enq.UserID, scanning.TaskStatusCompleted, "", &result,
	))
	return nil
}

// failTask records a terminal failure with a human-readable reason and pushes
// the transition. The message is then acked: the failure is persisted state,
// not a retryable condition.
func (w *ScanWorker) failTask(ctx context.Context, enq scanning.TaskEnqueuedEvent, reason string) error {
	failed, err := w.tasks.FailTask(ctx, enq.ScanID, scanning.TaskStatusProcessing, reason)
	if err != nil {
		return fmt.Errorf("failing task %s: %w", enq.ScanID, err)
	}
	if !failed {
		w.logger.Warn(ctx, "Task no longer processing at failure", "scan_id", enq.ScanID, "reason", reason)
		return nil
	}

	w.metrics.IncTasksFailed(ctx)
	w.logger.Warn(ctx, "Scan task failed", "scan_id", enq.ScanID, "reason", reason)

	w.pushStatus(ctx, scanning.NewTaskStatusEvent(
		enq.ScanID, enq.FileID, enq.UserID, scanning.TaskStatusFailed, reason, nil,
	))
	return nil
}

// pushStatus publishes a status transition, best-effort on both paths. A lost
// push never fails the scan; clients fall back to polling.
func (w *ScanWorker) pushStatus(ctx context.Context, evt scanning.TaskStatusEvent) {
	if w.publisher != nil {
		if err := w.publisher.PublishDomainEvent(ctx, evt, events.WithKey(evt.UserID.String())); err != nil {
			if !errors.Is(err, context.Canceled) {
				w.logger.Warn(ctx, "Failed to publish status event",
					"task_id", evt.TaskID,
					"status", evt.Status,
					"error", err,
				)
			}
		}
	}
	if w.notifier != nil {
		w.notifier.NotifyStatus(ctx, evt)
	}
}
