package scanning

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/copysentry/copysentry/internal/domain/events"
	"github.com/copysentry/copysentry/internal/domain/protection"
	"github.com/copysentry/copysentry/internal/domain/scanning"
	"github.com/copysentry/copysentry/pkg/common/logger"
)

// ErrNotTaskOwner is returned when a user queries a task they do not own.
var ErrNotTaskOwner = fmt.Errorf("task belongs to a different user")

// ScanService is the producer side of the scan pipeline: it creates the
// durable task row and enqueues the scan message. Workers pick it up from
// there; this service never executes a scan itself.
type ScanService struct {
	records   protection.FileRecordRepository
	tasks     scanning.TaskRepository
	publisher events.DomainEventPublisher

	logger *logger.Logger
	tracer trace.Tracer
}

// NewScanService creates the service with its persistence and queue
// collaborators.
func NewScanService(
	records protection.FileRecordRepository,
	tasks scanning.TaskRepository,
	publisher events.DomainEventPublisher,
	log *logger.Logger,
	tracer trace.Tracer,
) *ScanService {
	return &ScanService{
		records:   records,
		tasks:     tasks,
		publisher: publisher,
		logger:    log.With("component", "scan_service"),
		tracer:    tracer,
	}
}

// StartScan creates a PENDING task for the file and enqueues the scan
// message. The task row is persisted before the message is published so a
// delivered message always finds its row.
func (s *ScanService) StartScan(ctx context.Context, fileID, userID uuid.UUID, keywords []string) (*scanning.Task, error) {
	ctx, span := s.tracer.Start(ctx, "scan_service.start_scan",
		trace.WithAttributes(
			attribute.String("file_id", fileID.String()),
			attribute.String("user_id", userID.String()),
		),
	)
	defer span.End()

	record, err := s.records.GetFileRecord(ctx, fileID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("loading file record %s: %w", fileID, err)
	}
	if record.UserID() != userID {
		span.SetStatus(codes.Error, "ownership check failed")
		return nil, ErrNotTaskOwner
	}

	task := scanning.NewScanTask(uuid.New(), fileID, userID)
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("creating scan task: %w", err)
	}
	span.SetAttributes(attribute.String("scan_id", task.TaskID().String()))

	evt := scanning.NewTaskEnqueuedEvent(
		task.TaskID(),
		fileID,
		userID,
		record.ContentPointer(),
		record.Fingerprint().String(),
		keywords,
	)
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(task.TaskID().String())); err != nil {
		// The task row exists but no message will arrive; fail it loudly
		// instead of leaving a PENDING row nothing will ever claim.
		span.RecordError(err)
		reason := fmt.Sprintf("enqueue failed: %v", err)
		if _, failErr := s.tasks.FailTask(ctx, task.TaskID(), scanning.TaskStatusPending, reason); failErr != nil {
			s.logger.Error(ctx, "Failed to fail unenqueued task", "scan_id", task.TaskID(), "error", failErr)
		}
		return nil, fmt.Errorf("enqueueing scan task: %w", err)
	}

	s.logger.Info(ctx, "Scan task enqueued", "scan_id", task.TaskID(), "file_id", fileID)
	return task, nil
}

// GetScan returns the task after checking ownership.
func (s *ScanService) GetScan(ctx context.Context, taskID, userID uuid.UUID) (*scanning.Task, error) {
	ctx, span := s.tracer.Start(ctx, "scan_service.get_scan",
		trace.WithAttributes(attribute.String("scan_id", taskID.String())),
	)
	defer span.End()

	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.UserID() != userID {
		span.SetStatus(codes.Error, "ownership check failed")
		return nil, ErrNotTaskOwner
	}
	return task, nil
}
