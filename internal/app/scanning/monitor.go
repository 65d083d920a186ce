package scanning

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/copysentry/copysentry/internal/domain/events"
	"github.com/copysentry/copysentry/internal/domain/scanning"
	"github.com/copysentry/copysentry/pkg/common/logger"
)

// defaultStuckThreshold must exceed the sum of realistic provider and
// verification timeouts, otherwise the sweep reclaims tasks that are merely
// slow.
const defaultStuckThreshold = 30 * time.Minute

// SweepScheduler is the strategy that drives the periodic sweep. The cron
// implementation is the production default; the no-op implementation disables
// sweeping in deployments that run it as a separate job.
type SweepScheduler interface {
	// Start schedules fn and begins running it. It is an error to Start twice.
	Start(fn func()) error
	// Stop cancels the schedule and waits for a running sweep to finish.
	Stop()
}

// CronSweepScheduler runs the sweep on a cron schedule.
type CronSweepScheduler struct {
	spec string
	cron *cron.Cron
}

// NewCronSweepScheduler creates a scheduler for the given cron spec, e.g.
// "*/5 * * * *" for every five minutes.
func NewCronSweepScheduler(spec string) *CronSweepScheduler {
	return &CronSweepScheduler{spec: spec, cron: cron.New()}
}

// Start schedules fn and starts the cron runner.
func (s *CronSweepScheduler) Start(fn func()) error {
	if _, err := s.cron.AddFunc(s.spec, fn); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.spec, err)
	}
	s.cron.Start()
	return nil
}

// Stop cancels the schedule and blocks until a running sweep returns.
func (s *CronSweepScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// NoopSweepScheduler disables the sweep.
type NoopSweepScheduler struct{}

// Start ignores fn.
func (NoopSweepScheduler) Start(func()) error { return nil }

// Stop does nothing.
func (NoopSweepScheduler) Stop() {}

// StuckTaskMonitor reclaims tasks abandoned by a crashed worker. A worker
// crash is invisible to the queue beyond the eventual redelivery, and a
// redelivered message loses its claim against the stale PROCESSING row, so
// this sweep is the only mechanism that converts a silent crash into a
// visible failed status.
type StuckTaskMonitor struct {
	tasks     scanning.TaskRepository
	publisher events.DomainEventPublisher
	notifier  scanning.StatusNotifier
	scheduler SweepScheduler
	threshold time.Duration

	logger  *logger.Logger
	metrics WorkerMetrics
	tracer  trace.Tracer
}

// MonitorOption configures a StuckTaskMonitor.
type MonitorOption func(*StuckTaskMonitor)

// WithStuckThreshold overrides how stale a PROCESSING task must be before the
// sweep fails it.
func WithStuckThreshold(d time.Duration) MonitorOption {
	return func(m *StuckTaskMonitor) { m.threshold = d }
}

// NewStuckTaskMonitor creates the monitor. notifier may be nil; publisher
// carries the failure pushes across processes.
func NewStuckTaskMonitor(
	tasks scanning.TaskRepository,
	publisher events.DomainEventPublisher,
	notifier scanning.StatusNotifier,
	scheduler SweepScheduler,
	log *logger.Logger,
	metrics WorkerMetrics,
	tracer trace.Tracer,
	opts ...MonitorOption,
) *StuckTaskMonitor {
	m := &StuckTaskMonitor{
		tasks:     tasks,
		publisher: publisher,
		notifier:  notifier,
		scheduler: scheduler,
		threshold: defaultStuckThreshold,
		logger:    log.With("component", "stuck_task_monitor"),
		metrics:   metrics,
		tracer:    tracer,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins periodic sweeping on the configured scheduler.
func (m *StuckTaskMonitor) Start(ctx context.Context) error {
	return m.scheduler.Start(func() {
		if err := m.Sweep(ctx); err != nil {
			m.logger.Error(ctx, "Stuck task sweep failed", "error", err)
		}
	})
}

// Stop halts the scheduler.
func (m *StuckTaskMonitor) Stop() { m.scheduler.Stop() }

// Sweep fails every PROCESSING task untouched for longer than the threshold
// and pushes the transition to the owning users.
func (m *StuckTaskMonitor) Sweep(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "stuck_task_monitor.sweep",
		trace.WithAttributes(attribute.String("threshold", m.threshold.String())),
	)
	defer span.End()

	cutoff := time.Now().Add(-m.threshold)
	reclaimed, err := m.tasks.FailStuckTasks(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failing stuck tasks: %w", err)
	}
	if len(reclaimed) == 0 {
		return nil
	}

	span.SetAttributes(attribute.Int("reclaimed.count", len(reclaimed)))
	m.metrics.IncTasksReclaimed(ctx, len(reclaimed))
	m.logger.Warn(ctx, "Reclaimed stuck scan tasks", "count", len(reclaimed))

	for _, stuck := range reclaimed {
		evt := scanning.NewTaskStatusEvent(
			stuck.TaskID, stuck.FileID, stuck.UserID, scanning.TaskStatusFailed, "timeout", nil,
		)
		if m.publisher != nil {
			if err := m.publisher.PublishDomainEvent(ctx, evt, events.WithKey(stuck.UserID.String())); err != nil {
				m.logger.Warn(ctx, "Failed to publish stuck-task status", "task_id", stuck.TaskID, "error", err)
			}
		}
		if m.notifier != nil {
			m.notifier.NotifyStatus(ctx, evt)
		}
	}
	return nil
}
