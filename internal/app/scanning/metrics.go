package scanning

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/copysentry/copysentry/internal/infra/eventbus/kafka"
)

// WorkerMetrics defines the metrics operations needed by the scan worker and
// its collaborators.
type WorkerMetrics interface {
	// Messaging metrics
	kafka.EventBusMetrics

	// Task metrics
	IncTasksCompleted(ctx context.Context)
	IncTasksFailed(ctx context.Context)
	IncClaimsLost(ctx context.Context)
	TrackTask(ctx context.Context, f func() error) error

	// Search and verification metrics
	IncProviderError(ctx context.Context, provider string)
	IncVerifyFetchError(ctx context.Context)

	// Sweep metrics
	IncTasksReclaimed(ctx context.Context, count int)
}

// workerMetrics implements WorkerMetrics backed by OpenTelemetry instruments.
type workerMetrics struct {
	messagesPublished  metric.Int64Counter
	messagesConsumed   metric.Int64Counter
	publishErrors      metric.Int64Counter
	consumeErrors      metric.Int64Counter
	messagesDeadLetter metric.Int64Counter

	tasksCompleted  metric.Int64Counter
	tasksFailed     metric.Int64Counter
	claimsLost      metric.Int64Counter
	activeTasks     metric.Int64UpDownCounter
	taskProcessTime metric.Float64Histogram

	providerErrors    metric.Int64Counter
	verifyFetchErrors metric.Int64Counter

	tasksReclaimed metric.Int64Counter
}

const namespace = "scan_worker"

// NewWorkerMetrics creates a WorkerMetrics instance on the given provider.
func NewWorkerMetrics(mp metric.MeterProvider) (WorkerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(workerMetrics)
	var err error

	if m.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published"),
	); err != nil {
		return nil, err
	}

	if m.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages consumed"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of publish errors"),
	); err != nil {
		return nil, err
	}

	if m.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of consume errors"),
	); err != nil {
		return nil, err
	}

	if m.messagesDeadLetter, err = meter.Int64Counter(
		"messages_dead_lettered_total",
		metric.WithDescription("Total number of messages routed to the dead-letter topic"),
	); err != nil {
		return nil, err
	}

	if m.tasksCompleted, err = meter.Int64Counter(
		"tasks_completed_total",
		metric.WithDescription("Total number of scan tasks completed"),
	); err != nil {
		return nil, err
	}

	if m.tasksFailed, err = meter.Int64Counter(
		"tasks_failed_total",
		metric.WithDescription("Total number of scan tasks failed"),
	); err != nil {
		return nil, err
	}

	if m.claimsLost, err = meter.Int64Counter(
		"claims_lost_total",
		metric.WithDescription("Total number of claim attempts lost to another worker"),
	); err != nil {
		return nil, err
	}

	if m.activeTasks, err = meter.Int64UpDownCounter(
		"active_tasks",
		metric.WithDescription("Number of tasks currently being processed"),
	); err != nil {
		return nil, err
	}

	if m.taskProcessTime, err = meter.Float64Histogram(
		"task_process_duration_seconds",
		metric.WithDescription("Time taken to process each scan task"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.providerErrors, err = meter.Int64Counter(
		"provider_errors_total",
		metric.WithDescription("Total number of search provider failures"),
	); err != nil {
		return nil, err
	}

	if m.verifyFetchErrors, err = meter.Int64Counter(
		"verify_fetch_errors_total",
		metric.WithDescription("Total number of candidate fetch failures during verification"),
	); err != nil {
		return nil, err
	}

	if m.tasksReclaimed, err = meter.Int64Counter(
		"tasks_reclaimed_total",
		metric.WithDescription("Total number of stuck tasks reclaimed by the sweep"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *workerMetrics) IncTasksCompleted(ctx context.Context) { m.tasksCompleted.Add(ctx, 1) }
func (m *workerMetrics) IncTasksFailed(ctx context.Context)    { m.tasksFailed.Add(ctx, 1) }
func (m *workerMetrics) IncClaimsLost(ctx context.Context)     { m.claimsLost.Add(ctx, 1) }

func (m *workerMetrics) TrackTask(ctx context.Context, f func() error) error {
	m.activeTasks.Add(ctx, 1)
	defer m.activeTasks.Add(ctx, -1)

	start := time.Now()
	err := f()
	m.taskProcessTime.Record(ctx, time.Since(start).Seconds())
	return err
}

func (m *workerMetrics) IncProviderError(ctx context.Context, provider string) {
	m.providerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *workerMetrics) IncVerifyFetchError(ctx context.Context) {
	m.verifyFetchErrors.Add(ctx, 1)
}

func (m *workerMetrics) IncTasksReclaimed(ctx context.Context, count int) {
	m.tasksReclaimed.Add(ctx, int64(count))
}

func (m *workerMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *workerMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *workerMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *workerMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *workerMetrics) IncMessageDeadLettered(ctx context.Context, topic string) {
	m.messagesDeadLetter.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
