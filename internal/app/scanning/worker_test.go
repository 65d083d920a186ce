package scanning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/copysentry/copysentry/internal/domain/events"
	"github.com/copysentry/copysentry/internal/domain/protection"
	"github.com/copysentry/copysentry/internal/domain/scanning"
	"github.com/copysentry/copysentry/internal/infra/eventbus/kafka"
	"github.com/copysentry/copysentry/internal/infra/eventbus/memory"
	"github.com/copysentry/copysentry/pkg/common/logger"
)

type workerFixture struct {
	repo      *memTaskRepo
	publisher *capturingPublisher
	notifier  *capturingNotifier
	worker    *ScanWorker
}

func newWorkerFixture(t *testing.T, providers []scanning.SearchProvider, store *mockContentStore) *workerFixture {
	t.Helper()

	tracer := noop.NewTracerProvider().Tracer("test")
	repo := newMemTaskRepo()
	publisher := &capturingPublisher{}
	notifier := &capturingNotifier{}

	aggregator := NewSearchAggregator(providers, logger.Noop(), noopMetrics{}, tracer,
		WithProviderTimeout(200*time.Millisecond))
	verifier := NewMatchVerifier(logger.Noop(), noopMetrics{}, tracer,
		WithFetchTimeout(200*time.Millisecond))

	worker := NewScanWorker(repo, store, aggregator, verifier, publisher, notifier,
		logger.Noop(), noopMetrics{}, tracer)

	return &workerFixture{repo: repo, publisher: publisher, notifier: notifier, worker: worker}
}

func enqueueAndHandle(t *testing.T, f *workerFixture, enq scanning.TaskEnqueuedEvent) error {
	t.Helper()

	var ackErr error
	acked := false
	err := f.worker.handleTaskEnqueued(context.Background(),
		events.EventEnvelope{Type: enq.EventType(), Payload: enq, Metadata: events.EventMetadata{DeliveryAttempt: 1}},
		func(err error) { acked = true; ackErr = err },
	)
	require.NoError(t, err)
	require.True(t, acked, "handler must ack every message")
	return ackErr
}

// TestWorker_EndToEndScenario runs the canonical three-provider scan: A
// returns [u1,u2], B times out, C returns [u2,u3]; verification confirms u2
// and u3 but cannot reach u1.
func TestWorker_EndToEndScenario(t *testing.T) {
	t.Parallel()

	original := []byte("the original artwork")
	fingerprint := protection.ComputeFingerprint(original)

	copies := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(original)
	}))
	defer copies.Close()

	u1 := "http://127.0.0.1:1/unreachable"
	u2 := copies.URL + "/u2"
	u3 := copies.URL + "/u3"

	providers := []scanning.SearchProvider{
		&mockProvider{name: "A", kind: scanning.ProviderKindReverseImage, searchFn: func(context.Context, []byte, []string) ([]string, error) {
			return []string{u1, u2}, nil
		}},
		&mockProvider{name: "B", kind: scanning.ProviderKindReverseImage, searchFn: func(ctx context.Context, _ []byte, _ []string) ([]string, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		&mockProvider{name: "C", kind: scanning.ProviderKindReverseImage, searchFn: func(context.Context, []byte, []string) ([]string, error) {
			return []string{u2, u3}, nil
		}},
	}

	store := &mockContentStore{getFn: func(_ context.Context, pointer string) ([]byte, error) {
		assert.Equal(t, "cas://original", pointer)
		return original, nil
	}}

	f := newWorkerFixture(t, providers, store)

	task := scanning.NewScanTask(uuid.New(), uuid.New(), uuid.New())
	require.NoError(t, f.repo.CreateTask(context.Background(), task))

	enq := scanning.NewTaskEnqueuedEvent(task.TaskID(), task.FileID(), task.UserID(),
		"cas://original", fingerprint.String(), nil)

	require.NoError(t, enqueueAndHandle(t, f, enq))

	loaded, err := f.repo.GetTask(context.Background(), task.TaskID())
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusCompleted, loaded.Status())

	var result scanning.ScanResult
	require.NoError(t, json.Unmarshal(loaded.Result(), &result))

	assert.Equal(t, []string{u1, u2}, result.Results["A"])
	assert.Equal(t, []string{u2, u3}, result.Results["C"])
	assert.NotContains(t, result.Results, "B")
	require.Len(t, result.ProviderErrors, 1)
	assert.Equal(t, "B", result.ProviderErrors[0].Source)

	assert.ElementsMatch(t, []string{u2, u3}, result.VerifiedURLs())
	require.Len(t, result.VerifyErrors, 1)
	assert.Equal(t, u1, result.VerifyErrors[0].URL)

	// A processing push then a completed push, on both delivery paths.
	statuses := f.publisher.statusEvents()
	require.Len(t, statuses, 2)
	assert.Equal(t, scanning.TaskStatusProcessing, statuses[0].Status)
	assert.Equal(t, scanning.TaskStatusCompleted, statuses[1].Status)
	require.NotNil(t, statuses[1].Results)
	assert.ElementsMatch(t, []string{u2, u3}, statuses[1].Results.VerifiedURLs())
	assert.Len(t, f.notifier.all(), 2)
}

func TestWorker_RedeliveredMessageLosesClaim(t *testing.T) {
	t.Parallel()

	store := &mockContentStore{getFn: func(context.Context, string) ([]byte, error) {
		return []byte("content"), nil
	}}
	f := newWorkerFixture(t, nil, store)

	task := scanning.NewScanTask(uuid.New(), uuid.New(), uuid.New())
	require.NoError(t, f.repo.CreateTask(context.Background(), task))

	fingerprint := protection.ComputeFingerprint([]byte("content"))
	enq := scanning.NewTaskEnqueuedEvent(task.TaskID(), task.FileID(), task.UserID(),
		"cas://x", fingerprint.String(), nil)

	require.NoError(t, enqueueAndHandle(t, f, enq))

	loaded, err := f.repo.GetTask(context.Background(), task.TaskID())
	require.NoError(t, err)
	require.Equal(t, scanning.TaskStatusCompleted, loaded.Status())
	firstResult := loaded.Result()

	// Redelivery of the same message: the claim fails, state is untouched.
	require.NoError(t, enqueueAndHandle(t, f, enq))

	reloaded, err := f.repo.GetTask(context.Background(), task.TaskID())
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusCompleted, reloaded.Status())
	assert.Equal(t, firstResult, reloaded.Result())

	// No extra status pushes from the dropped redelivery.
	assert.Len(t, f.publisher.statusEvents(), 2)
}

func TestWorker_ContentFetchFailureFailsTask(t *testing.T) {
	t.Parallel()

	store := &mockContentStore{getFn: func(context.Context, string) ([]byte, error) {
		return nil, errors.New("pointer not found")
	}}
	f := newWorkerFixture(t, nil, store)

	task := scanning.NewScanTask(uuid.New(), uuid.New(), uuid.New())
	require.NoError(t, f.repo.CreateTask(context.Background(), task))

	fingerprint := protection.ComputeFingerprint([]byte("content"))
	enq := scanning.NewTaskEnqueuedEvent(task.TaskID(), task.FileID(), task.UserID(),
		"cas://gone", fingerprint.String(), nil)

	require.NoError(t, enqueueAndHandle(t, f, enq), "persisted failure is acked, not redelivered")

	loaded, err := f.repo.GetTask(context.Background(), task.TaskID())
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusFailed, loaded.Status())
	assert.Contains(t, loaded.ErrorMessage(), "content fetch failed")

	statuses := f.publisher.statusEvents()
	require.Len(t, statuses, 2)
	assert.Equal(t, scanning.TaskStatusFailed, statuses[1].Status)
	assert.Contains(t, statuses[1].Message, "content fetch failed")
}

func TestWorker_MalformedPayloadNacks(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, nil, &mockContentStore{})

	var ackErr error
	err := f.worker.handleTaskEnqueued(context.Background(),
		events.EventEnvelope{Type: scanning.EventTypeTaskEnqueued, Payload: "not an event"},
		func(err error) { ackErr = err },
	)
	assert.Error(t, err)
	assert.Error(t, ackErr)
}

// TestWorker_OverMemoryBus wires the worker to the in-memory bus the way the
// binary wires it to Kafka, and drives a full publish-consume round trip.
func TestWorker_OverMemoryBus(t *testing.T) {
	t.Parallel()

	original := []byte("bus-delivered artwork")
	fingerprint := protection.ComputeFingerprint(original)

	store := &mockContentStore{getFn: func(context.Context, string) ([]byte, error) {
		return original, nil
	}}

	providers := []scanning.SearchProvider{
		&mockProvider{name: "A", kind: scanning.ProviderKindReverseImage, searchFn: func(context.Context, []byte, []string) ([]string, error) {
			return nil, nil
		}},
	}

	f := newWorkerFixture(t, providers, store)

	bus := memory.NewEventBus()
	defer bus.Close()
	require.NoError(t, f.worker.Subscribe(context.Background(), bus))

	task := scanning.NewScanTask(uuid.New(), uuid.New(), uuid.New())
	require.NoError(t, f.repo.CreateTask(context.Background(), task))

	publisher := kafka.NewDomainEventPublisher(bus)
	enq := scanning.NewTaskEnqueuedEvent(task.TaskID(), task.FileID(), task.UserID(),
		"cas://x", fingerprint.String(), nil)
	require.NoError(t, publisher.PublishDomainEvent(context.Background(), enq,
		events.WithKey(task.TaskID().String())))

	loaded, err := f.repo.GetTask(context.Background(), task.TaskID())
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusCompleted, loaded.Status())
}
