package scanning

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/copysentry/copysentry/internal/domain/events"
	"github.com/copysentry/copysentry/internal/domain/scanning"
)

// memTaskRepo is an in-memory TaskRepository with the same conditional-update
// semantics as the Postgres store.
type memTaskRepo struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*taskRow
}

type taskRow struct {
	fileID       uuid.UUID
	userID       uuid.UUID
	status       scanning.TaskStatus
	result       json.RawMessage
	errorMessage string
	updatedAt    time.Time
}

func newMemTaskRepo() *memTaskRepo {
	return &memTaskRepo{tasks: make(map[uuid.UUID]*taskRow)}
}

func (r *memTaskRepo) CreateTask(ctx context.Context, task *scanning.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[task.TaskID()]; exists {
		return fmt.Errorf("task %s already exists", task.TaskID())
	}
	r.tasks[task.TaskID()] = &taskRow{
		fileID:    task.FileID(),
		userID:    task.UserID(),
		status:    task.Status(),
		updatedAt: time.Now(),
	}
	return nil
}

func (r *memTaskRepo) GetTask(ctx context.Context, taskID uuid.UUID) (*scanning.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.tasks[taskID]
	if !ok {
		return nil, scanning.ErrTaskNotFound
	}
	return scanning.ReconstructTask(
		taskID, row.fileID, row.userID, row.status, 0, row.result, row.errorMessage,
		time.Now(), time.Time{}, time.Time{}, row.updatedAt,
	), nil
}

func (r *memTaskRepo) TryTransition(ctx context.Context, taskID uuid.UUID, expected, target scanning.TaskStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.tasks[taskID]
	if !ok || row.status != expected {
		return false, nil
	}
	row.status = target
	row.updatedAt = time.Now()
	return true, nil
}

func (r *memTaskRepo) CompleteTask(ctx context.Context, taskID uuid.UUID, result json.RawMessage) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.tasks[taskID]
	if !ok || row.status != scanning.TaskStatusProcessing {
		return false, nil
	}
	row.status = scanning.TaskStatusCompleted
	row.result = result
	row.updatedAt = time.Now()
	return true, nil
}

func (r *memTaskRepo) FailTask(ctx context.Context, taskID uuid.UUID, expected scanning.TaskStatus, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.tasks[taskID]
	if !ok || row.status != expected {
		return false, nil
	}
	row.status = scanning.TaskStatusFailed
	row.errorMessage = reason
	row.updatedAt = time.Now()
	return true, nil
}

func (r *memTaskRepo) FailStuckTasks(ctx context.Context, cutoff time.Time) ([]scanning.StuckTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stuck []scanning.StuckTask
	for id, row := range r.tasks {
		if row.status == scanning.TaskStatusProcessing && row.updatedAt.Before(cutoff) {
			row.status = scanning.TaskStatusFailed
			row.errorMessage = "timeout"
			row.updatedAt = time.Now()
			stuck = append(stuck, scanning.StuckTask{TaskID: id, FileID: row.fileID, UserID: row.userID})
		}
	}
	return stuck, nil
}

// touch backdates a row's updatedAt, for sweep tests.
func (r *memTaskRepo) touch(taskID uuid.UUID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.tasks[taskID]; ok {
		row.updatedAt = at
	}
}

// mockProvider is a SearchProvider with func fields.
type mockProvider struct {
	name     string
	kind     scanning.SearchProviderKind
	searchFn func(ctx context.Context, content []byte, keywords []string) ([]string, error)
}

func (m *mockProvider) Name() string                      { return m.name }
func (m *mockProvider) Kind() scanning.SearchProviderKind { return m.kind }
func (m *mockProvider) Search(ctx context.Context, content []byte, keywords []string) ([]string, error) {
	return m.searchFn(ctx, content, keywords)
}

// mockContentStore is a ContentStore with func fields.
type mockContentStore struct {
	putFn func(ctx context.Context, content []byte) (string, error)
	getFn func(ctx context.Context, pointer string) ([]byte, error)
}

func (m *mockContentStore) Put(ctx context.Context, content []byte) (string, error) {
	return m.putFn(ctx, content)
}

func (m *mockContentStore) Get(ctx context.Context, pointer string) ([]byte, error) {
	return m.getFn(ctx, pointer)
}

// capturingPublisher records published domain events.
type capturingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
	err    error
}

func (p *capturingPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturingPublisher) statusEvents() []scanning.TaskStatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []scanning.TaskStatusEvent
	for _, e := range p.events {
		if se, ok := e.(scanning.TaskStatusEvent); ok {
			out = append(out, se)
		}
	}
	return out
}

// capturingNotifier records local status pushes.
type capturingNotifier struct {
	mu     sync.Mutex
	events []scanning.TaskStatusEvent
}

func (n *capturingNotifier) NotifyStatus(ctx context.Context, evt scanning.TaskStatusEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *capturingNotifier) all() []scanning.TaskStatusEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]scanning.TaskStatusEvent, len(n.events))
	copy(out, n.events)
	return out
}

// noopMetrics satisfies WorkerMetrics for tests.
type noopMetrics struct{}

func (noopMetrics) IncMessagePublished(context.Context, string)    {}
func (noopMetrics) IncMessageConsumed(context.Context, string)     {}
func (noopMetrics) IncPublishError(context.Context, string)        {}
func (noopMetrics) IncConsumeError(context.Context, string)        {}
func (noopMetrics) IncMessageDeadLettered(context.Context, string) {}
func (noopMetrics) IncTasksCompleted(context.Context)              {}
func (noopMetrics) IncTasksFailed(context.Context)                 {}
func (noopMetrics) IncClaimsLost(context.Context)                  {}
func (noopMetrics) TrackTask(ctx context.Context, f func() error) error {
	return f()
}
func (noopMetrics) IncProviderError(context.Context, string) {}
func (noopMetrics) IncVerifyFetchError(context.Context)      {}
func (noopMetrics) IncTasksReclaimed(context.Context, int)   {}
