package scanning

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrTaskNotFound is returned when no task exists for an ID.
var ErrTaskNotFound = errors.New("scan task not found")

// StuckTask identifies a task reclaimed by the stuck-task sweep, with enough
// context to notify the owning user.
type StuckTask struct {
	TaskID uuid.UUID
	FileID uuid.UUID
	UserID uuid.UUID
}

// TaskRepository provides persistence for scan tasks. Tasks are append-only
// audit records: rows are created and updated, never deleted.
type TaskRepository interface {
	// CreateTask persists a new PENDING task.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask retrieves a task by ID, returning ErrTaskNotFound when absent.
	GetTask(ctx context.Context, taskID uuid.UUID) (*Task, error)

	// TryTransition performs the conditional status update that guards the
	// single-claim invariant: the row moves from expected to target only if
	// its current status equals expected. It reports whether this caller won.
	// Two workers racing to claim the same task see exactly one true.
	TryTransition(ctx context.Context, taskID uuid.UUID, expected, target TaskStatus) (bool, error)

	// CompleteTask conditionally finishes a PROCESSING task with its result.
	CompleteTask(ctx context.Context, taskID uuid.UUID, result json.RawMessage) (bool, error)

	// FailTask conditionally fails a task from the expected status with a
	// human-readable reason.
	FailTask(ctx context.Context, taskID uuid.UUID, expected TaskStatus, reason string) (bool, error)

	// FailStuckTasks transitions every PROCESSING task whose updatedAt is
	// older than cutoff to FAILED with reason "timeout", returning the
	// reclaimed tasks. This is the only mechanism that reclaims work
	// abandoned by a crashed worker.
	FailStuckTasks(ctx context.Context, cutoff time.Time) ([]StuckTask, error)
}

// SearchProviderKind distinguishes how a provider is driven.
type SearchProviderKind string

const (
	// ProviderKindReverseImage providers accept raw content bytes and are
	// queried on every scan.
	ProviderKindReverseImage SearchProviderKind = "reverse_image"

	// ProviderKindKeyword providers search platform listings by keywords and
	// are queried only when the scan supplies keywords.
	ProviderKindKeyword SearchProviderKind = "keyword"
)

// SearchProvider is one independent external search service queried during
// aggregation. Implementations are expected to respect the context deadline
// imposed per call by the aggregator.
type SearchProvider interface {
	// Name identifies the provider in results and error entries.
	Name() string

	// Kind reports how the aggregator should drive this provider.
	Kind() SearchProviderKind

	// Search returns candidate URLs for the given content and keywords.
	Search(ctx context.Context, content []byte, keywords []string) ([]string, error)
}

// StatusNotifier pushes task status transitions toward the owning user.
// Delivery is best-effort: implementations must not block task processing and
// must never fail the scan on notification errors.
type StatusNotifier interface {
	NotifyStatus(ctx context.Context, evt TaskStatusEvent)
}
