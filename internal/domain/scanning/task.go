package scanning

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task tracks the full lifecycle of one infringement scan attempt. A task is
// created PENDING by the API layer, mutated by exactly one worker (or by the
// stuck-task sweep after a worker crash), and never deleted: it is a permanent
// audit record of the attempt.
type Task struct {
	id     uuid.UUID
	fileID uuid.UUID
	userID uuid.UUID

	status       TaskStatus
	progress     int
	result       json.RawMessage
	errorMessage string

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	updatedAt   time.Time
}

// TaskInvalidStateError indicates an operation was attempted against a task
// whose current status does not allow it.
type TaskInvalidStateError struct {
	taskID uuid.UUID
	status TaskStatus
	reason string
}

// Error returns a string representation of the error.
func (e TaskInvalidStateError) Error() string {
	return fmt.Sprintf("task %s is in invalid state %s: %s", e.taskID, e.status, e.reason)
}

// NewScanTask creates a new Task in PENDING state for the given file and owner.
func NewScanTask(taskID, fileID, userID uuid.UUID) *Task {
	now := time.Now().UTC()
	return &Task{
		id:        taskID,
		fileID:    fileID,
		userID:    userID,
		status:    TaskStatusPending,
		createdAt: now,
		updatedAt: now,
	}
}

// ReconstructTask rebuilds a Task from persisted data without enforcing
// creation-time invariants. This should only be used by repositories.
func ReconstructTask(
	taskID uuid.UUID,
	fileID uuid.UUID,
	userID uuid.UUID,
	status TaskStatus,
	progress int,
	result json.RawMessage,
	errorMessage string,
	createdAt time.Time,
	startedAt time.Time,
	completedAt time.Time,
	updatedAt time.Time,
) *Task {
	return &Task{
		id:           taskID,
		fileID:       fileID,
		userID:       userID,
		status:       status,
		progress:     progress,
		result:       result,
		errorMessage: errorMessage,
		createdAt:    createdAt,
		startedAt:    startedAt,
		completedAt:  completedAt,
		updatedAt:    updatedAt,
	}
}

// TaskID returns the unique identifier for this scan task.
func (t *Task) TaskID() uuid.UUID { return t.id }

// FileID returns the identifier of the protected file being scanned for.
func (t *Task) FileID() uuid.UUID { return t.fileID }

// UserID returns the identifier of the owning user.
func (t *Task) UserID() uuid.UUID { return t.userID }

// Status returns the current execution status of the scan task.
func (t *Task) Status() TaskStatus { return t.status }

// Progress returns the completion percentage in [0, 100].
func (t *Task) Progress() int { return t.progress }

// Result returns the persisted scan result, nil until completion.
func (t *Task) Result() json.RawMessage { return t.result }

// ErrorMessage returns the human-readable failure reason, if any.
func (t *Task) ErrorMessage() string { return t.errorMessage }

// CreatedAt returns when the task row was created.
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// StartedAt returns when a worker claimed the task.
func (t *Task) StartedAt() time.Time { return t.startedAt }

// CompletedAt returns when the task reached a terminal state.
func (t *Task) CompletedAt() time.Time { return t.completedAt }

// UpdatedAt returns the time of the last state mutation. The stuck-task sweep
// compares this against its staleness threshold.
func (t *Task) UpdatedAt() time.Time { return t.updatedAt }

// UpdateStatus changes the task's status after validating the transition.
func (t *Task) UpdateStatus(target TaskStatus) error {
	if err := t.status.validateTransition(target); err != nil {
		return err
	}

	now := time.Now().UTC()
	if t.status == TaskStatusPending && target == TaskStatusProcessing {
		t.startedAt = now
	}
	if target.IsTerminal() {
		t.completedAt = now
	}

	t.status = target
	t.updatedAt = now
	return nil
}

// Start transitions the task from PENDING to PROCESSING. The authoritative
// claim is the repository's conditional update; this keeps the in-memory
// aggregate consistent with it.
func (t *Task) Start() error {
	return t.UpdateStatus(TaskStatusProcessing)
}

// SetProgress records the completion percentage, clamped to [0, 100].
func (t *Task) SetProgress(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	t.progress = pct
	t.updatedAt = time.Now().UTC()
}

// Complete marks the task COMPLETED with its final result. Completing an
// already completed task is a no-op so redelivered messages stay harmless.
func (t *Task) Complete(result json.RawMessage) error {
	if t.status == TaskStatusCompleted {
		return nil
	}
	if t.status == TaskStatusFailed {
		return TaskInvalidStateError{taskID: t.id, status: t.status, reason: "cannot complete a failed task"}
	}

	if err := t.UpdateStatus(TaskStatusCompleted); err != nil {
		return err
	}
	t.result = result
	t.progress = 100
	return nil
}

// Fail marks the task FAILED with a human-readable reason.
func (t *Task) Fail(reason string) error {
	if t.status.IsTerminal() {
		return TaskInvalidStateError{taskID: t.id, status: t.status, reason: "task already terminal"}
	}

	if err := t.UpdateStatus(TaskStatusFailed); err != nil {
		return err
	}
	t.errorMessage = reason
	return nil
}
