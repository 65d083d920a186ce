package scanning

import (
	"errors"
	"fmt"
)

// TaskStatus represents the execution state of an individual infringement
// scan. It enables tracking of scan progress and error conditions.
type TaskStatus string

// ErrTaskStatusUnknown is returned when a task status is unknown.
var ErrTaskStatusUnknown = errors.New("task status unknown")

const (
	// TaskStatusPending indicates a scan is enqueued but not yet claimed by a worker.
	TaskStatusPending TaskStatus = "PENDING"

	// TaskStatusProcessing indicates a worker has claimed the scan and is running it.
	TaskStatusProcessing TaskStatus = "PROCESSING"

	// TaskStatusCompleted indicates the scan finished with a persisted result.
	TaskStatusCompleted TaskStatus = "COMPLETED"

	// TaskStatusFailed indicates the scan hit an unrecoverable error, or was
	// reclaimed by the stuck-task sweep after its worker disappeared.
	TaskStatusFailed TaskStatus = "FAILED"

	// TaskStatusUnspecified is used when a task status is unknown.
	TaskStatusUnspecified TaskStatus = "UNSPECIFIED"
)

// String returns the string representation of the TaskStatus.
func (s TaskStatus) String() string { return string(s) }

// IsTerminal reports whether no further transitions may occur.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// ParseTaskStatus converts a string to a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case TaskStatusPending:
		return TaskStatusPending, nil
	case TaskStatusProcessing:
		return TaskStatusProcessing, nil
	case TaskStatusCompleted:
		return TaskStatusCompleted, nil
	case TaskStatusFailed:
		return TaskStatusFailed, nil
	default:
		return TaskStatusUnspecified, fmt.Errorf("%w: %q", ErrTaskStatusUnknown, s)
	}
}

// validateTransition enforces the forward-only lifecycle:
// PENDING -> PROCESSING -> {COMPLETED, FAILED}. A status never moves backward
// and terminal states accept no further transitions.
func (s TaskStatus) validateTransition(target TaskStatus) error {
	valid := false
	switch s {
	case TaskStatusPending:
		valid = target == TaskStatusProcessing || target == TaskStatusFailed
	case TaskStatusProcessing:
		valid = target == TaskStatusCompleted || target == TaskStatusFailed
	}

	if !valid {
		return fmt.Errorf("invalid task status transition %s -> %s", s, target)
	}
	return nil
}
