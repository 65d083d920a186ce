// Package postgres provides the PostgreSQL-backed repository for scan tasks.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/copysentry/copysentry/internal/domain/scanning"
	"github.com/copysentry/copysentry/internal/infra/storage"
)

var _ scanning.TaskRepository = (*taskStore)(nil)

// taskStore implements scanning.TaskRepository using PostgreSQL as the backing
// store. All status mutations are conditional UPDATEs guarded on the current
// status, which is what enforces the single-claim and forward-only invariants
// under concurrent workers.
type taskStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewTaskStore creates a new PostgreSQL-backed task repository with tracing
// capabilities.
func NewTaskStore(pool *pgxpool.Pool, tracer trace.Tracer) *taskStore {
	return &taskStore{db: pool, tracer: tracer}
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// CreateTask persists a new PENDING task.
func (s *taskStore) CreateTask(ctx context.Context, task *scanning.Task) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", task.TaskID().String()),
		attribute.String("status", task.Status().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_task", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		_, err := s.db.Exec(ctx, `
			INSERT INTO scan_tasks (id, file_id, user_id, status, progress, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			task.TaskID(),
			task.FileID(),
			task.UserID(),
			task.Status().String(),
			task.Progress(),
			task.CreatedAt(),
			task.UpdatedAt(),
		)
		if err != nil {
			return fmt.Errorf("CreateTask insert error: %w", err)
		}
		return nil
	})
}

// GetTask retrieves a task by ID.
func (s *taskStore) GetTask(ctx context.Context, taskID uuid.UUID) (*scanning.Task, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", taskID.String()))

	var task *scanning.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_task", dbAttrs, func(ctx context.Context) error {
		var (
			fileID       uuid.UUID
			userID       uuid.UUID
			status       string
			progress     int
			result       []byte
			errorMessage sql.NullString
			createdAt    time.Time
			startedAt    sql.NullTime
			completedAt  sql.NullTime
			updatedAt    time.Time
		)

		err := s.db.QueryRow(ctx, `
			SELECT file_id, user_id, status, progress, result, error_message,
			       created_at, started_at, completed_at, updated_at
			FROM scan_tasks
			WHERE id = $1`,
			taskID,
		).Scan(&fileID, &userID, &status, &progress, &result, &errorMessage,
			&createdAt, &startedAt, &completedAt, &updatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return scanning.ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("GetTask query error: %w", err)
		}

		parsedStatus, err := scanning.ParseTaskStatus(status)
		if err != nil {
			return fmt.Errorf("GetTask status parse error: %w", err)
		}

		task = scanning.ReconstructTask(
			taskID,
			fileID,
			userID,
			parsedStatus,
			progress,
			json.RawMessage(result),
			errorMessage.String,
			createdAt,
			startedAt.Time,
			completedAt.Time,
			updatedAt,
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// TryTransition performs the conditional status update that guards the
// single-claim invariant. The WHERE clause on the current status means that
// when two workers race, exactly one UPDATE reports an affected row.
func (s *taskStore) TryTransition(ctx context.Context, taskID uuid.UUID, expected, target scanning.TaskStatus) (bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", taskID.String()),
		attribute.String("expected_status", expected.String()),
		attribute.String("target_status", target.String()),
	)

	var won bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.try_transition", dbAttrs, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx, `
			UPDATE scan_tasks
			SET status = $3,
			    started_at = CASE WHEN $3 = 'PROCESSING' THEN NOW() ELSE started_at END,
			    completed_at = CASE WHEN $3 IN ('COMPLETED', 'FAILED') THEN NOW() ELSE completed_at END,
			    updated_at = NOW()
			WHERE id = $1 AND status = $2`,
			taskID, expected.String(), target.String(),
		)
		if err != nil {
			return fmt.Errorf("TryTransition update error: %w", err)
		}
		won = res.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

// CompleteTask conditionally finishes a PROCESSING task with its result.
func (s *taskStore) CompleteTask(ctx context.Context, taskID uuid.UUID, result json.RawMessage) (bool, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", taskID.String()))

	var won bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.complete_task", dbAttrs, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx, `
			UPDATE scan_tasks
			SET status = 'COMPLETED',
			    progress = 100,
			    result = $2,
			    completed_at = NOW(),
			    updated_at = NOW()
			WHERE id = $1 AND status = 'PROCESSING'`,
			taskID, []byte(result),
		)
		if err != nil {
			return fmt.Errorf("CompleteTask update error: %w", err)
		}
		won = res.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

// FailTask conditionally fails a task from the expected status with a
// human-readable reason.
func (s *taskStore) FailTask(ctx context.Context, taskID uuid.UUID, expected scanning.TaskStatus, reason string) (bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", taskID.String()),
		attribute.String("expected_status", expected.String()),
	)

	var won bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.fail_task", dbAttrs, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx, `
			UPDATE scan_tasks
			SET status = 'FAILED',
			    error_message = $3,
			    completed_at = NOW(),
			    updated_at = NOW()
			WHERE id = $1 AND status = $2`,
			taskID, expected.String(), reason,
		)
		if err != nil {
			return fmt.Errorf("FailTask update error: %w", err)
		}
		won = res.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

// FailStuckTasks transitions every PROCESSING task whose updated_at is older
// than cutoff to FAILED with reason "timeout", returning the reclaimed tasks.
func (s *taskStore) FailStuckTasks(ctx context.Context, cutoff time.Time) ([]scanning.StuckTask, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("cutoff", cutoff.Format(time.RFC3339)))

	var stuck []scanning.StuckTask
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.fail_stuck_tasks", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, `
			UPDATE scan_tasks
			SET status = 'FAILED',
			    error_message = 'timeout',
			    completed_at = NOW(),
			    updated_at = NOW()
			WHERE status = 'PROCESSING' AND updated_at < $1
			RETURNING id, file_id, user_id`,
			cutoff,
		)
		if err != nil {
			return fmt.Errorf("FailStuckTasks update error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var st scanning.StuckTask
			if err := rows.Scan(&st.TaskID, &st.FileID, &st.UserID); err != nil {
				return fmt.Errorf("FailStuckTasks scan error: %w", err)
			}
			stuck = append(stuck, st)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return stuck, nil
}
