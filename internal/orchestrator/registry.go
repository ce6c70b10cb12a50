package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lprior-repo/nuoc/pkg/tasks"
)

var (
	// ErrNoSuchTask is returned when no task has the given (job_id, name).
	ErrNoSuchTask = errors.New("task not found")

	// ErrTaskNotSuspendable is returned by Suspend when the task is not
	// pending or running.
	ErrTaskNotSuspendable = errors.New("task cannot be suspended")
)

// TaskRegistry owns task status.
type TaskRegistry struct {
	conn
}

// NewTaskRegistry creates a task registry on the store's pool.
func NewTaskRegistry(store *Store) *TaskRegistry {
	return &TaskRegistry{conn: store.conn()}
}

// WithTx returns a copy of the registry whose queries run inside tx.
func (r *TaskRegistry) WithTx(tx *sql.Tx) *TaskRegistry {
	return &TaskRegistry{conn: r.conn.withTx(tx)}
}

// Wake moves a suspended task back to pending. A task that exists but is not
// suspended is left untouched and Wake still succeeds, reporting woken=false.
func (r *TaskRegistry) Wake(ctx context.Context, jobID, name string) (woken bool, err error) {
	result, err := r.exec(ctx, `
		UPDATE tasks
		SET status = 'pending',
			updated_at = $1
		WHERE job_id = $2 AND name = $3 AND status = 'suspended'
	`, r.now().UTC(), jobID, name)
	if err != nil {
		return false, fmt.Errorf("failed to wake task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows > 0 {
		return true, nil
	}

	status, err := r.status(ctx, jobID, name)
	if err != nil {
		return false, err
	}

	slog.Warn("wake ignored, task not suspended",
		"job_id", jobID,
		"task_name", name,
		"status", status)
	return false, nil
}

// Suspend moves a pending or running task to suspended and returns the status
// it left.
func (r *TaskRegistry) Suspend(ctx context.Context, jobID, name string) (previous string, err error) {
	previous, err = r.status(ctx, jobID, name)
	if err != nil {
		return "", err
	}
	if previous != tasks.StatusPending && previous != tasks.StatusRunning {
		return previous, fmt.Errorf("%w: status is %s", ErrTaskNotSuspendable, previous)
	}

	result, err := r.exec(ctx, `
		UPDATE tasks
		SET status = 'suspended',
			updated_at = $1
		WHERE job_id = $2 AND name = $3 AND status = $4
	`, r.now().UTC(), jobID, name, previous)
	if err != nil {
		return "", fmt.Errorf("failed to suspend task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return previous, fmt.Errorf("%w: status changed concurrently", ErrTaskNotSuspendable)
	}
	return previous, nil
}

// Upsert records a task and its status. It is the entry point for the
// orchestration layer that creates tasks.
func (r *TaskRegistry) Upsert(ctx context.Context, task *tasks.Task) error {
	if !tasks.ValidStatus(task.Status) {
		return fmt.Errorf("invalid task status: %q", task.Status)
	}
	task.UpdatedAt = r.now().UTC()

	_, err := r.exec(ctx, `
		INSERT INTO tasks (job_id, name, status, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id, name) DO UPDATE
		SET status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`, task.JobID, task.Name, task.Status, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

// Get returns a task by its (job_id, name) key.
func (r *TaskRegistry) Get(ctx context.Context, jobID, name string) (*tasks.Task, error) {
	task := &tasks.Task{}
	err := r.queryRow(ctx, `
		SELECT job_id, name, status, updated_at
		FROM tasks
		WHERE job_id = $1 AND name = $2
	`, jobID, name).Scan(&task.JobID, &task.Name, &task.Status, &task.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSuchTask
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListByJob returns the tasks of a job ordered by name.
func (r *TaskRegistry) ListByJob(ctx context.Context, jobID string) ([]*tasks.Task, error) {
	rows, err := r.query(ctx, `
		SELECT job_id, name, status, updated_at
		FROM tasks
		WHERE job_id = $1
		ORDER BY name ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var list []*tasks.Task
	for rows.Next() {
		task := &tasks.Task{}
		if err := rows.Scan(&task.JobID, &task.Name, &task.Status, &task.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		list = append(list, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return list, nil
}

func (r *TaskRegistry) status(ctx context.Context, jobID, name string) (string, error) {
	var status string
	err := r.queryRow(ctx, `
		SELECT status FROM tasks WHERE job_id = $1 AND name = $2
	`, jobID, name).Scan(&status)

	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoSuchTask
	}
	if err != nil {
		return "", fmt.Errorf("failed to read task status: %w", err)
	}
	return status, nil
}
