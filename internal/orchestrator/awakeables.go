package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lprior-repo/nuoc/pkg/tasks"
)

var (
	// ErrAwakeableNotFound is returned when no awakeable has the given id.
	ErrAwakeableNotFound = errors.New("awakeable not found")

	// ErrAwakeableExists is returned by Create for a duplicate id.
	ErrAwakeableExists = errors.New("awakeable already exists")
)

// ConflictError is returned by TryResolve when the awakeable exists but is no
// longer PENDING.
type ConflictError struct {
	ID     string
	Status tasks.AwakeableStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("awakeable %s is not pending (status: %s)", e.ID, e.Status)
}

// AwakeableStore owns the awakeables table.
type AwakeableStore struct {
	conn
}

// NewAwakeableStore creates an awakeable store on the store's pool.
func NewAwakeableStore(store *Store) *AwakeableStore {
	return &AwakeableStore{conn: store.conn()}
}

// WithTx returns a copy of the store whose queries run inside tx.
func (s *AwakeableStore) WithTx(tx *sql.Tx) *AwakeableStore {
	return &AwakeableStore{conn: s.conn.withTx(tx)}
}

const awakeableColumns = `id, job_id, task_name, status, payload, created_at, resolved_at`

// Lookup returns the latest committed state of an awakeable.
func (s *AwakeableStore) Lookup(ctx context.Context, id string) (*tasks.Awakeable, error) {
	row := s.queryRow(ctx, `SELECT `+awakeableColumns+` FROM awakeables WHERE id = $1`, id)

	a, err := scanAwakeable(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAwakeableNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up awakeable: %w", err)
	}
	return a, nil
}

// TryResolve moves a PENDING awakeable to RESOLVED, storing payload and
// resolvedAt, and returns the job and task that own it.
//
// The status check and the write are one conditional UPDATE, so of any number
// of concurrent callers exactly one sees a row come back. When no row matches
// a follow-up read only classifies the failure; nothing is written.
func (s *AwakeableStore) TryResolve(ctx context.Context, id string, payload []byte, resolvedAt time.Time) (jobID, taskName string, err error) {
	err = s.queryRow(ctx, `
		UPDATE awakeables
		SET status = 'RESOLVED',
			payload = $1,
			resolved_at = $2
		WHERE id = $3 AND status = 'PENDING'
		RETURNING job_id, task_name
	`, string(payload), resolvedAt, id).Scan(&jobID, &taskName)

	if err == nil {
		return jobID, taskName, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("failed to resolve awakeable: %w", err)
	}

	var status string
	err = s.queryRow(ctx, `SELECT status FROM awakeables WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrAwakeableNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to read awakeable status: %w", err)
	}

	return "", "", &ConflictError{ID: id, Status: tasks.AwakeableStatus(status)}
}

// Create inserts a new PENDING awakeable.
func (s *AwakeableStore) Create(ctx context.Context, a *tasks.Awakeable) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	a.Status = tasks.AwakeablePending
	a.Payload = nil
	a.ResolvedAt = nil

	result, err := s.exec(ctx, `
		INSERT INTO awakeables (id, job_id, task_name, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, a.ID, a.JobID, a.TaskName, string(a.Status), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create awakeable: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAwakeableExists
	}
	return nil
}

// ListByJob returns every awakeable of a job, oldest first.
func (s *AwakeableStore) ListByJob(ctx context.Context, jobID string) ([]*tasks.Awakeable, error) {
	rows, err := s.query(ctx, `
		SELECT `+awakeableColumns+`
		FROM awakeables
		WHERE job_id = $1
		ORDER BY created_at ASC, id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list awakeables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var list []*tasks.Awakeable
	for rows.Next() {
		a, err := scanAwakeable(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan awakeable: %w", err)
		}
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list awakeables: %w", err)
	}
	return list, nil
}

// CountPending returns the number of awakeables still waiting for a signal.
func (s *AwakeableStore) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM awakeables WHERE status = 'PENDING'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending awakeables: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAwakeable(row scanner) (*tasks.Awakeable, error) {
	var (
		a          tasks.Awakeable
		status     string
		payload    sql.NullString
		resolvedAt sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.JobID, &a.TaskName, &status, &payload, &a.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}

	a.Status = tasks.AwakeableStatus(status)
	if payload.Valid {
		a.Payload = []byte(payload.String)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}
