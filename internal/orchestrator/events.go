package orchestrator

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lprior-repo/nuoc/pkg/tasks"
)

// EventLog is a durable, append-only record of state transitions. It holds
// no policy; callers decide what to record.
//
// Sequence numbers are assigned at insert time. On PostgreSQL two
// transactions resolving different awakeables can commit in the opposite
// order to their seq values, so seq order is insertion order, not strictly
// commit order. Appends for the same awakeable are serialized by its row
// lock and always commit in seq order. SQLite has a single writer, so there
// the two orders agree.
type EventLog struct {
	conn
}

// NewEventLog creates an event log on the store's pool.
func NewEventLog(store *Store) *EventLog {
	return &EventLog{conn: store.conn()}
}

// WithTx returns a copy of the log whose appends run inside tx.
func (l *EventLog) WithTx(tx *sql.Tx) *EventLog {
	return &EventLog{conn: l.conn.withTx(tx)}
}

// Append inserts e and returns it with its sequence number and timestamp.
func (l *EventLog) Append(ctx context.Context, e tasks.Event) (tasks.Event, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}

	err := l.queryRow(ctx, `
		INSERT INTO events (job_id, task_name, event_type, old_state, new_state, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq
	`, e.JobID, e.TaskName, e.Type, e.OldState, e.NewState, e.Payload, e.CreatedAt).Scan(&e.Seq)
	if err != nil {
		return tasks.Event{}, fmt.Errorf("failed to append event: %w", err)
	}
	return e, nil
}

// ListByJob returns the events of a job in log order.
func (l *EventLog) ListByJob(ctx context.Context, jobID string) ([]tasks.Event, error) {
	return l.list(ctx, `
		SELECT seq, job_id, task_name, event_type, old_state, new_state, payload, created_at
		FROM events
		WHERE job_id = $1
		ORDER BY seq ASC
	`, jobID)
}

// ListSince returns up to limit events with a sequence number above after.
func (l *EventLog) ListSince(ctx context.Context, after int64, limit int) ([]tasks.Event, error) {
	return l.list(ctx, `
		SELECT seq, job_id, task_name, event_type, old_state, new_state, payload, created_at
		FROM events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`, after, limit)
}

func (l *EventLog) list(ctx context.Context, query string, args ...any) ([]tasks.Event, error) {
	rows, err := l.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []tasks.Event
	for rows.Next() {
		var (
			e                           tasks.Event
			oldState, newState, payload sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.JobID, &e.TaskName, &e.Type, &oldState, &newState, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.OldState = oldState.String
		e.NewState = newState.String
		e.Payload = payload.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}
