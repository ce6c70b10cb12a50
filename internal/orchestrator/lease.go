package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Lease elects a single holder among replicas sharing a database, so that
// singleton work such as the reconcile sweep runs in one place at a time.
type Lease struct {
	conn
	name   string
	holder string
	term   time.Duration
}

// NewLease creates the lease name, held by holder for term per acquisition.
func NewLease(store *Store, name, holder string, term time.Duration) *Lease {
	return &Lease{
		conn:   store.conn(),
		name:   name,
		holder: holder,
		term:   term,
	}
}

// TryAcquire takes the lease when it is free or expired, or extends it when
// this holder already has it.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	now := l.now().UTC()

	result, err := l.exec(ctx, `
		INSERT INTO leases (name, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at
		WHERE leases.holder = EXCLUDED.holder
		   OR leases.expires_at <= $4
	`, l.name, l.holder, now.Add(l.term), now)
	if err != nil {
		return false, fmt.Errorf("lease acquisition failed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}

	acquired := rows > 0
	if acquired {
		slog.Debug("lease acquired", "lease", l.name, "holder", l.holder)
	}
	return acquired, nil
}

// Release gives the lease up if this holder has it.
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.exec(ctx, `
		UPDATE leases
		SET expires_at = $1
		WHERE name = $2 AND holder = $3
	`, l.now().UTC(), l.name, l.holder)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}

	slog.Info("lease released", "lease", l.name, "holder", l.holder)
	return nil
}

// Holder returns the current unexpired holder, or "" when the lease is free.
func (l *Lease) Holder(ctx context.Context) (string, error) {
	var holder string
	err := l.queryRow(ctx, `
		SELECT holder
		FROM leases
		WHERE name = $1 AND expires_at > $2
	`, l.name, l.now().UTC()).Scan(&holder)

	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get lease holder: %w", err)
	}
	return holder, nil
}
