package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lprior-repo/nuoc/pkg/tasks"
)

// Reconciler wakes tasks left suspended although their awakeable is already
// RESOLVED. Such rows are produced by writers that resolve and wake in
// separate commits; the resolution service never leaves them behind.
type Reconciler struct {
	store    *Store
	interval time.Duration
	feed     *EventFeed
	metrics  *Metrics
	lease    *Lease
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithLease makes Start sweep only while lease is held.
func WithLease(lease *Lease) ReconcilerOption {
	return func(r *Reconciler) { r.lease = lease }
}

// NewReconciler creates a reconciler sweeping every interval. feed and
// metrics may be nil.
func NewReconciler(store *Store, interval time.Duration, feed *EventFeed, metrics *Metrics, opts ...ReconcilerOption) *Reconciler {
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	r := &Reconciler{
		store:    store,
		interval: interval,
		feed:     feed,
		metrics:  metrics,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start sweeps once immediately and then on every tick until ctx is done.
func (r *Reconciler) Start(ctx context.Context) error {
	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("reconciler started", "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopping")
			if r.lease != nil {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				if err := r.lease.Release(releaseCtx); err != nil {
					slog.Warn("failed to release reconcile lease", "error", err)
				}
				cancel()
			}
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	if r.lease != nil {
		held, err := r.lease.TryAcquire(ctx)
		if err != nil {
			slog.Error("reconcile lease check failed", "error", err)
			return
		}
		if !held {
			holder, err := r.lease.Holder(ctx)
			if err != nil {
				slog.Debug("reconcile skipped, lease held elsewhere", "error", err)
				return
			}
			slog.Debug("reconcile skipped, lease held elsewhere", "holder", holder)
			return
		}
	}

	if _, err := r.RunOnce(ctx); err != nil {
		slog.Error("reconcile failed", "error", err)
	}
}

type stuckTask struct {
	jobID, name string
}

// RunOnce performs one sweep and returns the number of tasks woken.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		r.metrics.reconcileDuration.Observe(time.Since(start).Seconds())
	}()

	var committed []tasks.Event
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		committed = committed[:0]
		c := r.store.conn().withTx(tx)

		rows, err := c.query(ctx, `
			SELECT t.job_id, t.name
			FROM tasks t
			WHERE t.status = 'suspended'
			  AND EXISTS (
				  SELECT 1 FROM awakeables a
				  WHERE a.job_id = t.job_id AND a.task_name = t.name AND a.status = 'RESOLVED'
			  )
			  AND NOT EXISTS (
				  SELECT 1 FROM awakeables a
				  WHERE a.job_id = t.job_id AND a.task_name = t.name AND a.status = 'PENDING'
			  )
			ORDER BY t.job_id, t.name
		`)
		if err != nil {
			return fmt.Errorf("failed to find stuck tasks: %w", err)
		}

		var stuck []stuckTask
		for rows.Next() {
			var st stuckTask
			if err := rows.Scan(&st.jobID, &st.name); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan stuck task: %w", err)
			}
			stuck = append(stuck, st)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		registry := &TaskRegistry{conn: c}
		events := &EventLog{conn: c}
		for _, st := range stuck {
			woken, err := registry.Wake(ctx, st.jobID, st.name)
			if err != nil {
				return err
			}
			if !woken {
				continue
			}
			e, err := events.Append(ctx, tasks.Event{
				JobID:    st.jobID,
				TaskName: st.name,
				Type:     tasks.EventStateChange,
				OldState: tasks.StatusSuspended,
				NewState: tasks.StatusPending,
				Payload:  "reconciled: awakeable already resolved",
			})
			if err != nil {
				return err
			}
			committed = append(committed, e)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, e := range committed {
		r.metrics.tasksWoken.WithLabelValues("reconcile").Inc()
		r.metrics.tasksRepaired.Inc()
		r.metrics.eventsAppended.Inc()
		if r.feed != nil {
			r.feed.Publish(e)
		}
		slog.Warn("woke task left suspended after resolution", "job_id", e.JobID, "task_name", e.TaskName)
	}

	if pending, err := NewAwakeableStore(r.store).CountPending(ctx); err == nil {
		r.metrics.awakeablesPending.Set(float64(pending))
	}

	if len(committed) > 0 {
		slog.Info("recovered stuck tasks", "count", len(committed))
	}
	return len(committed), nil
}
