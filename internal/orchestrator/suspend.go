package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lprior-repo/nuoc/pkg/tasks"
)

// ErrInvalidSuspend is returned for a suspend request missing its job or task.
var ErrInvalidSuspend = errors.New("invalid suspend request")

// SuspendRequest asks for a task to block on a new awakeable. ID is
// generated when empty.
type SuspendRequest struct {
	ID       string `json:"id"`
	JobID    string `json:"job_id"`
	TaskName string `json:"task_name"`
}

// Suspender creates awakeables on behalf of the orchestration layer: the
// awakeable is inserted and its task marked suspended in one transaction, so
// every PENDING awakeable has a suspended task.
type Suspender struct {
	store      *Store
	awakeables *AwakeableStore
	registry   *TaskRegistry
	events     *EventLog
	feed       *EventFeed
	metrics    *Metrics
}

// NewSuspender creates a suspender. feed and metrics may be nil.
func NewSuspender(store *Store, feed *EventFeed, metrics *Metrics) *Suspender {
	return &Suspender{
		store:      store,
		awakeables: NewAwakeableStore(store),
		registry:   NewTaskRegistry(store),
		events:     NewEventLog(store),
		feed:       feed,
		metrics:    metrics,
	}
}

// Suspend creates a PENDING awakeable for the task and suspends the task.
func (s *Suspender) Suspend(ctx context.Context, req SuspendRequest) (*tasks.Awakeable, error) {
	if req.JobID == "" || req.TaskName == "" {
		return nil, fmt.Errorf("%w: job_id and task_name are required", ErrInvalidSuspend)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if !validAwakeableID(req.ID) {
		return nil, fmt.Errorf("%w: invalid awakeable id", ErrInvalidSuspend)
	}

	awakeable := &tasks.Awakeable{
		ID:       req.ID,
		JobID:    req.JobID,
		TaskName: req.TaskName,
	}

	var event tasks.Event
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		previous, err := s.registry.WithTx(tx).Suspend(ctx, req.JobID, req.TaskName)
		if err != nil {
			return err
		}
		if err := s.awakeables.WithTx(tx).Create(ctx, awakeable); err != nil {
			return err
		}
		event, err = s.events.WithTx(tx).Append(ctx, tasks.Event{
			JobID:    req.JobID,
			TaskName: req.TaskName,
			Type:     tasks.EventStateChange,
			OldState: previous,
			NewState: tasks.StatusSuspended,
			Payload:  fmt.Sprintf("awaiting awakeable %s", awakeable.ID),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.suspensions.Inc()
		s.metrics.eventsAppended.Inc()
	}
	if s.feed != nil {
		s.feed.Publish(event)
	}

	slog.Info("task suspended",
		"awakeable_id", awakeable.ID,
		"job_id", awakeable.JobID,
		"task_name", awakeable.TaskName)

	return awakeable, nil
}
