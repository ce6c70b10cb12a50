package orchestrator

import (
	"context"

	"github.com/lprior-repo/nuoc/pkg/tasks"
)

// Catalog serves read-only queries over committed state.
type Catalog struct {
	awakeables *AwakeableStore
	registry   *TaskRegistry
	events     *EventLog
}

// NewCatalog creates a catalog over store.
func NewCatalog(store *Store) *Catalog {
	return &Catalog{
		awakeables: NewAwakeableStore(store),
		registry:   NewTaskRegistry(store),
		events:     NewEventLog(store),
	}
}

// Awakeable returns an awakeable by id.
func (c *Catalog) Awakeable(ctx context.Context, id string) (*tasks.Awakeable, error) {
	return c.awakeables.Lookup(ctx, id)
}

// Task returns a task by key.
func (c *Catalog) Task(ctx context.Context, jobID, name string) (*tasks.Task, error) {
	return c.registry.Get(ctx, jobID, name)
}

// JobTasks returns the tasks of a job.
func (c *Catalog) JobTasks(ctx context.Context, jobID string) ([]*tasks.Task, error) {
	return c.registry.ListByJob(ctx, jobID)
}

// JobAwakeables returns the awakeables of a job.
func (c *Catalog) JobAwakeables(ctx context.Context, jobID string) ([]*tasks.Awakeable, error) {
	return c.awakeables.ListByJob(ctx, jobID)
}

// JobEvents returns the events of a job in log order.
func (c *Catalog) JobEvents(ctx context.Context, jobID string) ([]tasks.Event, error) {
	return c.events.ListByJob(ctx, jobID)
}

// EventsSince returns up to limit events after seq, across all jobs.
func (c *Catalog) EventsSince(ctx context.Context, after int64, limit int) ([]tasks.Event, error) {
	return c.events.ListSince(ctx, after, limit)
}
