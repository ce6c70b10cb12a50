package orchestrator

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lprior-repo/nuoc/pkg/tasks"
)

// MaxAwakeableIDLength bounds accepted awakeable identifiers.
const MaxAwakeableIDLength = 255

const (
	resolveSavepoint = "resolve_event"
	notifyTimeout    = 2 * time.Second
)

// Notifier is told about tasks woken by a committed resolution so an
// external scheduler can pick them up without polling.
type Notifier interface {
	TaskWoken(ctx context.Context, awakeableID, jobID, taskName string) error
}

// Resolution describes a committed resolve.
type Resolution struct {
	AwakeableID string          `json:"awakeable_id"`
	JobID       string          `json:"job_id"`
	TaskName    string          `json:"task_name"`
	Payload     json.RawMessage `json:"payload"`
	ResolvedAt  time.Time       `json:"resolved_at"`
	// Woken is false when the task was no longer suspended.
	Woken bool `json:"woken"`
	// Event is nil when the audit event could not be appended.
	Event *tasks.Event `json:"event,omitempty"`
}

// ResolutionService resolves awakeables and wakes the tasks waiting on them.
type ResolutionService struct {
	store      *Store
	awakeables *AwakeableStore
	registry   *TaskRegistry
	events     *EventLog
	feed       *EventFeed
	notifier   Notifier
	metrics    *Metrics
	tracer     trace.Tracer
}

// ResolverOption configures a ResolutionService.
type ResolverOption func(*ResolutionService)

// WithFeed publishes committed resolution events to feed.
func WithFeed(feed *EventFeed) ResolverOption {
	return func(s *ResolutionService) { s.feed = feed }
}

// WithNotifier announces woken tasks through n after commit.
func WithNotifier(n Notifier) ResolverOption {
	return func(s *ResolutionService) { s.notifier = n }
}

// WithMetrics records resolution metrics into m.
func WithMetrics(m *Metrics) ResolverOption {
	return func(s *ResolutionService) { s.metrics = m }
}

// WithTracer overrides the tracer, which defaults to the global provider.
func WithTracer(t trace.Tracer) ResolverOption {
	return func(s *ResolutionService) { s.tracer = t }
}

// NewResolutionService creates a resolution service over store.
func NewResolutionService(store *Store, opts ...ResolverOption) *ResolutionService {
	s := &ResolutionService{
		store:      store,
		awakeables: NewAwakeableStore(store),
		registry:   NewTaskRegistry(store),
		events:     NewEventLog(store),
		tracer:     otel.Tracer("github.com/lprior-repo/nuoc/internal/orchestrator"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return s
}

// Resolve fulfils the awakeable with payload and wakes its task. The awakeable
// update, the task wake and the audit event commit together or not at all;
// only the audit event may be dropped, in which case the resolution still
// succeeds.
//
// Every failure is an *Error. An empty payload is stored as {}.
func (s *ResolutionService) Resolve(ctx context.Context, awakeableID string, payload []byte) (res *Resolution, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "awakeable.resolve",
		trace.WithAttributes(attribute.String("awakeable.id", awakeableID)))

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = internalError(awakeableID, fmt.Errorf("panic: %v", r))
		}
		s.observe(span, awakeableID, res, err, time.Since(start))
		span.End()
	}()

	res, err = s.resolve(ctx, awakeableID, payload)
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, res)
	return res, nil
}

func (s *ResolutionService) resolve(ctx context.Context, awakeableID string, payload []byte) (*Resolution, error) {
	payload, ok := normalizePayload(payload)
	if !ok {
		return nil, validationError(awakeableID, "Invalid JSON payload")
	}
	if !validAwakeableID(awakeableID) {
		return nil, validationError(awakeableID, "Invalid awakeable ID")
	}

	res := &Resolution{
		AwakeableID: awakeableID,
		Payload:     payload,
		ResolvedAt:  s.store.now().UTC(),
	}

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		jobID, taskName, err := s.awakeables.WithTx(tx).TryResolve(ctx, awakeableID, payload, res.ResolvedAt)
		if err != nil {
			return err
		}
		res.JobID, res.TaskName = jobID, taskName

		res.Woken, err = s.registry.WithTx(tx).Wake(ctx, jobID, taskName)
		if err != nil {
			return err
		}

		events := s.events.WithTx(tx)
		appendErr, err := s.store.savepoint(ctx, tx, resolveSavepoint, func() error {
			e, err := events.Append(ctx, tasks.Event{
				JobID:     jobID,
				TaskName:  taskName,
				Type:      tasks.EventStateChange,
				OldState:  tasks.StatusSuspended,
				NewState:  tasks.StatusPending,
				Payload:   fmt.Sprintf("awakeable %s resolved", awakeableID),
				CreatedAt: res.ResolvedAt,
			})
			if err != nil {
				return err
			}
			res.Event = &e
			return nil
		})
		if err != nil {
			return err
		}
		if appendErr != nil {
			res.Event = nil
			s.metrics.eventAppendFailures.Inc()
			slog.Warn("audit event dropped, resolution kept",
				"awakeable_id", awakeableID,
				"job_id", jobID,
				"task_name", taskName,
				"error", appendErr)
		}
		return nil
	})
	if err != nil {
		return nil, classify(awakeableID, err)
	}

	return res, nil
}

// classify maps a failure inside the resolve transaction to an error kind.
// Nothing was committed for any of them.
func classify(awakeableID string, err error) *Error {
	var conflict *ConflictError
	switch {
	case errors.Is(err, ErrAwakeableNotFound):
		return notFoundError(awakeableID)
	case errors.As(err, &conflict):
		return alreadyResolvedError(awakeableID, conflict.Status)
	case errors.Is(err, ErrNoSuchTask):
		// A PENDING awakeable whose task row is missing. Refusing keeps the
		// awakeable PENDING so a retry succeeds once the task is repaired.
		return internalError(awakeableID, fmt.Errorf("awakeable references a missing task: %w", err))
	default:
		return storageError(awakeableID, err)
	}
}

func (s *ResolutionService) afterCommit(ctx context.Context, res *Resolution) {
	if res.Woken {
		s.metrics.tasksWoken.WithLabelValues("resolve").Inc()
	}
	if res.Event != nil {
		s.metrics.eventsAppended.Inc()
		if s.feed != nil {
			s.feed.Publish(*res.Event)
		}
	}

	if s.notifier == nil || !res.Woken {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := s.notifier.TaskWoken(nctx, res.AwakeableID, res.JobID, res.TaskName); err != nil {
		s.metrics.notifyFailures.Inc()
		slog.Warn("failed to publish wake notification",
			"awakeable_id", res.AwakeableID,
			"job_id", res.JobID,
			"task_name", res.TaskName,
			"error", err)
	}
}

func (s *ResolutionService) observe(span trace.Span, awakeableID string, res *Resolution, err error, elapsed time.Duration) {
	s.metrics.resolveDuration.Observe(elapsed.Seconds())

	if err == nil {
		s.metrics.resolves.WithLabelValues("resolved").Inc()
		span.SetAttributes(
			attribute.String("job.id", res.JobID),
			attribute.String("task.name", res.TaskName),
			attribute.Bool("task.woken", res.Woken),
		)
		slog.Info("awakeable resolved",
			"awakeable_id", awakeableID,
			"job_id", res.JobID,
			"task_name", res.TaskName,
			"woken", res.Woken,
			"duration_ms", elapsed.Milliseconds())
		return
	}

	kind := KindOf(err)
	s.metrics.resolves.WithLabelValues(kind.String()).Inc()
	span.SetAttributes(attribute.String("error.kind", kind.String()))
	span.RecordError(err)
	span.SetStatus(codes.Error, kind.String())

	switch kind {
	case KindStorage, KindInternal:
		slog.Error("failed to resolve awakeable", "awakeable_id", awakeableID, "kind", kind.String(), "error", err)
	default:
		slog.Info("resolve rejected", "awakeable_id", awakeableID, "kind", kind.String(), "error", err)
	}
}

// normalizePayload treats an absent body as {} and compacts valid JSON.
// Compact does not check encoding, so invalid UTF-8 is rejected first.
func normalizePayload(payload []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return []byte("{}"), true
	}
	if !utf8.Valid(trimmed) {
		return nil, false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func validAwakeableID(id string) bool {
	if strings.TrimSpace(id) == "" || len(id) > MaxAwakeableIDLength {
		return false
	}
	return strings.IndexFunc(id, unicode.IsControl) < 0
}
