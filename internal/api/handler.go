package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lprior-repo/nuoc/internal/orchestrator"
	"github.com/lprior-repo/nuoc/pkg/tasks"
)

// Resolver performs the resolve operation.
type Resolver interface {
	Resolve(ctx context.Context, awakeableID string, payload []byte) (*orchestrator.Resolution, error)
}

// Suspender creates awakeables for suspending tasks.
type Suspender interface {
	Suspend(ctx context.Context, req orchestrator.SuspendRequest) (*tasks.Awakeable, error)
}

// Catalog answers read-only queries.
type Catalog interface {
	Awakeable(ctx context.Context, id string) (*tasks.Awakeable, error)
	Task(ctx context.Context, jobID, name string) (*tasks.Task, error)
	JobTasks(ctx context.Context, jobID string) ([]*tasks.Task, error)
	JobAwakeables(ctx context.Context, jobID string) ([]*tasks.Awakeable, error)
	JobEvents(ctx context.Context, jobID string) ([]tasks.Event, error)
	EventsSince(ctx context.Context, after int64, limit int) ([]tasks.Event, error)
}

// streamCatchUpLimit caps how many stored events a reconnecting stream
// client is sent before it switches to live events.
const streamCatchUpLimit = 1000

// Handler serves the awakeable API
type Handler struct {
	serviceName  string
	maxBodyBytes int64
	resolver     Resolver
	suspender    Suspender
	catalog      Catalog
	feed         *orchestrator.EventFeed
}

// NewHandler creates a new handler. suspender, catalog and feed may be nil,
// in which case their routes are not registered.
func NewHandler(serviceName string, maxBodyBytes int64, resolver Resolver, suspender Suspender, catalog Catalog, feed *orchestrator.EventFeed) *Handler {
	return &Handler{
		serviceName:  serviceName,
		maxBodyBytes: maxBodyBytes,
		resolver:     resolver,
		suspender:    suspender,
		catalog:      catalog,
		feed:         feed,
	}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	success(c, http.StatusOK, gin.H{
		"status":  "ok",
		"message": h.serviceName + " is running",
	})
}

// ResolveAwakeable handles POST /awakeables/:id/resolve. The raw body is the
// resolution payload; an empty body resolves with {}.
func (h *Handler) ResolveAwakeable(c *gin.Context) {
	id := c.Param("id")

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			failure(c, http.StatusBadRequest, fmt.Sprintf("Payload exceeds %d bytes", tooLarge.Limit))
			return
		}
		failure(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.resolver.Resolve(c.Request.Context(), id, body)
	if err != nil {
		writeResolveError(c, err)
		return
	}

	success(c, http.StatusOK, gin.H{
		"awakeable_id": res.AwakeableID,
		"payload":      res.Payload,
		"message":      "Awakeable resolved successfully",
	})
}

// GetAwakeable handles GET /awakeables/:id.
func (h *Handler) GetAwakeable(c *gin.Context) {
	id := c.Param("id")

	a, err := h.catalog.Awakeable(c.Request.Context(), id)
	if errors.Is(err, orchestrator.ErrAwakeableNotFound) {
		failure(c, http.StatusNotFound, "Awakeable not found: "+id)
		return
	}
	if err != nil {
		internalFailure(c, err)
		return
	}

	success(c, http.StatusOK, gin.H{"awakeable": a})
}

// CreateAwakeable handles POST /awakeables: it suspends a task on a new
// awakeable.
func (h *Handler) CreateAwakeable(c *gin.Context) {
	var req orchestrator.SuspendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failure(c, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	a, err := h.suspender.Suspend(c.Request.Context(), req)
	switch {
	case err == nil:
		success(c, http.StatusCreated, gin.H{
			"awakeable": a,
			"message":   "Awakeable created",
		})
	case errors.Is(err, orchestrator.ErrInvalidSuspend):
		failure(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrNoSuchTask):
		failure(c, http.StatusNotFound, fmt.Sprintf("Task not found: %s/%s", req.JobID, req.TaskName))
	case errors.Is(err, orchestrator.ErrTaskNotSuspendable), errors.Is(err, orchestrator.ErrAwakeableExists):
		failure(c, http.StatusConflict, err.Error())
	default:
		internalFailure(c, err)
	}
}

// GetTask handles GET /jobs/:job_id/tasks/:name.
func (h *Handler) GetTask(c *gin.Context) {
	jobID, name := c.Param("job_id"), c.Param("name")

	task, err := h.catalog.Task(c.Request.Context(), jobID, name)
	if errors.Is(err, orchestrator.ErrNoSuchTask) {
		failure(c, http.StatusNotFound, fmt.Sprintf("Task not found: %s/%s", jobID, name))
		return
	}
	if err != nil {
		internalFailure(c, err)
		return
	}

	success(c, http.StatusOK, gin.H{"task": task})
}

// JobTasks handles GET /jobs/:job_id/tasks.
func (h *Handler) JobTasks(c *gin.Context) {
	jobTasks, err := h.catalog.JobTasks(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		internalFailure(c, err)
		return
	}
	if jobTasks == nil {
		jobTasks = []*tasks.Task{}
	}

	success(c, http.StatusOK, gin.H{"tasks": jobTasks})
}

// JobAwakeables handles GET /jobs/:job_id/awakeables.
func (h *Handler) JobAwakeables(c *gin.Context) {
	awakeables, err := h.catalog.JobAwakeables(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		internalFailure(c, err)
		return
	}
	if awakeables == nil {
		awakeables = []*tasks.Awakeable{}
	}

	success(c, http.StatusOK, gin.H{"awakeables": awakeables})
}

// JobEvents handles GET /jobs/:job_id/events.
func (h *Handler) JobEvents(c *gin.Context) {
	events, err := h.catalog.JobEvents(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		internalFailure(c, err)
		return
	}
	if events == nil {
		events = []tasks.Event{}
	}

	success(c, http.StatusOK, gin.H{"events": events})
}

// StreamEvents handles GET /events/stream with server-sent events: recent
// history first, then every newly committed event. A client reconnecting
// with Last-Event-ID is instead sent the stored events after that id.
func (h *Handler) StreamEvents(c *gin.Context) {
	ch, history, cleanup := h.feed.Subscribe()
	defer cleanup()

	var (
		catchUp bool
		lastSeq int64
	)
	if id := c.GetHeader("Last-Event-ID"); id != "" && h.catalog != nil {
		after, err := strconv.ParseInt(id, 10, 64)
		if err != nil || after < 0 {
			failure(c, http.StatusBadRequest, "Invalid Last-Event-ID")
			return
		}
		history, err = h.catalog.EventsSince(c.Request.Context(), after, streamCatchUpLimit)
		if err != nil {
			internalFailure(c, err)
			return
		}
		catchUp, lastSeq = true, after
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, e := range history {
		if err := writeEvent(w, e); err != nil {
			return
		}
		lastSeq = max(lastSeq, e.Seq)
	}
	w.Flush()

	// Keep the connection alive through idle proxies
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			// Already sent from the stored events.
			if catchUp && e.Seq <= lastSeq {
				continue
			}
			if err := writeEvent(w, e); err != nil {
				return
			}
			w.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			w.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeEvent(w io.Writer, e tasks.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data)
	return err
}

// NotFound answers every unknown path or method.
func NotFound(c *gin.Context) {
	failure(c, http.StatusNotFound, "Not found")
}
