package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lprior-repo/nuoc/internal/orchestrator"
	"github.com/lprior-repo/nuoc/pkg/tasks"
)

func TestRouterEndToEnd(t *testing.T) {
	ctx := context.Background()
	store, err := orchestrator.Open(ctx, filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Migrate(ctx))

	require.NoError(t, orchestrator.NewTaskRegistry(store).Upsert(ctx, &tasks.Task{
		JobID:  "job-7",
		Name:   "wait-for-approval",
		Status: tasks.StatusRunning,
	}))

	reg := prometheus.NewRegistry()
	metrics := orchestrator.NewMetrics(reg)
	feed := orchestrator.NewEventFeed(10)
	h := NewHandler("NUOC server", 1<<20,
		orchestrator.NewResolutionService(store, orchestrator.WithMetrics(metrics), orchestrator.WithFeed(feed)),
		orchestrator.NewSuspender(store, feed, metrics),
		orchestrator.NewCatalog(store),
		feed)
	r := NewRouter(h, RouterOptions{Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})})

	w, body := do(t, r, http.MethodPost, "/awakeables", `{"id":"aw-1","job_id":"job-7","task_name":"wait-for-approval"}`)
	require.Equal(t, http.StatusCreated, w.Code, body)

	_, body = do(t, r, http.MethodGet, "/jobs/job-7/tasks/wait-for-approval", "")
	assert.Equal(t, "suspended", body["task"].(map[string]any)["status"])

	w, body = do(t, r, http.MethodPost, "/awakeables/aw-1/resolve", `{"approved": true}`)
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Equal(t, map[string]any{"approved": true}, body["payload"])

	w, body = do(t, r, http.MethodPost, "/awakeables/aw-1/resolve", `{"approved": false}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "Awakeable not pending (status: RESOLVED): aw-1", body["error"])

	w, body = do(t, r, http.MethodPost, "/awakeables/nope/resolve", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Awakeable not found: nope", body["error"])

	w, body = do(t, r, http.MethodPost, "/awakeables/aw-1/resolve", `{bad`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid JSON payload", body["error"])

	_, body = do(t, r, http.MethodGet, "/awakeables/aw-1", "")
	awakeable := body["awakeable"].(map[string]any)
	assert.Equal(t, "RESOLVED", awakeable["status"])
	assert.Equal(t, map[string]any{"approved": true}, awakeable["payload"])
	assert.NotEmpty(t, awakeable["resolved_at"])

	_, body = do(t, r, http.MethodGet, "/jobs/job-7/tasks/wait-for-approval", "")
	assert.Equal(t, "pending", body["task"].(map[string]any)["status"])

	_, body = do(t, r, http.MethodGet, "/jobs/job-7/events", "")
	events := body["events"].([]any)
	require.Len(t, events, 2)
	resolved := events[1].(map[string]any)
	assert.Equal(t, "suspended", resolved["old_state"])
	assert.Equal(t, "pending", resolved["new_state"])
	assert.Equal(t, "awakeable aw-1 resolved", resolved["payload"])

	_, body = do(t, r, http.MethodGet, "/jobs/job-7/tasks", "")
	jobTasks := body["tasks"].([]any)
	require.Len(t, jobTasks, 1)
	assert.Equal(t, "pending", jobTasks[0].(map[string]any)["status"])

	_, body = do(t, r, http.MethodGet, "/jobs/job-7/awakeables", "")
	jobAwakeables := body["awakeables"].([]any)
	require.Len(t, jobAwakeables, 1)
	assert.Equal(t, "RESOLVED", jobAwakeables[0].(map[string]any)["status"])

	req, err := http.NewRequest(http.MethodGet, "/metrics", nil)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `awakeable_resolves_total{outcome="resolved"} 1`)
}
