// Package api exposes the awakeable operations over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// RateLimiter guards the mutating routes; nil disables limiting.
	RateLimiter *RateLimiter
	// RequestTimeout bounds mutating requests; zero disables it.
	RequestTimeout time.Duration
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// NewRouter registers the API routes on a new gin engine.
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.UseRawPath = true
	r.UnescapePathValues = true
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(requestID(), traceContext(), requestLogger(), recovery())

	r.NoRoute(NotFound)
	r.NoMethod(NotFound)

	r.GET("/health", h.Health)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	mutating := []gin.HandlerFunc{timeout(opts.RequestTimeout)}
	if opts.RateLimiter != nil {
		mutating = append(mutating, opts.RateLimiter.Middleware())
	}

	awakeables := r.Group("/awakeables")
	awakeables.POST("/:id/resolve", append(mutating, h.ResolveAwakeable)...)

	if h.suspender != nil {
		awakeables.POST("", append(mutating, h.CreateAwakeable)...)
	}
	if h.catalog != nil {
		awakeables.GET("/:id", h.GetAwakeable)
		r.GET("/jobs/:job_id/tasks", h.JobTasks)
		r.GET("/jobs/:job_id/tasks/:name", h.GetTask)
		r.GET("/jobs/:job_id/awakeables", h.JobAwakeables)
		r.GET("/jobs/:job_id/events", h.JobEvents)
	}
	if h.feed != nil {
		r.GET("/events/stream", h.StreamEvents)
	}

	return r
}
