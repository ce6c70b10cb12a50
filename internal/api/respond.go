package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lprior-repo/nuoc/internal/orchestrator"
)

func success(c *gin.Context, status int, fields gin.H) {
	body := gin.H{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	c.JSON(status, body)
}

func failure(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": message})
}

func internalFailure(c *gin.Context, err error) {
	slog.Error("request failed", "path", c.FullPath(), "error", err)
	failure(c, http.StatusInternalServerError, "Internal server error: "+err.Error())
}

// StatusFor maps a resolution error kind to its HTTP status.
func StatusFor(kind orchestrator.Kind) int {
	switch kind {
	case orchestrator.KindValidation:
		return http.StatusBadRequest
	case orchestrator.KindNotFound:
		return http.StatusNotFound
	case orchestrator.KindAlreadyResolved:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeResolveError(c *gin.Context, err error) {
	var rerr *orchestrator.Error
	if !errors.As(err, &rerr) {
		internalFailure(c, err)
		return
	}

	status := StatusFor(rerr.Kind)
	if status == http.StatusInternalServerError {
		// Details are logged by the resolution service.
		failure(c, status, "Internal server error: "+rerr.Message)
		return
	}
	failure(c, status, rerr.Message)
}
