package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/amila-ai/amila/pkg/resilience"
	"github.com/amila-ai/amila/pkg/services"
)

func abortError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

// writeError maps infrastructure errors to HTTP status codes. Orchestration
// failures never reach here; the process endpoint encodes those in a 200
// body.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		switch resilience.KindOf(err) {
		case resilience.KindValidation:
			status = http.StatusBadRequest
		case resilience.KindCircuitOpen:
			status = http.StatusServiceUnavailable
		case resilience.KindLLM:
			status = http.StatusBadGateway
			if resilience.CodeOf(err) == "429" {
				status = http.StatusTooManyRequests
			}
		case resilience.KindDBRecoverable, resilience.KindDBNonRecoverable:
			status = http.StatusBadGateway
		}
	}

	body := gin.H{"error": err.Error()}
	if kind := resilience.KindOf(err); kind != resilience.KindInternal {
		body["kind"] = string(kind)
	}
	if code := resilience.CodeOf(err); code != "" {
		body["code"] = code
	}
	c.AbortWithStatusJSON(status, body)
}
