package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthHandler reports collaborator availability.
type HealthHandler struct {
	status func() map[string]bool
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(status func() map[string]bool) *HealthHandler {
	return &HealthHandler{status: status}
}

// Healthz answers 200 when every collaborator is available and 503 otherwise.
func (h *HealthHandler) Healthz(c *gin.Context) {
	flags := map[string]bool{}
	if h.status != nil {
		flags = h.status()
	}
	code, status := http.StatusOK, "ok"
	for _, ok := range flags {
		if !ok {
			code, status = http.StatusServiceUnavailable, "degraded"
			break
		}
	}
	c.JSON(code, gin.H{"status": status, "collaborators": flags})
}
