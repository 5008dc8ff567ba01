// Package health exposes the liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reflectd/reflectd/internal/v1/logging"
	"github.com/reflectd/reflectd/internal/v1/storage"
)

// Handler manages health check endpoints.
type Handler struct {
	store storage.Store
}

// NewHandler creates a health check handler over the durable store.
func NewHandler(store storage.Store) *Handler {
	return &Handler{store: store}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 if the process is alive; no
// dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only when the durable
// store answers, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	storageStatus := h.checkStorage(ctx)
	checks["storage"] = storageStatus
	if storageStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkStorage(ctx context.Context) string {
	if h.store == nil {
		return "unhealthy"
	}
	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "Storage health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
