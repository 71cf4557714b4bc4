package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// CheckTimeout bounds a full pass even if a check ignores its own deadline.
const CheckTimeout = 5 * time.Second

// Handler serves the health endpoints.
type Handler struct {
	registry *Registry
	version  string
}

// NewHandler creates a health handler over the registry.
func NewHandler(r *Registry, version string) *Handler {
	return &Handler{registry: r, version: version}
}

// RegisterRoutes mounts /health, /health/live and /health/ready.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)
}

// Live reports that the process is serving requests.
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Ready returns 503 when a critical check fails.
func (h *Handler) Ready(c *gin.Context) {
	if !h.check(c.Request.Context()).Ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Health returns the per-subsystem detail: "healthy", "degraded" (an
// optional check failed, still 200) or "unhealthy" (503).
func (h *Handler) Health(c *gin.Context) {
	report := h.check(c.Request.Context())
	status, code := "healthy", http.StatusOK
	switch {
	case !report.Ready:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case report.Degraded:
		status = "degraded"
	}
	c.JSON(code, gin.H{
		"status":     status,
		"version":    h.version,
		"subsystems": report.Statuses,
	})
}

func (h *Handler) check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()
	return h.registry.Check(ctx)
}
