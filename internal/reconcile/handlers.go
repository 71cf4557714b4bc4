package reconcile

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/workescrow/internal/milestone"
)

// Handler exposes reconciliation to operators.
type Handler struct {
	reconciler *Reconciler
}

// NewHandler creates a new reconciliation handler.
func NewHandler(r *Reconciler) *Handler {
	return &Handler{reconciler: r}
}

// RegisterAdminRoutes sets up operator routes. The group must restrict
// access to admins.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile", h.RunOnce)
	r.POST("/milestones/:id/reconcile", h.ReconcileMilestone)
	r.GET("/repairs", h.ListRepairs)
}

// RunOnce handles POST /v1/admin/reconcile
func (h *Handler) RunOnce(c *gin.Context) {
	res, err := h.reconciler.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconcile_failed",
			"message": "Reconciliation pass failed",
			"result":  res,
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

// ReconcileMilestone handles POST /v1/admin/milestones/:id/reconcile
func (h *Handler) ReconcileMilestone(c *gin.Context) {
	res, err := h.reconciler.ReconcileMilestone(c.Request.Context(), c.Param("id"))
	if errors.Is(err, milestone.ErrMilestoneNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "milestone_not_found",
			"message": "milestone not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconcile_failed",
			"message": "Reconciliation failed",
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListRepairs handles GET /v1/admin/repairs
func (h *Handler) ListRepairs(c *gin.Context) {
	repairs, err := h.reconciler.Queue().List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "queue_unavailable",
			"message": "Repair queue is unavailable",
		})
		return
	}
	if repairs == nil {
		repairs = []Repair{}
	}
	c.JSON(http.StatusOK, gin.H{
		"repairs": repairs,
		"count":   len(repairs),
	})
}
