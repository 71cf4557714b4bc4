package provision

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/workescrow/internal/apperr"
	"github.com/mbd888/workescrow/internal/auth"
)

// Handler provides HTTP endpoints for escrow provisioning.
type Handler struct {
	provisioner *Provisioner
}

// NewHandler creates a new provisioning handler.
func NewHandler(p *Provisioner) *Handler {
	return &Handler{provisioner: p}
}

// RegisterRoutes sets up read-only provisioning routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/milestones/:id/provision/predict", h.Predict)
}

// RegisterProtectedRoutes sets up provisioning routes. The group must run
// auth.RequireAuth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/milestones/:id/provision", h.Provision)
}

// ProvisionRequest is the body of POST /milestones/:id/provision.
type ProvisionRequest struct {
	Deterministic bool       `json:"deterministic"`
	Deadline      *time.Time `json:"deadline"`
	Fees          *Fees      `json:"fees"`
}

// Provision handles POST /v1/milestones/:id/provision
func (h *Handler) Provision(c *gin.Context) {
	var req ProvisionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authentication required",
		})
		return
	}

	r := Request{
		MilestoneID: c.Param("id"),
		Principal:   *principal,
		Deadline:    req.Deadline,
		Fees:        req.Fees,
	}
	provision := h.provisioner.Provision
	if req.Deterministic {
		provision = h.provisioner.ProvisionDeterministic
	}
	res, err := provision(c.Request.Context(), r)
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), apperr.Response(err))
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Predict handles GET /v1/milestones/:id/provision/predict
func (h *Handler) Predict(c *gin.Context) {
	addr, err := h.provisioner.Predict(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), apperr.Response(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"milestoneId": c.Param("id"),
		"escrow":      addr,
	})
}
