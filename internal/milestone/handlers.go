package milestone

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/workescrow/internal/apperr"
	"github.com/mbd888/workescrow/internal/validation"
)

// MaxTitleLength bounds job and milestone titles.
const MaxTitleLength = 200

// Handler serves the administrative job and milestone endpoints.
type Handler struct {
	milestones Store
	jobs       JobStore
	now        func() time.Time
}

// NewHandler creates a handler over the stores.
func NewHandler(milestones Store, jobs JobStore) *Handler {
	return &Handler{milestones: milestones, jobs: jobs, now: time.Now}
}

// RegisterRoutes sets up public read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs/:id/milestones", h.ListByJob)
}

// RegisterAdminRoutes sets up the write routes. Callers must be admins.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/jobs", h.CreateJob)
	r.POST("/milestones", h.Create)
	r.PUT("/milestones/:id", h.Update)
	r.DELETE("/milestones/:id", h.Delete)
}

// CreateJobRequest is the body of POST /admin/jobs.
type CreateJobRequest struct {
	ID       string     `json:"id"`
	ClientID string     `json:"clientId" binding:"required"`
	Title    string     `json:"title"`
	Deadline *time.Time `json:"deadline"`
}

// CreateJob handles POST /admin/jobs
func (h *Handler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if req.ID != "" && !validation.IsValidID(req.ID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "id must be 1-128 letters, digits, '-' or '_'"})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("title", req.Title, MaxTitleLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	job := &Job{ID: req.ID, ClientID: req.ClientID, Title: req.Title, Deadline: req.Deadline}
	if err := h.jobs.CreateJob(c.Request.Context(), job); err != nil {
		render(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job": job})
}

// MilestoneRequest is the body of POST /admin/milestones and
// PUT /admin/milestones/:id. JobID, ClientID and ClientAddr are fixed at
// creation and ignored on update.
type MilestoneRequest struct {
	JobID          string     `json:"jobId"`
	ClientID       string     `json:"clientId"`
	ClientAddr     string     `json:"clientAddr"`
	FreelancerID   string     `json:"freelancerId"`
	FreelancerAddr string     `json:"freelancerAddr"`
	Title          string     `json:"title"`
	Amount         string     `json:"amount"`
	TokenSymbol    string     `json:"tokenSymbol"`
	DueAt          *time.Time `json:"dueAt"`
	OrderIndex     int        `json:"orderIndex"`
}

func (r *MilestoneRequest) validate(creating bool) validation.ValidationErrors {
	checks := []func() *validation.ValidationError{
		validation.Required("title", r.Title),
		validation.MaxLength("title", r.Title, MaxTitleLength),
		validation.Required("amount", r.Amount),
		validation.ValidAmount("amount", r.Amount),
		validation.ValidAddress("freelancerAddr", r.FreelancerAddr),
	}
	if creating {
		checks = append(checks,
			validation.Required("jobId", r.JobID),
			validation.Required("clientId", r.ClientID),
			validation.Required("clientAddr", r.ClientAddr),
			validation.ValidAddress("clientAddr", r.ClientAddr),
		)
	}
	return validation.Validate(checks...)
}

// Create handles POST /admin/milestones
func (h *Handler) Create(c *gin.Context) {
	var req MilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := req.validate(true); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	ctx := c.Request.Context()

	job, err := h.jobs.GetJob(ctx, req.JobID)
	if err != nil {
		render(c, err)
		return
	}
	if job.ClientID != req.ClientID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_mismatch", "message": "clientId does not own the job"})
		return
	}
	if req.DueAt != nil {
		if err := ValidateDueAt(*req.DueAt, job, h.now()); err != nil {
			render(c, err)
			return
		}
	}

	m := &Milestone{
		JobID:          req.JobID,
		ClientID:       req.ClientID,
		ClientAddr:     req.ClientAddr,
		FreelancerID:   req.FreelancerID,
		FreelancerAddr: req.FreelancerAddr,
		Title:          req.Title,
		Amount:         req.Amount,
		TokenSymbol:    tokenSymbol(req.TokenSymbol),
		DueAt:          req.DueAt,
		OrderIndex:     req.OrderIndex,
	}
	if err := h.milestones.Create(ctx, m); err != nil {
		render(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"milestone": m})
}

// Update handles PUT /admin/milestones/:id
func (h *Handler) Update(c *gin.Context) {
	var req MilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := req.validate(false); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	ctx := c.Request.Context()

	cur, err := h.milestones.Get(ctx, c.Param("id"))
	if err != nil {
		render(c, err)
		return
	}
	if req.DueAt != nil {
		job, err := h.jobs.GetJob(ctx, cur.JobID)
		if err != nil {
			render(c, err)
			return
		}
		if err := ValidateDueAt(*req.DueAt, job, h.now()); err != nil {
			render(c, err)
			return
		}
	}

	cur.FreelancerID = req.FreelancerID
	cur.FreelancerAddr = req.FreelancerAddr
	cur.Title = req.Title
	cur.Amount = req.Amount
	cur.TokenSymbol = tokenSymbol(req.TokenSymbol)
	cur.DueAt = req.DueAt
	cur.OrderIndex = req.OrderIndex
	if err := h.milestones.Update(ctx, cur); err != nil {
		render(c, err)
		return
	}
	updated, err := h.milestones.Get(ctx, cur.ID)
	if err != nil {
		render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": updated})
}

// Delete handles DELETE /admin/milestones/:id
func (h *Handler) Delete(c *gin.Context) {
	if err := h.milestones.Delete(c.Request.Context(), c.Param("id")); err != nil {
		render(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListByJob handles GET /jobs/:id/milestones
func (h *Handler) ListByJob(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.jobs.GetJob(ctx, c.Param("id")); err != nil {
		render(c, err)
		return
	}
	ms, err := h.milestones.ListByJob(ctx, c.Param("id"))
	if err != nil {
		render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestones": ms, "count": len(ms)})
}

func tokenSymbol(s string) string {
	if s == "" {
		return "ETH"
	}
	return s
}

func render(c *gin.Context, err error) {
	err = classify(err)
	c.JSON(apperr.HTTPStatus(err), apperr.Response(err))
}

// classify maps store errors onto API errors.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrMilestoneNotFound):
		return apperr.NotFound("milestone_not_found", "Milestone not found")
	case errors.Is(err, ErrJobNotFound):
		return apperr.NotFound("job_not_found", "Job not found")
	case errors.Is(err, ErrDuplicateOrder):
		return apperr.Conflict("duplicate_order", "Order index already used in this job")
	case errors.Is(err, ErrImmutable):
		return apperr.Conflict("milestone_immutable", "Milestone cannot change once funded or bound")
	case errors.Is(err, ErrInvalidDueAt):
		return apperr.Validation("invalid_due_at", "Due date is outside the job window")
	}
	return err
}
