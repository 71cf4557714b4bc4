package escrow

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/workescrow/internal/apperr"
	"github.com/mbd888/workescrow/internal/auth"
	"github.com/mbd888/workescrow/internal/chain"
	"github.com/mbd888/workescrow/internal/validation"
)

// MaxCIDLength bounds the content identifier accepted on deliver and approve.
const MaxCIDLength = 512

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only milestone routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/milestones/:id", h.GetMilestone)
	r.GET("/milestones/:id/escrow", h.GetEscrow)
	r.GET("/milestones/:id/dispute", h.GetDispute)
	r.GET("/milestones/:id/transactions", h.ListTransactions)
}

// RegisterProtectedRoutes sets up state-changing routes. The group must
// run auth.RequireAuth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/milestones/:id/fund", h.signed(h.service.Fund))
	r.POST("/milestones/:id/deliver", h.Deliver)
	r.POST("/milestones/:id/approve", h.Approve)
	r.POST("/milestones/:id/withdraw", h.signed(h.service.Withdraw))
	r.POST("/milestones/:id/dispute", h.signed(h.service.InitiateDispute))
	r.POST("/milestones/:id/dispute/pay", h.signed(h.service.PayDisputeFee))
	r.POST("/milestones/:id/dispute/join", h.signed(h.service.BuyerJoinDispute))
	r.POST("/milestones/:id/dispute/resolve", h.ResolveDispute)
	r.POST("/milestones/:id/cancel", h.signed(h.service.Cancel))
}

// SignedRequest carries the caller's signing key. It is used for the
// transaction and never stored or logged.
type SignedRequest struct {
	PrivateKey string `json:"privateKey"`
}

// DeliverRequest is the body of POST /milestones/:id/deliver.
type DeliverRequest struct {
	SignedRequest
	CID         string `json:"cid"`
	ContentHash string `json:"contentHash"`
}

// ApproveRequest is the body of POST /milestones/:id/approve.
type ApproveRequest struct {
	SignedRequest
	CID string `json:"cid"`
}

// ResolveRequest is the body of POST /milestones/:id/dispute/resolve.
type ResolveRequest struct {
	FavorBuyer *bool `json:"favorBuyer"`
}

type signedOp func(ctx context.Context, id string, caller Caller) (*View, error)

// signed adapts an operation whose only input is the caller's key.
func (h *Handler) signed(op signedOp) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SignedRequest
		if !bindJSON(c, &req) {
			return
		}
		caller, ok := callerFrom(c, req.PrivateKey)
		if !ok {
			return
		}
		view, err := op(c.Request.Context(), c.Param("id"), caller)
		respond(c, view, err)
	}
}

// Deliver handles POST /v1/milestones/:id/deliver
func (h *Handler) Deliver(c *gin.Context) {
	var req DeliverRequest
	if !bindJSON(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.Required("cid", req.CID),
		validation.MaxLength("cid", req.CID, MaxCIDLength),
		validation.MaxLength("contentHash", req.ContentHash, validation.MaxStringLength),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	caller, ok := callerFrom(c, req.PrivateKey)
	if !ok {
		return
	}
	view, err := h.service.Deliver(c.Request.Context(), c.Param("id"), caller, req.CID, req.ContentHash)
	respond(c, view, err)
}

// Approve handles POST /v1/milestones/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	var req ApproveRequest
	if !bindJSON(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.Required("cid", req.CID),
		validation.MaxLength("cid", req.CID, MaxCIDLength),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	caller, ok := callerFrom(c, req.PrivateKey)
	if !ok {
		return
	}
	view, err := h.service.Approve(c.Request.Context(), c.Param("id"), caller, req.CID)
	respond(c, view, err)
}

// ResolveDispute handles POST /v1/milestones/:id/dispute/resolve. The
// server's arbiter key signs; no key is accepted from the caller.
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.FavorBuyer == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "favorBuyer: is required",
		})
		return
	}
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		unauthenticated(c)
		return
	}
	view, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), Caller{Principal: *principal}, *req.FavorBuyer)
	respond(c, view, err)
}

// GetMilestone handles GET /v1/milestones/:id
func (h *Handler) GetMilestone(c *gin.Context) {
	view, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetEscrow handles GET /v1/milestones/:id/escrow
func (h *Handler) GetEscrow(c *gin.Context) {
	info, err := h.service.Info(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": info})
}

// GetDispute handles GET /v1/milestones/:id/dispute
func (h *Handler) GetDispute(c *gin.Context) {
	summary, err := h.service.DisputeSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": summary})
}

// ListTransactions handles GET /v1/milestones/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	records, err := h.service.Transactions(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": records,
		"count":        len(records),
	})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

// callerFrom pairs the authenticated principal with a signer built from
// hexKey. It writes the response and returns false on failure.
func callerFrom(c *gin.Context, hexKey string) (Caller, bool) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		unauthenticated(c)
		return Caller{}, false
	}
	if errs := validation.Validate(validation.PrivateKey("privateKey", hexKey)); len(errs) > 0 {
		validationFailed(c, errs)
		return Caller{}, false
	}
	signer, err := chain.NewSigner(hexKey)
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, chain.ErrInvalidPrivateKey) {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{
			"error":   "invalid_private_key",
			"message": "privateKey is not a valid secp256k1 key",
		})
		return Caller{}, false
	}
	return Caller{Principal: *principal, Signer: signer}, true
}

func respond(c *gin.Context, view *View, err error) {
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func renderError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), apperr.Response(err))
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

func unauthenticated(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": "Authentication required",
	})
}
