package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves token endpoints.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// Me handles GET /v1/auth/me
func (h *Handler) Me(c *gin.Context) {
	p, ok := GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Not authenticated"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"principal": p})
}

// IssueTokenRequest is the body of POST /v1/admin/tokens.
type IssueTokenRequest struct {
	UserID  string `json:"userId" binding:"required"`
	Role    Role   `json:"role" binding:"required"`
	Address string `json:"address"`
}

// IssueToken handles POST /v1/admin/tokens. Admin only; used by operators
// and the identity service that fronts this API.
func (h *Handler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	token, err := h.manager.Issue(Principal{UserID: req.UserID, Role: req.Role, Address: req.Address})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "expiresIn": int(h.manager.ttl.Seconds())})
}
