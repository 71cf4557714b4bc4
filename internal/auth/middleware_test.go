package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T, roles ...Role) (*gin.Engine, *Manager) {
	t.Helper()
	m := newTestManager(t)
	r := gin.New()
	r.Use(Middleware(m))
	h := NewHandler(m)

	protected := r.Group("/v1", RequireAuth())
	protected.GET("/auth/me", h.Me)
	if len(roles) > 0 {
		protected.POST("/admin/tokens", RequireRole(roles...), h.IssueToken)
	}
	return r, m
}

func TestMiddleware_ValidToken_SetsPrincipal(t *testing.T) {
	r, m := newRouter(t)
	token, _ := m.Issue(Principal{UserID: "freelancer-1", Role: RoleFreelancer})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Principal Principal `json:"principal"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Principal.UserID != "freelancer-1" || body.Principal.Role != RoleFreelancer {
		t.Errorf("Unexpected principal %+v", body.Principal)
	}
}

func TestRequireAuth_MissingToken(t *testing.T) {
	r, _ := newRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/auth/me", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestRequireAuth_GarbageToken(t *testing.T) {
	r, _ := newRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	r, m := newRouter(t, RoleAdmin)

	client, _ := m.Issue(Principal{UserID: "client-1", Role: RoleClient})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/admin/tokens", nil)
	req.Header.Set("Authorization", "Bearer "+client)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for client, got %d", w.Code)
	}

	admin, _ := m.Issue(Principal{UserID: "ops", Role: RoleAdmin})
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/admin/tokens", jsonBody(t, IssueTokenRequest{UserID: "arb-1", Role: RoleArbiter}))
	req.Header.Set("Authorization", "Bearer "+admin)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 for admin, got %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	p, err := m.Parse(body.Token)
	if err != nil {
		t.Fatalf("issued token does not parse: %v", err)
	}
	if p.Role != RoleArbiter {
		t.Errorf("Expected arbiter role, got %s", p.Role)
	}
}

func jsonBody(t *testing.T, v interface{}) *strings.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return strings.NewReader(string(b))
}
