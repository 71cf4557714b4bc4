// Package auth authenticates callers with HS256 bearer tokens.
//
// A token names the platform user, their role and, optionally, the wallet
// address they act from. It says nothing about which signing key a request
// may use: the orchestrator checks the principal against the milestone's
// parties before any key is chosen.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSecret = errors.New("auth: JWT secret is empty")
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrInvalidRole   = errors.New("auth: invalid role")
)

// Role is a platform role.
type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RoleArbiter    Role = "arbiter"
	RoleAdmin      Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleFreelancer, RoleArbiter, RoleAdmin:
		return true
	}
	return false
}

// Principal is the authenticated caller.
type Principal struct {
	UserID  string `json:"userId"`
	Role    Role   `json:"role"`
	Address string `json:"address,omitempty"`
}

// Claims are the token's registered claims plus role and address.
type Claims struct {
	Role    Role   `json:"role"`
	Address string `json:"addr,omitempty"`
	jwt.RegisteredClaims
}

// DefaultTTL is how long issued tokens stay valid.
const DefaultTTL = 24 * time.Hour

// Manager issues and verifies tokens.
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a Manager signing with secret.
func NewManager(secret, issuer string) (*Manager, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Manager{secret: []byte(secret), issuer: issuer, ttl: DefaultTTL, now: time.Now}, nil
}

// WithTTL sets the lifetime of issued tokens.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	if ttl > 0 {
		m.ttl = ttl
	}
	return m
}

// Issue signs a token for p.
func (m *Manager) Issue(p Principal) (string, error) {
	if p.UserID == "" {
		return "", fmt.Errorf("%w: subject required", ErrInvalidToken)
	}
	if !p.Role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, p.Role)
	}
	now := m.now()
	claims := Claims{
		Role:    p.Role,
		Address: strings.ToLower(p.Address),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Parse verifies raw and returns its principal.
func (m *Manager) Parse(raw string) (*Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, claims.Role)
	}
	return &Principal{UserID: claims.Subject, Role: claims.Role, Address: claims.Address}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
