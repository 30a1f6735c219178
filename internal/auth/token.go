// ABOUTME: JWT token verification for desk users connecting over WebSocket and HTTP
// ABOUTME: Uses HS256 signing with configurable secret; claims carry user id, role and name

package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrUnknownRole  = errors.New("unknown role")
)

// Roles a desk user may hold.
const (
	RoleAgent      = "agent"
	RoleSupervisor = "supervisor"
	RoleBot        = "bot"
	RoleService    = "service" // backend integrations, e.g. the channel adapter
)

var knownRoles = []string{RoleAgent, RoleSupervisor, RoleBot, RoleService}

// ValidRole reports whether role is one the gateway understands.
func ValidRole(role string) bool {
	return slices.Contains(knownRoles, role)
}

// Identity is the authenticated user behind a request or connection.
type Identity struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
}

// IsStaff is true for humans working the desk.
func (i Identity) IsStaff() bool {
	return i.Role == RoleAgent || i.Role == RoleSupervisor
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (Identity, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the identity from the "sub", "role"
// and "name" claims. A missing role defaults to agent.
func (v *JWTVerifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Identity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	id := Identity{UserID: sub, Role: RoleAgent}
	if role, ok := claims["role"].(string); ok && role != "" {
		if !ValidRole(role) {
			return Identity{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
		}
		id.Role = role
	}
	if name, ok := claims["name"].(string); ok {
		id.Name = name
	}
	return id, nil
}

// Generate creates a new JWT token for the identity with expiration
func (v *JWTVerifier) Generate(id Identity, expiresIn time.Duration) (string, error) {
	if id.UserID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if id.Role != "" && !ValidRole(id.Role) {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, id.Role)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": id.UserID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if id.Role != "" {
		claims["role"] = id.Role
	}
	if id.Name != "" {
		claims["name"] = id.Name
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
