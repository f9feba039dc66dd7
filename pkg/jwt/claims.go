package jwt

import (
	"github.com/golang-jwt/jwt/v5"
)

// Scopes granted to API callers
const (
	ScopeSync  = "sync"
	ScopeRead  = "read"
	ScopeAdmin = "admin"
)

// Claims represents JWT custom claims for an API caller
type Claims struct {
	Caller string   `json:"caller"`
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// HasScope reports whether the caller was granted scope. Admin implies every scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}
