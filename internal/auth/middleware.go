package auth

import (
	"github.com/gin-gonic/gin"
	"github.com/localmarket/paycore/internal/apperr"
	"github.com/localmarket/paycore/internal/respond"
)

const (
	// ContextKeyAPIKey is the gin context key for the validated *APIKey.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyUserID is the gin context key for the authenticated user id.
	ContextKeyUserID = "authUserID"
)

// Middleware validates the API key, if any, and stores it in the context.
// It never aborts; RequireAuth and RequireRole do.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyUserID, key.UserID)
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without a valid key.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetAPIKey(c); !ok {
			respond.Fail(c, apperr.New(apperr.KindUnauthorized, "API key required. Include 'Authorization: Bearer mk_...' header."))
			return
		}
		c.Next()
	}
}

// RequireRole rejects requests whose key does not carry one of roles.
// Admin keys always pass.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			respond.Fail(c, apperr.New(apperr.KindUnauthorized, "API key required"))
			return
		}
		if !HasRole(key, roles...) {
			respond.Fail(c, apperr.New(apperr.KindForbidden, "your role cannot perform this operation"))
			return
		}
		c.Next()
	}
}

// HasRole reports whether key carries one of roles. Admin matches any role.
func HasRole(key *APIKey, roles ...Role) bool {
	if key.Role == RoleAdmin {
		return true
	}
	for _, r := range roles {
		if key.Role == r {
			return true
		}
	}
	return false
}

// GetAPIKey returns the API key from context (if authenticated).
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// UserID returns the authenticated user id, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}
