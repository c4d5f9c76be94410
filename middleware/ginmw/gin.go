// Package ginmw provides Gin HTTP middleware for IAM integration.
//
// Auth turns a bearer token into a cached token validation; Require and
// RequireAny turn permission names into authorization checks against the
// authenticated user.
package ginmw

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	iam "github.com/chimerakang/iam-cache"
)

// Service is the part of *auth.Service the middleware needs.
type Service interface {
	ValidateToken(ctx context.Context, token string) (*iam.TokenValidation, error)
	Check(ctx context.Context, permission string) (bool, error)
}

// Context keys for storing IAM data in gin.Context.
const (
	KeyUserID     = "iam_user_id"
	KeyRoles      = "iam_roles"
	KeyValidation = "iam_validation"
)

// AuthOption configures Auth middleware behavior.
type AuthOption func(*authConfig)

type authConfig struct {
	excludedPaths map[string]bool
}

// WithExcludedPaths sets paths that skip authentication (e.g. health checks).
func WithExcludedPaths(paths ...string) AuthOption {
	return func(cfg *authConfig) {
		for _, p := range paths {
			cfg.excludedPaths[p] = true
		}
	}
}

// Auth returns Gin middleware that validates bearer tokens through svc.
// On success the user id, roles and validation are stored both in the Gin
// context and in the request context (see iam.UserIDFromContext).
// Responds with 401 for missing, invalid or expired tokens and 503 when the
// identity provider is unavailable.
func Auth(svc Service, opts ...AuthOption) gin.HandlerFunc {
	cfg := &authConfig{excludedPaths: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}

	return func(c *gin.Context) {
		if cfg.excludedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		tokenStr := extractBearerToken(c.Request)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization token"})
			return
		}

		tv, err := svc.ValidateToken(c.Request.Context(), tokenStr)
		if err != nil {
			abortWithAuthError(c, err)
			return
		}

		c.Set(KeyValidation, tv)
		c.Set(KeyUserID, tv.UserID)
		c.Set(KeyRoles, tv.Roles)

		ctx := iam.WithUserID(c.Request.Context(), tv.UserID)
		ctx = iam.WithToken(ctx, tokenStr)
		ctx = iam.WithRoles(ctx, tv.Roles)
		ctx = iam.WithValidation(ctx, tv)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// Require returns Gin middleware that checks a single permission.
// Requires Auth middleware to run first.
// Responds with 403 if the permission is denied.
func Require(svc Service, permission string) gin.HandlerFunc {
	return RequireAny(svc, permission)
}

// RequireAny returns Gin middleware that passes if the user holds any of
// the given permissions.
func RequireAny(svc Service, permissions ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if iam.UserIDFromContext(ctx) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}

		for _, perm := range permissions {
			ok, err := svc.Check(ctx, perm)
			if err != nil {
				abortWithAuthError(c, err)
				return
			}
			if ok {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied"})
	}
}

// --- Context helpers ---

// GetUserID returns the authenticated user ID from the Gin context.
func GetUserID(c *gin.Context) string {
	v, _ := c.Get(KeyUserID)
	s, _ := v.(string)
	return s
}

// GetRoles returns the token's roles from the Gin context.
func GetRoles(c *gin.Context) []string {
	v, _ := c.Get(KeyRoles)
	r, _ := v.([]string)
	return r
}

// GetValidation returns the token validation from the Gin context.
func GetValidation(c *gin.Context) *iam.TokenValidation {
	v, _ := c.Get(KeyValidation)
	tv, _ := v.(*iam.TokenValidation)
	return tv
}

// --- internal helpers ---

func abortWithAuthError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, iam.ErrTokenExpired):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token expired"})
	case errors.Is(err, iam.ErrTokenInvalid), errors.Is(err, iam.ErrInvalidCredentials):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
	case iam.IsRetryable(err):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "identity provider unavailable"})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authorization check failed"})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
