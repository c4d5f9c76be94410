package iam

import "time"

// User represents an identity returned by the identity provider.
type User struct {
	// ID is the immutable identity key (subject id or username).
	ID       string
	Username string
	Name     string
	Email    string
	RoleIDs  []string

	// Token is set when the user was produced by a login that minted tokens.
	Token *Token
}

// Token represents an access/refresh token pair minted by the provider.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string // "Bearer"
	Subject      string
	ExpiresAt    time.Time
}

// TokenValidation is the outcome of validating a bearer token.
type TokenValidation struct {
	Valid     bool
	UserID    string
	ExpiresAt time.Time
	Roles     []string
}

// RemainingLifetime returns how long the token stays valid after now.
// A zero ExpiresAt means the provider did not report an expiry.
func (v *TokenValidation) RemainingLifetime(now time.Time) (time.Duration, bool) {
	if v.ExpiresAt.IsZero() {
		return 0, false
	}
	return v.ExpiresAt.Sub(now), true
}

// UserContext is the resolved, request-scoped view used for authorization.
type UserContext struct {
	UserID          string
	Roles           map[string]struct{}   // role names
	PermissionNames map[string]struct{}   // effective permission names
	Permissions     map[string]Permission // permission id → merged grant
}

// HasRole reports whether the resolved role set contains name.
func (c *UserContext) HasRole(name string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Roles[name]
	return ok
}

// HasPermission reports whether the effective permission set contains name.
func (c *UserContext) HasPermission(name string) bool {
	if c == nil {
		return false
	}
	_, ok := c.PermissionNames[name]
	return ok
}

// IsAdmin reports whether the user holds admin or super_admin.
func (c *UserContext) IsAdmin() bool {
	return c.HasRole(RoleAdmin) || c.HasRole(RoleSuperAdmin)
}

// RoleNames returns the resolved role names in no particular order.
func (c *UserContext) RoleNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Roles))
	for n := range c.Roles {
		names = append(names, n)
	}
	return names
}

// Well-known role names.
const (
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)
