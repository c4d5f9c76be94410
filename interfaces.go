package iam

import "context"

// IdentityProvider is the network boundary to the external identity provider.
// Implementations: provider/ (HTTP/OIDC), fake/ (testing).
//
// Implementations return *AuthError values; the core never retries them.
type IdentityProvider interface {
	// Authenticate verifies credentials. Fails with InvalidCredentials or ProviderUnavailable.
	Authenticate(ctx context.Context, username, secret string) (*User, error)

	// ValidateToken checks a bearer token. Fails with TokenInvalid, TokenExpired or ProviderUnavailable.
	ValidateToken(ctx context.Context, token string) (*TokenValidation, error)

	// FetchRoles returns the role ids the provider assigns to a user.
	FetchRoles(ctx context.Context, userID string) ([]string, error)

	// RefreshToken mints a new token from an old one.
	RefreshToken(ctx context.Context, oldToken string) (*Token, error)
}

// RoleRepository reads role/permission definitions and persists local
// user→role assignments. Reads must be safe for concurrent use.
// Implementations: repository/ (memory, Postgres).
type RoleRepository interface {
	// ListRoles returns every role definition.
	ListRoles(ctx context.Context) ([]Role, error)

	// ListGrants returns the direct permissions granted to each role, keyed by role id.
	ListGrants(ctx context.Context) (map[string][]Permission, error)

	// UserRoleIDs returns the role ids assigned locally to a user.
	UserRoleIDs(ctx context.Context, userID string) ([]string, error)

	// AssignRoles replaces the user's local role assignment.
	AssignRoles(ctx context.Context, userID string, roleIDs []string) error
}
