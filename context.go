package iam

import "context"

type ctxKey string

const (
	ctxKeyUserID      ctxKey = "iam_user_id"
	ctxKeyToken       ctxKey = "iam_token"
	ctxKeyRoles       ctxKey = "iam_roles"
	ctxKeyValidation  ctxKey = "iam_validation"
	ctxKeyUserContext ctxKey = "iam_user_context"
)

// WithUserID stores the authenticated user ID in the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID, userID)
}

// UserIDFromContext extracts the authenticated user ID from the context.
func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyUserID).(string)
	return v
}

// WithToken stores the raw bearer token in the context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ctxKeyToken, token)
}

// TokenFromContext extracts the raw bearer token from the context.
func TokenFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyToken).(string)
	return v
}

// WithRoles stores the user roles in the context.
func WithRoles(ctx context.Context, roles []string) context.Context {
	return context.WithValue(ctx, ctxKeyRoles, roles)
}

// RolesFromContext extracts the user roles from the context.
func RolesFromContext(ctx context.Context) []string {
	v, _ := ctx.Value(ctxKeyRoles).([]string)
	return v
}

// WithValidation stores the token validation result in the context.
func WithValidation(ctx context.Context, v *TokenValidation) context.Context {
	return context.WithValue(ctx, ctxKeyValidation, v)
}

// ValidationFromContext extracts the token validation result from the context.
func ValidationFromContext(ctx context.Context) *TokenValidation {
	v, _ := ctx.Value(ctxKeyValidation).(*TokenValidation)
	return v
}

// WithUserContext stores a resolved UserContext in the context.
func WithUserContext(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, ctxKeyUserContext, uc)
}

// UserContextFromContext extracts the resolved UserContext, if any.
func UserContextFromContext(ctx context.Context) *UserContext {
	v, _ := ctx.Value(ctxKeyUserContext).(*UserContext)
	return v
}
