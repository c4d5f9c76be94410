package iam

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies authentication failures.
type ErrorKind string

const (
	KindInvalidCredentials  ErrorKind = "invalid_credentials"
	KindTokenInvalid        ErrorKind = "token_invalid"
	KindTokenExpired        ErrorKind = "token_expired"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindCache               ErrorKind = "cache_error"
)

// AuthError is the typed error returned by every core operation.
type AuthError struct {
	Kind ErrorKind
	Op   string // e.g. "provider.authenticate"
	Err  error
}

func (e *AuthError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "iam: " + msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is matches any AuthError of the same kind, so errors.Is(err, ErrTokenExpired) works
// regardless of Op and cause.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrInvalidCredentials  = &AuthError{Kind: KindInvalidCredentials}
	ErrTokenInvalid        = &AuthError{Kind: KindTokenInvalid}
	ErrTokenExpired        = &AuthError{Kind: KindTokenExpired}
	ErrProviderUnavailable = &AuthError{Kind: KindProviderUnavailable}
	ErrCache               = &AuthError{Kind: KindCache}
)

// NewAuthError builds an AuthError for op.
func NewAuthError(kind ErrorKind, op string, err error) *AuthError {
	return &AuthError{Kind: kind, Op: op, Err: err}
}

// Unavailable wraps err as ProviderUnavailable.
func Unavailable(op string, err error) *AuthError {
	return NewAuthError(KindProviderUnavailable, op, err)
}

// KindOf returns the kind of the first AuthError in err's chain.
// Context deadline and cancellation map to ProviderUnavailable.
func KindOf(err error) (ErrorKind, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindProviderUnavailable, true
	}
	return "", false
}

// IsRetryable reports whether the caller may retry with backoff.
func IsRetryable(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindProviderUnavailable
}

// ValidationError reports an invariant violation at construction time.
type ValidationError struct {
	Entity string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("iam: invalid %s %s: %s", e.Entity, e.Field, e.Reason)
}
