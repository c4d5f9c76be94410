// Package grpcmw provides gRPC interceptors for IAM integration.
//
// The interceptors turn the "authorization: Bearer <token>" metadata entry
// into a cached token validation and permission names into authorization
// checks, using the same service as the Gin middleware.
package grpcmw

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	iam "github.com/chimerakang/iam-cache"
)

// Service is the part of *auth.Service the interceptors need.
type Service interface {
	ValidateToken(ctx context.Context, token string) (*iam.TokenValidation, error)
	Check(ctx context.Context, permission string) (bool, error)
}

// AuthOption configures auth interceptor behavior.
type AuthOption func(*authConfig)

type authConfig struct {
	excludedMethods map[string]bool
}

// WithExcludedMethods sets gRPC methods that skip authentication.
// Methods should be fully qualified (e.g. "/package.Service/Method").
func WithExcludedMethods(methods ...string) AuthOption {
	return func(cfg *authConfig) {
		for _, m := range methods {
			cfg.excludedMethods[m] = true
		}
	}
}

// UnaryAuth returns a gRPC unary server interceptor that validates bearer tokens.
// On success the user id, token, roles and validation are stored in the context.
func UnaryAuth(svc Service, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if cfg.excludedMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		ctx, err := authenticate(ctx, svc)
		if err != nil {
			return nil, err
		}

		return handler(ctx, req)
	}
}

// StreamAuth returns a gRPC stream server interceptor that validates bearer tokens.
func StreamAuth(svc Service, opts ...AuthOption) grpc.StreamServerInterceptor {
	cfg := newAuthConfig(opts)

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if cfg.excludedMethods[info.FullMethod] {
			return handler(srv, ss)
		}

		ctx, err := authenticate(ss.Context(), svc)
		if err != nil {
			return err
		}

		wrapped := &wrappedStream{ServerStream: ss, ctx: ctx}
		return handler(srv, wrapped)
	}
}

// UnaryRequire returns a gRPC unary server interceptor that checks a single permission.
// Requires UnaryAuth to run first.
func UnaryRequire(svc Service, permission string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if iam.UserIDFromContext(ctx) == "" {
			return nil, status.Error(codes.Unauthenticated, "not authenticated")
		}

		ok, err := svc.Check(ctx, permission)
		if err != nil {
			return nil, toStatus(err)
		}
		if !ok {
			return nil, status.Error(codes.PermissionDenied, "permission denied")
		}

		return handler(ctx, req)
	}
}

// --- internal helpers ---

func newAuthConfig(opts []AuthOption) *authConfig {
	cfg := &authConfig{excludedMethods: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

func authenticate(ctx context.Context, svc Service) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "missing metadata")
	}

	tokenStr := extractBearerFromMD(md)
	if tokenStr == "" {
		return ctx, status.Error(codes.Unauthenticated, "missing authorization token")
	}

	tv, err := svc.ValidateToken(ctx, tokenStr)
	if err != nil {
		return ctx, toStatus(err)
	}

	ctx = iam.WithUserID(ctx, tv.UserID)
	ctx = iam.WithToken(ctx, tokenStr)
	ctx = iam.WithRoles(ctx, tv.Roles)
	ctx = iam.WithValidation(ctx, tv)

	return ctx, nil
}

// toStatus maps the iam error taxonomy onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, iam.ErrTokenExpired):
		return status.Error(codes.Unauthenticated, "token expired")
	case errors.Is(err, iam.ErrTokenInvalid), errors.Is(err, iam.ErrInvalidCredentials):
		return status.Error(codes.Unauthenticated, "invalid token")
	case iam.IsRetryable(err):
		return status.Error(codes.Unavailable, "identity provider unavailable")
	default:
		return status.Error(codes.Internal, "authorization check failed")
	}
}

func extractBearerFromMD(md metadata.MD) string {
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	parts := strings.SplitN(vals[0], " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// wrappedStream wraps grpc.ServerStream to override Context().
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}
