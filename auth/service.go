// Package auth is the application service in front of the identity provider.
//
// Every read goes through one cache.Store: a hit is answered locally, a miss
// makes a single provider call on behalf of all concurrent callers and caches
// the success. Failures are returned as *iam.AuthError and never cached.
// Logout, role assignment and catalog reloads invalidate before returning.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	iam "github.com/chimerakang/iam-cache"
	"github.com/chimerakang/iam-cache/audit"
	"github.com/chimerakang/iam-cache/authz"
	"github.com/chimerakang/iam-cache/cache"
	"github.com/chimerakang/iam-cache/metrics"
)

// Record is the cached value. Exactly one field is set per entry.
type Record struct {
	User       *iam.User            `json:"user,omitempty"`
	Validation *iam.TokenValidation `json:"validation,omitempty"`
	Context    *iam.UserContext     `json:"context,omitempty"`
	RoleIDs    []string             `json:"role_ids,omitempty"`
}

// Service orchestrates login, token validation, logout, role assignment and
// authorization.
type Service struct {
	provider iam.IdentityProvider
	repo     iam.RoleRepository
	authz    *authz.Authorizer
	store    *cache.Store[Record]
	keys     hasher

	ttl     time.Duration
	timeout time.Duration

	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   *audit.Logger
}

type options struct {
	backend    cache.Backend[Record]
	authorizer *authz.Authorizer
	hashKey    []byte
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
	audit      *audit.Logger
}

// Option configures a Service.
type Option func(*options)

// WithBackend sets the cache backend. Default: in-memory LRU bounded by
// Config.CacheMaxEntries.
func WithBackend(b cache.Backend[Record]) Option {
	return func(o *options) { o.backend = b }
}

// WithAuthorizer shares an existing Authorizer instead of creating one over
// the repository.
func WithAuthorizer(a *authz.Authorizer) Option {
	return func(o *options) { o.authorizer = a }
}

// WithHashKey sets the key for credential and token cache-key hashing.
// Instances sharing a Redis backend must use the same key.
// Default: Config.ClientSecret, or random bytes when that is empty.
func WithHashKey(key []byte) Option {
	return func(o *options) { o.hashKey = key }
}

// WithClock sets the time source for TTLs and token expiry.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAuditLogger sets the audit sink.
func WithAuditLogger(a *audit.Logger) Option {
	return func(o *options) { o.audit = a }
}

// New wires a Service. cfg must already be validated. The role catalog starts
// empty; call ReloadRoles before serving authorization checks.
func New(cfg *iam.Config, idp iam.IdentityProvider, repo iam.RoleRepository, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, &iam.ValidationError{Entity: "auth", Field: "config", Reason: "required"}
	}
	if idp == nil {
		return nil, &iam.ValidationError{Entity: "auth", Field: "provider", Reason: "required"}
	}
	if repo == nil {
		return nil, &iam.ValidationError{Entity: "auth", Field: "repository", Reason: "required"}
	}

	o := options{
		clock:  clock.New(),
		logger: slog.Default(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.hashKey == nil && cfg.ClientSecret != "" {
		o.hashKey = []byte(cfg.ClientSecret)
	}
	keys, err := newHasher(o.hashKey)
	if err != nil {
		return nil, err
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = iam.DefaultCacheTTL
	}
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = iam.DefaultProviderTimeout
	}
	if o.backend == nil {
		maxEntries := cfg.CacheMaxEntries
		if maxEntries <= 0 {
			maxEntries = iam.DefaultCacheMaxEntries
		}
		o.backend = cache.NewMemoryBackend[Record](maxEntries)
	}
	if o.authorizer == nil {
		o.authorizer = authz.New(repo,
			authz.WithLogger(o.logger),
			authz.WithMetrics(o.metrics),
			authz.WithClock(o.clock),
		)
	}

	store := cache.New(o.backend,
		cache.WithName("auth"),
		cache.WithTTL(ttl),
		cache.WithClock(o.clock),
		cache.WithLogger(o.logger),
		cache.WithRecorder(o.metrics),
	)

	s := &Service{
		provider: idp,
		repo:     repo,
		authz:    o.authorizer,
		store:    store,
		keys:     keys,
		ttl:      ttl,
		timeout:  timeout,
		clock:    o.clock,
		logger:   o.logger,
		metrics:  o.metrics,
		audit:    o.audit,
	}
	s.authz.OnRefresh(s.dropContexts)
	return s, nil
}

// Authorizer returns the role catalog holder, e.g. to run periodic refreshes.
func (s *Service) Authorizer() *authz.Authorizer { return s.authz }

// Login authenticates username/secret. A repeated login with the same
// credentials within the TTL is answered from cache. Failed logins are never
// cached, and a wrong secret never matches an earlier successful entry.
func (s *Service) Login(ctx context.Context, username, secret string) (*iam.User, error) {
	const op = "auth.login"
	if username == "" || secret == "" {
		err := iam.NewAuthError(iam.KindInvalidCredentials, op, errors.New("username and secret are required"))
		s.recordFailure(ctx, "password", audit.ActionLogin, "", err)
		return nil, err
	}

	var fetched atomic.Bool
	rec, err := s.store.GetOrPopulate(ctx, s.keys.loginKey(username, secret), func(ctx context.Context) (cache.Populated[Record], error) {
		fetched.Store(true)
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		user, err := s.provider.Authenticate(ctx, username, secret)
		if err != nil {
			return cache.Populated[Record]{}, err
		}
		if user == nil || user.ID == "" {
			return cache.Populated[Record]{}, iam.Unavailable(op, errors.New("provider returned no user"))
		}
		p := cache.Populated[Record]{Value: Record{User: user}, Tags: []string{userTag(user.ID)}}
		if user.Token != nil && user.Token.AccessToken != "" {
			// The entry hands out the token, so it must not outlive it.
			ttl, ok := s.cacheMintedToken(ctx, user.ID, user.Token, user.RoleIDs)
			if !ok {
				ttl = -1
			}
			p.TTL = ttl
		}
		return p, nil
	})
	if err != nil {
		err = typed(op, err)
		s.recordFailure(ctx, "password", audit.ActionLogin, "", err)
		return nil, err
	}
	if rec.User == nil {
		return nil, iam.NewAuthError(iam.KindCache, op, errors.New("cached record holds no user"))
	}

	cached := !fetched.Load()
	s.metrics.RecordAuthSuccess("password")
	s.audit.LogContext(ctx, audit.Event{
		Action: audit.ActionLogin,
		Result: audit.ResultSuccess,
		UserID: rec.User.ID,
		Cached: cached,
	})
	s.logger.Debug("login", "user_id", rec.User.ID, "cached", cached)
	return cloneUser(rec.User), nil
}

// ValidateToken checks a bearer token. Valid results are cached for
// min(CacheTTL, remaining token lifetime). A token at or past its expiry is
// reported as TokenExpired and not cached.
func (s *Service) ValidateToken(ctx context.Context, token string) (*iam.TokenValidation, error) {
	const op = "auth.validate_token"
	if token == "" {
		err := iam.NewAuthError(iam.KindTokenInvalid, op, errors.New("empty token"))
		s.recordFailure(ctx, "token", audit.ActionTokenValidate, "", err)
		return nil, err
	}

	rec, err := s.store.GetOrPopulate(ctx, s.keys.tokenKey(token), func(ctx context.Context) (cache.Populated[Record], error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		tv, err := s.provider.ValidateToken(ctx, token)
		if err != nil {
			return cache.Populated[Record]{}, err
		}
		if tv == nil || !tv.Valid || tv.UserID == "" {
			return cache.Populated[Record]{}, iam.NewAuthError(iam.KindTokenInvalid, op, nil)
		}
		ttl, ok := s.tokenTTL(tv)
		if !ok {
			return cache.Populated[Record]{}, iam.NewAuthError(iam.KindTokenExpired, op, nil)
		}
		return cache.Populated[Record]{
			Value: Record{Validation: tv},
			TTL:   ttl,
			Tags:  []string{userTag(tv.UserID)},
		}, nil
	})
	if err != nil {
		err = typed(op, err)
		s.recordFailure(ctx, "token", audit.ActionTokenValidate, "", err)
		return nil, err
	}
	if rec.Validation == nil {
		return nil, iam.NewAuthError(iam.KindCache, op, errors.New("cached record holds no validation"))
	}

	s.metrics.RecordAuthSuccess("token")
	return cloneValidation(rec.Validation), nil
}

// Logout drops every cached entry tied to userID: login results, token
// validations, role lists and the user context. It returns only after the
// removal is visible to subsequent lookups. A backend failure is returned as
// CacheError because the entries may still be live.
func (s *Service) Logout(ctx context.Context, userID string) error {
	const op = "auth.logout"
	if userID == "" {
		return &iam.ValidationError{Entity: "logout", Field: "user_id", Reason: "required"}
	}

	if err := s.store.InvalidateTag(ctx, userTag(userID)); err != nil {
		err = iam.NewAuthError(iam.KindCache, op, err)
		s.audit.LogContext(ctx, audit.Event{Action: audit.ActionLogout, Result: audit.ResultFailure, UserID: userID, Error: err.Error()})
		return err
	}

	s.audit.LogContext(ctx, audit.Event{Action: audit.ActionLogout, Result: audit.ResultSuccess, UserID: userID})
	s.logger.Info("user logged out", "user_id", userID)
	return nil
}

// AssignRoles persists userID's local role assignment and drops the cached
// user context and role list, so the next Authorize reflects the change.
func (s *Service) AssignRoles(ctx context.Context, userID string, roleIDs []string) error {
	const op = "auth.assign_roles"
	if userID == "" {
		return &iam.ValidationError{Entity: "role assignment", Field: "user_id", Reason: "required"}
	}

	if err := s.repo.AssignRoles(ctx, userID, roleIDs); err != nil {
		s.audit.LogContext(ctx, audit.Event{Action: audit.ActionRoleAssign, Result: audit.ResultFailure, UserID: userID, Error: err.Error()})
		return fmt.Errorf("iam/auth: assign roles: %w", err)
	}
	if err := s.store.Invalidate(ctx, ctxKey(userID), rolesKey(userID)); err != nil {
		return iam.NewAuthError(iam.KindCache, op, err)
	}

	s.audit.LogContext(ctx, audit.Event{
		Action:  audit.ActionRoleAssign,
		Result:  audit.ResultSuccess,
		UserID:  userID,
		Details: fmt.Sprintf("roles=%v", roleIDs),
	})
	return nil
}

// UserContext returns the resolved roles and permissions of userID, cached
// until logout, role assignment, catalog reload or TTL. The result is shared
// and must not be modified.
func (s *Service) UserContext(ctx context.Context, userID string) (*iam.UserContext, error) {
	const op = "auth.user_context"
	if userID == "" {
		return nil, &iam.ValidationError{Entity: "user context", Field: "user_id", Reason: "required"}
	}

	rec, err := s.store.GetOrPopulate(ctx, ctxKey(userID), func(ctx context.Context) (cache.Populated[Record], error) {
		roleIDs, err := s.roleIDs(ctx, userID)
		if err != nil {
			return cache.Populated[Record]{}, err
		}
		uc := s.authz.BuildContext(userID, roleIDs)
		return cache.Populated[Record]{
			Value: Record{Context: uc},
			Tags:  []string{userTag(userID), tagContexts},
		}, nil
	})
	if err != nil {
		return nil, typed(op, err)
	}
	if rec.Context == nil {
		return nil, iam.NewAuthError(iam.KindCache, op, errors.New("cached record holds no user context"))
	}
	return rec.Context, nil
}

// Authorize reports whether userID holds permission. Denial is a false
// result, not an error.
func (s *Service) Authorize(ctx context.Context, userID, permission string) (bool, error) {
	uc, err := s.UserContext(ctx, userID)
	if err != nil {
		return false, err
	}
	allowed := s.authz.Authorize(uc, permission)
	if !allowed {
		s.audit.LogContext(ctx, audit.Event{
			Action:   audit.ActionAuthorize,
			Result:   audit.ResultDenied,
			UserID:   userID,
			Resource: permission,
		})
	}
	return allowed, nil
}

// Check authorizes the user carried by ctx, as set by the middleware. A
// UserContext already on ctx is used as is.
func (s *Service) Check(ctx context.Context, permission string) (bool, error) {
	if uc := iam.UserContextFromContext(ctx); uc != nil {
		return s.authz.Authorize(uc, permission), nil
	}
	userID := iam.UserIDFromContext(ctx)
	if userID == "" {
		return false, iam.NewAuthError(iam.KindTokenInvalid, "auth.check", errors.New("no authenticated user in context"))
	}
	return s.Authorize(ctx, userID, permission)
}

// RefreshToken mints a new token from oldToken, drops the cached validation
// of oldToken and caches the new token's validation.
func (s *Service) RefreshToken(ctx context.Context, oldToken string) (*iam.Token, error) {
	const op = "auth.refresh_token"
	if oldToken == "" {
		return nil, iam.NewAuthError(iam.KindTokenInvalid, op, errors.New("empty token"))
	}

	oldKey := s.keys.tokenKey(oldToken)
	var roles []string
	if rec, ok := s.store.Get(ctx, oldKey); ok && rec.Validation != nil {
		roles = rec.Validation.Roles
	}

	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	tok, err := s.provider.RefreshToken(pctx, oldToken)
	cancel()
	if err != nil {
		err = typed(op, err)
		s.recordFailure(ctx, "refresh", audit.ActionTokenRefresh, "", err)
		return nil, err
	}

	// The new token is already minted; a failed invalidation only leaves the
	// old entry to expire by TTL.
	if err := s.store.Invalidate(ctx, oldKey); err != nil {
		s.logger.Warn("old token invalidation failed", "error", err)
	}
	if tok.Subject != "" && tok.AccessToken != "" {
		s.cacheMintedToken(ctx, tok.Subject, tok, roles)
	}

	s.metrics.RecordAuthSuccess("refresh")
	s.audit.LogContext(ctx, audit.Event{Action: audit.ActionTokenRefresh, Result: audit.ResultSuccess, UserID: tok.Subject})
	out := *tok
	return &out, nil
}

// ReloadRoles reloads the role catalog and drops every cached user context
// built from the previous one. Periodic refreshes through Authorizer().Run
// drop them the same way.
func (s *Service) ReloadRoles(ctx context.Context) error {
	if err := s.authz.Refresh(ctx); err != nil {
		s.audit.LogContext(ctx, audit.Event{Action: audit.ActionRolesReload, Result: audit.ResultFailure, Error: err.Error()})
		return err
	}
	s.audit.LogContext(ctx, audit.Event{
		Action:  audit.ActionRolesReload,
		Result:  audit.ResultSuccess,
		Details: fmt.Sprintf("version=%d", s.authz.Snapshot().Version),
	})
	return nil
}

// dropContexts invalidates every cached UserContext after a catalog swap.
func (s *Service) dropContexts(ctx context.Context, _ *authz.Snapshot) error {
	if err := s.store.InvalidateTag(ctx, tagContexts); err != nil {
		return iam.NewAuthError(iam.KindCache, "auth.reload_roles", err)
	}
	return nil
}

// roleIDs merges the provider's role ids for userID with local assignments.
// The provider list is cached under its own key.
func (s *Service) roleIDs(ctx context.Context, userID string) ([]string, error) {
	rec, err := s.store.GetOrPopulate(ctx, rolesKey(userID), func(ctx context.Context) (cache.Populated[Record], error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		ids, err := s.provider.FetchRoles(ctx, userID)
		if err != nil {
			return cache.Populated[Record]{}, err
		}
		if ids == nil {
			ids = []string{}
		}
		return cache.Populated[Record]{Value: Record{RoleIDs: ids}, Tags: []string{userTag(userID)}}, nil
	})
	if err != nil {
		return nil, err
	}

	local, err := s.repo.UserRoleIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("iam/auth: user roles: %w", err)
	}

	seen := make(map[string]struct{}, len(rec.RoleIDs)+len(local))
	merged := make([]string, 0, len(rec.RoleIDs)+len(local))
	for _, group := range [][]string{rec.RoleIDs, local} {
		for _, id := range group {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			merged = append(merged, id)
		}
	}
	return merged, nil
}

// cacheMintedToken stores the validation of a token the provider just issued,
// so the first ValidateToken for it needs no provider call. It returns the
// TTL used; ok is false when the token is already expired.
func (s *Service) cacheMintedToken(ctx context.Context, userID string, tok *iam.Token, roles []string) (time.Duration, bool) {
	tv := &iam.TokenValidation{
		Valid:     true,
		UserID:    userID,
		ExpiresAt: tok.ExpiresAt,
		Roles:     append([]string(nil), roles...),
	}
	ttl, ok := s.tokenTTL(tv)
	if !ok {
		return 0, false
	}
	s.store.SetWithTTL(ctx, s.keys.tokenKey(tok.AccessToken), Record{Validation: tv}, ttl, userTag(userID))
	return ttl, true
}

// tokenTTL returns min(ttl, remaining lifetime). ok is false when the token
// has already expired. A zero expiry means the provider did not report one.
func (s *Service) tokenTTL(tv *iam.TokenValidation) (time.Duration, bool) {
	remaining, known := tv.RemainingLifetime(s.clock.Now())
	if !known {
		return s.ttl, true
	}
	if remaining <= 0 {
		return 0, false
	}
	return min(s.ttl, remaining), true
}

func (s *Service) recordFailure(ctx context.Context, method, action, userID string, err error) {
	reason := "unknown"
	if k, ok := iam.KindOf(err); ok {
		reason = string(k)
	}
	s.metrics.RecordAuthFailure(method, reason)
	s.audit.LogContext(ctx, audit.Event{
		Action: action,
		Result: audit.ResultFailure,
		UserID: userID,
		Error:  reason,
	})
	if iam.IsRetryable(err) {
		s.logger.Warn("identity provider unavailable", "action", action, "error", err)
	}
}

// typed makes sure every error leaving the service is an *iam.AuthError.
// Caller cancellation and deadlines count as ProviderUnavailable.
func typed(op string, err error) error {
	var ae *iam.AuthError
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return iam.Unavailable(op, err)
	}
	var ve *iam.ValidationError
	if errors.As(err, &ve) {
		return err
	}
	return iam.Unavailable(op, err)
}

func cloneUser(u *iam.User) *iam.User {
	out := *u
	out.RoleIDs = append([]string(nil), u.RoleIDs...)
	if u.Token != nil {
		t := *u.Token
		out.Token = &t
	}
	return &out
}

func cloneValidation(v *iam.TokenValidation) *iam.TokenValidation {
	out := *v
	out.Roles = append([]string(nil), v.Roles...)
	return &out
}
