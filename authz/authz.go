// Package authz resolves a user's effective permissions and answers
// authorization questions against an in-memory snapshot of the role catalog.
//
// The snapshot is immutable once built. Refresh loads a new one from the
// RoleRepository and swaps it atomically, so readers never block and never
// observe a partial catalog.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	iam "github.com/chimerakang/iam-cache"
	"github.com/chimerakang/iam-cache/metrics"
)

// Snapshot is an immutable view of role definitions and their direct grants.
// It implements iam.RoleCatalog.
type Snapshot struct {
	roles    map[string]iam.Role
	grants   map[string][]iam.Permission
	Version  int
	LoadedAt time.Time
}

var _ iam.RoleCatalog = (*Snapshot)(nil)

// Role returns the role with id.
func (s *Snapshot) Role(id string) (iam.Role, bool) {
	r, ok := s.roles[id]
	return r, ok
}

// RolePermissions returns the permissions granted directly to roleID.
func (s *Snapshot) RolePermissions(roleID string) []iam.Permission {
	return s.grants[roleID]
}

// Len returns the number of roles in the snapshot.
func (s *Snapshot) Len() int { return len(s.roles) }

// Authorizer builds user contexts from the current role snapshot.
type Authorizer struct {
	repo     iam.RoleRepository
	snapshot atomic.Pointer[Snapshot]
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	onRefresh []RefreshHook
}

// RefreshHook runs after a new snapshot has been swapped in.
type RefreshHook func(ctx context.Context, next *Snapshot) error

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithLogger sets the logger for refresh failures.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authorizer) { a.logger = l }
}

// WithMetrics sets the metrics recorder for permission checks.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authorizer) { a.metrics = m }
}

// WithClock sets the time source used for snapshot timestamps and the
// refresh ticker.
func WithClock(c clock.Clock) Option {
	return func(a *Authorizer) { a.clock = c }
}

// New creates an Authorizer with an empty snapshot. Call Refresh before use.
func New(repo iam.RoleRepository, opts ...Option) *Authorizer {
	a := &Authorizer{
		repo:   repo,
		clock:  clock.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.snapshot.Store(&Snapshot{
		roles:    map[string]iam.Role{},
		grants:   map[string][]iam.Permission{},
		LoadedAt: a.clock.Now(),
	})
	return a
}

// Snapshot returns the current catalog snapshot.
func (a *Authorizer) Snapshot() *Snapshot {
	return a.snapshot.Load()
}

// Refresh reloads the catalog from the repository and swaps it in.
// On error the previous snapshot stays active.
func (a *Authorizer) Refresh(ctx context.Context) error {
	roles, err := a.repo.ListRoles(ctx)
	if err != nil {
		return fmt.Errorf("iam/authz: list roles: %w", err)
	}
	grants, err := a.repo.ListGrants(ctx)
	if err != nil {
		return fmt.Errorf("iam/authz: list grants: %w", err)
	}

	next := &Snapshot{
		roles:    make(map[string]iam.Role, len(roles)),
		grants:   make(map[string][]iam.Permission, len(grants)),
		Version:  a.snapshot.Load().Version + 1,
		LoadedAt: a.clock.Now(),
	}
	for _, r := range roles {
		next.roles[r.ID] = r
	}
	for roleID, perms := range grants {
		next.grants[roleID] = append([]iam.Permission(nil), perms...)
	}

	a.snapshot.Store(next)
	a.logger.Debug("role catalog refreshed", "version", next.Version, "roles", len(next.roles))

	a.mu.Lock()
	hooks := append([]RefreshHook(nil), a.onRefresh...)
	a.mu.Unlock()
	var errs []error
	for _, fn := range hooks {
		if err := fn(ctx, next); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("iam/authz: refresh hook: %w", err)
	}
	return nil
}

// OnRefresh registers fn to run after every successful Refresh, including
// those driven by Run. Hook errors are returned from Refresh; the new
// snapshot stays active either way.
func (a *Authorizer) OnRefresh(fn RefreshHook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onRefresh = append(a.onRefresh, fn)
}

// Run refreshes the snapshot every interval until ctx is done, running the
// OnRefresh hooks after each swap. Failures are logged.
func (a *Authorizer) Run(ctx context.Context, interval time.Duration) {
	ticker := a.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Refresh(ctx); err != nil {
				a.logger.Warn("role catalog refresh failed", "error", err)
			}
		}
	}
}

// BuildContext resolves roleIDs against the current snapshot.
func (a *Authorizer) BuildContext(userID string, roleIDs []string) *iam.UserContext {
	return iam.NewUserContext(userID, iam.Resolve(roleIDs, a.Snapshot()))
}

// Authorize reports whether uc holds permission. A nil context is denied.
func (a *Authorizer) Authorize(uc *iam.UserContext, permission string) bool {
	start := time.Now()
	allowed := uc.HasPermission(permission)
	a.metrics.RecordPermissionCheck(result(allowed), time.Since(start).Seconds())
	return allowed
}

// AuthorizeResource reports whether uc holds a permission on resourceType
// that includes scope.
func (a *Authorizer) AuthorizeResource(uc *iam.UserContext, resourceType, scope string) bool {
	start := time.Now()
	allowed := false
	if uc != nil {
		for _, p := range uc.Permissions {
			if p.ResourceType != resourceType {
				continue
			}
			for _, s := range p.Scopes {
				if s == scope {
					allowed = true
					break
				}
			}
			if allowed {
				break
			}
		}
	}
	a.metrics.RecordPermissionCheck(result(allowed), time.Since(start).Seconds())
	return allowed
}

// Permissions returns the sorted permission names held by uc.
func Permissions(uc *iam.UserContext) []string {
	if uc == nil {
		return []string{}
	}
	names := make([]string, 0, len(uc.PermissionNames))
	for name := range uc.PermissionNames {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func result(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
