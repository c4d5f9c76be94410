// Package repository stores role definitions, permission grants and local
// user→role assignments.
//
// MemoryRepository suits tests and single-process deployments; SQLRepository
// persists to Postgres.
package repository

import (
	"context"
	"sort"
	"sync"

	iam "github.com/chimerakang/iam-cache"
)

// MemoryRepository is an in-memory iam.RoleRepository.
type MemoryRepository struct {
	mu     sync.RWMutex
	roles  map[string]iam.Role
	grants map[string][]iam.Permission // role id → permissions
	users  map[string][]string         // user id → role ids
}

var _ iam.RoleRepository = (*MemoryRepository)(nil)

// NewMemory creates an empty repository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		roles:  make(map[string]iam.Role),
		grants: make(map[string][]iam.Permission),
		users:  make(map[string][]string),
	}
}

// PutRole inserts or replaces a role definition.
func (r *MemoryRepository) PutRole(role iam.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role.ID] = role
}

// Grant adds permissions to a role's direct grants.
func (r *MemoryRepository) Grant(roleID string, perms ...iam.Permission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants[roleID] = append(r.grants[roleID], perms...)
}

func (r *MemoryRepository) ListRoles(_ context.Context) ([]iam.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]iam.Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) ListGrants(_ context.Context) (map[string][]iam.Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]iam.Permission, len(r.grants))
	for id, perms := range r.grants {
		out[id] = append([]iam.Permission(nil), perms...)
	}
	return out, nil
}

func (r *MemoryRepository) UserRoleIDs(_ context.Context, userID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.users[userID]...), nil
}

func (r *MemoryRepository) AssignRoles(_ context.Context, userID string, roleIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(roleIDs) == 0 {
		delete(r.users, userID)
		return nil
	}
	r.users[userID] = dedupe(roleIDs)
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
