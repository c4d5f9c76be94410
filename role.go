package iam

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// MaxNameLength bounds role and permission names.
const MaxNameLength = 255

// Role is a named grant container. Composite roles aggregate their children.
type Role struct {
	ID          string
	Name        string
	Composite   bool
	ChildIDs    []string // only meaningful when Composite
	ClientRole  bool
	ContainerID string // realm or client owning the role
}

// Permission is a named capability, optionally scoped to a resource type.
type Permission struct {
	ID           string
	Name         string
	ResourceType string
	Scopes       []string
}

// NewRole validates and constructs a Role.
func NewRole(id, name string, composite bool, childIDs []string, clientRole bool, containerID string) (Role, error) {
	if err := validateName("role", "id", id); err != nil {
		return Role{}, err
	}
	if err := validateName("role", "name", name); err != nil {
		return Role{}, err
	}
	if !composite && len(childIDs) > 0 {
		return Role{}, &ValidationError{Entity: "role", Field: "child_ids", Reason: "children require a composite role"}
	}
	for _, c := range childIDs {
		if c == id {
			return Role{}, &ValidationError{Entity: "role", Field: "child_ids", Reason: "role cannot contain itself"}
		}
		if strings.TrimSpace(c) == "" {
			return Role{}, &ValidationError{Entity: "role", Field: "child_ids", Reason: "empty child id"}
		}
	}
	return Role{
		ID:          id,
		Name:        name,
		Composite:   composite,
		ChildIDs:    append([]string(nil), childIDs...),
		ClientRole:  clientRole,
		ContainerID: containerID,
	}, nil
}

// NewPermission validates and constructs a Permission.
func NewPermission(id, name, resourceType string, scopes []string) (Permission, error) {
	if err := validateName("permission", "id", id); err != nil {
		return Permission{}, err
	}
	if err := validateName("permission", "name", name); err != nil {
		return Permission{}, err
	}
	return Permission{
		ID:           id,
		Name:         name,
		ResourceType: resourceType,
		Scopes:       append([]string(nil), scopes...),
	}, nil
}

func validateName(entity, field, v string) error {
	if strings.TrimSpace(v) == "" {
		return &ValidationError{Entity: entity, Field: field, Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(v) > MaxNameLength {
		return &ValidationError{Entity: entity, Field: field, Reason: "exceeds maximum length"}
	}
	return nil
}

// RoleCatalog is a read-only view over role definitions and their direct grants.
type RoleCatalog interface {
	Role(id string) (Role, bool)
	RolePermissions(roleID string) []Permission
}

// Resolution is the flattened result of expanding a set of roles.
type Resolution struct {
	Roles       map[string]struct{}   // role names reached
	Permissions map[string]Permission // keyed by permission id
}

// Resolve expands direct role ids breadth-first over the composite relation.
// Each role is expanded at most once, so cycles terminate silently.
// Unknown role ids are skipped. A permission id reachable through several
// roles appears once with the union of its scopes. Distinct ids sharing a
// name stay separate.
func Resolve(direct []string, catalog RoleCatalog) Resolution {
	res := Resolution{
		Roles:       make(map[string]struct{}),
		Permissions: make(map[string]Permission),
	}
	visited := make(map[string]struct{}, len(direct))
	queue := append([]string(nil), direct...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}

		role, ok := catalog.Role(id)
		if !ok {
			continue
		}
		res.Roles[role.Name] = struct{}{}

		for _, p := range catalog.RolePermissions(id) {
			existing, ok := res.Permissions[p.ID]
			if !ok {
				p.Scopes = append([]string(nil), p.Scopes...)
				res.Permissions[p.ID] = p
				continue
			}
			res.Permissions[p.ID] = mergePermission(existing, p)
		}
		if role.Composite {
			queue = append(queue, role.ChildIDs...)
		}
	}
	return res
}

// ResolveEffectivePermissions returns the effective permission set reachable
// from the direct role ids.
func ResolveEffectivePermissions(direct []string, catalog RoleCatalog) map[string]Permission {
	return Resolve(direct, catalog).Permissions
}

func mergePermission(existing, grant Permission) Permission {
	seen := make(map[string]struct{}, len(existing.Scopes)+len(grant.Scopes))
	for _, s := range existing.Scopes {
		seen[s] = struct{}{}
	}
	for _, s := range grant.Scopes {
		if _, ok := seen[s]; !ok {
			existing.Scopes = append(existing.Scopes, s)
			seen[s] = struct{}{}
		}
	}
	sort.Strings(existing.Scopes)
	if existing.ResourceType == "" {
		existing.ResourceType = grant.ResourceType
	}
	return existing
}

// NewUserContext builds a UserContext from a resolution.
func NewUserContext(userID string, res Resolution) *UserContext {
	names := make(map[string]struct{}, len(res.Permissions))
	for _, p := range res.Permissions {
		names[p.Name] = struct{}{}
	}
	return &UserContext{
		UserID:          userID,
		Roles:           res.Roles,
		PermissionNames: names,
		Permissions:     res.Permissions,
	}
}
