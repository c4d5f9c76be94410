package iam_test

import (
	"errors"
	"reflect"
	"sort"
	"strings"
	"testing"

	iam "github.com/chimerakang/iam-cache"
)

// mapCatalog is a simple in-memory RoleCatalog for testing.
type mapCatalog struct {
	roles  map[string]iam.Role
	grants map[string][]iam.Permission
}

func (c mapCatalog) Role(id string) (iam.Role, bool) {
	r, ok := c.roles[id]
	return r, ok
}

func (c mapCatalog) RolePermissions(id string) []iam.Permission { return c.grants[id] }

func perm(name string, scopes ...string) iam.Permission {
	return iam.Permission{ID: "p-" + name, Name: name, Scopes: scopes}
}

func permissionNames(perms map[string]iam.Permission) []string {
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

func TestResolve_CompositeExpansion(t *testing.T) {
	cat := mapCatalog{
		roles: map[string]iam.Role{
			"admin":  {ID: "admin", Name: "admin", Composite: true, ChildIDs: []string{"editor"}},
			"editor": {ID: "editor", Name: "editor", Composite: true, ChildIDs: []string{"viewer"}},
			"viewer": {ID: "viewer", Name: "viewer"},
		},
		grants: map[string][]iam.Permission{
			"admin":  {perm("admin:delete")},
			"editor": {perm("posts:write")},
			"viewer": {perm("posts:read")},
		},
	}

	res := iam.Resolve([]string{"admin"}, cat)

	got := permissionNames(res.Permissions)
	want := []string{"admin:delete", "posts:read", "posts:write"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("permissions = %v, want %v", got, want)
	}
	if len(res.Roles) != 3 {
		t.Errorf("roles = %v, want 3 roles", res.Roles)
	}
}

func TestResolve_NonCompositeChildrenIgnored(t *testing.T) {
	cat := mapCatalog{
		roles: map[string]iam.Role{
			"a": {ID: "a", Name: "a", ChildIDs: []string{"b"}}, // not composite
			"b": {ID: "b", Name: "b"},
		},
		grants: map[string][]iam.Permission{"b": {perm("b:read")}},
	}

	perms := iam.ResolveEffectivePermissions([]string{"a"}, cat)
	if len(perms) != 0 {
		t.Errorf("permissions = %v, want none", permissionNames(perms))
	}
}

func TestResolve_CycleTerminates(t *testing.T) {
	cat := mapCatalog{
		roles: map[string]iam.Role{
			"a": {ID: "a", Name: "a", Composite: true, ChildIDs: []string{"b"}},
			"b": {ID: "b", Name: "b", Composite: true, ChildIDs: []string{"a"}},
		},
		grants: map[string][]iam.Permission{
			"a": {perm("a:read")},
			"b": {perm("b:read")},
		},
	}

	for _, start := range [][]string{{"a"}, {"b"}, {"a", "b"}} {
		got := permissionNames(iam.ResolveEffectivePermissions(start, cat))
		want := []string{"a:read", "b:read"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Resolve(%v) = %v, want %v", start, got, want)
		}
	}
}

func TestResolve_SelfLoopAndUnknownRoles(t *testing.T) {
	cat := mapCatalog{
		roles: map[string]iam.Role{
			"loop": {ID: "loop", Name: "loop", Composite: true, ChildIDs: []string{"loop", "ghost"}},
		},
		grants: map[string][]iam.Permission{"loop": {perm("loop:run")}},
	}

	got := permissionNames(iam.ResolveEffectivePermissions([]string{"loop", "missing"}, cat))
	if !reflect.DeepEqual(got, []string{"loop:run"}) {
		t.Errorf("permissions = %v, want [loop:run]", got)
	}
}

func TestResolve_ScopesUnioned(t *testing.T) {
	cat := mapCatalog{
		roles: map[string]iam.Role{
			"r1": {ID: "r1", Name: "r1"},
			"r2": {ID: "r2", Name: "r2"},
		},
		grants: map[string][]iam.Permission{
			"r1": {perm("docs:access", "read", "list")},
			"r2": {perm("docs:access", "write", "read")},
		},
	}

	perms := iam.ResolveEffectivePermissions([]string{"r1", "r2"}, cat)
	if len(perms) != 1 {
		t.Fatalf("permissions = %v, want exactly one", permissionNames(perms))
	}
	want := []string{"list", "read", "write"}
	if got := perms["p-docs:access"].Scopes; !reflect.DeepEqual(got, want) {
		t.Errorf("scopes = %v, want %v", got, want)
	}
}

func TestResolve_DistinctIDsSharingANameStaySeparate(t *testing.T) {
	cat := mapCatalog{
		roles: map[string]iam.Role{
			"r1": {ID: "r1", Name: "r1"},
			"r2": {ID: "r2", Name: "r2"},
		},
		grants: map[string][]iam.Permission{
			"r1": {{ID: "p-docs-a", Name: "docs:access", ResourceType: "docs", Scopes: []string{"read"}}},
			"r2": {{ID: "p-docs-b", Name: "docs:access", ResourceType: "wiki", Scopes: []string{"write"}}},
		},
	}

	res := iam.Resolve([]string{"r1", "r2"}, cat)
	if len(res.Permissions) != 2 {
		t.Fatalf("permissions = %v, want two entries", res.Permissions)
	}
	if got := res.Permissions["p-docs-a"].Scopes; !reflect.DeepEqual(got, []string{"read"}) {
		t.Errorf("p-docs-a scopes = %v, want [read]", got)
	}
	if got := res.Permissions["p-docs-b"].Scopes; !reflect.DeepEqual(got, []string{"write"}) {
		t.Errorf("p-docs-b scopes = %v, want [write]", got)
	}

	uc := iam.NewUserContext("alice", res)
	if !uc.HasPermission("docs:access") {
		t.Error("HasPermission(docs:access) = false, want true")
	}
	if len(uc.PermissionNames) != 1 {
		t.Errorf("permission names = %v, want one", uc.PermissionNames)
	}
}

func TestUserContext_Predicates(t *testing.T) {
	cat := mapCatalog{
		roles: map[string]iam.Role{
			"root": {ID: "root", Name: iam.RoleSuperAdmin},
			"dev":  {ID: "dev", Name: "developer"},
		},
		grants: map[string][]iam.Permission{"dev": {perm("code:push")}},
	}

	uc := iam.NewUserContext("alice", iam.Resolve([]string{"root", "dev"}, cat))
	if !uc.IsAdmin() {
		t.Error("IsAdmin() = false, want true for super_admin")
	}
	if !uc.HasRole("developer") || uc.HasRole("viewer") {
		t.Error("HasRole() mismatch")
	}
	if !uc.HasPermission("code:push") || uc.HasPermission("code:delete") {
		t.Error("HasPermission() mismatch")
	}

	var nilCtx *iam.UserContext
	if nilCtx.IsAdmin() || nilCtx.HasPermission("x") {
		t.Error("nil UserContext should grant nothing")
	}
}

func TestNewRole_Validation(t *testing.T) {
	tests := []struct {
		name      string
		id, rname string
		composite bool
		children  []string
		field     string
	}{
		{"empty id", "", "admin", false, nil, "id"},
		{"blank name", "r1", "  ", false, nil, "name"},
		{"too long", "r1", strings.Repeat("x", iam.MaxNameLength+1), false, nil, "name"},
		{"children on plain role", "r1", "admin", false, []string{"r2"}, "child_ids"},
		{"self child", "r1", "admin", true, []string{"r1"}, "child_ids"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := iam.NewRole(tt.id, tt.rname, tt.composite, tt.children, false, "realm")
			var ve *iam.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("NewRole() error = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}

	r, err := iam.NewRole("r1", "admin", true, []string{"r2"}, true, "client-1")
	if err != nil {
		t.Fatalf("NewRole() error: %v", err)
	}
	if !r.Composite || !r.ClientRole || r.ContainerID != "client-1" {
		t.Errorf("NewRole() = %+v", r)
	}
}

func TestNewPermission_Validation(t *testing.T) {
	if _, err := iam.NewPermission("p1", "", "", nil); err == nil {
		t.Error("NewPermission() expected error for empty name")
	}
	p, err := iam.NewPermission("p1", "admin:delete", "document", []string{"delete"})
	if err != nil {
		t.Fatalf("NewPermission() error: %v", err)
	}
	if p.ResourceType != "document" || len(p.Scopes) != 1 {
		t.Errorf("NewPermission() = %+v", p)
	}
}
