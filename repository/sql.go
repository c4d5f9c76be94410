package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	iam "github.com/chimerakang/iam-cache"
)

// SQLRepository is a Postgres-backed iam.RoleRepository.
type SQLRepository struct {
	db *sql.DB
}

var _ iam.RoleRepository = (*SQLRepository)(nil)

// Open connects to Postgres at dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("iam/repository: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("iam/repository: ping: %w", err)
	}
	return db, nil
}

// NewSQL wraps an open database handle.
func NewSQL(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS iam_roles (
		id           TEXT PRIMARY KEY,
		name         VARCHAR(255) NOT NULL,
		composite    BOOLEAN NOT NULL DEFAULT FALSE,
		client_role  BOOLEAN NOT NULL DEFAULT FALSE,
		container_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS iam_role_composites (
		parent_id TEXT NOT NULL REFERENCES iam_roles(id) ON DELETE CASCADE,
		child_id  TEXT NOT NULL,
		PRIMARY KEY (parent_id, child_id),
		CHECK (parent_id <> child_id)
	)`,
	`CREATE TABLE IF NOT EXISTS iam_permissions (
		id            TEXT PRIMARY KEY,
		name          VARCHAR(255) NOT NULL,
		resource_type TEXT NOT NULL DEFAULT '',
		scopes        TEXT[] NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS iam_role_permissions (
		role_id       TEXT NOT NULL REFERENCES iam_roles(id) ON DELETE CASCADE,
		permission_id TEXT NOT NULL REFERENCES iam_permissions(id) ON DELETE CASCADE,
		PRIMARY KEY (role_id, permission_id)
	)`,
	`CREATE TABLE IF NOT EXISTS iam_user_roles (
		user_id TEXT NOT NULL,
		role_id TEXT NOT NULL,
		PRIMARY KEY (user_id, role_id)
	)`,
}

// Migrate creates the tables if they do not exist.
func (r *SQLRepository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("iam/repository: migrate: %w", err)
		}
	}
	return nil
}

func (r *SQLRepository) ListRoles(ctx context.Context) ([]iam.Role, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, composite, client_role, container_id FROM iam_roles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("iam/repository: list roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var roles []iam.Role
	index := make(map[string]int)
	for rows.Next() {
		var role iam.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Composite, &role.ClientRole, &role.ContainerID); err != nil {
			return nil, fmt.Errorf("iam/repository: scan role: %w", err)
		}
		index[role.ID] = len(roles)
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iam/repository: list roles: %w", err)
	}

	crows, err := r.db.QueryContext(ctx,
		`SELECT parent_id, child_id FROM iam_role_composites ORDER BY parent_id, child_id`)
	if err != nil {
		return nil, fmt.Errorf("iam/repository: list composites: %w", err)
	}
	defer func() { _ = crows.Close() }()

	for crows.Next() {
		var parent, child string
		if err := crows.Scan(&parent, &child); err != nil {
			return nil, fmt.Errorf("iam/repository: scan composite: %w", err)
		}
		if i, ok := index[parent]; ok {
			roles[i].ChildIDs = append(roles[i].ChildIDs, child)
		}
	}
	if err := crows.Err(); err != nil {
		return nil, fmt.Errorf("iam/repository: list composites: %w", err)
	}
	return roles, nil
}

func (r *SQLRepository) ListGrants(ctx context.Context) (map[string][]iam.Permission, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT rp.role_id, p.id, p.name, p.resource_type, p.scopes
		FROM iam_role_permissions rp
		JOIN iam_permissions p ON p.id = rp.permission_id
		ORDER BY rp.role_id, p.id`)
	if err != nil {
		return nil, fmt.Errorf("iam/repository: list grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	grants := make(map[string][]iam.Permission)
	for rows.Next() {
		var (
			roleID string
			p      iam.Permission
		)
		if err := rows.Scan(&roleID, &p.ID, &p.Name, &p.ResourceType, pq.Array(&p.Scopes)); err != nil {
			return nil, fmt.Errorf("iam/repository: scan grant: %w", err)
		}
		grants[roleID] = append(grants[roleID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iam/repository: list grants: %w", err)
	}
	return grants, nil
}

func (r *SQLRepository) UserRoleIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT role_id FROM iam_user_roles WHERE user_id = $1 ORDER BY role_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("iam/repository: user roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("iam/repository: scan user role: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iam/repository: user roles: %w", err)
	}
	return ids, nil
}

// AssignRoles replaces the user's assignment in one transaction.
func (r *SQLRepository) AssignRoles(ctx context.Context, userID string, roleIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("iam/repository: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM iam_user_roles WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("iam/repository: clear user roles: %w", err)
	}
	if ids := dedupe(roleIDs); len(ids) > 0 {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO iam_user_roles (user_id, role_id) SELECT $1, unnest($2::text[])`,
			userID, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("iam/repository: insert user roles: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("iam/repository: commit: %w", err)
	}
	return nil
}

// SaveRole upserts a role and replaces its composite children.
func (r *SQLRepository) SaveRole(ctx context.Context, role iam.Role) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("iam/repository: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO iam_roles (id, name, composite, client_role, container_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			composite = EXCLUDED.composite,
			client_role = EXCLUDED.client_role,
			container_id = EXCLUDED.container_id`,
		role.ID, role.Name, role.Composite, role.ClientRole, role.ContainerID)
	if err != nil {
		return fmt.Errorf("iam/repository: upsert role: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM iam_role_composites WHERE parent_id = $1`, role.ID); err != nil {
		return fmt.Errorf("iam/repository: clear composites: %w", err)
	}
	if role.Composite && len(role.ChildIDs) > 0 {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO iam_role_composites (parent_id, child_id) SELECT $1, unnest($2::text[])`,
			role.ID, pq.Array(role.ChildIDs))
		if err != nil {
			return fmt.Errorf("iam/repository: insert composites: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("iam/repository: commit: %w", err)
	}
	return nil
}

// GrantPermission upserts p and grants it to roleID.
func (r *SQLRepository) GrantPermission(ctx context.Context, roleID string, p iam.Permission) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("iam/repository: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO iam_permissions (id, name, resource_type, scopes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			resource_type = EXCLUDED.resource_type,
			scopes = EXCLUDED.scopes`,
		p.ID, p.Name, p.ResourceType, pq.Array(p.Scopes))
	if err != nil {
		return fmt.Errorf("iam/repository: upsert permission: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO iam_role_permissions (role_id, permission_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, roleID, p.ID)
	if err != nil {
		return fmt.Errorf("iam/repository: grant permission: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("iam/repository: commit: %w", err)
	}
	return nil
}
