package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/guardpost/pkg/database"
	"github.com/platinummonkey/guardpost/pkg/errs"
)

// Store handles custom role persistence. Methods taking a database.DBTX
// run on whatever handle the caller passes, so they compose into a
// caller-owned transaction.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new role store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock returns a copy of the store stamping rows with now
func (s *Store) WithClock(now func() time.Time) *Store {
	c := *s
	c.now = now
	return &c
}

const roleColumns = `id, tenant_id, slug, name, permissions, created_at, updated_at`

func scanRole(row interface{ Scan(...interface{}) error }) (*Role, error) {
	var role Role
	var permissionsJSON []byte
	if err := row.Scan(
		&role.ID, &role.TenantID, &role.Slug, &role.Name,
		&permissionsJSON, &role.CreatedAt, &role.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(permissionsJSON, &role.Permissions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
	}
	return &role, nil
}

// CreateRole inserts role and sets its ID and timestamps
func (s *Store) CreateRole(ctx context.Context, q database.DBTX, role *Role) error {
	permissionsJSON, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	query := `
		INSERT INTO roles (tenant_id, slug, name, permissions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	now := s.now().UTC()
	err = q.QueryRowContext(ctx, query,
		role.TenantID, role.Slug, role.Name, permissionsJSON, now, now,
	).Scan(&role.ID)
	if err != nil {
		if database.IsUniqueViolation(err, "") {
			return errs.Conflictf("role %q already exists", role.Slug)
		}
		return fmt.Errorf("failed to create role: %w", err)
	}

	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// GetRole retrieves a tenant's role by ID; forUpdate locks the row
func (s *Store) GetRole(ctx context.Context, q database.DBTX, tenantID, roleID int64, forUpdate bool) (*Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE tenant_id = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	role, err := scanRole(q.QueryRowContext(ctx, query, tenantID, roleID))
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("role %d", roleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// ListRoles returns a tenant's custom roles ordered by slug
func (s *Store) ListRoles(ctx context.Context, q database.DBTX, tenantID int64) ([]*Role, error) {
	return s.listRoles(ctx, q, tenantID, "")
}

// ShareRoles is ListRoles taking a FOR SHARE lock on each row until q's
// transaction ends
func (s *Store) ShareRoles(ctx context.Context, q database.DBTX, tenantID int64) ([]*Role, error) {
	return s.listRoles(ctx, q, tenantID, " FOR SHARE")
}

func (s *Store) listRoles(ctx context.Context, q database.DBTX, tenantID int64, lock string) ([]*Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE tenant_id = $1 ORDER BY slug` + lock
	rows, err := q.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate roles: %w", err)
	}
	return roles, nil
}

// UpdateRole saves name and permissions. The slug never changes once
// created because memberships reference it.
func (s *Store) UpdateRole(ctx context.Context, q database.DBTX, role *Role) error {
	permissionsJSON, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	now := s.now().UTC()
	result, err := q.ExecContext(ctx,
		`UPDATE roles SET name = $1, permissions = $2, updated_at = $3 WHERE tenant_id = $4 AND id = $5`,
		role.Name, permissionsJSON, now, role.TenantID, role.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return errs.NotFoundf("role %d", role.ID)
	}

	role.UpdatedAt = now
	return nil
}

// DeleteRole removes a role row
func (s *Store) DeleteRole(ctx context.Context, q database.DBTX, tenantID, roleID int64) error {
	result, err := q.ExecContext(ctx, `DELETE FROM roles WHERE tenant_id = $1 AND id = $2`, tenantID, roleID)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return errs.NotFoundf("role %d", roleID)
	}
	return nil
}

// CountMembershipsWithRole counts live memberships whose role set contains slug
func (s *Store) CountMembershipsWithRole(ctx context.Context, q database.DBTX, tenantID int64, slug string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM memberships
		WHERE tenant_id = $1 AND deleted_at IS NULL AND roles @> jsonb_build_array($2::text)
	`
	var count int
	if err := q.QueryRowContext(ctx, query, tenantID, slug).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count role references: %w", err)
	}
	return count, nil
}

// LoadRolePermissions builds the slug to permission map for a tenant.
// It implements RoleLoader for the cache.
func (s *Store) LoadRolePermissions(ctx context.Context, tenantID int64) (RolePermissions, error) {
	roles, err := s.ListRoles(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	perms := make(RolePermissions, len(roles))
	for _, role := range roles {
		perms[role.Slug] = role.Permissions
	}
	return perms, nil
}

// TenantsWithRoles lists up to limit tenant ids that define custom roles,
// lowest id first
func (s *Store) TenantsWithRoles(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT tenant_id FROM roles ORDER BY tenant_id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants with roles: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
