package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/guardpost/pkg/database"
	"github.com/platinummonkey/guardpost/pkg/errs"
	"github.com/platinummonkey/guardpost/pkg/rbac"
)

// Store persists tenants
type Store struct {
	db *sql.DB
}

// NewStore creates a new tenant store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const tenantColumns = `id, name, slug, plan_tier, created_at, updated_at`

func scanTenant(row interface{ Scan(...interface{}) error }) (*Tenant, error) {
	t := &Tenant{}
	if err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.PlanTier, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return t, nil
}

// Create inserts t; a duplicate slug is errs.ErrConflict
func (s *Store) Create(ctx context.Context, q database.DBTX, t *Tenant) error {
	query := `
		INSERT INTO tenants (name, slug, plan_tier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	now := time.Now().UTC()
	if err := q.QueryRowContext(ctx, query, t.Name, t.Slug, string(t.PlanTier), now, now).Scan(&t.ID); err != nil {
		if database.IsUniqueViolation(err, "") {
			return errs.Conflictf("tenant %s already exists", t.Slug)
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

// Get retrieves a tenant by ID
func (s *Store) Get(ctx context.Context, id int64) (*Tenant, error) {
	t, err := scanTenant(s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("tenant %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

// GetBySlug retrieves a tenant by slug
func (s *Store) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	t, err := scanTenant(s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug))
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("tenant %s", slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

// ListForIdentity lists the tenants the identity holds a live membership in
func (s *Store) ListForIdentity(ctx context.Context, identityID int64) ([]*Tenant, error) {
	query := `
		SELECT t.id, t.name, t.slug, t.plan_tier, t.created_at, t.updated_at
		FROM tenants t
		JOIN memberships m ON m.tenant_id = t.id
		WHERE m.identity_id = $1 AND m.deleted_at IS NULL
		ORDER BY t.name
	`
	rows, err := s.db.QueryContext(ctx, query, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	tenants := []*Tenant{}
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// UpdatePlan changes the tenant's plan tier
func (s *Store) UpdatePlan(ctx context.Context, id int64, plan rbac.PlanTier) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET plan_tier = $1, updated_at = $2 WHERE id = $3`,
		string(plan), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return errs.NotFoundf("tenant %d", id)
	}
	return nil
}

// PlanTier returns the tenant's current plan
func (s *Store) PlanTier(ctx context.Context, tenantID int64) (rbac.PlanTier, error) {
	var plan string
	err := s.db.QueryRowContext(ctx, `SELECT plan_tier FROM tenants WHERE id = $1`, tenantID).Scan(&plan)
	if err == sql.ErrNoRows {
		return "", errs.NotFoundf("tenant %d", tenantID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read plan tier: %w", err)
	}
	return rbac.PlanTier(plan), nil
}
