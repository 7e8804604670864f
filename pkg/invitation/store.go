package invitation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/guardpost/pkg/database"
	"github.com/platinummonkey/guardpost/pkg/errs"
)

// Store persists tenant invitation records
type Store struct {
	db *sql.DB
}

// NewStore creates a new tenant invitation store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const tenantInvitationColumns = `id, tenant_id, email, roles, token, expires_at, created_at`

func scanTenantInvitation(row interface{ Scan(...interface{}) error }) (*TenantInvitation, error) {
	var inv TenantInvitation
	if err := row.Scan(&inv.ID, &inv.TenantID, &inv.Email, &inv.Roles, &inv.Token, &inv.ExpiresAt, &inv.CreatedAt); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Insert creates inv. A token collision is errs.ErrConflict.
func (s *Store) Insert(ctx context.Context, q database.DBTX, inv *TenantInvitation) error {
	query := `
		INSERT INTO tenant_invitations (tenant_id, email, roles, token, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := q.QueryRowContext(ctx, query,
		inv.TenantID, inv.Email, inv.Roles, inv.Token, inv.ExpiresAt, inv.CreatedAt,
	).Scan(&inv.ID)
	if err != nil {
		if database.IsUniqueViolation(err, "") {
			return errs.Conflictf("tenant invitation token collision")
		}
		return fmt.Errorf("failed to create tenant invitation: %w", err)
	}
	return nil
}

// FindByToken returns the unexpired invitation holding token, locked for update
func (s *Store) FindByToken(ctx context.Context, q database.DBTX, token string, now time.Time) (*TenantInvitation, error) {
	inv, err := scanTenantInvitation(q.QueryRowContext(ctx,
		`SELECT `+tenantInvitationColumns+` FROM tenant_invitations WHERE token = $1 AND expires_at > $2 FOR UPDATE`,
		token, now))
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("tenant invitation")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant invitation: %w", err)
	}
	return inv, nil
}

// ListByTenant returns the tenant's outstanding invitations, newest first
func (s *Store) ListByTenant(ctx context.Context, tenantID int64, now time.Time) ([]*TenantInvitation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tenantInvitationColumns+` FROM tenant_invitations WHERE tenant_id = $1 AND expires_at > $2 ORDER BY created_at DESC`,
		tenantID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant invitations: %w", err)
	}
	defer rows.Close()

	invitations := []*TenantInvitation{}
	for rows.Next() {
		inv, err := scanTenantInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant invitation: %w", err)
		}
		invitations = append(invitations, inv)
	}
	return invitations, rows.Err()
}

// Delete removes an invitation. tenantID zero skips the tenant check.
func (s *Store) Delete(ctx context.Context, q database.DBTX, tenantID, id int64) error {
	query := `DELETE FROM tenant_invitations WHERE id = $1`
	args := []interface{}{id}
	if tenantID != 0 {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete tenant invitation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return errs.NotFound("tenant invitation")
	}
	return nil
}

// DeleteExpired removes every invitation whose expiry has passed
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tenant_invitations WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep tenant invitations: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
