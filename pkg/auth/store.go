package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/guardpost/pkg/database"
	"github.com/platinummonkey/guardpost/pkg/errs"
)

// IdentityStore persists identities
type IdentityStore struct {
	db *sql.DB
}

// NewIdentityStore creates a new identity store
func NewIdentityStore(db *sql.DB) *IdentityStore {
	return &IdentityStore{db: db}
}

const identityColumns = `id, email, phone, email_verified, phone_verified, password_hash, created_at, updated_at`

func scanIdentity(row *sql.Row) (*Identity, error) {
	var identity Identity
	var phone sql.NullString
	err := row.Scan(
		&identity.ID, &identity.Email, &phone, &identity.EmailVerified,
		&identity.PhoneVerified, &identity.PasswordHash, &identity.CreatedAt, &identity.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if phone.Valid {
		identity.Phone = &phone.String
	}
	return &identity, nil
}

// NormalizeEmail trims and lowercases an email for comparison
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Create inserts an identity; a duplicate email is errs.ErrConflict
func (s *IdentityStore) Create(ctx context.Context, q database.DBTX, identity *Identity) error {
	query := `
		INSERT INTO identities (email, phone, email_verified, phone_verified, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	now := time.Now().UTC()
	err := q.QueryRowContext(ctx, query,
		strings.TrimSpace(identity.Email), identity.Phone, identity.EmailVerified,
		identity.PhoneVerified, identity.PasswordHash, now, now,
	).Scan(&identity.ID)
	if err != nil {
		if database.IsUniqueViolation(err, "") {
			return errs.Conflictf("identity %s already exists", identity.Email)
		}
		return fmt.Errorf("failed to create identity: %w", err)
	}
	identity.CreatedAt = now
	identity.UpdatedAt = now
	return nil
}

// GetByID retrieves an identity by ID
func (s *IdentityStore) GetByID(ctx context.Context, q database.DBTX, id int64) (*Identity, error) {
	identity, err := scanIdentity(q.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("identity %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	return identity, nil
}

// GetByEmail retrieves an identity by email, ignoring case
func (s *IdentityStore) GetByEmail(ctx context.Context, q database.DBTX, email string) (*Identity, error) {
	identity, err := scanIdentity(q.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE lower(email) = $1`, NormalizeEmail(email)))
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("identity")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	return identity, nil
}

// MarkEmailVerified flags the identity's email as verified
func (s *IdentityStore) MarkEmailVerified(ctx context.Context, q database.DBTX, id int64) error {
	result, err := q.ExecContext(ctx,
		`UPDATE identities SET email_verified = TRUE, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to verify email: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return errs.NotFoundf("identity %d", id)
	}
	return nil
}

// EmailVerified reports the identity's email verification flag
func (s *IdentityStore) EmailVerified(ctx context.Context, id int64) (bool, error) {
	var verified bool
	err := s.db.QueryRowContext(ctx, `SELECT email_verified FROM identities WHERE id = $1`, id).Scan(&verified)
	if err == sql.ErrNoRows {
		return false, errs.NotFoundf("identity %d", id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read email verification: %w", err)
	}
	return verified, nil
}
