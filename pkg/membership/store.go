package membership

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/guardpost/pkg/database"
	"github.com/platinummonkey/guardpost/pkg/errs"
)

// Store persists memberships and their resource assignments
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new membership store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock returns a copy of the store stamping rows with now
func (s *Store) WithClock(now func() time.Time) *Store {
	c := *s
	c.now = now
	return &c
}

const membershipColumns = `id, tenant_id, identity_id, status, roles, invitation_token_hash, invitation_token_expires_at, created_at, updated_at, deleted_at`

func scanMembership(row interface{ Scan(...interface{}) error }) (*Membership, error) {
	var m Membership
	var tenantID sql.NullInt64
	var status string
	var tokenHash sql.NullString
	var tokenExpiresAt, deletedAt sql.NullTime

	if err := row.Scan(
		&m.ID, &tenantID, &m.IdentityID, &status, &m.Roles,
		&tokenHash, &tokenExpiresAt, &m.CreatedAt, &m.UpdatedAt, &deletedAt,
	); err != nil {
		return nil, err
	}

	parsed, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	m.Status = parsed
	m.TenantID = tenantID.Int64
	if tokenHash.Valid {
		m.InvitationTokenHash = &tokenHash.String
	}
	if tokenExpiresAt.Valid {
		m.InvitationTokenExpiresAt = &tokenExpiresAt.Time
	}
	if deletedAt.Valid {
		m.DeletedAt = &deletedAt.Time
	}
	if m.Roles == nil {
		m.Roles = RoleSet{}
	}
	return &m, nil
}

func (s *Store) findOne(ctx context.Context, q database.DBTX, where string, forUpdate bool, args ...interface{}) (*Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE ` + where
	if forUpdate {
		query += ` FOR UPDATE`
	}
	m, err := scanMembership(q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("membership")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

// FindByTenantAndIdentity returns the live membership of identityID in tenantID
func (s *Store) FindByTenantAndIdentity(ctx context.Context, q database.DBTX, tenantID, identityID int64, forUpdate bool) (*Membership, error) {
	return s.findOne(ctx, q, `tenant_id = $1 AND identity_id = $2 AND deleted_at IS NULL`, forUpdate, tenantID, identityID)
}

// FindArchived returns the most recently archived membership for the pair
func (s *Store) FindArchived(ctx context.Context, q database.DBTX, tenantID, identityID int64) (*Membership, error) {
	return s.findOne(ctx, q,
		`tenant_id = $1 AND identity_id = $2 AND deleted_at IS NOT NULL ORDER BY deleted_at DESC LIMIT 1`,
		true, tenantID, identityID)
}

// FindByTokenHash returns the live membership holding an unexpired token
func (s *Store) FindByTokenHash(ctx context.Context, q database.DBTX, tokenHash string, now time.Time, forUpdate bool) (*Membership, error) {
	return s.findOne(ctx, q,
		`invitation_token_hash = $1 AND invitation_token_expires_at > $2 AND deleted_at IS NULL`,
		forUpdate, tokenHash, now)
}

// FindLegacy returns the oldest live membership of identityID with no tenant
func (s *Store) FindLegacy(ctx context.Context, q database.DBTX, identityID int64) (*Membership, error) {
	return s.findOne(ctx, q,
		`tenant_id IS NULL AND identity_id = $1 AND deleted_at IS NULL ORDER BY id LIMIT 1`,
		true, identityID)
}

func nullableTenant(tenantID int64) interface{} {
	if tenantID == 0 {
		return nil
	}
	return tenantID
}

// Insert creates m and sets its ID and timestamps. A second live
// membership for the same pair is errs.ErrConflict.
func (s *Store) Insert(ctx context.Context, q database.DBTX, m *Membership) error {
	query := `
		INSERT INTO memberships (tenant_id, identity_id, status, roles, invitation_token_hash, invitation_token_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	now := s.now().UTC()
	err := q.QueryRowContext(ctx, query,
		nullableTenant(m.TenantID), m.IdentityID, string(m.Status), m.Roles,
		m.InvitationTokenHash, m.InvitationTokenExpiresAt, now, now,
	).Scan(&m.ID)
	if err != nil {
		if database.IsUniqueViolation(err, "") {
			return errs.Conflictf("membership for identity %d in tenant %d already exists", m.IdentityID, m.TenantID)
		}
		return fmt.Errorf("failed to create membership: %w", err)
	}
	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

// Update saves every mutable column of m
func (s *Store) Update(ctx context.Context, q database.DBTX, m *Membership) error {
	query := `
		UPDATE memberships
		SET tenant_id = $1, identity_id = $2, status = $3, roles = $4,
			invitation_token_hash = $5, invitation_token_expires_at = $6,
			deleted_at = $7, updated_at = $8
		WHERE id = $9
	`
	now := s.now().UTC()
	result, err := q.ExecContext(ctx, query,
		nullableTenant(m.TenantID), m.IdentityID, string(m.Status), m.Roles,
		m.InvitationTokenHash, m.InvitationTokenExpiresAt, m.DeletedAt, now, m.ID,
	)
	if err != nil {
		if database.IsUniqueViolation(err, "") {
			return errs.Conflictf("membership for identity %d in tenant %d already exists", m.IdentityID, m.TenantID)
		}
		return fmt.Errorf("failed to update membership: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return errs.NotFound("membership")
	}
	m.UpdatedAt = now
	return nil
}

// Delete hard-removes a membership; assignments cascade
func (s *Store) Delete(ctx context.Context, q database.DBTX, id int64) error {
	result, err := q.ExecContext(ctx, `DELETE FROM memberships WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete membership: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return errs.NotFound("membership")
	}
	return nil
}

// ActiveRoles returns the roles of the identity's active membership in the
// tenant; any other status contributes no roles.
func (s *Store) ActiveRoles(ctx context.Context, tenantID, identityID int64) ([]string, error) {
	query := `
		SELECT roles FROM memberships
		WHERE tenant_id = $1 AND identity_id = $2 AND status = $3 AND deleted_at IS NULL
	`
	var roles RoleSet
	err := s.db.QueryRowContext(ctx, query, tenantID, identityID, string(StatusActive)).Scan(&roles)
	if err == sql.ErrNoRows {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read active roles: %w", err)
	}
	return roles.Slice(), nil
}

func (s *Store) list(ctx context.Context, q database.DBTX, where string, args ...interface{}) ([]*Membership, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	memberships := []*Membership{}
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memberships: %w", err)
	}
	return memberships, nil
}

// ListByIdentity returns the identity's live memberships that belong to a tenant
func (s *Store) ListByIdentity(ctx context.Context, q database.DBTX, identityID int64) ([]*Membership, error) {
	return s.list(ctx, q, `identity_id = $1 AND tenant_id IS NOT NULL AND deleted_at IS NULL ORDER BY tenant_id`, identityID)
}

// ListByTenant returns the tenant's live memberships
func (s *Store) ListByTenant(ctx context.Context, q database.DBTX, tenantID int64) ([]*Membership, error) {
	return s.list(ctx, q, `tenant_id = $1 AND deleted_at IS NULL ORDER BY id`, tenantID)
}

// CountExpiredInvitations counts live memberships whose token has lapsed
func (s *Store) CountExpiredInvitations(ctx context.Context, now time.Time) (int64, error) {
	query := `
		SELECT COUNT(*) FROM memberships
		WHERE status = $1 AND deleted_at IS NULL
			AND (invitation_token_expires_at IS NULL OR invitation_token_expires_at <= $2)
	`
	var count int64
	if err := s.db.QueryRowContext(ctx, query, string(StatusInvited), now).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count expired invitations: %w", err)
	}
	return count, nil
}

// assignment describes one membership-to-resource pivot table
type assignment struct {
	pivot    string
	column   string
	resource string
}

var (
	clientAssignment   = assignment{pivot: "membership_clients", column: "client_id", resource: "clients"}
	postSiteAssignment = assignment{pivot: "membership_post_sites", column: "post_site_id", resource: "post_sites"}
)

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// assignedIDs returns the resource ids currently linked to a membership
func (s *Store) assignedIDs(ctx context.Context, q database.DBTX, a assignment, membershipID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+a.column+` FROM `+a.pivot+` WHERE membership_id = $1 ORDER BY `+a.column, membershipID)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", a.pivot, err)
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", a.pivot, err)
	}
	return ids, nil
}

// tenantResourceIDs keeps the ids that exist and belong to the tenant
func (s *Store) tenantResourceIDs(ctx context.Context, q database.DBTX, a assignment, tenantID int64, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return []int64{}, nil
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id FROM `+a.resource+` WHERE tenant_id = $1 AND id = ANY($2) ORDER BY id`,
		tenantID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to validate %s: %w", a.resource, err)
	}
	valid, err := scanIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", a.resource, err)
	}
	return valid, nil
}

// insertAssignments bulk-inserts ids with one statement
func (s *Store) insertAssignments(ctx context.Context, q database.DBTX, a assignment, membershipID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := `INSERT INTO ` + a.pivot + ` (membership_id, ` + a.column + `)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING`
	if _, err := q.ExecContext(ctx, query, membershipID, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to insert %s: %w", a.pivot, err)
	}
	return nil
}

// mergeAssignments links the requested resources that belong to the tenant,
// inserting only ids not already linked. Existing links are never removed.
// It returns the full set of linked ids.
func (s *Store) mergeAssignments(ctx context.Context, q database.DBTX, a assignment, m *Membership, requested []int64) ([]int64, error) {
	current, err := s.assignedIDs(ctx, q, a, m.ID)
	if err != nil {
		return nil, err
	}
	if len(requested) == 0 {
		return current, nil
	}

	valid, err := s.tenantResourceIDs(ctx, q, a, m.TenantID, requested)
	if err != nil {
		return nil, err
	}
	delta := Delta(current, valid)
	if err := s.insertAssignments(ctx, q, a, m.ID, delta); err != nil {
		return nil, err
	}
	return MergeIDs(current, delta), nil
}

// MergeClients merges client assignments into m
func (s *Store) MergeClients(ctx context.Context, q database.DBTX, m *Membership, requested []int64) error {
	ids, err := s.mergeAssignments(ctx, q, clientAssignment, m, requested)
	if err != nil {
		return err
	}
	m.AssignedClients = ids
	return nil
}

// MergePostSites merges post site assignments into m
func (s *Store) MergePostSites(ctx context.Context, q database.DBTX, m *Membership, requested []int64) error {
	ids, err := s.mergeAssignments(ctx, q, postSiteAssignment, m, requested)
	if err != nil {
		return err
	}
	m.AssignedPostSites = ids
	return nil
}

// LoadAssignments fills m's assigned client and post site ids
func (s *Store) LoadAssignments(ctx context.Context, q database.DBTX, m *Membership) error {
	clients, err := s.assignedIDs(ctx, q, clientAssignment, m.ID)
	if err != nil {
		return err
	}
	postSites, err := s.assignedIDs(ctx, q, postSiteAssignment, m.ID)
	if err != nil {
		return err
	}
	m.AssignedClients = clients
	m.AssignedPostSites = postSites
	return nil
}
