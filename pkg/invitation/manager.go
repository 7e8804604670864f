package invitation

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/guardpost/pkg/audit"
	"github.com/platinummonkey/guardpost/pkg/auth"
	"github.com/platinummonkey/guardpost/pkg/database"
	"github.com/platinummonkey/guardpost/pkg/errs"
	"github.com/platinummonkey/guardpost/pkg/membership"
	"github.com/platinummonkey/guardpost/pkg/observability"
	"github.com/platinummonkey/guardpost/pkg/rbac"
)

const (
	// DefaultTTL is the lifetime of an identity-bound invitation token
	DefaultTTL = time.Hour
	// DefaultTenantInvitationTTL is the lifetime of a tenant invitation code
	DefaultTenantInvitationTTL = 7 * 24 * time.Hour

	tenantCodeDigits   = 8
	tenantCodeAttempts = 5
)

// IdentityStore is the identity access the manager needs
type IdentityStore interface {
	GetByID(ctx context.Context, q database.DBTX, id int64) (*auth.Identity, error)
	MarkEmailVerified(ctx context.Context, q database.DBTX, id int64) error
}

// Manager runs the invitation lifecycle: token issuance, accept, decline,
// and the standalone tenant invitation records.
type Manager struct {
	db          *sql.DB
	memberships *membership.Store
	invitations *Store
	identities  IdentityStore
	roles       membership.RoleResolver
	tokens      *auth.TokenGenerator
	invalidator rbac.Invalidator
	audit       audit.Logger
	metrics     *observability.Metrics
	now         func() time.Time
	ttl         time.Duration
	tenantTTL   time.Duration
}

// ManagerDeps collects the collaborators of a Manager
type ManagerDeps struct {
	DB                  *sql.DB
	Memberships         *membership.Store
	Invitations         *Store
	Identities          IdentityStore
	Roles               membership.RoleResolver
	Tokens              *auth.TokenGenerator
	Invalidator         rbac.Invalidator
	Audit               audit.Logger
	Metrics             *observability.Metrics
	Now                 func() time.Time
	TTL                 time.Duration
	TenantInvitationTTL time.Duration
}

// NewManager creates an invitation manager
func NewManager(deps ManagerDeps) *Manager {
	if deps.Tokens == nil {
		deps.Tokens = auth.NewTokenGenerator()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NoOp()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.TTL <= 0 {
		deps.TTL = DefaultTTL
	}
	if deps.TenantInvitationTTL <= 0 {
		deps.TenantInvitationTTL = DefaultTenantInvitationTTL
	}
	if deps.Memberships != nil {
		deps.Memberships = deps.Memberships.WithClock(deps.Now)
	}
	return &Manager{
		db:          deps.DB,
		memberships: deps.Memberships,
		invitations: deps.Invitations,
		identities:  deps.Identities,
		roles:       deps.Roles,
		tokens:      deps.Tokens,
		invalidator: deps.Invalidator,
		audit:       deps.Audit,
		metrics:     deps.Metrics,
		now:         deps.Now,
		ttl:         deps.TTL,
		tenantTTL:   deps.TenantInvitationTTL,
	}
}

func (m *Manager) invalidate(ctx context.Context, tenantID int64) {
	if tenantID != 0 && m.invalidator != nil {
		m.invalidator.Invalidate(ctx, tenantID)
	}
}

// EnsureInvitationToken gives an invited membership a live token. It
// reports whether a new token was minted; the caller persists m.
func (m *Manager) EnsureInvitationToken(ctx context.Context, mem *membership.Membership) (bool, error) {
	if mem.Status != membership.StatusInvited {
		return false, nil
	}
	now := m.now().UTC()
	if mem.HasLiveInvitation(now) {
		return false, nil
	}

	token, hash, err := m.tokens.GenerateToken()
	if err != nil {
		return false, err
	}
	expiresAt := now.Add(m.ttl)
	mem.InvitationTokenHash = &hash
	mem.InvitationTokenExpiresAt = &expiresAt
	mem.InvitationToken = token
	return true, nil
}

// FindByToken returns the membership holding an unexpired token
func (m *Manager) FindByToken(ctx context.Context, token string) (*membership.Membership, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errs.NotFound("invitation")
	}
	return m.memberships.FindByTokenHash(ctx, m.db, auth.HashToken(token), m.now().UTC(), false)
}

// Accept binds the invitation to identityID and activates it. When the
// identity already belongs to the tenant through another membership the
// two are merged onto that membership and the invited one is destroyed.
// The whole accept runs in one transaction; a second concurrent accept of
// the same token finds it cleared and fails with errs.ErrNotFound.
func (m *Manager) Accept(ctx context.Context, token string, identityID int64, opts AcceptOptions) (result *membership.Membership, err error) {
	ctx, span := observability.Tracer().Start(ctx, "invitation.Accept",
		trace.WithAttributes(attribute.Int64("identity.id", identityID)))
	defer func() {
		m.metrics.ObserveInvitation("accept", err)
		observability.EndSpan(span, err)
	}()

	if strings.TrimSpace(token) == "" {
		return nil, errs.NotFound("invitation")
	}

	err = database.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		bound, err := m.memberships.FindByTokenHash(ctx, tx, auth.HashToken(token), m.now().UTC(), true)
		if err != nil {
			return err
		}

		accepting, err := m.identities.GetByID(ctx, tx, identityID)
		if err != nil {
			return err
		}
		sameInvitee := bound.IdentityID == identityID
		if !sameInvitee {
			invited, err := m.identities.GetByID(ctx, tx, bound.IdentityID)
			if err != nil {
				return err
			}
			sameInvitee = auth.NormalizeEmail(invited.Email) == auth.NormalizeEmail(accepting.Email)
			if !sameInvitee && !opts.AllowEmailMismatch {
				return errs.Conflictf("invitation was sent to a different email address")
			}
		}

		result, err = m.bind(ctx, tx, bound, identityID)
		if err != nil {
			return err
		}

		if sameInvitee && !accepting.EmailVerified {
			if err := m.identities.MarkEmailVerified(ctx, tx, identityID); err != nil {
				return err
			}
		}

		return audit.WithTx(m.audit, tx).Log(ctx, membership.AuditEntry(result, audit.ActionAccept, &identityID))
	})
	if err != nil {
		return nil, err
	}

	m.invalidate(ctx, result.TenantID)
	return result, nil
}

// bind attaches the token-bound membership to identityID, merging into an
// existing membership of that identity in the same tenant
func (m *Manager) bind(ctx context.Context, tx *sql.Tx, bound *membership.Membership, identityID int64) (*membership.Membership, error) {
	if bound.IdentityID != identityID {
		existing, err := m.memberships.FindByTenantAndIdentity(ctx, tx, bound.TenantID, identityID, true)
		switch {
		case err == nil:
			return m.merge(ctx, tx, bound, existing)
		case !errors.Is(err, errs.ErrNotFound):
			return nil, err
		}
	}

	bound.IdentityID = identityID
	bound.ClearInvitation()
	bound.Status = membership.StatusActive
	if err := m.memberships.Update(ctx, tx, bound); err != nil {
		return nil, err
	}
	return bound, nil
}

func (m *Manager) merge(ctx context.Context, tx *sql.Tx, bound, existing *membership.Membership) (*membership.Membership, error) {
	if err := m.memberships.LoadAssignments(ctx, tx, bound); err != nil {
		return nil, err
	}
	if err := m.memberships.Delete(ctx, tx, bound.ID); err != nil {
		return nil, err
	}

	existing.Roles = existing.Roles.Union(bound.Roles)
	existing.ClearInvitation()
	existing.Status = membership.StatusActive
	if err := m.memberships.Update(ctx, tx, existing); err != nil {
		return nil, err
	}
	if err := m.memberships.MergeClients(ctx, tx, existing, bound.AssignedClients); err != nil {
		return nil, err
	}
	if err := m.memberships.MergePostSites(ctx, tx, existing, bound.AssignedPostSites); err != nil {
		return nil, err
	}
	return existing, nil
}

// Decline destroys the membership holding token
func (m *Manager) Decline(ctx context.Context, token string) (err error) {
	defer func() { m.metrics.ObserveInvitation("decline", err) }()

	if strings.TrimSpace(token) == "" {
		return errs.NotFound("invitation")
	}

	var tenantID int64
	err = database.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		bound, err := m.memberships.FindByTokenHash(ctx, tx, auth.HashToken(token), m.now().UTC(), true)
		if err != nil {
			return err
		}
		tenantID = bound.TenantID
		if err := m.memberships.Delete(ctx, tx, bound.ID); err != nil {
			return err
		}
		return audit.WithTx(m.audit, tx).Log(ctx, membership.AuditEntry(bound, audit.ActionDecline, nil))
	})
	if err != nil {
		return err
	}

	m.invalidate(ctx, tenantID)
	return nil
}
