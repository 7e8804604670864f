package invitation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/guardpost/pkg/audit"
	"github.com/platinummonkey/guardpost/pkg/auth"
	"github.com/platinummonkey/guardpost/pkg/database"
	"github.com/platinummonkey/guardpost/pkg/errs"
	"github.com/platinummonkey/guardpost/pkg/membership"
	"github.com/platinummonkey/guardpost/pkg/observability"
)

func tenantInvitationEntry(inv *TenantInvitation, action audit.Action, actorID *int64) *audit.Entry {
	entry := audit.NewEntry(audit.EntityTenantInvitation, inv.ID, action, map[string]interface{}{
		"email": inv.Email,
		"roles": inv.Roles.Slice(),
	})
	tenantID := inv.TenantID
	entry.TenantID = &tenantID
	entry.ActorID = actorID
	return entry
}

// CreateTenantInvitation issues a single-use numeric code inviting email to
// the tenant with roles. A code collision is retried with a fresh code.
func (m *Manager) CreateTenantInvitation(ctx context.Context, tenantID int64, email string, roles interface{}, actorID *int64) (inv *TenantInvitation, err error) {
	defer func() { m.metrics.ObserveInvitation("create_tenant", err) }()

	email = auth.NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, errs.Validationf("a valid email is required")
	}
	refs, err := membership.ParseRoleRefs(roles)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < tenantCodeAttempts; attempt++ {
		code, err := m.tokens.NumericCode(tenantCodeDigits)
		if err != nil {
			return nil, err
		}
		now := m.now().UTC()
		candidate := &TenantInvitation{
			TenantID:  tenantID,
			Email:     email,
			Token:     code,
			ExpiresAt: now.Add(m.tenantTTL),
			CreatedAt: now,
		}

		err = database.WithTx(ctx, m.db, func(tx *sql.Tx) error {
			slugs, err := m.roles.ResolveRoles(ctx, tx, tenantID, refs)
			if err != nil {
				return err
			}
			candidate.Roles = membership.NewRoleSet(slugs...)
			if err := m.invitations.Insert(ctx, tx, candidate); err != nil {
				return err
			}
			return audit.WithTx(m.audit, tx).Log(ctx, tenantInvitationEntry(candidate, audit.ActionCreate, actorID))
		})
		if errors.Is(err, errs.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return candidate, nil
	}
	return nil, fmt.Errorf("failed to allocate a tenant invitation code after %d attempts", tenantCodeAttempts)
}

// AcceptTenantInvitation consumes the code for identityID. It activates the
// identity's existing membership in the tenant, else adopts a legacy
// membership that has no tenant, else creates a new one. The record is
// deleted in the same transaction.
func (m *Manager) AcceptTenantInvitation(ctx context.Context, code string, identityID int64) (result *membership.Membership, err error) {
	ctx, span := observability.Tracer().Start(ctx, "invitation.AcceptTenantInvitation",
		trace.WithAttributes(attribute.Int64("identity.id", identityID)))
	defer func() {
		m.metrics.ObserveInvitation("accept_tenant", err)
		observability.EndSpan(span, err)
	}()

	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errs.NotFound("tenant invitation")
	}

	err = database.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		inv, err := m.invitations.FindByToken(ctx, tx, code, m.now().UTC())
		if err != nil {
			return err
		}

		result, err = m.adopt(ctx, tx, inv, identityID)
		if err != nil {
			return err
		}

		if err := m.invitations.Delete(ctx, tx, 0, inv.ID); err != nil {
			return err
		}
		auditor := audit.WithTx(m.audit, tx)
		if err := auditor.Log(ctx, tenantInvitationEntry(inv, audit.ActionAccept, &identityID)); err != nil {
			return err
		}
		return auditor.Log(ctx, membership.AuditEntry(result, audit.ActionAccept, &identityID))
	})
	if err != nil {
		return nil, err
	}

	m.invalidate(ctx, result.TenantID)
	return result, nil
}

func (m *Manager) adopt(ctx context.Context, tx *sql.Tx, inv *TenantInvitation, identityID int64) (*membership.Membership, error) {
	activate := func(mem *membership.Membership) {
		mem.Roles = mem.Roles.Union(inv.Roles)
		mem.ClearInvitation()
		mem.Status = membership.SelectStatus(membership.StatusActive, mem.Roles)
	}

	existing, err := m.memberships.FindByTenantAndIdentity(ctx, tx, inv.TenantID, identityID, true)
	if err == nil {
		activate(existing)
		return existing, m.memberships.Update(ctx, tx, existing)
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	legacy, err := m.memberships.FindLegacy(ctx, tx, identityID)
	if err == nil {
		legacy.TenantID = inv.TenantID
		activate(legacy)
		return legacy, m.memberships.Update(ctx, tx, legacy)
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	created := &membership.Membership{TenantID: inv.TenantID, IdentityID: identityID, Roles: membership.RoleSet{}}
	activate(created)
	if err := m.memberships.Insert(ctx, tx, created); err != nil {
		return nil, err
	}
	return created, nil
}

// ListTenantInvitations returns the tenant's outstanding invitations
func (m *Manager) ListTenantInvitations(ctx context.Context, tenantID int64) ([]*TenantInvitation, error) {
	return m.invitations.ListByTenant(ctx, tenantID, m.now().UTC())
}

// RevokeTenantInvitation deletes an outstanding invitation of the tenant
func (m *Manager) RevokeTenantInvitation(ctx context.Context, tenantID, invitationID int64, actorID *int64) (err error) {
	defer func() { m.metrics.ObserveInvitation("revoke_tenant", err) }()

	return database.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		if err := m.invitations.Delete(ctx, tx, tenantID, invitationID); err != nil {
			return err
		}
		entry := audit.NewEntry(audit.EntityTenantInvitation, invitationID, audit.ActionDestroy, nil)
		entry.TenantID = &tenantID
		entry.ActorID = actorID
		return audit.WithTx(m.audit, tx).Log(ctx, entry)
	})
}

// SweepExpired deletes tenant invitations whose expiry has passed
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	n, err := m.invitations.DeleteExpired(ctx, m.now().UTC())
	if err != nil {
		return 0, err
	}
	m.metrics.AddInvitationsSwept(n)
	return n, nil
}

