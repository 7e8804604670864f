package membership

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/guardpost/pkg/audit"
	"github.com/platinummonkey/guardpost/pkg/auth"
	"github.com/platinummonkey/guardpost/pkg/database"
	"github.com/platinummonkey/guardpost/pkg/errs"
	"github.com/platinummonkey/guardpost/pkg/observability"
	"github.com/platinummonkey/guardpost/pkg/rbac"
)

// RoleResolver turns role references into tenant-valid slugs
type RoleResolver interface {
	ResolveRoles(ctx context.Context, q database.DBTX, tenantID int64, refs []rbac.RoleRef) ([]string, error)
}

// IdentityLookup loads identities inside a transaction
type IdentityLookup interface {
	GetByID(ctx context.Context, q database.DBTX, id int64) (*auth.Identity, error)
}

// TokenIssuer gives an invited membership a live invitation token
type TokenIssuer interface {
	EnsureInvitationToken(ctx context.Context, m *Membership) (bool, error)
}

// Service implements the membership mutations. Every mutation runs in one
// transaction with its audit entry and invalidates the tenant's role cache
// after commit.
type Service struct {
	db          *sql.DB
	store       *Store
	roles       RoleResolver
	identities  IdentityLookup
	tokens      TokenIssuer
	invalidator rbac.Invalidator
	audit       audit.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// ServiceDeps collects the collaborators of a Service
type ServiceDeps struct {
	DB          *sql.DB
	Store       *Store
	Roles       RoleResolver
	Identities  IdentityLookup
	Tokens      TokenIssuer
	Invalidator rbac.Invalidator
	Audit       audit.Logger
	Metrics     *observability.Metrics
	Now         func() time.Time
}

// NewService creates a membership service
func NewService(deps ServiceDeps) *Service {
	if deps.Audit == nil {
		deps.Audit = audit.NoOp()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Store != nil {
		deps.Store = deps.Store.WithClock(deps.Now)
	}
	return &Service{
		db:          deps.DB,
		store:       deps.Store,
		roles:       deps.Roles,
		identities:  deps.Identities,
		tokens:      deps.Tokens,
		invalidator: deps.Invalidator,
		audit:       deps.Audit,
		metrics:     deps.Metrics,
		now:         deps.Now,
	}
}

// AuditEntry records a membership's resulting identity, status and roles
func AuditEntry(m *Membership, action audit.Action, actorID *int64) *audit.Entry {
	entry := audit.NewEntry(audit.EntityMembership, m.ID, action, map[string]interface{}{
		"identity_id": m.IdentityID,
		"status":      string(m.Status),
		"roles":       m.Roles.Slice(),
	})
	if m.TenantID != 0 {
		tenantID := m.TenantID
		entry.TenantID = &tenantID
	}
	entry.ActorID = actorID
	return entry
}

func (s *Service) invalidate(ctx context.Context, tenantID int64) {
	if tenantID != 0 && s.invalidator != nil {
		s.invalidator.Invalidate(ctx, tenantID)
	}
}

func (s *Service) resolve(ctx context.Context, q database.DBTX, tenantID int64, roles interface{}) (RoleSet, error) {
	refs, err := ParseRoleRefs(roles)
	if err != nil {
		return nil, err
	}
	slugs, err := s.roles.ResolveRoles(ctx, q, tenantID, refs)
	if err != nil {
		return nil, err
	}
	return NewRoleSet(slugs...), nil
}

// Find returns the live membership of identityID in tenantID with its assignments
func (s *Service) Find(ctx context.Context, tenantID, identityID int64) (*Membership, error) {
	m, err := s.store.FindByTenantAndIdentity(ctx, s.db, tenantID, identityID, false)
	if err != nil {
		return nil, err
	}
	if err := s.store.LoadAssignments(ctx, s.db, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Create adds identityID to tenantID with roles. The status follows the
// transition rule from an active baseline.
func (s *Service) Create(ctx context.Context, tenantID, identityID int64, roles interface{}, actorID *int64) (m *Membership, err error) {
	defer func() { s.metrics.ObserveMembershipMutation("create", err) }()

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		set, err := s.resolve(ctx, tx, tenantID, roles)
		if err != nil {
			return err
		}

		_, err = s.store.FindByTenantAndIdentity(ctx, tx, tenantID, identityID, true)
		if err == nil {
			return errs.Conflictf("identity %d is already a member of tenant %d", identityID, tenantID)
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return err
		}

		m = &Membership{
			TenantID:          tenantID,
			IdentityID:        identityID,
			Roles:             set,
			Status:            SelectStatus(StatusActive, set),
			AssignedClients:   []int64{},
			AssignedPostSites: []int64{},
		}
		if err := s.store.Insert(ctx, tx, m); err != nil {
			return err
		}
		return audit.WithTx(s.audit, tx).Log(ctx, AuditEntry(m, audit.ActionCreate, actorID))
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, tenantID)
	return m, nil
}

// UpdateRolesInput describes a role mutation
type UpdateRolesInput struct {
	TenantID   int64
	IdentityID int64
	// Roles accepts slugs, custom role ids, {slug|id} objects, a scalar or a JSON string
	Roles             interface{}
	Mode              Mode
	AssignedClients   []int64
	AssignedPostSites []int64
	ActorID           *int64
}

// UpdateRoles is the central membership mutation. A missing membership is
// created first: invited with a token when the identity's email is
// unverified, otherwise active. Roles are combined according to Mode, the
// status is recomputed and resource assignments are merged. A membership
// still invited afterwards gets a fresh token if its old one lapsed.
func (s *Service) UpdateRoles(ctx context.Context, in UpdateRolesInput) (m *Membership, err error) {
	ctx, span := observability.Tracer().Start(ctx, "membership.UpdateRoles", trace.WithAttributes(
		attribute.Int64("tenant.id", in.TenantID),
		attribute.Int64("identity.id", in.IdentityID),
		attribute.String("mode", string(in.Mode)),
	))
	defer func() {
		s.metrics.ObserveMembershipMutation("update_roles", err)
		observability.EndSpan(span, err)
	}()

	if in.Mode == "" {
		in.Mode = ModeReplace
	}
	if _, err := ParseMode(string(in.Mode)); err != nil {
		return nil, err
	}

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		input, err := s.resolve(ctx, tx, in.TenantID, in.Roles)
		if err != nil {
			return err
		}

		action := audit.ActionUpdate
		m, err = s.store.FindByTenantAndIdentity(ctx, tx, in.TenantID, in.IdentityID, true)
		if errors.Is(err, errs.ErrNotFound) {
			m, err = s.createForUpdate(ctx, tx, in.TenantID, in.IdentityID)
			action = audit.ActionCreate
		}
		if err != nil {
			return err
		}

		m.Roles = ApplyMode(m.Roles, input, in.Mode)
		m.Status = SelectStatus(m.Status, m.Roles)
		if m.Status == StatusInvited {
			if _, err := s.tokens.EnsureInvitationToken(ctx, m); err != nil {
				return err
			}
		}
		if err := s.store.Update(ctx, tx, m); err != nil {
			return err
		}

		if err := s.store.MergeClients(ctx, tx, m, in.AssignedClients); err != nil {
			return err
		}
		if err := s.store.MergePostSites(ctx, tx, m, in.AssignedPostSites); err != nil {
			return err
		}

		return audit.WithTx(s.audit, tx).Log(ctx, AuditEntry(m, action, in.ActorID))
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, in.TenantID)
	return m, nil
}

func (s *Service) createForUpdate(ctx context.Context, q database.DBTX, tenantID, identityID int64) (*Membership, error) {
	identity, err := s.identities.GetByID(ctx, q, identityID)
	if err != nil {
		return nil, err
	}

	m := &Membership{TenantID: tenantID, IdentityID: identityID, Roles: RoleSet{}, Status: StatusActive}
	if !identity.EmailVerified {
		m.Status = StatusInvited
		if _, err := s.tokens.EnsureInvitationToken(ctx, m); err != nil {
			return nil, err
		}
	}
	if err := s.store.Insert(ctx, q, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Archive suspends a membership by soft-deleting it
func (s *Service) Archive(ctx context.Context, tenantID, identityID int64, actorID *int64) (m *Membership, err error) {
	defer func() { s.metrics.ObserveMembershipMutation("archive", err) }()

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		m, err = s.store.FindByTenantAndIdentity(ctx, tx, tenantID, identityID, true)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		m.Status = StatusArchived
		m.DeletedAt = &now
		m.ClearInvitation()
		if err := s.store.Update(ctx, tx, m); err != nil {
			return err
		}
		return audit.WithTx(s.audit, tx).Log(ctx, AuditEntry(m, audit.ActionArchive, actorID))
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, tenantID)
	return m, nil
}

// Restore reactivates the most recently archived membership. The status is
// recomputed from the identity's email verification: unverified identities
// are re-invited with a fresh token.
func (s *Service) Restore(ctx context.Context, tenantID, identityID int64, actorID *int64) (m *Membership, err error) {
	defer func() { s.metrics.ObserveMembershipMutation("restore", err) }()

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := s.store.FindByTenantAndIdentity(ctx, tx, tenantID, identityID, true)
		if err == nil {
			return errs.Conflictf("identity %d already has a live membership in tenant %d", identityID, tenantID)
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return err
		}

		m, err = s.store.FindArchived(ctx, tx, tenantID, identityID)
		if err != nil {
			return err
		}
		identity, err := s.identities.GetByID(ctx, tx, identityID)
		if err != nil {
			return err
		}

		m.DeletedAt = nil
		if identity.EmailVerified {
			m.Status = SelectStatus(StatusActive, m.Roles)
		} else {
			m.Status = StatusInvited
			if _, err := s.tokens.EnsureInvitationToken(ctx, m); err != nil {
				return err
			}
		}
		if err := s.store.Update(ctx, tx, m); err != nil {
			return err
		}
		return audit.WithTx(s.audit, tx).Log(ctx, AuditEntry(m, audit.ActionRestore, actorID))
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, tenantID)
	return m, nil
}

// Destroy hard-removes the live membership and its assignments
func (s *Service) Destroy(ctx context.Context, tenantID, identityID int64, actorID *int64) (err error) {
	defer func() { s.metrics.ObserveMembershipMutation("destroy", err) }()

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		m, err := s.store.FindByTenantAndIdentity(ctx, tx, tenantID, identityID, true)
		if err != nil {
			return err
		}
		if err := s.store.Delete(ctx, tx, m.ID); err != nil {
			return err
		}
		return audit.WithTx(s.audit, tx).Log(ctx, AuditEntry(m, audit.ActionDestroy, actorID))
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, tenantID)
	return nil
}

// ListForIdentity returns the identity's live memberships across tenants
func (s *Service) ListForIdentity(ctx context.Context, identityID int64) ([]*Membership, error) {
	return s.store.ListByIdentity(ctx, s.db, identityID)
}

// ListForTenant returns the tenant's live memberships
func (s *Service) ListForTenant(ctx context.Context, tenantID int64) ([]*Membership, error) {
	return s.store.ListByTenant(ctx, s.db, tenantID)
}

// ActiveRoles returns the role set of the identity's active membership
func (s *Service) ActiveRoles(ctx context.Context, tenantID, identityID int64) (RoleSet, error) {
	slugs, err := s.store.ActiveRoles(ctx, tenantID, identityID)
	if err != nil {
		return nil, err
	}
	return NewRoleSet(slugs...), nil
}
