package tenant

import (
	"context"
	"database/sql"
	"strings"

	"github.com/platinummonkey/guardpost/pkg/audit"
	"github.com/platinummonkey/guardpost/pkg/database"
	"github.com/platinummonkey/guardpost/pkg/errs"
	"github.com/platinummonkey/guardpost/pkg/membership"
	"github.com/platinummonkey/guardpost/pkg/rbac"
)

// OwnerRole is granted to the identity that creates a tenant
const OwnerRole = "admin"

// Service creates tenants and manages their plan
type Service struct {
	db          *sql.DB
	store       *Store
	memberships *membership.Store
	catalog     *rbac.Catalog
	audit       audit.Logger
}

// NewService creates a tenant service
func NewService(db *sql.DB, store *Store, memberships *membership.Store, catalog *rbac.Catalog, auditLogger audit.Logger) *Service {
	if auditLogger == nil {
		auditLogger = audit.NoOp()
	}
	return &Service{db: db, store: store, memberships: memberships, catalog: catalog, audit: auditLogger}
}

// CreateInput describes a new tenant
type CreateInput struct {
	Name     string        `json:"name"`
	Slug     string        `json:"slug"`
	PlanTier rbac.PlanTier `json:"plan_tier"`
}

// Create inserts the tenant and makes ownerID an active admin member of it
func (s *Service) Create(ctx context.Context, in CreateInput, ownerID int64) (*Tenant, *membership.Membership, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, nil, errs.Validationf("tenant name is required")
	}
	slug := rbac.Slugify(in.Slug)
	if slug == "" {
		slug = rbac.Slugify(name)
	}
	if slug == "" {
		return nil, nil, errs.Validationf("tenant name %q has no usable slug", name)
	}
	plan := in.PlanTier
	if plan == "" {
		plan = rbac.PlanFree
	}
	if !s.catalog.IsPlan(plan) {
		return nil, nil, errs.Validationf("unknown plan tier %q", plan)
	}

	t := &Tenant{Name: name, Slug: slug, PlanTier: plan}
	var owner *membership.Membership
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.store.Create(ctx, tx, t); err != nil {
			return err
		}
		roles := membership.NewRoleSet(OwnerRole)
		owner = &membership.Membership{
			TenantID:   t.ID,
			IdentityID: ownerID,
			Roles:      roles,
			Status:     membership.SelectStatus(membership.StatusActive, roles),
		}
		if err := s.memberships.Insert(ctx, tx, owner); err != nil {
			return err
		}
		return audit.WithTx(s.audit, tx).Log(ctx, membership.AuditEntry(owner, audit.ActionCreate, &ownerID))
	})
	if err != nil {
		return nil, nil, err
	}
	return t, owner, nil
}

// Get returns a tenant
func (s *Service) Get(ctx context.Context, id int64) (*Tenant, error) {
	return s.store.Get(ctx, id)
}

// ListForIdentity returns the tenants the identity belongs to
func (s *Service) ListForIdentity(ctx context.Context, identityID int64) ([]*Tenant, error) {
	return s.store.ListForIdentity(ctx, identityID)
}

// ChangePlan moves the tenant to another plan tier
func (s *Service) ChangePlan(ctx context.Context, id int64, plan rbac.PlanTier) (*Tenant, error) {
	if !s.catalog.IsPlan(plan) {
		return nil, errs.Validationf("unknown plan tier %q", plan)
	}
	if err := s.store.UpdatePlan(ctx, id, plan); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}
