package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/platinummonkey/guardpost/pkg/audit"
	"github.com/platinummonkey/guardpost/pkg/database"
	"github.com/platinummonkey/guardpost/pkg/errs"
)

// RoleService manages a tenant's custom roles and resolves role
// references for membership mutations.
type RoleService struct {
	db          *sql.DB
	store       *Store
	catalog     *Catalog
	invalidator Invalidator
	audit       audit.Logger
}

// NewRoleService creates a new role service
func NewRoleService(db *sql.DB, store *Store, catalog *Catalog, invalidator Invalidator, auditLogger audit.Logger) *RoleService {
	if auditLogger == nil {
		auditLogger = audit.NoOp()
	}
	return &RoleService{
		db:          db,
		store:       store,
		catalog:     catalog,
		invalidator: invalidator,
		audit:       auditLogger,
	}
}

// RoleInput is the writable part of a role
type RoleInput struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

func (s *RoleService) validate(in RoleInput) ([]string, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, errs.Validationf("role name is required")
	}
	seen := make(map[string]struct{}, len(in.Permissions))
	perms := make([]string, 0, len(in.Permissions))
	for _, p := range in.Permissions {
		if _, ok := s.catalog.Permission(p); !ok {
			return nil, errs.Validationf("unknown permission %q", p)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		perms = append(perms, p)
	}
	return perms, nil
}

func roleAuditEntry(role *Role, action audit.Action, actorID *int64) *audit.Entry {
	entry := audit.NewEntry(audit.EntityRole, role.ID, action, map[string]interface{}{
		"slug":        role.Slug,
		"name":        role.Name,
		"permissions": role.Permissions,
	})
	entry.TenantID = &role.TenantID
	entry.ActorID = actorID
	return entry
}

// CreateRole creates a custom role. The slug is derived from the name and
// may not shadow a system role.
func (s *RoleService) CreateRole(ctx context.Context, tenantID int64, in RoleInput, actorID *int64) (*Role, error) {
	perms, err := s.validate(in)
	if err != nil {
		return nil, err
	}
	slug := Slugify(in.Name)
	if slug == "" {
		return nil, errs.Validationf("role name %q has no URL-safe characters", in.Name)
	}
	if s.catalog.IsSystemRole(slug) {
		return nil, errs.Conflictf("role %q is reserved", slug)
	}

	role := &Role{TenantID: tenantID, Slug: slug, Name: strings.TrimSpace(in.Name), Permissions: perms}
	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.store.CreateRole(ctx, tx, role); err != nil {
			return err
		}
		return audit.WithTx(s.audit, tx).Log(ctx, roleAuditEntry(role, audit.ActionCreate, actorID))
	})
	if err != nil {
		return nil, err
	}

	s.invalidator.Invalidate(ctx, tenantID)
	return role, nil
}

// UpdateRole replaces a role's name and permissions
func (s *RoleService) UpdateRole(ctx context.Context, tenantID, roleID int64, in RoleInput, actorID *int64) (*Role, error) {
	perms, err := s.validate(in)
	if err != nil {
		return nil, err
	}

	var role *Role
	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		role, err = s.store.GetRole(ctx, tx, tenantID, roleID, true)
		if err != nil {
			return err
		}
		role.Name = strings.TrimSpace(in.Name)
		role.Permissions = perms
		if err := s.store.UpdateRole(ctx, tx, role); err != nil {
			return err
		}
		return audit.WithTx(s.audit, tx).Log(ctx, roleAuditEntry(role, audit.ActionUpdate, actorID))
	})
	if err != nil {
		return nil, err
	}

	s.invalidator.Invalidate(ctx, tenantID)
	return role, nil
}

// DeleteRole removes a custom role. It fails with errs.ErrConflict while
// any live membership references the role's slug.
func (s *RoleService) DeleteRole(ctx context.Context, tenantID, roleID int64, actorID *int64) error {
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		role, err := s.store.GetRole(ctx, tx, tenantID, roleID, true)
		if err != nil {
			return err
		}

		refs, err := s.store.CountMembershipsWithRole(ctx, tx, tenantID, role.Slug)
		if err != nil {
			return err
		}
		if refs > 0 {
			return errs.Conflictf("role %q is assigned to %d membership(s)", role.Slug, refs)
		}

		if err := s.store.DeleteRole(ctx, tx, tenantID, roleID); err != nil {
			return err
		}
		return audit.WithTx(s.audit, tx).Log(ctx, roleAuditEntry(role, audit.ActionDestroy, actorID))
	})
	if err != nil {
		return err
	}

	s.invalidator.Invalidate(ctx, tenantID)
	return nil
}

// GetRole returns one custom role
func (s *RoleService) GetRole(ctx context.Context, tenantID, roleID int64) (*Role, error) {
	return s.store.GetRole(ctx, s.db, tenantID, roleID, false)
}

// ListRoles returns the tenant's custom roles
func (s *RoleService) ListRoles(ctx context.Context, tenantID int64) ([]*Role, error) {
	return s.store.ListRoles(ctx, s.db, tenantID)
}

// ResolveRoles turns role references into de-duplicated slugs. Slugs must
// name a system role or one of the tenant's custom roles; ids must name a
// custom role of the tenant. Anything else is errs.ErrValidation.
// Custom roles stay share-locked until q's transaction ends, which holds
// off DeleteRole until the membership write referencing them commits.
func (s *RoleService) ResolveRoles(ctx context.Context, q database.DBTX, tenantID int64, refs []RoleRef) ([]string, error) {
	if len(refs) == 0 {
		return []string{}, nil
	}

	var custom []*Role
	loaded := false
	loadCustom := func() error {
		if loaded {
			return nil
		}
		roles, err := s.store.ShareRoles(ctx, q, tenantID)
		if err != nil {
			return err
		}
		custom, loaded = roles, true
		return nil
	}

	seen := make(map[string]struct{}, len(refs))
	slugs := make([]string, 0, len(refs))
	add := func(slug string) {
		if _, dup := seen[slug]; dup {
			return
		}
		seen[slug] = struct{}{}
		slugs = append(slugs, slug)
	}

	for _, ref := range refs {
		switch {
		case ref.Slug != "" && s.catalog.IsSystemRole(ref.Slug):
			add(ref.Slug)
		case ref.Slug != "":
			if err := loadCustom(); err != nil {
				return nil, err
			}
			if !containsSlug(custom, ref.Slug) {
				return nil, errs.Validationf("unknown role %q", ref.Slug)
			}
			add(ref.Slug)
		case ref.ID > 0:
			if err := loadCustom(); err != nil {
				return nil, err
			}
			slug, ok := slugForID(custom, ref.ID)
			if !ok {
				return nil, errs.Validationf("unknown role id %d", ref.ID)
			}
			add(slug)
		default:
			return nil, errs.Validationf("empty role reference")
		}
	}

	return slugs, nil
}

func containsSlug(roles []*Role, slug string) bool {
	for _, r := range roles {
		if r.Slug == slug {
			return true
		}
	}
	return false
}

func slugForID(roles []*Role, id int64) (string, bool) {
	for _, r := range roles {
		if r.ID == id {
			return r.Slug, true
		}
	}
	return "", false
}

// String implements fmt.Stringer for log fields
func (r RoleRef) String() string {
	if r.Slug != "" {
		return r.Slug
	}
	return fmt.Sprintf("#%d", r.ID)
}
