package rbac

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/guardpost/pkg/httputil"
	"github.com/platinummonkey/guardpost/pkg/middleware"
)

// Permission IDs guarding the role endpoints
const (
	PermRolesRead  = "roles.read"
	PermRolesWrite = "roles.write"
)

// RoleAdministrator is the subset of RoleService the handlers use
type RoleAdministrator interface {
	CreateRole(ctx context.Context, tenantID int64, in RoleInput, actorID *int64) (*Role, error)
	UpdateRole(ctx context.Context, tenantID, roleID int64, in RoleInput, actorID *int64) (*Role, error)
	DeleteRole(ctx context.Context, tenantID, roleID int64, actorID *int64) error
	GetRole(ctx context.Context, tenantID, roleID int64) (*Role, error)
	ListRoles(ctx context.Context, tenantID int64) ([]*Role, error)
}

// Handlers provides HTTP handlers for roles and permission checks
type Handlers struct {
	roles       RoleAdministrator
	catalog     *Catalog
	authorizer  Authorizer
	permissions *PermissionMiddleware
}

// NewHandlers creates new RBAC handlers
func NewHandlers(roles RoleAdministrator, catalog *Catalog, authorizer Authorizer) *Handlers {
	return &Handlers{
		roles:       roles,
		catalog:     catalog,
		authorizer:  authorizer,
		permissions: NewPermissionMiddleware(authorizer),
	}
}

// RegisterRoutes registers the catalog route on api and the role routes on
// tenant, a subrouter scoped by middleware.TenantMiddleware
func (h *Handlers) RegisterRoutes(api, tenant *mux.Router) {
	api.HandleFunc("/permissions", h.ListPermissions).Methods(http.MethodGet)

	tenant.Handle("/roles", h.permissions.Protect(PermRolesRead, h.ListRoles)).Methods(http.MethodGet)
	tenant.Handle("/roles", h.permissions.Protect(PermRolesWrite, h.CreateRole)).Methods(http.MethodPost)
	tenant.Handle("/roles/{roleID}", h.permissions.Protect(PermRolesRead, h.GetRole)).Methods(http.MethodGet)
	tenant.Handle("/roles/{roleID}", h.permissions.Protect(PermRolesWrite, h.UpdateRole)).Methods(http.MethodPut)
	tenant.Handle("/roles/{roleID}", h.permissions.Protect(PermRolesWrite, h.DeleteRole)).Methods(http.MethodDelete)

	tenant.HandleFunc("/permissions/check", h.CheckPermission).Methods(http.MethodPost)
}

// PermissionView is the public shape of a catalog permission
type PermissionView struct {
	ID           string     `json:"id"`
	AllowedRoles []string   `json:"allowed_roles"`
	AllowedPlans []PlanTier `json:"allowed_plans"`
}

// ListPermissions returns the permission catalog
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms := h.catalog.Permissions()
	views := make([]PermissionView, 0, len(perms))
	for _, p := range perms {
		views = append(views, PermissionView{ID: p.ID, AllowedRoles: p.AllowedRoles, AllowedPlans: p.AllowedPlans})
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"permissions":  views,
		"system_roles": h.catalog.SystemRoles(),
	})
}

// ListRoles lists the tenant's custom roles
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantID(r)
	roles, err := h.roles.ListRoles(r.Context(), tenantID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"roles": roles})
}

// CreateRole creates a custom role
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var in RoleInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}

	tenantID, _ := middleware.TenantID(r)
	role, err := h.roles.CreateRole(r.Context(), tenantID, in, actorID(r))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// GetRole returns a custom role
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "roleID")
	if !ok {
		return
	}
	tenantID, _ := middleware.TenantID(r)
	role, err := h.roles.GetRole(r.Context(), tenantID, roleID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// UpdateRole replaces a custom role's name and permissions
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "roleID")
	if !ok {
		return
	}
	var in RoleInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}

	tenantID, _ := middleware.TenantID(r)
	role, err := h.roles.UpdateRole(r.Context(), tenantID, roleID, in, actorID(r))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// DeleteRole removes an unreferenced custom role
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "roleID")
	if !ok {
		return
	}
	tenantID, _ := middleware.TenantID(r)
	if err := h.roles.DeleteRole(r.Context(), tenantID, roleID, actorID(r)); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// CheckPermission reports the caller's decision for one permission
func (h *Handlers) CheckPermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Permission string `json:"permission"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	subject, ok := SubjectFromRequest(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	decision, err := h.authorizer.Check(r.Context(), subject, req.Permission)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, decision)
}

func actorID(r *http.Request) *int64 {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		return nil
	}
	id := authCtx.IdentityID
	return &id
}
