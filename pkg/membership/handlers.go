package membership

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/guardpost/pkg/httputil"
	"github.com/platinummonkey/guardpost/pkg/middleware"
	"github.com/platinummonkey/guardpost/pkg/rbac"
)

// Permission IDs guarding the membership endpoints
const (
	PermMembershipsRead  = "memberships.read"
	PermMembershipsWrite = "memberships.write"
)

// Manager is the subset of Service the handlers use
type Manager interface {
	Find(ctx context.Context, tenantID, identityID int64) (*Membership, error)
	Create(ctx context.Context, tenantID, identityID int64, roles interface{}, actorID *int64) (*Membership, error)
	UpdateRoles(ctx context.Context, in UpdateRolesInput) (*Membership, error)
	Archive(ctx context.Context, tenantID, identityID int64, actorID *int64) (*Membership, error)
	Restore(ctx context.Context, tenantID, identityID int64, actorID *int64) (*Membership, error)
	Destroy(ctx context.Context, tenantID, identityID int64, actorID *int64) error
	ListForIdentity(ctx context.Context, identityID int64) ([]*Membership, error)
	ListForTenant(ctx context.Context, tenantID int64) ([]*Membership, error)
}

// Handlers provides HTTP handlers for memberships
type Handlers struct {
	memberships Manager
	permissions *rbac.PermissionMiddleware
}

// NewHandlers creates membership handlers
func NewHandlers(memberships Manager, permissions *rbac.PermissionMiddleware) *Handlers {
	return &Handlers{memberships: memberships, permissions: permissions}
}

// RegisterRoutes registers /me/memberships on api and the tenant routes on tenant
func (h *Handlers) RegisterRoutes(api, tenant *mux.Router) {
	api.HandleFunc("/me/memberships", h.ListMine).Methods(http.MethodGet)

	tenant.Handle("/memberships", h.permissions.Protect(PermMembershipsRead, h.List)).Methods(http.MethodGet)
	tenant.Handle("/memberships", h.permissions.Protect(PermMembershipsWrite, h.Create)).Methods(http.MethodPost)
	tenant.Handle("/memberships/{identityID}", h.permissions.Protect(PermMembershipsRead, h.Get)).Methods(http.MethodGet)
	tenant.Handle("/memberships/{identityID}", h.permissions.Protect(PermMembershipsWrite, h.Destroy)).Methods(http.MethodDelete)
	tenant.Handle("/memberships/{identityID}/roles", h.permissions.Protect(PermMembershipsWrite, h.UpdateRoles)).Methods(http.MethodPut)
	tenant.Handle("/memberships/{identityID}/archive", h.permissions.Protect(PermMembershipsWrite, h.Archive)).Methods(http.MethodPost)
	tenant.Handle("/memberships/{identityID}/restore", h.permissions.Protect(PermMembershipsWrite, h.Restore)).Methods(http.MethodPost)
}

func actorID(r *http.Request) *int64 {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		return nil
	}
	id := authCtx.IdentityID
	return &id
}

// ListMine returns the caller's memberships, optionally filtered by ?tenant_id=
func (h *Handlers) ListMine(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	tenantID, err := httputil.ParseQueryInt64(r, "tenant_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	memberships, err := h.memberships.ListForIdentity(r.Context(), authCtx.IdentityID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	if tenantID != nil {
		filtered := []*Membership{}
		for _, m := range memberships {
			if m.TenantID == *tenantID {
				filtered = append(filtered, m)
			}
		}
		memberships = filtered
	}
	httputil.WriteSuccess(w, map[string]interface{}{"memberships": memberships})
}

// List returns the tenant's memberships
func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantID(r)
	memberships, err := h.memberships.ListForTenant(r.Context(), tenantID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"memberships": memberships})
}

// Get returns one membership
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	identityID, ok := httputil.ParsePathInt64OrError(w, r, "identityID")
	if !ok {
		return
	}
	tenantID, _ := middleware.TenantID(r)
	m, err := h.memberships.Find(r.Context(), tenantID, identityID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, m)
}

// CreateRequest is the body of POST /memberships
type CreateRequest struct {
	IdentityID int64       `json:"identity_id"`
	Roles      interface{} `json:"roles"`
}

// Create adds an identity to the tenant
func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.IdentityID <= 0 {
		httputil.WriteBadRequest(w, "identity_id is required")
		return
	}
	tenantID, _ := middleware.TenantID(r)
	m, err := h.memberships.Create(r.Context(), tenantID, req.IdentityID, req.Roles, actorID(r))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, m)
}

// UpdateRolesRequest is the body of PUT /memberships/{identityID}/roles
type UpdateRolesRequest struct {
	Roles             interface{} `json:"roles"`
	Mode              string      `json:"mode"`
	AssignedClients   []int64     `json:"assigned_clients"`
	AssignedPostSites []int64     `json:"assigned_post_sites"`
}

// UpdateRoles changes a membership's roles and assignments
func (h *Handlers) UpdateRoles(w http.ResponseWriter, r *http.Request) {
	identityID, ok := httputil.ParsePathInt64OrError(w, r, "identityID")
	if !ok {
		return
	}
	var req UpdateRolesRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	mode, err := ParseMode(req.Mode)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	tenantID, _ := middleware.TenantID(r)
	m, err := h.memberships.UpdateRoles(r.Context(), UpdateRolesInput{
		TenantID:          tenantID,
		IdentityID:        identityID,
		Roles:             req.Roles,
		Mode:              mode,
		AssignedClients:   req.AssignedClients,
		AssignedPostSites: req.AssignedPostSites,
		ActorID:           actorID(r),
	})
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, m)
}

// Archive suspends a membership
func (h *Handlers) Archive(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.memberships.Archive)
}

// Restore reactivates an archived membership
func (h *Handlers) Restore(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.memberships.Restore)
}

func (h *Handlers) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, tenantID, identityID int64, actorID *int64) (*Membership, error)) {
	identityID, ok := httputil.ParsePathInt64OrError(w, r, "identityID")
	if !ok {
		return
	}
	tenantID, _ := middleware.TenantID(r)
	m, err := fn(r.Context(), tenantID, identityID, actorID(r))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, m)
}

// Destroy hard-removes a membership
func (h *Handlers) Destroy(w http.ResponseWriter, r *http.Request) {
	identityID, ok := httputil.ParsePathInt64OrError(w, r, "identityID")
	if !ok {
		return
	}
	tenantID, _ := middleware.TenantID(r)
	if err := h.memberships.Destroy(r.Context(), tenantID, identityID, actorID(r)); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
