package tenant

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/guardpost/pkg/httputil"
	"github.com/platinummonkey/guardpost/pkg/membership"
	"github.com/platinummonkey/guardpost/pkg/middleware"
	"github.com/platinummonkey/guardpost/pkg/rbac"
)

// PermBillingWrite guards plan changes
const PermBillingWrite = "billing.write"

// Manager is the subset of Service the handlers use
type Manager interface {
	Create(ctx context.Context, in CreateInput, ownerID int64) (*Tenant, *membership.Membership, error)
	Get(ctx context.Context, id int64) (*Tenant, error)
	ListForIdentity(ctx context.Context, identityID int64) ([]*Tenant, error)
	ChangePlan(ctx context.Context, id int64, plan rbac.PlanTier) (*Tenant, error)
}

// Handlers provides HTTP handlers for tenants
type Handlers struct {
	tenants     Manager
	permissions *rbac.PermissionMiddleware
}

// NewHandlers creates tenant handlers
func NewHandlers(tenants Manager, permissions *rbac.PermissionMiddleware) *Handlers {
	return &Handlers{tenants: tenants, permissions: permissions}
}

// RegisterRoutes registers tenant routes
func (h *Handlers) RegisterRoutes(api, tenant *mux.Router) {
	api.HandleFunc("/tenants", h.List).Methods(http.MethodGet)
	api.HandleFunc("/tenants", h.Create).Methods(http.MethodPost)

	tenant.Handle("", h.permissions.Protect(membership.PermMembershipsRead, h.Get)).Methods(http.MethodGet)
	tenant.Handle("/plan", h.permissions.Protect(PermBillingWrite, h.ChangePlan)).Methods(http.MethodPut)
}

// List returns the caller's tenants
func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	tenants, err := h.tenants.ListForIdentity(r.Context(), authCtx.IdentityID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"tenants": tenants})
}

// Create creates a tenant owned by the caller
func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	var req CreateInput
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	t, owner, err := h.tenants.Create(r.Context(), req, authCtx.IdentityID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, map[string]interface{}{"tenant": t, "membership": owner})
}

// Get returns the tenant
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantID(r)
	t, err := h.tenants.Get(r.Context(), tenantID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, t)
}

// ChangePlanRequest is the body of PUT /tenants/{tenantID}/plan
type ChangePlanRequest struct {
	PlanTier rbac.PlanTier `json:"plan_tier"`
}

// ChangePlan moves the tenant to another plan
func (h *Handlers) ChangePlan(w http.ResponseWriter, r *http.Request) {
	var req ChangePlanRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	tenantID, _ := middleware.TenantID(r)
	t, err := h.tenants.ChangePlan(r.Context(), tenantID, req.PlanTier)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, t)
}
