package invitation

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/guardpost/pkg/httputil"
	"github.com/platinummonkey/guardpost/pkg/membership"
	"github.com/platinummonkey/guardpost/pkg/middleware"
	"github.com/platinummonkey/guardpost/pkg/rbac"
)

// PermInvitationsWrite guards tenant invitation issuance and revocation
const PermInvitationsWrite = "invitations.write"

// Lifecycle is the subset of Manager the handlers use
type Lifecycle interface {
	FindByToken(ctx context.Context, token string) (*membership.Membership, error)
	Accept(ctx context.Context, token string, identityID int64, opts AcceptOptions) (*membership.Membership, error)
	Decline(ctx context.Context, token string) error
	CreateTenantInvitation(ctx context.Context, tenantID int64, email string, roles interface{}, actorID *int64) (*TenantInvitation, error)
	AcceptTenantInvitation(ctx context.Context, code string, identityID int64) (*membership.Membership, error)
	ListTenantInvitations(ctx context.Context, tenantID int64) ([]*TenantInvitation, error)
	RevokeTenantInvitation(ctx context.Context, tenantID, invitationID int64, actorID *int64) error
}

// Handlers provides HTTP handlers for invitations
type Handlers struct {
	lifecycle   Lifecycle
	permissions *rbac.PermissionMiddleware
}

// NewHandlers creates invitation handlers
func NewHandlers(lifecycle Lifecycle, permissions *rbac.PermissionMiddleware) *Handlers {
	return &Handlers{lifecycle: lifecycle, permissions: permissions}
}

// RegisterRoutes registers the identity-facing routes on api and the tenant
// invitation administration routes on tenant
func (h *Handlers) RegisterRoutes(api, tenant *mux.Router) {
	api.HandleFunc("/invitations/lookup", h.Lookup).Methods(http.MethodPost)
	api.HandleFunc("/invitations/accept", h.Accept).Methods(http.MethodPost)
	api.HandleFunc("/invitations/decline", h.Decline).Methods(http.MethodPost)
	api.HandleFunc("/tenant-invitations/accept", h.AcceptTenant).Methods(http.MethodPost)

	tenant.Handle("/invitations", h.permissions.Protect(membership.PermMembershipsRead, h.ListTenant)).Methods(http.MethodGet)
	tenant.Handle("/invitations", h.permissions.Protect(PermInvitationsWrite, h.CreateTenant)).Methods(http.MethodPost)
	tenant.Handle("/invitations/{invitationID}", h.permissions.Protect(PermInvitationsWrite, h.RevokeTenant)).Methods(http.MethodDelete)
}

// TokenRequest carries an invitation token in the body so it never lands in access logs
type TokenRequest struct {
	Token              string `json:"token"`
	AllowEmailMismatch bool   `json:"allow_email_mismatch"`
}

func identityID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return 0, false
	}
	return authCtx.IdentityID, true
}

// Lookup returns the membership an invitation token belongs to
func (h *Handlers) Lookup(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	m, err := h.lifecycle.FindByToken(r.Context(), req.Token)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"tenant_id":  m.TenantID,
		"roles":      m.Roles,
		"expires_at": m.InvitationTokenExpiresAt,
	})
}

// Accept binds the invitation to the caller
func (h *Handlers) Accept(w http.ResponseWriter, r *http.Request) {
	caller, ok := identityID(w, r)
	if !ok {
		return
	}
	var req TokenRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	m, err := h.lifecycle.Accept(r.Context(), req.Token, caller, AcceptOptions{AllowEmailMismatch: req.AllowEmailMismatch})
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, m)
}

// Decline destroys the invited membership
func (h *Handlers) Decline(w http.ResponseWriter, r *http.Request) {
	if _, ok := identityID(w, r); !ok {
		return
	}
	var req TokenRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.lifecycle.Decline(r.Context(), req.Token); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// AcceptTenantRequest is the body of POST /tenant-invitations/accept
type AcceptTenantRequest struct {
	Code string `json:"code"`
}

// AcceptTenant consumes a tenant invitation code for the caller
func (h *Handlers) AcceptTenant(w http.ResponseWriter, r *http.Request) {
	caller, ok := identityID(w, r)
	if !ok {
		return
	}
	var req AcceptTenantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	m, err := h.lifecycle.AcceptTenantInvitation(r.Context(), req.Code, caller)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, m)
}

// ListTenant lists the tenant's outstanding invitations without their codes
func (h *Handlers) ListTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantID(r)
	invitations, err := h.lifecycle.ListTenantInvitations(r.Context(), tenantID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	for _, inv := range invitations {
		inv.Token = ""
	}
	httputil.WriteSuccess(w, map[string]interface{}{"invitations": invitations})
}

// CreateTenantRequest is the body of POST /tenants/{tenantID}/invitations
type CreateTenantRequest struct {
	Email string      `json:"email"`
	Roles interface{} `json:"roles"`
}

// CreateTenant issues a tenant invitation code
func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	caller, ok := identityID(w, r)
	if !ok {
		return
	}
	var req CreateTenantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	tenantID, _ := middleware.TenantID(r)
	inv, err := h.lifecycle.CreateTenantInvitation(r.Context(), tenantID, req.Email, req.Roles, &caller)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, inv)
}

// RevokeTenant deletes an outstanding tenant invitation
func (h *Handlers) RevokeTenant(w http.ResponseWriter, r *http.Request) {
	caller, ok := identityID(w, r)
	if !ok {
		return
	}
	invitationID, ok := httputil.ParsePathInt64OrError(w, r, "invitationID")
	if !ok {
		return
	}
	tenantID, _ := middleware.TenantID(r)
	if err := h.lifecycle.RevokeTenantInvitation(r.Context(), tenantID, invitationID, &caller); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
