package rbac

import (
	"context"
	"net/http"

	"github.com/platinummonkey/guardpost/pkg/httputil"
	"github.com/platinummonkey/guardpost/pkg/middleware"
	"github.com/platinummonkey/guardpost/pkg/observability"
)

// Authorizer decides whether a subject holds a permission
type Authorizer interface {
	Check(ctx context.Context, subject Subject, permissionID string) (Decision, error)
}

// PermissionMiddleware enforces catalog permissions on tenant-scoped routes
type PermissionMiddleware struct {
	authorizer Authorizer
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(authorizer Authorizer) *PermissionMiddleware {
	return &PermissionMiddleware{authorizer: authorizer}
}

// SubjectFromRequest builds the subject from the session and tenant on the request
func SubjectFromRequest(r *http.Request) (Subject, bool) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		return Subject{}, false
	}
	tenantID, ok := middleware.TenantID(r)
	if !ok {
		return Subject{}, false
	}
	return Subject{TenantID: tenantID, IdentityID: authCtx.IdentityID}, true
}

// RequirePermission creates middleware that requires permissionID in the
// request's tenant
func (pm *PermissionMiddleware) RequirePermission(permissionID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if middleware.GetAuthContext(r) == nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			subject, ok := SubjectFromRequest(r)
			if !ok {
				httputil.WriteBadRequest(w, "tenant is required")
				return
			}

			decision, err := pm.authorizer.Check(r.Context(), subject, permissionID)
			if err != nil {
				httputil.WriteServiceError(w, r, err)
				return
			}

			if !decision.Allowed {
				observability.FromContext(r.Context()).WithFields(map[string]interface{}{
					"tenant_id":  subject.TenantID,
					"permission": permissionID,
					"denied_by":  string(decision.DeniedBy),
				}).Info("permission denied")
				httputil.WriteForbidden(w, decision.Reason)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Protect is RequirePermission for a single handler func
func (pm *PermissionMiddleware) Protect(permissionID string, fn http.HandlerFunc) http.Handler {
	return pm.RequirePermission(permissionID)(fn)
}
