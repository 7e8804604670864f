package middleware

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/guardpost/pkg/contextkeys"
	"github.com/platinummonkey/guardpost/pkg/httputil"
)

// TenantPathVar is the mux variable holding the tenant ID
const TenantPathVar = "tenantID"

// TenantMiddleware scopes the request to a tenant.
// The tenant comes from the {tenantID} path variable, falling back to the
// tenant bound to the session. A session bound to a different tenant than
// the path is rejected.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := GetAuthContext(r)

		var tenantID int64
		if raw, ok := mux.Vars(r)[TenantPathVar]; ok {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed <= 0 {
				httputil.WriteBadRequest(w, "invalid tenant id")
				return
			}
			tenantID = parsed
		} else if authCtx != nil && authCtx.TenantID != nil {
			tenantID = *authCtx.TenantID
		} else {
			httputil.WriteBadRequest(w, "tenant is required")
			return
		}

		if authCtx != nil && authCtx.TenantID != nil && *authCtx.TenantID != tenantID {
			httputil.WriteForbidden(w, "session is bound to another tenant")
			return
		}

		next.ServeHTTP(w, r.WithContext(contextkeys.WithTenantID(r.Context(), tenantID)))
	})
}

// TenantID returns the tenant the request is scoped to
func TenantID(r *http.Request) (int64, bool) {
	return contextkeys.GetTenantID(r.Context())
}
