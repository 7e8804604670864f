// Package contextkeys holds context keys shared by packages that cannot
// import each other.
//
// Request ID and logger keys live in pkg/observability; audit logger keys
// live in pkg/audit.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey contains *auth.AuthContext
	// Set by: middleware.SessionMiddleware
	// Required by: rbac.PermissionMiddleware and every tenant-scoped handler
	AuthKey Key = "auth_context"

	// TenantKey contains the int64 tenant ID the request is scoped to
	// Set by: middleware.TenantMiddleware
	TenantKey Key = "tenant_id"
)

// WithAuth adds authentication context to the context
func WithAuth(ctx context.Context, authCtx interface{}) context.Context {
	return context.WithValue(ctx, AuthKey, authCtx)
}

// WithTenantID scopes the context to a tenant
func WithTenantID(ctx context.Context, tenantID int64) context.Context {
	return context.WithValue(ctx, TenantKey, tenantID)
}

// GetTenantID retrieves the tenant the context is scoped to
func GetTenantID(ctx context.Context) (int64, bool) {
	tenantID, ok := ctx.Value(TenantKey).(int64)
	return tenantID, ok
}
