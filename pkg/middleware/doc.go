// Package middleware authenticates guardpost requests and scopes them to a
// tenant.
//
//	router.Use(middleware.NewSessionMiddleware(issuer, false).Handler)
//	tenants := router.PathPrefix("/tenants/{tenantID}").Subrouter()
//	tenants.Use(middleware.TenantMiddleware)
//
// Permission enforcement lives in pkg/rbac (PermissionMiddleware), which
// reads the AuthContext and tenant this package places on the context.
package middleware
