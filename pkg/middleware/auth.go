package middleware

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/guardpost/pkg/auth"
	"github.com/platinummonkey/guardpost/pkg/contextkeys"
	"github.com/platinummonkey/guardpost/pkg/httputil"
	"github.com/platinummonkey/guardpost/pkg/observability"
)

// SessionVerifier validates bearer session tokens
type SessionVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// SessionMiddleware authenticates requests carrying a session token
type SessionMiddleware struct {
	verifier SessionVerifier
	optional bool // If true, allow requests without auth
}

// NewSessionMiddleware creates a new session middleware
func NewSessionMiddleware(verifier SessionVerifier, optional bool) *SessionMiddleware {
	return &SessionMiddleware{
		verifier: verifier,
		optional: optional,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *SessionMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		// Format: "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		claims, err := m.verifier.Verify(parts[1])
		if err != nil {
			httputil.WriteUnauthorized(w, "invalid or expired session")
			return
		}

		authCtx := &auth.AuthContext{
			IdentityID: claims.IdentityID,
			TenantID:   claims.TenantID,
		}

		ctx := contextkeys.WithAuth(r.Context(), authCtx)
		ctx = observability.WithIdentityID(ctx, claims.IdentityID)
		ctx = observability.WithLogger(ctx, observability.FromContext(ctx).WithField("identity_id", claims.IdentityID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAuthContext extracts auth context from request
func GetAuthContext(r *http.Request) *auth.AuthContext {
	authCtx, ok := r.Context().Value(contextkeys.AuthKey).(*auth.AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}
