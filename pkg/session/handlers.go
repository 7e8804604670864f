package session

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/guardpost/pkg/auth"
	"github.com/platinummonkey/guardpost/pkg/httputil"
)

// Authenticator is the subset of Service the handlers use
type Authenticator interface {
	SignIn(ctx context.Context, in SignInInput) (*Result, error)
	SignUp(ctx context.Context, in SignUpInput) (*Result, error)
}

// Handlers provides the unauthenticated sign-in and sign-up endpoints
type Handlers struct {
	sessions Authenticator
}

// NewHandlers creates session handlers
func NewHandlers(sessions Authenticator) *Handlers {
	return &Handlers{sessions: sessions}
}

// RegisterRoutes registers /auth/signin and /auth/signup on a router that
// does not require a session
func (h *Handlers) RegisterRoutes(public *mux.Router) {
	public.HandleFunc("/auth/signin", h.SignIn).Methods(http.MethodPost)
	public.HandleFunc("/auth/signup", h.SignUp).Methods(http.MethodPost)
}

// SignIn handles POST /auth/signin
func (h *Handlers) SignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInInput
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := h.sessions.SignIn(r.Context(), req)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		httputil.WriteUnauthorized(w, "invalid email or password")
		return
	}
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// SignUp handles POST /auth/signup
func (h *Handlers) SignUp(w http.ResponseWriter, r *http.Request) {
	var req SignUpInput
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := h.sessions.SignUp(r.Context(), req)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, result)
}
