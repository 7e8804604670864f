package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/guardpost/pkg/async"
	"github.com/platinummonkey/guardpost/pkg/auth"
	"github.com/platinummonkey/guardpost/pkg/database"
	"github.com/platinummonkey/guardpost/pkg/errs"
	"github.com/platinummonkey/guardpost/pkg/invitation"
	"github.com/platinummonkey/guardpost/pkg/membership"
	"github.com/platinummonkey/guardpost/pkg/observability"
)

const primeTimeout = 5 * time.Second

// IdentityStore looks up and registers identities
type IdentityStore interface {
	GetByEmail(ctx context.Context, q database.DBTX, email string) (*auth.Identity, error)
	Create(ctx context.Context, q database.DBTX, identity *auth.Identity) error
}

// InvitationAcceptor binds an invitation token to an identity
type InvitationAcceptor interface {
	Accept(ctx context.Context, token string, identityID int64, opts invitation.AcceptOptions) (*membership.Membership, error)
}

// MembershipLister lists an identity's live memberships
type MembershipLister interface {
	ListForIdentity(ctx context.Context, identityID int64) ([]*membership.Membership, error)
}

// CachePrimer warms a tenant's role permissions
type CachePrimer interface {
	Prime(ctx context.Context, tenantID int64) error
}

// TokenIssuer mints session tokens
type TokenIssuer interface {
	Issue(identityID int64, tenantID *int64) (string, error)
}

// SignInInput is a password sign-in, optionally redeeming an invitation
type SignInInput struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	InvitationToken string `json:"invitation_token,omitempty"`
	TenantID        *int64 `json:"tenant_id,omitempty"`
}

// SignUpInput registers a new identity, optionally redeeming an invitation
type SignUpInput struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	InvitationToken string `json:"invitation_token,omitempty"`
}

// Result is an established session
type Result struct {
	Token       string                   `json:"token"`
	Identity    *auth.Identity           `json:"identity"`
	TenantID    *int64                   `json:"tenant_id,omitempty"`
	Memberships []*membership.Membership `json:"memberships"`
}

// Service establishes sessions
type Service struct {
	db          database.DBTX
	identities  IdentityStore
	invitations InvitationAcceptor
	memberships MembershipLister
	cache       CachePrimer
	issuer      TokenIssuer
}

// ServiceDeps are the collaborators of a Service
type ServiceDeps struct {
	DB          database.DBTX
	Identities  IdentityStore
	Invitations InvitationAcceptor
	Memberships MembershipLister
	Cache       CachePrimer
	Issuer      TokenIssuer
}

// NewService creates a session service
func NewService(deps ServiceDeps) *Service {
	return &Service{
		db:          deps.DB,
		identities:  deps.Identities,
		invitations: deps.Invitations,
		memberships: deps.Memberships,
		cache:       deps.Cache,
		issuer:      deps.Issuer,
	}
}

// SignIn checks credentials and issues a session token
func (s *Service) SignIn(ctx context.Context, in SignInInput) (*Result, error) {
	identity, err := s.identities.GetByEmail(ctx, s.db, in.Email)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, auth.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up identity: %w", err)
	}
	if err := auth.CheckPassword(identity.PasswordHash, in.Password); err != nil {
		return nil, err
	}

	return s.establish(ctx, identity, in.InvitationToken, in.TenantID)
}

// SignUp creates an identity and issues a session token
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (*Result, error) {
	email := strings.TrimSpace(in.Email)
	if !strings.Contains(email, "@") {
		return nil, errs.Validationf("invalid email %q", in.Email)
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, errs.Validationf("invalid password: %v", err)
	}

	identity := &auth.Identity{Email: email, PasswordHash: hash}
	if err := s.identities.Create(ctx, s.db, identity); err != nil {
		return nil, err
	}

	return s.establish(ctx, identity, in.InvitationToken, nil)
}

func (s *Service) establish(ctx context.Context, identity *auth.Identity, invitationToken string, requested *int64) (*Result, error) {
	ctx = observability.WithIdentityID(ctx, identity.ID)

	invitedTenant := s.redeem(ctx, identity.ID, invitationToken)

	memberships, err := s.memberships.ListForIdentity(ctx, identity.ID)
	if err != nil {
		return nil, err
	}
	tenantID, err := selectTenant(memberships, requested, invitedTenant)
	if err != nil {
		return nil, err
	}

	if tenantID != nil {
		id := *tenantID
		async.SafeGo(ctx, primeTimeout, "role cache priming", func(ctx context.Context) error {
			return s.cache.Prime(ctx, id)
		})
	}

	token, err := s.issuer.Issue(identity.ID, tenantID)
	if err != nil {
		return nil, err
	}

	return &Result{Token: token, Identity: identity, TenantID: tenantID, Memberships: memberships}, nil
}

// redeem accepts the invitation token, if any, and returns the tenant it
// joined. Failures are logged and never block authentication.
func (s *Service) redeem(ctx context.Context, identityID int64, token string) *int64 {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	m, err := s.invitations.Accept(ctx, token, identityID, invitation.AcceptOptions{})
	if err != nil {
		observability.FromContext(ctx).WithError(err).Warn("ignoring invitation token during sign-in")
		return nil
	}
	if m.TenantID == 0 {
		return nil
	}
	tenantID := m.TenantID
	return &tenantID
}

// selectTenant picks the tenant the session is bound to: the requested one,
// else the tenant just joined, else the only membership.
func selectTenant(memberships []*membership.Membership, requested, invited *int64) (*int64, error) {
	member := func(tenantID int64) bool {
		for _, m := range memberships {
			if m.TenantID == tenantID {
				return true
			}
		}
		return false
	}

	switch {
	case requested != nil:
		if !member(*requested) {
			return nil, errs.Forbiddenf("not a member of tenant %d", *requested)
		}
		return requested, nil
	case invited != nil && member(*invited):
		return invited, nil
	}

	switch len(memberships) {
	case 0:
		return nil, nil
	case 1:
		tenantID := memberships[0].TenantID
		return &tenantID, nil
	default:
		return nil, errs.Validationf("multiple tenants not allowed without a tenant selection")
	}
}
