package invitation

import (
	"time"

	"github.com/platinummonkey/guardpost/pkg/membership"
)

// TenantInvitation is a single-use invite to a tenant that is not bound to
// an identity. Token is an 8-digit numeric code.
type TenantInvitation struct {
	ID        int64              `json:"id"`
	TenantID  int64              `json:"tenant_id"`
	Email     string             `json:"email"`
	Roles     membership.RoleSet `json:"roles"`
	Token     string             `json:"token,omitempty"`
	ExpiresAt time.Time          `json:"expires_at"`
	CreatedAt time.Time          `json:"created_at"`
}

// Expired reports whether the invitation can no longer be accepted
func (i *TenantInvitation) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// AcceptOptions tunes Accept
type AcceptOptions struct {
	// AllowEmailMismatch lets an identity accept an invitation sent to a
	// different email address
	AllowEmailMismatch bool
}
