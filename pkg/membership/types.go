package membership

import "time"

// Membership is an identity's participation in a tenant
type Membership struct {
	ID int64 `json:"id"`
	// TenantID is zero for legacy rows created before tenants were tracked
	TenantID   int64   `json:"tenant_id"`
	IdentityID int64   `json:"identity_id"`
	Status     Status  `json:"status"`
	Roles      RoleSet `json:"roles"`

	InvitationTokenHash      *string    `json:"-"`
	InvitationTokenExpiresAt *time.Time `json:"invitation_token_expires_at,omitempty"`
	// InvitationToken holds the plaintext token only in the response that minted it
	InvitationToken string `json:"invitation_token,omitempty"`

	AssignedClients   []int64 `json:"assigned_clients"`
	AssignedPostSites []int64 `json:"assigned_post_sites"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// HasLiveInvitation reports whether the membership carries an unexpired token
func (m *Membership) HasLiveInvitation(now time.Time) bool {
	return m.InvitationTokenHash != nil && m.InvitationTokenExpiresAt != nil && now.Before(*m.InvitationTokenExpiresAt)
}

// ClearInvitation drops the invitation token
func (m *Membership) ClearInvitation() {
	m.InvitationTokenHash = nil
	m.InvitationTokenExpiresAt = nil
	m.InvitationToken = ""
}
