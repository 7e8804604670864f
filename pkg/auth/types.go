package auth

import "time"

// Identity is a person account. Email is unique case-insensitively.
type Identity struct {
	ID            int64     `json:"id"`
	Email         string    `json:"email"`
	Phone         *string   `json:"phone,omitempty"`
	EmailVerified bool      `json:"email_verified"`
	PhoneVerified bool      `json:"phone_verified"`
	PasswordHash  string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AuthContext is the verified caller of a request
type AuthContext struct {
	IdentityID int64
	// TenantID is the tenant the session is bound to, if any
	TenantID *int64
}
