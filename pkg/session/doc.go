// Package session establishes authenticated sessions.
//
// Sign-in and sign-up may carry an invitation token. The token is redeemed
// after the credentials check; a bad or expired token is logged and ignored
// so it never blocks authentication.
//
// The session is bound to at most one tenant, chosen in this order:
//
//   - the tenant the caller asked for, which must be one of their live memberships
//   - the tenant the invitation token just joined
//   - the caller's only membership
//
// A caller with several memberships who names none gets a validation error.
// Once a tenant is chosen its role permissions are primed in the background.
package session
