// Package auth provides identities, credential hashing, session tokens and
// the random tokens used by invitations.
//
// Session tokens are HS256 JWTs carrying the identity and, optionally, the
// tenant the session is bound to:
//
//	issuer, _ := auth.NewSessionIssuer(auth.SessionConfig{Secret: secret, TTL: 24 * time.Hour})
//	token, _ := issuer.Issue(identity.ID, &tenantID)
//	claims, err := issuer.Verify(token)
//
// Invitation tokens are 32 random bytes, base64url encoded; only their
// SHA-256 digest is stored (see HashToken).
package auth
