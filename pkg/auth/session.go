package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidSession is returned for malformed, forged or expired session tokens
var ErrInvalidSession = errors.New("invalid session")

// Claims carried by a session token
type Claims struct {
	IdentityID int64  `json:"iid"`
	TenantID   *int64 `json:"tid,omitempty"`
	jwt.RegisteredClaims
}

// SessionConfig configures session issuance
type SessionConfig struct {
	Secret   []byte
	TTL      time.Duration
	Issuer   string
	Audience string
}

// SessionIssuer signs and verifies HS256 session tokens
type SessionIssuer struct {
	cfg SessionConfig
	now func() time.Time
}

// NewSessionIssuer creates an issuer; the secret must be at least 32 bytes
func NewSessionIssuer(cfg SessionConfig) (*SessionIssuer, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "guardpost"
	}
	return &SessionIssuer{cfg: cfg, now: time.Now}, nil
}

// WithClock replaces the issuer's clock
func (s *SessionIssuer) WithClock(now func() time.Time) *SessionIssuer {
	s.now = now
	return s
}

// Issue signs a token for identityID, optionally bound to tenantID
func (s *SessionIssuer) Issue(identityID int64, tenantID *int64) (string, error) {
	now := s.now()
	claims := Claims{
		IdentityID: identityID,
		TenantID:   tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(identityID, 10),
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TTL)),
		},
	}
	if s.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token
func (s *SessionIssuer) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(s.cfg.Audience))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.IdentityID <= 0 {
		return nil, fmt.Errorf("%w: missing identity", ErrInvalidSession)
	}
	return claims, nil
}
