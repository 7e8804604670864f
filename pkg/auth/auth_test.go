package auth

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/guardpost/pkg/errs"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestTokenGenerator_GenerateToken(t *testing.T) {
	tg := NewTokenGenerator()

	token, hash, err := tg.GenerateToken()
	require.NoError(t, err)
	assert.Len(t, hash, 64)
	assert.Equal(t, HashToken(token), hash)
	assert.GreaterOrEqual(t, len(token), 43)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, _, err := tg.GenerateToken()
		require.NoError(t, err)
		assert.False(t, seen[token], "duplicate token generated")
		seen[token] = true
	}
}

func TestTokenGenerator_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x01}, TokenLength)

	a, _, err := NewTokenGeneratorWithReader(bytes.NewReader(seed)).GenerateToken()
	require.NoError(t, err)
	b, _, err := NewTokenGeneratorWithReader(bytes.NewReader(seed)).GenerateToken()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, _, err = NewTokenGeneratorWithReader(bytes.NewReader([]byte{1, 2})).GenerateToken()
	require.Error(t, err)
}

func TestTokenGenerator_NumericCode(t *testing.T) {
	tg := NewTokenGenerator()

	for i := 0; i < 50; i++ {
		code, err := tg.NumericCode(8)
		require.NoError(t, err)
		assert.Len(t, code, 8)
		assert.Equal(t, "", strings.Trim(code, "0123456789"))
	}

	_, err := tg.NumericCode(0)
	require.Error(t, err)
}

func TestPasswords(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)

	assert.NoError(t, CheckPassword(hash, "correct horse"))
	assert.ErrorIs(t, CheckPassword(hash, "battery staple"), ErrInvalidCredentials)
	assert.ErrorIs(t, CheckPassword("", "anything"), ErrInvalidCredentials)

	_, err = HashPassword("")
	require.Error(t, err)
}

func TestSessionIssuer(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	issuer, err := NewSessionIssuer(SessionConfig{Secret: testSecret, TTL: time.Hour, Audience: "guardpost-api"})
	require.NoError(t, err)
	issuer.WithClock(func() time.Time { return now })

	t.Run("round trip with tenant", func(t *testing.T) {
		tenantID := int64(9)
		token, err := issuer.Issue(42, &tenantID)
		require.NoError(t, err)

		claims, err := issuer.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, int64(42), claims.IdentityID)
		require.NotNil(t, claims.TenantID)
		assert.Equal(t, int64(9), *claims.TenantID)
		assert.Equal(t, "42", claims.Subject)
	})

	t.Run("round trip without tenant", func(t *testing.T) {
		token, err := issuer.Issue(42, nil)
		require.NoError(t, err)

		claims, err := issuer.Verify(token)
		require.NoError(t, err)
		assert.Nil(t, claims.TenantID)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := issuer.Issue(42, nil)
		require.NoError(t, err)

		later, err := NewSessionIssuer(SessionConfig{Secret: testSecret, TTL: time.Hour, Audience: "guardpost-api"})
		require.NoError(t, err)
		later.WithClock(func() time.Time { return now.Add(2 * time.Hour) })

		_, err = later.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := issuer.Issue(42, nil)
		require.NoError(t, err)

		other, err := NewSessionIssuer(SessionConfig{Secret: []byte("ffffffffffffffffffffffffffffffff"), Audience: "guardpost-api"})
		require.NoError(t, err)
		other.WithClock(func() time.Time { return now })

		_, err = other.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := issuer.Verify("not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("short secret rejected", func(t *testing.T) {
		_, err := NewSessionIssuer(SessionConfig{Secret: []byte("short")})
		require.Error(t, err)
	})
}

func newMockStore(t *testing.T) (*IdentityStore, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewIdentityStore(db), mock, db
}

func identityRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "email", "phone", "email_verified", "phone_verified", "password_hash", "created_at", "updated_at",
	})
}

func TestIdentityStore(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()
	ctx := context.Background()
	now := time.Now()

	t.Run("get by email is case insensitive", func(t *testing.T) {
		mock.ExpectQuery(`SELECT id, email, phone, email_verified, phone_verified, password_hash, created_at, updated_at FROM identities WHERE lower\(email\) = \$1`).
			WithArgs("guard@example.com").
			WillReturnRows(identityRows().AddRow(1, "Guard@Example.com", nil, true, false, "hash", now, now))

		identity, err := store.GetByEmail(ctx, db, "  GUARD@example.com ")
		require.NoError(t, err)
		assert.Equal(t, int64(1), identity.ID)
		assert.Nil(t, identity.Phone)
		assert.True(t, identity.EmailVerified)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("get by id not found", func(t *testing.T) {
		mock.ExpectQuery(`FROM identities WHERE id = \$1`).
			WithArgs(int64(5)).
			WillReturnError(sql.ErrNoRows)

		_, err := store.GetByID(ctx, db, 5)
		assert.ErrorIs(t, err, errs.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("create duplicate email conflicts", func(t *testing.T) {
		mock.ExpectQuery(`INSERT INTO identities`).
			WillReturnError(&pq.Error{Code: "23505"})

		err := store.Create(ctx, db, &Identity{Email: "dup@example.com"})
		assert.ErrorIs(t, err, errs.ErrConflict)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("create", func(t *testing.T) {
		mock.ExpectQuery(`INSERT INTO identities`).
			WithArgs("new@example.com", nil, false, false, "hash", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))

		identity := &Identity{Email: " new@example.com", PasswordHash: "hash"}
		require.NoError(t, store.Create(ctx, db, identity))
		assert.Equal(t, int64(12), identity.ID)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mark verified", func(t *testing.T) {
		mock.ExpectExec(`UPDATE identities SET email_verified = TRUE, updated_at = \$1 WHERE id = \$2`).
			WithArgs(sqlmock.AnyArg(), int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.MarkEmailVerified(ctx, db, 3))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("email verified", func(t *testing.T) {
		mock.ExpectQuery(`SELECT email_verified FROM identities WHERE id = \$1`).
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"email_verified"}).AddRow(false))

		verified, err := store.EmailVerified(ctx, 3)
		require.NoError(t, err)
		assert.False(t, verified)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("email verified query error", func(t *testing.T) {
		mock.ExpectQuery(`SELECT email_verified FROM identities`).
			WillReturnError(errors.New("connection reset"))

		_, err := store.EmailVerified(ctx, 3)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read email verification")
	})
}
