package invitation

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/guardpost/pkg/audit"
	"github.com/platinummonkey/guardpost/pkg/auth"
	"github.com/platinummonkey/guardpost/pkg/database"
	"github.com/platinummonkey/guardpost/pkg/errs"
	"github.com/platinummonkey/guardpost/pkg/membership"
	"github.com/platinummonkey/guardpost/pkg/observability"
	"github.com/platinummonkey/guardpost/pkg/rbac"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeIdentities struct {
	mu         sync.Mutex
	identities map[int64]*auth.Identity
	verified   []int64
}

func (f *fakeIdentities) GetByID(ctx context.Context, q database.DBTX, id int64) (*auth.Identity, error) {
	identity, ok := f.identities[id]
	if !ok {
		return nil, errs.NotFoundf("identity %d", id)
	}
	return identity, nil
}

func (f *fakeIdentities) MarkEmailVerified(ctx context.Context, q database.DBTX, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, id)
	return nil
}

type slugResolver struct{}

func (slugResolver) ResolveRoles(ctx context.Context, q database.DBTX, tenantID int64, refs []rbac.RoleRef) ([]string, error) {
	slugs := []string{}
	for _, ref := range refs {
		if ref.Slug == "" {
			return nil, errs.Validationf("unknown role %d", ref.ID)
		}
		slugs = append(slugs, ref.Slug)
	}
	return slugs, nil
}

type recordingInvalidator struct {
	mu      sync.Mutex
	tenants []int64
}

func (r *recordingInvalidator) Invalidate(ctx context.Context, tenantID int64) {
	r.mu.Lock()
	r.tenants = append(r.tenants, tenantID)
	r.mu.Unlock()
}

func (r *recordingInvalidator) Calls() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.tenants...)
}

type testManager struct {
	*Manager
	mock        sqlmock.Sqlmock
	identities  *fakeIdentities
	invalidator *recordingInvalidator
	audit       *audit.MemoryLogger
	metrics     *observability.Metrics
}

func newTestManager(t *testing.T) *testManager {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tm := &testManager{
		mock: mock,
		identities: &fakeIdentities{identities: map[int64]*auth.Identity{
			9:  {ID: 9, Email: "new.guard@example.com"},
			10: {ID: 10, Email: "New.Guard@Example.com "},
			11: {ID: 11, Email: "someone.else@example.com"},
			12: {ID: 12, Email: "verified@example.com", EmailVerified: true},
		}},
		invalidator: &recordingInvalidator{},
		audit:       audit.NewMemoryLogger(),
		metrics:     observability.NewMetrics(prometheus.NewRegistry()),
	}
	tm.Manager = NewManager(ManagerDeps{
		DB:          db,
		Memberships: membership.NewStore(db),
		Invitations: NewStore(db),
		Identities:  tm.identities,
		Roles:       slugResolver{},
		Invalidator: tm.invalidator,
		Audit:       tm.audit,
		Metrics:     tm.metrics,
		Now:         func() time.Time { return testNow },
	})
	return tm
}

var membershipColumnNames = []string{
	"id", "tenant_id", "identity_id", "status", "roles",
	"invitation_token_hash", "invitation_token_expires_at", "created_at", "updated_at", "deleted_at",
}

func membershipRow(id int64, tenantID interface{}, identityID int64, status membership.Status, roles string, tokenHash interface{}) *sqlmock.Rows {
	var expires interface{}
	if tokenHash != nil {
		expires = testNow.Add(30 * time.Minute)
	}
	return sqlmock.NewRows(membershipColumnNames).
		AddRow(id, tenantID, identityID, string(status), []byte(roles), tokenHash, expires, testNow, testNow, nil)
}

func idRows(ids ...int64) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id"})
	for _, id := range ids {
		rows.AddRow(id)
	}
	return rows
}

const (
	selectByToken = `FROM memberships WHERE invitation_token_hash = \$1 AND invitation_token_expires_at > \$2 AND deleted_at IS NULL`
	selectLive    = `FROM memberships WHERE tenant_id = \$1 AND identity_id = \$2 AND deleted_at IS NULL FOR UPDATE`
	token         = "invitation-token"
)

func TestManager_EnsureInvitationToken(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	t.Run("not invited", func(t *testing.T) {
		m := &membership.Membership{Status: membership.StatusActive}
		minted, err := tm.EnsureInvitationToken(ctx, m)
		require.NoError(t, err)
		assert.False(t, minted)
		assert.Nil(t, m.InvitationTokenHash)
	})

	t.Run("missing token", func(t *testing.T) {
		m := &membership.Membership{Status: membership.StatusInvited}
		minted, err := tm.EnsureInvitationToken(ctx, m)
		require.NoError(t, err)
		assert.True(t, minted)
		require.NotNil(t, m.InvitationTokenHash)
		assert.Equal(t, auth.HashToken(m.InvitationToken), *m.InvitationTokenHash)
		assert.Equal(t, testNow.Add(DefaultTTL), *m.InvitationTokenExpiresAt)
	})

	t.Run("live token is kept", func(t *testing.T) {
		hash := "existing"
		expires := testNow.Add(time.Minute)
		m := &membership.Membership{Status: membership.StatusInvited, InvitationTokenHash: &hash, InvitationTokenExpiresAt: &expires}
		minted, err := tm.EnsureInvitationToken(ctx, m)
		require.NoError(t, err)
		assert.False(t, minted)
		assert.Equal(t, "existing", *m.InvitationTokenHash)
	})

	t.Run("expired token is replaced", func(t *testing.T) {
		hash := "stale"
		expires := testNow
		m := &membership.Membership{Status: membership.StatusInvited, InvitationTokenHash: &hash, InvitationTokenExpiresAt: &expires}
		minted, err := tm.EnsureInvitationToken(ctx, m)
		require.NoError(t, err)
		assert.True(t, minted)
		assert.NotEqual(t, "stale", *m.InvitationTokenHash)
	})
}

func TestManager_FindByToken(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	tm.mock.ExpectQuery(selectByToken+`$`).
		WithArgs(auth.HashToken(token), testNow).
		WillReturnError(sql.ErrNoRows)

	_, err := tm.FindByToken(ctx, token)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = tm.FindByToken(ctx, " ")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, tm.mock.ExpectationsWereMet())
}

func TestManager_Accept(t *testing.T) {
	ctx := context.Background()
	hash := auth.HashToken(token)

	t.Run("invitee accepts", func(t *testing.T) {
		tm := newTestManager(t)
		mock := tm.mock

		mock.ExpectBegin()
		mock.ExpectQuery(selectByToken+` FOR UPDATE`).
			WithArgs(hash, testNow).
			WillReturnRows(membershipRow(40, int64(5), 9, membership.StatusInvited, `["securityGuard"]`, hash))
		mock.ExpectExec(`UPDATE memberships`).
			WithArgs(int64(5), int64(9), "active", []byte(`["securityGuard"]`), nil, nil, nil, sqlmock.AnyArg(), int64(40)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		m, err := tm.Accept(ctx, token, 9, AcceptOptions{})
		require.NoError(t, err)
		assert.Equal(t, membership.StatusActive, m.Status)
		assert.Nil(t, m.InvitationTokenHash)
		assert.Equal(t, []int64{9}, tm.identities.verified)
		assert.Equal(t, []int64{5}, tm.invalidator.Calls())

		entries := tm.audit.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, audit.ActionAccept, entries[0].Action)
		assert.Equal(t, "active", entries[0].Values["status"])
		assert.Equal(t, float64(1), testutil.ToFloat64(tm.metrics.InvitationsTotal.WithLabelValues("accept", "ok")))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("same email on another identity rebinds", func(t *testing.T) {
		tm := newTestManager(t)
		mock := tm.mock

		mock.ExpectBegin()
		mock.ExpectQuery(selectByToken).
			WillReturnRows(membershipRow(40, int64(5), 9, membership.StatusInvited, `["securityGuard"]`, hash))
		mock.ExpectQuery(selectLive).WithArgs(int64(5), int64(10)).WillReturnError(sql.ErrNoRows)
		mock.ExpectExec(`UPDATE memberships`).
			WithArgs(int64(5), int64(10), "active", []byte(`["securityGuard"]`), nil, nil, nil, sqlmock.AnyArg(), int64(40)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		m, err := tm.Accept(ctx, token, 10, AcceptOptions{})
		require.NoError(t, err)
		assert.Equal(t, int64(10), m.IdentityID)
		assert.Equal(t, []int64{10}, tm.identities.verified)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("email mismatch conflicts", func(t *testing.T) {
		tm := newTestManager(t)
		mock := tm.mock

		mock.ExpectBegin()
		mock.ExpectQuery(selectByToken).
			WillReturnRows(membershipRow(40, int64(5), 9, membership.StatusInvited, `[]`, hash))
		mock.ExpectRollback()

		_, err := tm.Accept(ctx, token, 11, AcceptOptions{})
		assert.ErrorIs(t, err, errs.ErrConflict)
		assert.Empty(t, tm.invalidator.Calls())
		assert.Empty(t, tm.audit.Entries())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mismatch allowed merges into the existing membership", func(t *testing.T) {
		tm := newTestManager(t)
		mock := tm.mock

		mock.ExpectBegin()
		mock.ExpectQuery(selectByToken).
			WillReturnRows(membershipRow(40, int64(5), 9, membership.StatusInvited, `["securityGuard"]`, hash))
		mock.ExpectQuery(selectLive).WithArgs(int64(5), int64(11)).
			WillReturnRows(membershipRow(50, int64(5), 11, membership.StatusPending, `["supervisor"]`, nil))
		mock.ExpectQuery(`SELECT client_id FROM membership_clients WHERE membership_id = \$1`).WithArgs(int64(40)).WillReturnRows(idRows(3))
		mock.ExpectQuery(`SELECT post_site_id FROM membership_post_sites WHERE membership_id = \$1`).WithArgs(int64(40)).WillReturnRows(idRows())
		mock.ExpectExec(`DELETE FROM memberships WHERE id = \$1`).WithArgs(int64(40)).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE memberships`).
			WithArgs(int64(5), int64(11), "active", []byte(`["securityGuard","supervisor"]`), nil, nil, nil, sqlmock.AnyArg(), int64(50)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT client_id FROM membership_clients`).WithArgs(int64(50)).WillReturnRows(idRows())
		mock.ExpectQuery(`SELECT id FROM clients`).WithArgs(int64(5), "{3}").WillReturnRows(idRows(3))
		mock.ExpectExec(`INSERT INTO membership_clients`).WithArgs(int64(50), "{3}").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT post_site_id FROM membership_post_sites`).WithArgs(int64(50)).WillReturnRows(idRows())
		mock.ExpectCommit()

		m, err := tm.Accept(ctx, token, 11, AcceptOptions{AllowEmailMismatch: true})
		require.NoError(t, err)
		assert.Equal(t, int64(50), m.ID)
		assert.Equal(t, membership.RoleSet{"securityGuard", "supervisor"}, m.Roles)
		assert.Equal(t, membership.StatusActive, m.Status)
		assert.Equal(t, []int64{3}, m.AssignedClients)
		assert.Empty(t, tm.identities.verified)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already verified identity stays verified", func(t *testing.T) {
		tm := newTestManager(t)
		mock := tm.mock

		mock.ExpectBegin()
		mock.ExpectQuery(selectByToken).
			WillReturnRows(membershipRow(40, int64(5), 12, membership.StatusInvited, `[]`, hash))
		mock.ExpectExec(`UPDATE memberships`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		_, err := tm.Accept(ctx, token, 12, AcceptOptions{})
		require.NoError(t, err)
		assert.Empty(t, tm.identities.verified)
	})

	t.Run("unknown or expired token", func(t *testing.T) {
		tm := newTestManager(t)
		mock := tm.mock

		mock.ExpectBegin()
		mock.ExpectQuery(selectByToken).WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := tm.Accept(ctx, token, 9, AcceptOptions{})
		assert.ErrorIs(t, err, errs.ErrNotFound)
		assert.Equal(t, float64(1), testutil.ToFloat64(tm.metrics.InvitationsTotal.WithLabelValues("accept", "error")))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failure after the merge rolls everything back", func(t *testing.T) {
		tm := newTestManager(t)
		mock := tm.mock

		mock.ExpectBegin()
		mock.ExpectQuery(selectByToken).
			WillReturnRows(membershipRow(40, int64(5), 9, membership.StatusInvited, `[]`, hash))
		mock.ExpectExec(`UPDATE memberships`).WillReturnError(sql.ErrConnDone)
		mock.ExpectRollback()

		_, err := tm.Accept(ctx, token, 9, AcceptOptions{})
		require.Error(t, err)
		assert.Empty(t, tm.identities.verified)
		assert.Empty(t, tm.invalidator.Calls())
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestManager_Decline(t *testing.T) {
	ctx := context.Background()
	tm := newTestManager(t)
	mock := tm.mock

	mock.ExpectBegin()
	mock.ExpectQuery(selectByToken + ` FOR UPDATE`).
		WillReturnRows(membershipRow(40, int64(5), 9, membership.StatusInvited, `["securityGuard"]`, auth.HashToken(token)))
	mock.ExpectExec(`DELETE FROM memberships WHERE id = \$1`).WithArgs(int64(40)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, tm.Decline(ctx, token))
	assert.Equal(t, []int64{5}, tm.invalidator.Calls())
	assert.Equal(t, audit.ActionDecline, tm.audit.Entries()[0].Action)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.ErrorIs(t, tm.Decline(ctx, ""), errs.ErrNotFound)
}
