package membership

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/guardpost/pkg/errs"
)

var membershipColumnNames = []string{
	"id", "tenant_id", "identity_id", "status", "roles",
	"invitation_token_hash", "invitation_token_expires_at", "created_at", "updated_at", "deleted_at",
}

const (
	selectLive          = `SELECT id, tenant_id, identity_id, status, roles, invitation_token_hash, invitation_token_expires_at, created_at, updated_at, deleted_at FROM memberships WHERE tenant_id = \$1 AND identity_id = \$2 AND deleted_at IS NULL`
	selectLiveForUpdate = selectLive + ` FOR UPDATE`
	selectArchived      = `FROM memberships WHERE tenant_id = \$1 AND identity_id = \$2 AND deleted_at IS NOT NULL ORDER BY deleted_at DESC LIMIT 1 FOR UPDATE`
	selectClients       = `SELECT client_id FROM membership_clients WHERE membership_id = \$1`
	selectPostSites     = `SELECT post_site_id FROM membership_post_sites WHERE membership_id = \$1`
)

// row describes one memberships row for sqlmock
type row struct {
	id         int64
	tenantID   interface{}
	identityID int64
	status     Status
	roles      string
	tokenHash  interface{}
	expiresAt  interface{}
	deletedAt  interface{}
}

func membershipRows(rows ...row) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := sqlmock.NewRows(membershipColumnNames)
	for _, r := range rows {
		out.AddRow(r.id, r.tenantID, r.identityID, string(r.status), []byte(r.roles),
			r.tokenHash, r.expiresAt, now, now, r.deletedAt)
	}
	return out
}

func idRows(ids ...int64) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id"})
	for _, id := range ids {
		rows.AddRow(id)
	}
	return rows
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock, db
}

func TestStore_Find(t *testing.T) {
	ctx := context.Background()

	t.Run("live membership", func(t *testing.T) {
		store, mock, db := newMockStore(t)
		expires := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
		mock.ExpectQuery(selectLiveForUpdate).
			WithArgs(int64(5), int64(9)).
			WillReturnRows(membershipRows(row{id: 40, tenantID: int64(5), identityID: 9, status: StatusInvited, roles: `[]`, tokenHash: "abc", expiresAt: expires}))

		m, err := store.FindByTenantAndIdentity(ctx, db, 5, 9, true)
		require.NoError(t, err)
		assert.Equal(t, int64(40), m.ID)
		assert.Equal(t, StatusInvited, m.Status)
		assert.Equal(t, RoleSet{}, m.Roles)
		require.NotNil(t, m.InvitationTokenHash)
		assert.Equal(t, "abc", *m.InvitationTokenHash)
		assert.True(t, m.HasLiveInvitation(expires.Add(-time.Minute)))
		assert.False(t, m.HasLiveInvitation(expires))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		store, mock, db := newMockStore(t)
		mock.ExpectQuery(selectLive).WillReturnError(sql.ErrNoRows)

		_, err := store.FindByTenantAndIdentity(ctx, db, 5, 9, false)
		assert.ErrorIs(t, err, errs.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("legacy row with scalar roles", func(t *testing.T) {
		store, mock, db := newMockStore(t)
		mock.ExpectQuery(`FROM memberships WHERE tenant_id IS NULL AND identity_id = \$1 AND deleted_at IS NULL ORDER BY id LIMIT 1 FOR UPDATE`).
			WithArgs(int64(9)).
			WillReturnRows(membershipRows(row{id: 3, tenantID: nil, identityID: 9, status: StatusActive, roles: `"supervisor"`}))

		m, err := store.FindLegacy(ctx, db, 9)
		require.NoError(t, err)
		assert.Equal(t, int64(0), m.TenantID)
		assert.Equal(t, RoleSet{"supervisor"}, m.Roles)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown status fails the scan", func(t *testing.T) {
		store, mock, db := newMockStore(t)
		mock.ExpectQuery(selectLive).
			WillReturnRows(membershipRows(row{id: 3, tenantID: int64(5), identityID: 9, status: "suspended", roles: `[]`}))

		_, err := store.FindByTenantAndIdentity(ctx, db, 5, 9, false)
		assert.ErrorIs(t, err, errs.ErrValidation)
	})
}

func TestStore_Insert(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts", func(t *testing.T) {
		store, mock, db := newMockStore(t)
		mock.ExpectQuery(`INSERT INTO memberships \(tenant_id, identity_id, status, roles, invitation_token_hash, invitation_token_expires_at, created_at, updated_at\)`).
			WithArgs(int64(5), int64(9), "active", []byte(`["securityGuard"]`), nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(idRows(40))

		m := &Membership{TenantID: 5, IdentityID: 9, Status: StatusActive, Roles: NewRoleSet("securityGuard")}
		require.NoError(t, store.Insert(ctx, db, m))
		assert.Equal(t, int64(40), m.ID)
		assert.False(t, m.CreatedAt.IsZero())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stamps rows with the store clock", func(t *testing.T) {
		store, mock, db := newMockStore(t)
		fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
		store = store.WithClock(func() time.Time { return fixed })

		mock.ExpectQuery(`INSERT INTO memberships`).
			WithArgs(int64(5), int64(9), "invited", sqlmock.AnyArg(), nil, nil, fixed, fixed).
			WillReturnRows(idRows(41))
		mock.ExpectExec(`UPDATE memberships`).
			WithArgs(int64(5), int64(9), "active", sqlmock.AnyArg(), nil, nil, nil, fixed, int64(41)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		m := &Membership{TenantID: 5, IdentityID: 9, Status: StatusInvited, Roles: NewRoleSet("securityGuard")}
		require.NoError(t, store.Insert(ctx, db, m))
		assert.Equal(t, fixed, m.CreatedAt)

		m.Status = StatusActive
		require.NoError(t, store.Update(ctx, db, m))
		assert.Equal(t, fixed, m.UpdatedAt)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second live membership conflicts", func(t *testing.T) {
		store, mock, db := newMockStore(t)
		mock.ExpectQuery(`INSERT INTO memberships`).WillReturnError(&pq.Error{Code: "23505"})

		err := store.Insert(ctx, db, &Membership{TenantID: 5, IdentityID: 9, Status: StatusActive})
		assert.ErrorIs(t, err, errs.ErrConflict)
	})
}

func TestStore_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("update missing row", func(t *testing.T) {
		store, mock, db := newMockStore(t)
		mock.ExpectExec(`UPDATE memberships`).WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.Update(ctx, db, &Membership{ID: 1, TenantID: 5, Status: StatusActive})
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		store, mock, db := newMockStore(t)
		mock.ExpectExec(`DELETE FROM memberships WHERE id = \$1`).
			WithArgs(int64(40)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.Delete(ctx, db, 40))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_ActiveRoles(t *testing.T) {
	ctx := context.Background()
	query := `SELECT roles FROM memberships\s+WHERE tenant_id = \$1 AND identity_id = \$2 AND status = \$3 AND deleted_at IS NULL`

	t.Run("active membership", func(t *testing.T) {
		store, mock, _ := newMockStore(t)
		mock.ExpectQuery(query).
			WithArgs(int64(5), int64(9), "active").
			WillReturnRows(sqlmock.NewRows([]string{"roles"}).AddRow([]byte(`["supervisor","securityGuard"]`)))

		roles, err := store.ActiveRoles(ctx, 5, 9)
		require.NoError(t, err)
		assert.Equal(t, []string{"securityGuard", "supervisor"}, roles)
	})

	t.Run("no active membership", func(t *testing.T) {
		store, mock, _ := newMockStore(t)
		mock.ExpectQuery(query).WillReturnError(sql.ErrNoRows)

		roles, err := store.ActiveRoles(ctx, 5, 9)
		require.NoError(t, err)
		assert.Empty(t, roles)
		assert.NotNil(t, roles)
	})

	t.Run("query error", func(t *testing.T) {
		store, mock, _ := newMockStore(t)
		mock.ExpectQuery(query).WillReturnError(errors.New("connection reset"))

		_, err := store.ActiveRoles(ctx, 5, 9)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read active roles")
	})
}

func TestStore_ListByIdentity(t *testing.T) {
	store, mock, db := newMockStore(t)
	mock.ExpectQuery(`FROM memberships WHERE identity_id = \$1 AND tenant_id IS NOT NULL AND deleted_at IS NULL ORDER BY tenant_id`).
		WithArgs(int64(9)).
		WillReturnRows(membershipRows(
			row{id: 1, tenantID: int64(2), identityID: 9, status: StatusActive, roles: `["a"]`},
			row{id: 7, tenantID: int64(4), identityID: 9, status: StatusPending, roles: `[]`},
		))

	memberships, err := store.ListByIdentity(context.Background(), db, 9)
	require.NoError(t, err)
	require.Len(t, memberships, 2)
	assert.Equal(t, int64(4), memberships[1].TenantID)
	assert.Equal(t, StatusPending, memberships[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MergeClients(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts only the new tenant resources", func(t *testing.T) {
		store, mock, db := newMockStore(t)
		mock.ExpectQuery(selectClients).WithArgs(int64(40)).WillReturnRows(idRows(3))
		mock.ExpectQuery(`SELECT id FROM clients WHERE tenant_id = \$1 AND id = ANY\(\$2\)`).
			WithArgs(int64(5), "{3,5,7,99}").
			WillReturnRows(idRows(3, 5, 7))
		mock.ExpectExec(`INSERT INTO membership_clients \(membership_id, client_id\)\s+SELECT \$1, unnest\(\$2::bigint\[\]\)\s+ON CONFLICT DO NOTHING`).
			WithArgs(int64(40), "{5,7}").
			WillReturnResult(sqlmock.NewResult(0, 2))

		m := &Membership{ID: 40, TenantID: 5}
		require.NoError(t, store.MergeClients(ctx, db, m, []int64{3, 5, 7, 99}))
		assert.Equal(t, []int64{3, 5, 7}, m.AssignedClients)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nothing requested keeps existing links", func(t *testing.T) {
		store, mock, db := newMockStore(t)
		mock.ExpectQuery(selectPostSites).WithArgs(int64(40)).WillReturnRows(idRows(8, 9))

		m := &Membership{ID: 40, TenantID: 5}
		require.NoError(t, store.MergePostSites(ctx, db, m, nil))
		assert.Equal(t, []int64{8, 9}, m.AssignedPostSites)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already linked skips the insert", func(t *testing.T) {
		store, mock, db := newMockStore(t)
		mock.ExpectQuery(selectClients).WillReturnRows(idRows(3, 5))
		mock.ExpectQuery(`SELECT id FROM clients`).WillReturnRows(idRows(3, 5))

		m := &Membership{ID: 40, TenantID: 5}
		require.NoError(t, store.MergeClients(ctx, db, m, []int64{5, 3, 5}))
		assert.Equal(t, []int64{3, 5}, m.AssignedClients)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_CountExpiredInvitations(t *testing.T) {
	store, mock, _ := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM memberships`).
		WithArgs("invited", now).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	count, err := store.CountExpiredInvitations(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}
