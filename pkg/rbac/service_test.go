package rbac

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/guardpost/pkg/audit"
	"github.com/platinummonkey/guardpost/pkg/errs"
)

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

func newTestService(t *testing.T) (*RoleService, sqlmock.Sqlmock, *recordingInvalidator, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	auditLogger, err := audit.NewDBLogger(db)
	require.NoError(t, err)
	invalidator := &recordingInvalidator{}
	service := NewRoleService(db, NewStore(db), mustCatalog(t), invalidator, auditLogger)
	return service, mock, invalidator, db
}

var roleColumnNames = []string{"id", "tenant_id", "slug", "name", "permissions", "created_at", "updated_at"}

const selectRoleForUpdate = `SELECT id, tenant_id, slug, name, permissions, created_at, updated_at FROM roles WHERE tenant_id = \$1 AND id = \$2 FOR UPDATE`

func TestRoleService_CreateRole(t *testing.T) {
	ctx := context.Background()
	actor := int64(77)

	t.Run("creates and invalidates", func(t *testing.T) {
		service, mock, invalidator, _ := newTestService(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO roles \(tenant_id, slug, name, permissions, created_at, updated_at\)`).
			WithArgs(int64(4), "night-lead", "Night Lead", []byte(`["guards.read","patrols.write"]`), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(31))
		mock.ExpectQuery(`INSERT INTO audit_log`).
			WithArgs("role", int64(31), "create", int64(77), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
		mock.ExpectCommit()

		role, err := service.CreateRole(ctx, 4, RoleInput{
			Name:        " Night Lead ",
			Permissions: []string{"guards.read", "patrols.write", "guards.read"},
		}, &actor)
		require.NoError(t, err)
		assert.Equal(t, int64(31), role.ID)
		assert.Equal(t, "night-lead", role.Slug)
		assert.Equal(t, []int64{4}, invalidator.Calls())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("system slug is reserved", func(t *testing.T) {
		service, mock, invalidator, _ := newTestService(t)

		_, err := service.CreateRole(ctx, 4, RoleInput{Name: "Admin"}, nil)
		assert.ErrorIs(t, err, errs.ErrConflict)
		assert.Empty(t, invalidator.Calls())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown permission", func(t *testing.T) {
		service, _, _, _ := newTestService(t)
		_, err := service.CreateRole(ctx, 4, RoleInput{Name: "Ops", Permissions: []string{"rockets.launch"}}, nil)
		assert.ErrorIs(t, err, errs.ErrValidation)
	})

	t.Run("empty name", func(t *testing.T) {
		service, _, _, _ := newTestService(t)
		_, err := service.CreateRole(ctx, 4, RoleInput{Name: "  "}, nil)
		assert.ErrorIs(t, err, errs.ErrValidation)
	})

	t.Run("duplicate slug rolls back", func(t *testing.T) {
		service, mock, invalidator, _ := newTestService(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO roles`).WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		_, err := service.CreateRole(ctx, 4, RoleInput{Name: "Night Lead"}, nil)
		assert.ErrorIs(t, err, errs.ErrConflict)
		assert.Empty(t, invalidator.Calls())
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_Clock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	store := NewStore(db).WithClock(func() time.Time { return fixed })

	mock.ExpectQuery(`INSERT INTO roles`).
		WithArgs(int64(4), "night-lead", "Night Lead", []byte(`["guards.read"]`), fixed, fixed).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(31))
	mock.ExpectExec(`UPDATE roles SET name = \$1, permissions = \$2, updated_at = \$3`).
		WithArgs("Night Shift Lead", []byte(`["guards.read"]`), fixed, int64(4), int64(31)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	role := &Role{TenantID: 4, Slug: "night-lead", Name: "Night Lead", Permissions: []string{"guards.read"}}
	require.NoError(t, store.CreateRole(context.Background(), db, role))
	assert.Equal(t, fixed, role.CreatedAt)

	role.Name = "Night Shift Lead"
	require.NoError(t, store.UpdateRole(context.Background(), db, role))
	assert.Equal(t, fixed, role.UpdatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleService_UpdateRole(t *testing.T) {
	service, mock, invalidator, _ := newTestService(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(selectRoleForUpdate).
		WithArgs(int64(4), int64(31)).
		WillReturnRows(sqlmock.NewRows(roleColumnNames).AddRow(31, 4, "night-lead", "Night Lead", []byte(`["guards.read"]`), now, now))
	mock.ExpectExec(`UPDATE roles SET name = \$1, permissions = \$2, updated_at = \$3 WHERE tenant_id = \$4 AND id = \$5`).
		WithArgs("Night Shift Lead", []byte(`["guards.write"]`), sqlmock.AnyArg(), int64(4), int64(31)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO audit_log`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectCommit()

	role, err := service.UpdateRole(context.Background(), 4, 31, RoleInput{
		Name:        "Night Shift Lead",
		Permissions: []string{"guards.write"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "night-lead", role.Slug, "slug is immutable")
	assert.Equal(t, []string{"guards.write"}, role.Permissions)
	assert.Equal(t, []int64{4}, invalidator.Calls())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleService_DeleteRole(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	roleRow := func() *sqlmock.Rows {
		return sqlmock.NewRows(roleColumnNames).AddRow(31, 4, "night-lead", "Night Lead", []byte(`[]`), now, now)
	}

	t.Run("referenced role conflicts", func(t *testing.T) {
		service, mock, invalidator, _ := newTestService(t)

		mock.ExpectBegin()
		mock.ExpectQuery(selectRoleForUpdate).WithArgs(int64(4), int64(31)).WillReturnRows(roleRow())
		mock.ExpectQuery(`SELECT COUNT\(\*\)\s+FROM memberships`).
			WithArgs(int64(4), "night-lead").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
		mock.ExpectRollback()

		err := service.DeleteRole(ctx, 4, 31, nil)
		assert.ErrorIs(t, err, errs.ErrConflict)
		assert.Contains(t, err.Error(), "2 membership(s)")
		assert.Empty(t, invalidator.Calls())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unreferenced role is removed", func(t *testing.T) {
		service, mock, invalidator, _ := newTestService(t)

		mock.ExpectBegin()
		mock.ExpectQuery(selectRoleForUpdate).WithArgs(int64(4), int64(31)).WillReturnRows(roleRow())
		mock.ExpectQuery(`SELECT COUNT\(\*\)\s+FROM memberships`).
			WithArgs(int64(4), "night-lead").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(`DELETE FROM roles WHERE tenant_id = \$1 AND id = \$2`).
			WithArgs(int64(4), int64(31)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`INSERT INTO audit_log`).
			WithArgs("role", int64(31), "destroy", nil, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
		mock.ExpectCommit()

		require.NoError(t, service.DeleteRole(ctx, 4, 31, nil))
		assert.Equal(t, []int64{4}, invalidator.Calls())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing role", func(t *testing.T) {
		service, mock, _, _ := newTestService(t)

		mock.ExpectBegin()
		mock.ExpectQuery(selectRoleForUpdate).WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		err := service.DeleteRole(ctx, 4, 31, nil)
		assert.ErrorIs(t, err, errs.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRoleService_ResolveRoles(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	customRows := func() *sqlmock.Rows {
		return sqlmock.NewRows(roleColumnNames).
			AddRow(5, 4, "day-lead", "Day Lead", []byte(`[]`), now, now).
			AddRow(6, 4, "night-lead", "Night Lead", []byte(`[]`), now, now)
	}

	t.Run("mixed references", func(t *testing.T) {
		service, mock, _, db := newTestService(t)
		mock.ExpectQuery(`FROM roles WHERE tenant_id = \$1 ORDER BY slug FOR SHARE`).
			WithArgs(int64(4)).
			WillReturnRows(customRows())

		slugs, err := service.ResolveRoles(ctx, db, 4, []RoleRef{
			{Slug: RoleAdmin}, {Slug: "night-lead"}, {ID: 5}, {Slug: RoleAdmin}, {ID: 6},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{RoleAdmin, "night-lead", "day-lead"}, slugs)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("system roles only skip the database", func(t *testing.T) {
		service, mock, _, db := newTestService(t)
		slugs, err := service.ResolveRoles(ctx, db, 4, []RoleRef{{Slug: RoleSecurityGuard}})
		require.NoError(t, err)
		assert.Equal(t, []string{RoleSecurityGuard}, slugs)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown slug", func(t *testing.T) {
		service, mock, _, db := newTestService(t)
		mock.ExpectQuery(`FROM roles WHERE tenant_id`).WillReturnRows(customRows())
		_, err := service.ResolveRoles(ctx, db, 4, []RoleRef{{Slug: "ghost"}})
		assert.ErrorIs(t, err, errs.ErrValidation)
	})

	t.Run("unknown id", func(t *testing.T) {
		service, mock, _, db := newTestService(t)
		mock.ExpectQuery(`FROM roles WHERE tenant_id`).WillReturnRows(customRows())
		_, err := service.ResolveRoles(ctx, db, 4, []RoleRef{{ID: 999}})
		assert.ErrorIs(t, err, errs.ErrValidation)
	})

	t.Run("custom roles are share-locked inside the caller's transaction", func(t *testing.T) {
		service, mock, _, db := newTestService(t)
		mock.MatchExpectationsInOrder(true)
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id, tenant_id, slug, name, permissions, created_at, updated_at FROM roles WHERE tenant_id = \$1 ORDER BY slug FOR SHARE`).
			WithArgs(int64(4)).
			WillReturnRows(customRows())
		mock.ExpectCommit()

		tx, err := db.Begin()
		require.NoError(t, err)
		slugs, err := service.ResolveRoles(ctx, tx, 4, []RoleRef{{Slug: "night-lead"}})
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.Equal(t, []string{"night-lead"}, slugs)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("listing for display takes no lock", func(t *testing.T) {
		service, mock, _, _ := newTestService(t)
		mock.ExpectQuery(`FROM roles WHERE tenant_id = \$1 ORDER BY slug$`).
			WithArgs(int64(4)).
			WillReturnRows(customRows())

		roles, err := service.ListRoles(ctx, 4)
		require.NoError(t, err)
		assert.Len(t, roles, 2)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty", func(t *testing.T) {
		service, _, _, db := newTestService(t)
		slugs, err := service.ResolveRoles(ctx, db, 4, nil)
		require.NoError(t, err)
		assert.Empty(t, slugs)
	})
}

func TestStore_TenantsWithRoles(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT DISTINCT tenant_id FROM roles ORDER BY tenant_id LIMIT \$1`).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow(2).AddRow(7))

	ids, err := NewStore(db).TenantsWithRoles(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 7}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}
