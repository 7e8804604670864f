package rbac

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCatalog(t *testing.T) *Catalog {
	t.Helper()
	catalog, err := DefaultCatalog()
	require.NoError(t, err)
	return catalog
}

func TestDefaultCatalog(t *testing.T) {
	catalog := mustCatalog(t)

	assert.Equal(t, []string{
		RoleAdmin, RoleManager, RoleDispatcher, RoleHRManager,
		RoleSupervisor, RoleSecurityGuard, RoleClient,
	}, catalog.SystemRoles())

	for _, plan := range []PlanTier{PlanFree, PlanPro, PlanEnterprise, PlanCustom} {
		assert.True(t, catalog.IsPlan(plan), plan)
	}
	assert.False(t, catalog.IsPlan("platinum"))

	t.Run("roles.write is admin only on paid plans", func(t *testing.T) {
		perm, ok := catalog.Permission("roles.write")
		require.True(t, ok)
		assert.True(t, perm.AllowsAnyRole([]string{RoleClient, RoleAdmin}))
		assert.False(t, perm.AllowsAnyRole([]string{RoleManager}))
		assert.False(t, perm.AllowsPlan(PlanFree))
		assert.True(t, perm.AllowsPlan(PlanPro))
	})

	t.Run("permissions are sorted", func(t *testing.T) {
		perms := catalog.Permissions()
		require.NotEmpty(t, perms)
		for i := 1; i < len(perms); i++ {
			assert.Less(t, perms[i-1].ID, perms[i].ID)
		}
	})

	t.Run("unknown permission", func(t *testing.T) {
		_, ok := catalog.Permission("rockets.launch")
		assert.False(t, ok)
	})
}

func TestParseCatalog_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown role",
			yaml: "roles: [admin]\nplans: [free]\npermissions:\n  - id: a.read\n    allowed_roles: [ghost]\n    allowed_plans: [free]\n",
			want: `unknown role "ghost"`,
		},
		{
			name: "unknown plan",
			yaml: "roles: [admin]\nplans: [free]\npermissions:\n  - id: a.read\n    allowed_roles: [admin]\n    allowed_plans: [gold]\n",
			want: `unknown plan "gold"`,
		},
		{
			name: "duplicate permission",
			yaml: "roles: [admin]\nplans: [free]\npermissions:\n  - id: a.read\n  - id: a.read\n",
			want: `duplicate permission "a.read"`,
		},
		{
			name: "duplicate role",
			yaml: "roles: [admin, admin]\n",
			want: `duplicate role "admin"`,
		},
		{
			name: "missing id",
			yaml: "roles: [admin]\npermissions:\n  - allowed_roles: [admin]\n",
			want: "permission without id",
		},
		{
			name: "not yaml",
			yaml: "roles: [admin\n",
			want: "failed to parse catalog",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	catalog, err := LoadCatalog("")
	require.NoError(t, err)
	assert.True(t, catalog.IsSystemRole(RoleAdmin))

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("roles: [owner]\nplans: [free]\npermissions:\n  - id: x.read\n    allowed_roles: [owner]\n    allowed_plans: [free]\n"), 0o600))

	catalog, err = LoadCatalog(path)
	require.NoError(t, err)
	assert.True(t, catalog.IsSystemRole("owner"))
	assert.False(t, catalog.IsSystemRole(RoleAdmin))

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Night Lead", "night-lead"},
		{"  Night   Lead  ", "night-lead"},
		{"Site-Manager (East)", "site-manager-east"},
		{"Équipe 2", "quipe-2"},
		{"ADMIN", "admin"},
		{"!!!", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Slugify(tt.in))
		})
	}
}

func TestRolePermissions_Grants(t *testing.T) {
	perms := RolePermissions{
		"night-lead": {"guards.read", "patrols.write"},
		"auditor":    {"reports.export"},
	}
	assert.True(t, perms.Grants([]string{"auditor", "night-lead"}, "patrols.write"))
	assert.False(t, perms.Grants([]string{"auditor"}, "patrols.write"))
	assert.False(t, perms.Grants(nil, "guards.read"))
}
