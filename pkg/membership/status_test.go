package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/guardpost/pkg/errs"
)

func TestSelectStatus(t *testing.T) {
	tests := []struct {
		old   Status
		roles RoleSet
		want  Status
	}{
		{StatusInvited, RoleSet{}, StatusInvited},
		{StatusInvited, RoleSet{"securityGuard"}, StatusInvited},
		{StatusActive, RoleSet{}, StatusPending},
		{StatusActive, RoleSet{"securityGuard"}, StatusActive},
		{StatusPending, RoleSet{"supervisor"}, StatusActive},
		{StatusEmptyPermissions, RoleSet{"supervisor"}, StatusActive},
		{StatusArchived, RoleSet{}, StatusPending},
	}

	for _, tt := range tests {
		t.Run(string(tt.old), func(t *testing.T) {
			assert.Equal(t, tt.want, SelectStatus(tt.old, tt.roles))
		})
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("empty-permissions")
	require.NoError(t, err)
	assert.Equal(t, StatusEmptyPermissions, s)

	_, err = ParseStatus("suspended")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeReplace, m)

	m, err = ParseMode("remove-only")
	require.NoError(t, err)
	assert.Equal(t, ModeRemoveOnly, m)

	_, err = ParseMode("merge")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestApplyMode(t *testing.T) {
	existing := NewRoleSet("securityGuard", "supervisor")

	t.Run("replace", func(t *testing.T) {
		assert.Equal(t, RoleSet{"dispatcher"}, ApplyMode(existing, NewRoleSet("dispatcher"), ModeReplace))
		assert.Equal(t, RoleSet{}, ApplyMode(existing, nil, ModeReplace))
	})

	t.Run("add-only", func(t *testing.T) {
		got := ApplyMode(existing, NewRoleSet("dispatcher"), ModeAddOnly)
		assert.Equal(t, RoleSet{"dispatcher", "securityGuard", "supervisor"}, got)
	})

	t.Run("add-only is idempotent", func(t *testing.T) {
		input := NewRoleSet("securityGuard")
		once := ApplyMode(RoleSet{}, input, ModeAddOnly)
		twice := ApplyMode(once, input, ModeAddOnly)
		assert.Equal(t, once, twice)
	})

	t.Run("remove-only", func(t *testing.T) {
		assert.Equal(t, RoleSet{"supervisor"}, ApplyMode(existing, NewRoleSet("securityGuard", "absent"), ModeRemoveOnly))
	})
}
