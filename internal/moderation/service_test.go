package moderation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoles = `
roles:
  admin:
    description: Full control
    permissions: [adjust_count, toggle_panel, configure_topics]
  moderator:
    description: Counter adjustments
    permissions: [adjust_count]
users:
  - user_id: 1001
    username: owner
    role: admin
    note: Group owner
  - user_id: 1002
    username: helper
    role: moderator
`

func writeRoles(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func createTestPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := NewPolicy(writeRoles(t, testRoles))
	require.NoError(t, err)
	return p
}

func TestNewPolicy_NoConfig(t *testing.T) {
	p, err := NewPolicy("")
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.False(t, p.IsEnabled())
	assert.False(t, p.IsAdmin(1001))
	assert.False(t, p.HasPermission(1001, PermissionAdjustCount))
	assert.Nil(t, p.ListModerators())
	assert.NoError(t, p.Reload())
}

func TestNewPolicy_MissingFile(t *testing.T) {
	p, err := NewPolicy("/nonexistent/path/roles.yaml")
	require.NoError(t, err)
	assert.False(t, p.IsEnabled())
}

func TestNewPolicy_InvalidYAML(t *testing.T) {
	_, err := NewPolicy(writeRoles(t, "roles: [this is: not a map"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse roles file")
}

func TestNewPolicy_InvalidRole(t *testing.T) {
	content := `
roles:
  admin:
    permissions: [adjust_count]
users:
  - user_id: 7
    role: nonexistent
`
	_, err := NewPolicy(writeRoles(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role")
}

func TestNewPolicy_UnknownPermission(t *testing.T) {
	content := `
roles:
  admin:
    permissions: [ban_everyone]
`
	_, err := NewPolicy(writeRoles(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown permission")
}

func TestPolicy_IsAdmin(t *testing.T) {
	p := createTestPolicy(t)

	assert.True(t, p.IsEnabled())
	assert.True(t, p.IsAdmin(1001))
	assert.False(t, p.IsAdmin(1002))
	assert.False(t, p.IsAdmin(9999))
}

func TestPolicy_HasPermission(t *testing.T) {
	p := createTestPolicy(t)

	assert.True(t, p.HasPermission(1001, PermissionAdjustCount))
	assert.True(t, p.HasPermission(1001, PermissionConfigureTopics))

	assert.True(t, p.HasPermission(1002, PermissionAdjustCount))
	assert.False(t, p.HasPermission(1002, PermissionTogglePanel))

	assert.False(t, p.HasPermission(9999, PermissionAdjustCount))
}

func TestPolicy_GetModeratorUser(t *testing.T) {
	p := createTestPolicy(t)

	user, ok := p.GetModeratorUser(1001)
	require.True(t, ok)
	assert.Equal(t, "owner", user.Username)
	assert.Equal(t, RoleAdmin, user.Role)
	assert.Equal(t, "Group owner", user.Note)

	_, ok = p.GetModeratorUser(9999)
	assert.False(t, ok)
}

func TestPolicy_ListModeratorsReturnsCopies(t *testing.T) {
	p := createTestPolicy(t)

	users := p.ListModerators()
	require.Len(t, users, 2)

	users[0].Username = "mutated"
	original, _ := p.GetModeratorUser(1001)
	assert.Equal(t, "owner", original.Username)
}

func TestPolicy_Reload(t *testing.T) {
	path := writeRoles(t, `
roles:
  admin:
    permissions: [adjust_count]
users:
  - user_id: 1
    role: admin
`)
	p, err := NewPolicy(path)
	require.NoError(t, err)
	assert.True(t, p.IsAdmin(1))
	assert.False(t, p.IsAdmin(2))

	require.NoError(t, os.WriteFile(path, []byte(`
roles:
  admin:
    permissions: [adjust_count]
users:
  - user_id: 1
    role: admin
  - user_id: 2
    role: admin
`), 0644))

	require.NoError(t, p.Reload())
	assert.True(t, p.IsAdmin(2))
}

func TestConfig_Validate(t *testing.T) {
	t.Run("nil roles map", func(t *testing.T) {
		config := &Config{}
		assert.NoError(t, config.Validate())
		assert.NotNil(t, config.Roles)
	})

	t.Run("user without id", func(t *testing.T) {
		config := &Config{
			Roles: map[RoleName]*Role{RoleAdmin: {}},
			Users: []ModeratorUser{{Role: RoleAdmin}},
		}
		err := config.Validate()
		require.Error(t, err)
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "users", cfgErr.Field)
	})

	t.Run("valid config sets role names", func(t *testing.T) {
		config := &Config{
			Roles: map[RoleName]*Role{RoleModerator: {Description: "Mods"}},
			Users: []ModeratorUser{{UserID: 5, Role: RoleModerator}},
		}
		require.NoError(t, config.Validate())
		assert.Equal(t, RoleModerator, config.Roles[RoleModerator].Name)
	})
}

func TestRole_HasPermission(t *testing.T) {
	role := &Role{Permissions: []Permission{PermissionAdjustCount}}
	assert.True(t, role.HasPermission(PermissionAdjustCount))
	assert.False(t, role.HasPermission(PermissionTogglePanel))
}
