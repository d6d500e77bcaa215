package users_test

import (
	"testing"

	"github.com/jrsteele09/go-team-auth/users"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	for _, raw := range []string{"member", "admin", "owner", "super_admin"} {
		r, err := users.ParseRole(raw)
		require.NoError(t, err)
		require.Equal(t, raw, r.String())
	}

	_, err := users.ParseRole("tenant_admin")
	require.Error(t, err)
	_, err = users.ParseRole("")
	require.Error(t, err)
}

func TestRoleType_Privileges(t *testing.T) {
	require.True(t, users.RoleSuperAdmin.IsSuperAdmin())
	require.False(t, users.RoleOwner.IsSuperAdmin())

	require.True(t, users.RoleAdmin.CanManageMembers())
	require.True(t, users.RoleOwner.CanManageMembers())
	require.False(t, users.RoleMember.CanManageMembers())

	require.True(t, users.RoleOwner.CanTransferOwnership())
	require.False(t, users.RoleAdmin.CanTransferOwnership())

	require.False(t, users.RoleType("").AtLeast(users.RoleMember))
}

func TestValidatePasswordStrength(t *testing.T) {
	require.NoError(t, users.ValidatePasswordStrength("Passw0rdOK"))
	require.ErrorContains(t, users.ValidatePasswordStrength("Sh0rt"), "at least 8")
	require.ErrorContains(t, users.ValidatePasswordStrength("alllower1"), "uppercase")
	require.ErrorContains(t, users.ValidatePasswordStrength("ALLUPPER1"), "lowercase")
	require.ErrorContains(t, users.ValidatePasswordStrength("NoNumbers"), "number")
}

func TestPasswordHash(t *testing.T) {
	hash, err := users.HashPassword("Passw0rdOK")
	require.NoError(t, err)
	require.True(t, users.CheckPasswordHash("Passw0rdOK", hash))
	require.False(t, users.CheckPasswordHash("wrong", hash))
}

func TestUser_CloneIsDeep(t *testing.T) {
	u := &users.User{ID: "u1", Email: "a@example.com", Metadata: map[string]any{"k": "v"}}
	c := u.Clone()
	c.Metadata["k"] = "changed"
	require.Equal(t, "v", u.Metadata["k"])

	var nilUser *users.User
	require.Nil(t, nilUser.Clone())
}
