package rolemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authbroker/pkg/auth"
)

func TestSelectRole_TieBreakOrder(t *testing.T) {
	t.Parallel()

	m, err := New(Config{
		AdminRoles: []string{"admin-role"},
		UserRoles:  []string{"user-role"},
		GuestRoles: []string{"guest-role"},
	})
	require.NoError(t, err)

	role, _ := m.SelectRole([]string{"guest-role", "user-role", "admin-role"}, nil)
	assert.Equal(t, auth.RoleAdmin, role, "admin must win regardless of claim ordering")

	role, _ = m.SelectRole([]string{"guest-role", "user-role"}, nil)
	assert.Equal(t, auth.RoleUser, role)

	role, _ = m.SelectRole([]string{"guest-role"}, nil)
	assert.Equal(t, auth.RoleGuest, role)
}

func TestSelectRole_NoMatchFallsBackToDefault(t *testing.T) {
	t.Parallel()

	m, err := New(Config{AdminRoles: []string{"admin-role"}, DefaultRole: auth.RoleGuest})
	require.NoError(t, err)

	role, reason := m.SelectRole([]string{"unrecognized"}, nil)
	assert.Equal(t, auth.RoleGuest, role)
	assert.NotEmpty(t, reason)
}

func TestSelectRole_NoRolesPresentUsesDefault(t *testing.T) {
	t.Parallel()
	m, err := New(Config{})
	require.NoError(t, err)

	role, reason := m.SelectRole(nil, nil)
	assert.Equal(t, auth.RoleUnassigned, role)
	assert.Contains(t, reason, "no roles present")
}

func TestSelectRole_CELExprTakesPriority(t *testing.T) {
	t.Parallel()

	m, err := New(Config{
		AdminRoles: []string{"not-used"},
		CELExpr:    `claims["tenant_admin"] == true ? "admin" : "guest"`,
	})
	require.NoError(t, err)

	role, reason := m.SelectRole(nil, map[string]any{"tenant_admin": true})
	assert.Equal(t, auth.RoleAdmin, role)
	assert.Empty(t, reason)

	role, _ = m.SelectRole(nil, map[string]any{"tenant_admin": false})
	assert.Equal(t, auth.RoleGuest, role)
}

func TestSelectRole_CELExprFallsThroughOnUnrecognizedResult(t *testing.T) {
	t.Parallel()

	m, err := New(Config{
		UserRoles: []string{"member"},
		CELExpr:   `"not-a-real-role"`,
	})
	require.NoError(t, err)

	role, _ := m.SelectRole([]string{"member"}, nil)
	assert.Equal(t, auth.RoleUser, role, "an unrecognized CEL result must fall through to the bucket rule")
}

func TestNew_InvalidCELExprFailsAtConstruction(t *testing.T) {
	t.Parallel()
	_, err := New(Config{CELExpr: "this is not valid CEL ((("})
	require.Error(t, err)
}

func TestNormalizeRoleClaim(t *testing.T) {
	t.Parallel()

	got, err := NormalizeRoleClaim("single-role")
	require.NoError(t, err)
	assert.Equal(t, []string{"single-role"}, got)

	got, err = NormalizeRoleClaim([]any{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	got, err = NormalizeRoleClaim(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = NormalizeRoleClaim([]any{"a", 5})
	require.Error(t, err)

	_, err = NormalizeRoleClaim(42)
	require.Error(t, err)
}
