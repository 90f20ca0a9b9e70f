package allowlist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnknownChannelDenies(t *testing.T) {
	a := New()
	require.False(t, a.IsAllowed("nonexistent", "U1", ""))
}

func TestOpenModeAllowsEveryone(t *testing.T) {
	a := New()
	a.LoadChannel("slack", ModeOpen, nil, nil)
	require.True(t, a.IsAllowed("slack", "anyone", ""))
	require.True(t, a.IsAllowed("slack", "anyone", "group1"))
}

func TestDisabledModeDeniesEveryone(t *testing.T) {
	a := New()
	a.LoadChannel("slack", ModeDisabled, []string{"U1"}, nil)
	require.False(t, a.IsAllowed("slack", "U1", ""))
}

func TestAllowlistModeMembership(t *testing.T) {
	a := New()
	a.LoadChannel("mattermost", ModeAllowlist, []string{"U1"}, []string{"G1"})

	require.True(t, a.IsAllowed("mattermost", "U1", ""))
	require.True(t, a.IsAllowed("mattermost", "U2", "G1"))
	require.False(t, a.IsAllowed("mattermost", "U2", ""))
	require.False(t, a.IsAllowed("mattermost", "U2", "G2"))
}

func TestAdminOps(t *testing.T) {
	a := New()
	a.SetMode("telegram", ModeAllowlist)
	require.False(t, a.IsAllowed("telegram", "U1", ""))

	a.AddUser("telegram", "U1")
	require.True(t, a.IsAllowed("telegram", "U1", ""))

	a.RemoveUser("telegram", "U1")
	require.False(t, a.IsAllowed("telegram", "U1", ""))

	status, ok := a.StatusOf("telegram")
	require.True(t, ok)
	require.Equal(t, ModeAllowlist, status.Mode)
}
