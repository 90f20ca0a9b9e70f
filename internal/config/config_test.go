package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimjaechol/moa-gateway/internal/allowlist"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 30, cfg.RateLimit.PerMinute)
	require.Equal(t, 3, cfg.RateLimit.MaxStrikes)
	require.Len(t, cfg.RateLimit.StrikeCooldowns, 3)
	require.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadAllowlistsFromEnv(t *testing.T) {
	t.Setenv("ALLOWLIST_SLACK_MODE", "allowlist")
	t.Setenv("ALLOWLIST_SLACK_USERS", "U1, U2")
	t.Setenv("ALLOWLIST_SLACK_GROUPS", "G1")

	cfg, err := Load()
	require.NoError(t, err)

	entry, ok := cfg.Allowlists["slack"]
	require.True(t, ok)
	require.Equal(t, allowlist.ModeAllowlist, entry.Mode)
	require.ElementsMatch(t, []string{"U1", "U2"}, entry.Users)
	require.ElementsMatch(t, []string{"G1"}, entry.Groups)
}

func TestLoadAllowlistsIgnoresUnrelatedEnv(t *testing.T) {
	require.NoError(t, os.Unsetenv("ALLOWLIST_TELEGRAM_MODE"))
	cfg, err := Load()
	require.NoError(t, err)
	_, ok := cfg.Allowlists["telegram"]
	require.False(t, ok)
}
