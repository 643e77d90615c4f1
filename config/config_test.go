package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFromFile_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "nonexistent.toml"))
	require.NoError(t, err)
	require.Equal(t, Defaults().Server.ListenAddr, cfg.Server.ListenAddr)
	require.True(t, cfg.FeatureFlags["async_enabled"])
}

func TestLoadFromFile_OverridesMergeOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
listen_addr = ":9090"

[router]
max_fallbacks = 5

[feature_flags]
materializer_enabled = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.ListenAddr)
	require.Equal(t, 5, cfg.Router.MaxFallbacks)
	require.False(t, cfg.FeatureFlags["materializer_enabled"])
	// unset sections still carry their defaults
	require.Equal(t, Defaults().Graph.FailureThreshold, cfg.Graph.FailureThreshold)
}

func TestLoad_CachesSingletonUntilReset(t *testing.T) {
	Reset()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[server]
listen_addr = ":1111"`), 0o644))

	cfg1, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":1111", cfg1.Server.ListenAddr)

	require.NoError(t, os.WriteFile(path, []byte(`[server]
listen_addr = ":2222"`), 0o644))

	cfg2, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":1111", cfg2.Server.ListenAddr, "cached singleton should not reflect the rewritten file")

	Reset()
	cfg3, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":2222", cfg3.Server.ListenAddr)
}

func TestWatch_ReloadsOnFileWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[feature_flags]
canary_percentage_is_zero = true`), 0o644))

	changes := make(chan *Config, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, Watch(ctx, path, func(cfg *Config) { changes <- cfg }))

	require.NoError(t, os.WriteFile(path, []byte(`[feature_flags]
canary_percentage_is_zero = false`), 0o644))

	select {
	case cfg := <-changes:
		require.False(t, cfg.FeatureFlags["canary_percentage_is_zero"])
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never fired on file write")
	}
}
