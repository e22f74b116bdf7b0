package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_NoPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_YAMLOverlayOnlyChangesNamedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis:\n  address: redis.internal:6379\nmaxRoutingRetries: 5\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "redis.internal:6379", cfg.Redis.Address)
	require.Equal(t, 5, cfg.MaxRoutingRetries)
	require.Equal(t, Default().AdminListenAddress, cfg.AdminListenAddress, "unnamed fields keep their default")
}
