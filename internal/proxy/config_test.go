package proxy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.ServerHost)
	assert.Equal(t, 9090, cfg.ServerPort)
	assert.Equal(t, "127.0.0.1:9091", cfg.Listen)
	assert.Equal(t, int64(1<<30), cfg.Capacity)
	assert.NotEmpty(t, cfg.CacheDir)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_host: origin.example.com
server_port: 7000
cache_dir: /var/cache/proxyfs
capacity: 52428800
log_level: debug
`), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "origin.example.com", cfg.ServerHost)
	assert.Equal(t, 7000, cfg.ServerPort)
	assert.Equal(t, "origin.example.com:7000", cfg.ServerAddr())
	assert.Equal(t, "/var/cache/proxyfs", cfg.CacheDir)
	assert.Equal(t, int64(50<<20), cfg.Capacity)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Unset keys still get defaults.
	assert.Equal(t, "127.0.0.1:9091", cfg.Listen)
}

func TestLoadConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestConfigDirEnvOverride(t *testing.T) {
	t.Setenv("PROXYFS_CONFIG_DIR", "/tmp/proxyfs-test")
	assert.Equal(t, "/tmp/proxyfs-test", ConfigDir())
	assert.Equal(t, "/tmp/proxyfs-test/config.yaml", DefaultConfigPath())
}
