package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8, cfg.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.Timeout.Std())
	assert.Equal(t, ByteSize(0), cfg.ChunkSize)
	assert.Equal(t, DriverBolt, cfg.Store.Driver)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
save_path: /tmp/dl
max_connections: 4
chunk_size: 64KB
timeout: 45
rate_limit: 1 MiB
proxy: http://proxy.local:3128
headers:
  Authorization: Bearer abc
store:
  driver: postgres
  dsn: postgres://u:p@localhost/fetchd
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/tmp/dl", cfg.SavePath)
	assert.Equal(t, 4, cfg.MaxConnections)
	assert.Equal(t, ByteSize(64000), cfg.ChunkSize)
	assert.Equal(t, 45*time.Second, cfg.Timeout.Std())
	assert.Equal(t, ByteSize(1<<20), cfg.RateLimit)
	assert.Equal(t, "Bearer abc", cfg.Headers["Authorization"])
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunk_size: lots\n"), 0644))
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("FETCHD_MAX_CONNECTIONS", "2")
	t.Setenv("FETCHD_TIMEOUT", "1m")
	t.Setenv("FETCHD_STORE_DSN", "postgres://x")
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, 2, cfg.MaxConnections)
	assert.Equal(t, time.Minute, cfg.Timeout.Std())
	assert.Equal(t, "postgres://x", cfg.Store.DSN)

	t.Setenv("FETCHD_MAX_CONNECTIONS", "many")
	assert.ErrorIs(t, Default().ApplyEnv(), ErrInvalidConfig)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("FETCHD_TEST_ENVFILE=from-file\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("FETCHD_TEST_ENVFILE") })
	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "from-file", os.Getenv("FETCHD_TEST_ENVFILE"))
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.MaxConnections = 0
	cfg.Timeout = 0
	cfg.Store.Driver = "sqlite"
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "max_connections")
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), "sqlite")
}
