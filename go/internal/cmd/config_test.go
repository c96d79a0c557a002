package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "directory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9090"
storage: memory
auth:
  secret: from-file
publish:
  retries: 5
`), 0o600))

	t.Setenv("JWT_SECRET", "")
	t.Setenv("DIRECTORY_PORT", "")
	t.Setenv("DIRECTORY_STORAGE", "")
	t.Setenv("PUBLISH_RETRY_DELAY", "1s")

	config, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", config.Port)
	assert.Equal(t, storageMemory, config.Storage)
	assert.Equal(t, "from-file", config.Auth.Secret)
	assert.Equal(t, 5, config.Publish.Retries)
	assert.Equal(t, time.Second, config.Publish.RetryDelay)
	assert.Equal(t, 24*time.Hour, config.Auth.TokenTTL)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("DIRECTORY_PORT", "7070")
	t.Setenv("DIRECTORY_STORAGE", "memory")

	config, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "7070", config.Port)
	assert.Equal(t, "env-secret", config.Auth.Secret)
}

func TestLoadConfigRejects(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := loadConfig("")
	assert.Error(t, err)

	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DIRECTORY_STORAGE", "sqlite")
	_, err = loadConfig("")
	assert.Error(t, err)
}
