package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.LessOrEqual(t, cfg.Render.CeilingBytes, cfg.Fetch.CeilingBytes)
	assert.Contains(t, cfg.Render.RichTypes, "text/markdown")
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvServerURL, "")
	t.Setenv(EnvToken, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().ServerURL, cfg.ServerURL)
	assert.Empty(t, cfg.Path())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Setenv(EnvServerURL, "")
	t.Setenv(EnvToken, "")

	path := filepath.Join(t.TempDir(), ConfigFile)
	data := `
server_url = "http://blobs.internal:9000"

[fetch]
ceiling_bytes = 2048
timeout = "250ms"
max_retries = 1

[render]
ceiling_bytes = 1024
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://blobs.internal:9000", cfg.ServerURL)
	assert.Equal(t, int64(2048), cfg.Fetch.CeilingBytes)
	assert.Equal(t, Duration(250*time.Millisecond), cfg.Fetch.Timeout)
	assert.Equal(t, 1, cfg.Fetch.MaxRetries)
	assert.Equal(t, int64(1024), cfg.Render.CeilingBytes)
	// Untouched keys keep their defaults
	assert.Equal(t, Default().Fetch.MaxBackoff, cfg.Fetch.MaxBackoff)
	assert.Equal(t, path, cfg.Path())
}

func TestLoad_FindsFileInParent(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvServerURL, "")

	root := t.TempDir()
	cfg := Default()
	cfg.ServerURL = "http://parent:1"
	require.NoError(t, cfg.Save(filepath.Join(root, ConfigFile)))

	child := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(child, 0755))
	t.Chdir(child)

	loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://parent:1", loaded.ServerURL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvServerURL, "http://env:2")
	t.Setenv(EnvToken, "secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://env:2", cfg.ServerURL)
	assert.Equal(t, "secret", cfg.Token)
}

func TestValidate_RenderCeilingAboveFetchCeiling(t *testing.T) {
	cfg := Default()
	cfg.Render.CeilingBytes = cfg.Fetch.CeilingBytes + 1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server url", func(c *Config) { c.ServerURL = "" }},
		{"zero fetch ceiling", func(c *Config) { c.Fetch.CeilingBytes = 0 }},
		{"zero render ceiling", func(c *Config) { c.Render.CeilingBytes = 0 }},
		{"zero timeout", func(c *Config) { c.Fetch.Timeout = 0 }},
		{"negative retries", func(c *Config) { c.Fetch.MaxRetries = -1 }},
		{"jitter above one", func(c *Config) { c.Fetch.JitterFraction = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFile)
	require.NoError(t, os.WriteFile(path, []byte("server_url = [unterminated"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestDiskCachePath(t *testing.T) {
	cfg := Default()
	cfg.Fetch.DiskCache = "/tmp/blobview-test/blobs.db"
	assert.Equal(t, "/tmp/blobview-test/blobs.db", cfg.DiskCachePath())

	cfg.Fetch.DiskCacheEntries = 0
	assert.Empty(t, cfg.DiskCachePath())

	cfg.Fetch.DiskCacheEntries = -1
	assert.Error(t, cfg.Validate())
}
