package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reckoner/reckoner/pkg/types"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "1.0", cfg.Version)
	assert.False(t, cfg.Dispatch.Distributed)
	assert.True(t, cfg.Dispatch.WaitForCompletion)
	assert.Equal(t, 2, cfg.Dispatch.Parallelization)
	assert.Equal(t, types.LogLevelInfo, cfg.Logging.Level)

	require.NoError(t, NewManager().ValidateConfig(cfg))
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, "reckoner.yaml", `
version: "1.0"
database:
  path: /tmp/reckoner.db
dispatch:
  distributed: true
  waitForCompletion: false
  parallelization: 4
logging:
  level: debug
notifications:
  enabled: true
`)

	cfg, err := NewManager().LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/reckoner.db", cfg.Database.Path)
	assert.True(t, cfg.Dispatch.Distributed)
	assert.False(t, cfg.Dispatch.WaitForCompletion)
	assert.Equal(t, 4, cfg.Dispatch.Parallelization)
	assert.Equal(t, types.LogLevelDebug, cfg.Logging.Level)
	assert.True(t, cfg.Notifications.Enabled)
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeConfig(t, "reckoner.json", `{
		"version": "1.0",
		"dispatch": {"parallelization": 8}
	}`)

	cfg, err := NewManager().LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Dispatch.Parallelization)
	// Unset keys keep their defaults.
	assert.True(t, cfg.Dispatch.WaitForCompletion)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := NewManager().LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "default is valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "unsupported version",
			mutate:  func(cfg *Config) { cfg.Version = "2.0" },
			wantErr: "unsupported config version",
		},
		{
			name:    "negative parallelization",
			mutate:  func(cfg *Config) { cfg.Dispatch.Parallelization = -1 },
			wantErr: "must not be negative",
		},
		{
			name:    "unknown log level",
			mutate:  func(cfg *Config) { cfg.Logging.Level = "loud" },
			wantErr: "unknown logging level",
		},
	}

	m := NewManager()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := m.ValidateConfig(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reckoner.yaml")

	m := NewManager()
	require.NoError(t, m.WriteDefault(path))

	cfg, err := m.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	// A second write must refuse to clobber the existing file.
	err = m.WriteDefault(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}
