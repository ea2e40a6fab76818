package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "smsledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "INR", cfg.HomeCurrency)
	assert.True(t, cfg.ConfirmationMode)
	assert.True(t, cfg.BypassConfirmationForImports)
	assert.Equal(t, 24*time.Hour, cfg.PendingExpiry)
	assert.Equal(t, 7*24*time.Hour, cfg.PendingRetention)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "smsledger.db", cfg.DatabasePath)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
home_currency: USD
confirmation_mode: false
pending_expiry: 12h
listen_addr: ":9000"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "USD", cfg.HomeCurrency)
	assert.False(t, cfg.ConfirmationMode, "an explicit false wins over the default true")
	assert.Equal(t, 12*time.Hour, cfg.PendingExpiry)
	assert.Equal(t, ":9000", cfg.ListenAddr)

	// Unset fields keep their defaults.
	assert.True(t, cfg.BypassConfirmationForImports)
	assert.Equal(t, 7*24*time.Hour, cfg.PendingRetention)
	assert.Equal(t, "smsledger.db", cfg.DatabasePath)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9000"
database_path: file.db
`)
	t.Setenv("SMSLEDGER_ADDR", ":7777")
	t.Setenv("SMSLEDGER_DB", "env.db")
	t.Setenv("SMSLEDGER_API_KEY", "sekrit")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.ListenAddr, "environment wins over the file")
	assert.Equal(t, "env.db", cfg.DatabasePath)
	assert.Equal(t, "sekrit", cfg.APIKey)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "home_currency: [not, a, string]"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "pending_expiry: soon"))
	assert.Error(t, err, "durations must use Go duration syntax")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad currency", func(c *Config) { c.HomeCurrency = "RUPEES" }},
		{"zero expiry", func(c *Config) { c.PendingExpiry = 0 }},
		{"negative retention", func(c *Config) { c.PendingRetention = -time.Hour }},
		{"zero sweep interval", func(c *Config) { c.SweepInterval = 0 }},
		{"empty db path", func(c *Config) { c.DatabasePath = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
