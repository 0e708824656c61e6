package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.SyncIncrementalInterval)
	assert.Equal(t, []string{"gmail", "outlook"}, cfg.TrustedSources)
	assert.Equal(t, "*/30 * * * * *", cfg.SyncSchedule)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SYNC_INCREMENTAL_INTERVAL_SEC", "120")
	t.Setenv("SANITIZE_TRUSTED_SOURCES", "gmail, ,fastmail")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.SyncIncrementalInterval)
	assert.Equal(t, []string{"gmail", "fastmail"}, cfg.TrustedSources)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero page size", func(c *Config) { c.SyncPageSize = 0 }, true},
		{"zero workers", func(c *Config) { c.WorkerCount = 0 }, true},
		{"production without key", func(c *Config) { c.Environment = "production" }, true},
		{"production with key", func(c *Config) {
			c.Environment = "production"
			c.EncryptionKey = "k"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Environment:             "development",
				SyncPageSize:            50,
				SyncIncrementalInterval: 5 * time.Minute,
				WorkerCount:             4,
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
