package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("MAX_PARALLEL_JOBS", "")
	t.Setenv("FETCH_BASE_URLS", " https://a.example , ,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, 2, cfg.MaxParallelJobs)
	assert.Equal(t, 60, cfg.LinkExpireMinutes)
	assert.Equal(t, 20, cfg.AlbumLimitPerJob)
	assert.Equal(t, 100, cfg.AlbumLimitWindowCount)
	assert.Equal(t, "@every 1m", cfg.SweepInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.FetchBaseURLs)
}

func TestCredentialKeyFallsBackToSessionSecret(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SESSION_SECRET", "s3cret")
	t.Setenv("CREDENTIAL_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.CredentialKey)
}

func TestValidate(t *testing.T) {
	base := Config{StoreDriver: "sqlite", MaxParallelJobs: 1, DownloadRoot: "d", TempRoot: "t"}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.StoreDriver = "mysql" }, wantErr: true},
		{name: "zero workers", mutate: func(c *Config) { c.MaxParallelJobs = 0 }, wantErr: true},
		{name: "release without secret", mutate: func(c *Config) { c.GinMode = "release" }, wantErr: true},
		{name: "release complete", mutate: func(c *Config) {
			c.GinMode = "release"
			c.SessionSecret = "x"
			c.DefaultAdminPassword = "y"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
