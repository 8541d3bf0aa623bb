package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 10*time.Minute, cfg.JobBudget())
	require.Equal(t, 15*time.Second, cfg.ReapInterval())
	require.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	require.Equal(t, "memory", cfg.Broker.Provider)
	require.Equal(t, "memory", cfg.Store.Provider)
	require.Equal(t, "memory", cfg.Assets.Provider)
	require.Equal(t, 15*time.Second, cfg.FetchTimeout())
	require.Equal(t, time.Minute, cfg.AnalyzerTimeout())
	require.False(t, cfg.Headless.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
pipeline:
  max_attempts: 5
broker:
  provider: pubsub
  project_id: demo-project
store:
  provider: postgres
  dsn: postgres://localhost/pagelens
assets:
  provider: local
  local_path: /tmp/bundles
headless:
  enabled: true
  max_parallel: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 5, cfg.Pipeline.MaxAttempts)
	require.Equal(t, "pubsub", cfg.Broker.Provider)
	require.Equal(t, "demo-project", cfg.Broker.ProjectID)
	require.Equal(t, "postgres", cfg.Store.Provider)
	require.Equal(t, "local", cfg.Assets.Provider)
	require.True(t, cfg.Headless.Enabled)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"zero budget", func(c *Config) { c.Pipeline.JobBudgetSeconds = 0 }, "job_budget_seconds"},
		{"zero attempts", func(c *Config) { c.Pipeline.MaxAttempts = 0 }, "max_attempts"},
		{"zero workers", func(c *Config) { c.Pipeline.WorkersPerStage = 0 }, "workers_per_stage"},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"headless without slots", func(c *Config) { c.Headless.Enabled = true; c.Headless.MaxParallel = 0 }, "headless.max_parallel"},
		{"pubsub without project", func(c *Config) { c.Broker.Provider = "pubsub" }, "broker.project_id"},
		{"postgres without dsn", func(c *Config) { c.Store.Provider = "postgres" }, "store.dsn"},
		{"gcs without bucket", func(c *Config) { c.Assets.Provider = "gcs" }, "assets.gcs_bucket"},
		{"unknown broker", func(c *Config) { c.Broker.Provider = "kafka" }, "broker.provider"},
		{"unknown store", func(c *Config) { c.Store.Provider = "mysql" }, "store.provider"},
		{"unknown assets", func(c *Config) { c.Assets.Provider = "s3" }, "assets.provider"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorContains(t, err, tc.want)
		})
	}
}
