package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
workers:
  - name: researcher
    command: ["python3", "workers/researcher.py"]
  - name: deployer
    command: ["./bin/deployer"]
    lock_resource: deploy
supervisor:
  max_iterations: 12
  errors_mode: consecutive
ipc:
  default_call_timeout: 90s
checkpoint:
  backend: sqlite
  path: /tmp/helmsman-test.db
log:
  level: debug
  format: console
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "helmsman.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsThenFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(writeConfig(t, sampleYAML)).Load()
	require.NoError(t, err)

	// File values override defaults.
	assert.Equal(t, 12, cfg.Supervisor.MaxIterations)
	assert.Equal(t, "consecutive", cfg.Supervisor.ErrorsMode)
	assert.Equal(t, 90*time.Second, cfg.IPC.DefaultCallTimeout)
	assert.Equal(t, "sqlite", cfg.Checkpoint.Backend)

	// Untouched values keep their defaults.
	assert.Equal(t, 5, cfg.Supervisor.MaxErrors)
	assert.Equal(t, 200*time.Millisecond, cfg.IPC.PollInterval)
	assert.Equal(t, "/tmp/helmsman-locks", cfg.Lock.Dir)

	require.Len(t, cfg.Workers, 2)
	assert.Equal(t, "researcher", cfg.Workers[0].Name)
	assert.Equal(t, []string{"python3", "workers/researcher.py"}, cfg.Workers[0].Command)
	assert.Equal(t, "deploy", cfg.Workers[1].LockResource)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("HELMSMAN_SUPERVISOR_MAX_ITERATIONS", "7")
	t.Setenv("HELMSMAN_IPC_DEFAULT_CALL_TIMEOUT", "45s")
	t.Setenv("HELMSMAN_CHECKPOINT_BACKEND", "memory")
	t.Setenv("HELMSMAN_LOG_LEVEL", "warn")
	t.Setenv("HELMSMAN_METRICS_ENABLED", "true")

	cfg, err := NewLoader().WithConfigPath(writeConfig(t, sampleYAML)).Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Supervisor.MaxIterations)
	assert.Equal(t, 45*time.Second, cfg.IPC.DefaultCallTimeout)
	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	_, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	// Defaults alone fail validation: no workers are registered.
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one worker")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := NewLoader().WithConfigPath(writeConfig(t, "workers: [unclosed")).Load()
	require.Error(t, err)
}

func TestLoadCustomValidator(t *testing.T) {
	called := false
	_, err := NewLoader().
		WithConfigPath(writeConfig(t, sampleYAML)).
		WithValidator(func(c *Config) error {
			called = true
			return nil
		}).
		Load()
	require.NoError(t, err)
	assert.True(t, called)
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Workers = []WorkerConfig{{Name: "w", Command: []string{"true"}}}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no workers", func(c *Config) { c.Workers = nil }, "at least one worker"},
		{"reserved name", func(c *Config) { c.Workers[0].Name = "supervisor" }, "reserved"},
		{"duplicate name", func(c *Config) {
			c.Workers = append(c.Workers, WorkerConfig{Name: "w", Command: []string{"x"}})
		}, "duplicate worker name"},
		{"empty command", func(c *Config) { c.Workers[0].Command = nil }, "no launch command"},
		{"bad errors mode", func(c *Config) { c.Supervisor.ErrorsMode = "sometimes" }, "errors_mode"},
		{"zero iterations", func(c *Config) { c.Supervisor.MaxIterations = 0 }, "max_iterations"},
		{"bad backend", func(c *Config) { c.Checkpoint.Backend = "tape" }, "checkpoint.backend"},
		{"redis without addr", func(c *Config) {
			c.Checkpoint.Backend = "redis"
			c.Checkpoint.Redis.Addr = ""
		}, "redis.addr"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	assert.NoError(t, base().Validate())
}

func TestBuildLogger(t *testing.T) {
	lc := LogConfig{Level: "debug", Format: "console"}
	logger, err := lc.BuildLogger()
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Debug("config logger works")

	_, err = LogConfig{Level: "nope", Format: "json"}.BuildLogger()
	require.Error(t, err)
}
