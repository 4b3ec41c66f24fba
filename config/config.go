// Package config holds the orchestrator's configuration surface: the
// worker registry, session bounds, IPC timing, lock and checkpoint
// settings. Precedence is defaults, then the YAML file, then
// HELMSMAN_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the complete configuration.
type Config struct {
	// Workers is the registry of launchable worker subprocesses. The set
	// of names is fixed for the process lifetime.
	Workers []WorkerConfig `yaml:"workers" env:"-"`

	Supervisor SupervisorConfig `yaml:"supervisor" env:"SUPERVISOR"`
	IPC        IPCConfig        `yaml:"ipc" env:"IPC"`
	Lock       LockConfig       `yaml:"lock" env:"LOCK"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`
	Log        LogConfig        `yaml:"log" env:"LOG"`
	Metrics    MetricsConfig    `yaml:"metrics" env:"METRICS"`
}

// WorkerConfig maps a logical worker name to its launch command. A
// non-empty lock_resource makes every call to this worker take the named
// cross-session lock first.
type WorkerConfig struct {
	Name         string   `yaml:"name"`
	Command      []string `yaml:"command"`
	Env          []string `yaml:"env"`
	LockResource string   `yaml:"lock_resource"`
}

// SupervisorConfig bounds one session.
type SupervisorConfig struct {
	MaxIterations int           `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	MaxErrors     int           `yaml:"max_errors" env:"MAX_ERRORS"`
	ErrorsMode    string        `yaml:"errors_mode" env:"ERRORS_MODE"`
	CallTimeout   time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
}

// IPCConfig tunes worker connections and the manager's restart policy.
type IPCConfig struct {
	DefaultCallTimeout time.Duration `yaml:"default_call_timeout" env:"DEFAULT_CALL_TIMEOUT"`
	PollInterval       time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	PingTimeout        time.Duration `yaml:"ping_timeout" env:"PING_TIMEOUT"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
	MaxDialAttempts    int           `yaml:"max_dial_attempts" env:"MAX_DIAL_ATTEMPTS"`
	DialBackoff        time.Duration `yaml:"dial_backoff" env:"DIAL_BACKOFF"`
	RestartInterval    time.Duration `yaml:"restart_interval" env:"RESTART_INTERVAL"`
}

// LockConfig locates the cross-session lock files.
type LockConfig struct {
	Dir     string        `yaml:"dir" env:"DIR"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// CheckpointConfig selects and tunes the checkpoint backend.
type CheckpointConfig struct {
	// Backend is memory, file, redis or sqlite.
	Backend string `yaml:"backend" env:"BACKEND"`
	// Dir is the file backend's directory.
	Dir string `yaml:"dir" env:"DIR"`
	// Path is the sqlite backend's database file.
	Path  string      `yaml:"path" env:"PATH"`
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig for the redis checkpoint backend.
type RedisConfig struct {
	Addr      string        `yaml:"addr" env:"ADDR"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" env:"DB"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"`
}

// LogConfig shapes the zap logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Supervisor: SupervisorConfig{
			MaxIterations: 20,
			MaxErrors:     5,
			ErrorsMode:    "cumulative",
		},
		IPC: IPCConfig{
			DefaultCallTimeout: 120 * time.Second,
			PollInterval:       200 * time.Millisecond,
			HandshakeTimeout:   15 * time.Second,
			PingTimeout:        3 * time.Second,
			ShutdownGrace:      5 * time.Second,
			MaxDialAttempts:    3,
			DialBackoff:        500 * time.Millisecond,
			RestartInterval:    2 * time.Second,
		},
		Lock: LockConfig{
			Dir:     "/tmp/helmsman-locks",
			Timeout: 60 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Backend: "file",
			Dir:     "/var/lib/helmsman/checkpoints",
			Path:    "/var/lib/helmsman/checkpoints.db",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "helmsman:",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9091",
		},
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Workers) == 0 {
		errs = append(errs, "at least one worker must be registered")
	}
	seen := make(map[string]struct{}, len(c.Workers))
	for _, w := range c.Workers {
		switch {
		case w.Name == "":
			errs = append(errs, "worker with empty name")
		case w.Name == "supervisor":
			errs = append(errs, `worker name "supervisor" is reserved`)
		}
		if _, dup := seen[w.Name]; dup {
			errs = append(errs, fmt.Sprintf("duplicate worker name %q", w.Name))
		}
		seen[w.Name] = struct{}{}
		if len(w.Command) == 0 {
			errs = append(errs, fmt.Sprintf("worker %q has no launch command", w.Name))
		}
	}

	if c.Supervisor.MaxIterations <= 0 {
		errs = append(errs, "supervisor.max_iterations must be positive")
	}
	if c.Supervisor.MaxErrors <= 0 {
		errs = append(errs, "supervisor.max_errors must be positive")
	}
	switch c.Supervisor.ErrorsMode {
	case "cumulative", "consecutive":
	default:
		errs = append(errs, fmt.Sprintf("supervisor.errors_mode %q must be cumulative or consecutive", c.Supervisor.ErrorsMode))
	}

	if c.IPC.DefaultCallTimeout <= 0 {
		errs = append(errs, "ipc.default_call_timeout must be positive")
	}
	if c.Lock.Dir == "" {
		errs = append(errs, "lock.dir must be set")
	}

	switch c.Checkpoint.Backend {
	case "memory":
	case "file":
		if c.Checkpoint.Dir == "" {
			errs = append(errs, "checkpoint.dir must be set for the file backend")
		}
	case "redis":
		if c.Checkpoint.Redis.Addr == "" {
			errs = append(errs, "checkpoint.redis.addr must be set for the redis backend")
		}
	case "sqlite":
		if c.Checkpoint.Path == "" {
			errs = append(errs, "checkpoint.path must be set for the sqlite backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("checkpoint.backend %q is not one of memory, file, redis, sqlite", c.Checkpoint.Backend))
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level %q is invalid", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be json or console", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BuildLogger constructs the zap logger the config describes.
func (lc LogConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("config: parse log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if lc.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
