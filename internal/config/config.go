// ============================================================================
// Fleet Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML configuration for the supervisor, role launchers, training
//          pool and observability endpoints.
//
// Example:
//
//   server:
//     max_reboots: 2
//     restart_cooldown: 0s
//     deliberate_signals: [SIGTERM, SIGINT]
//     stop_grace: 10s
//   roles:
//     web:
//       command: ["./bin/web"]
//       autostart: true
//       kill_on_fail: true
//     nlu:
//       command: ["./bin/nlu"]
//       await_register: true
//       start_timeout: 30s
//   ml:
//     max_workers: 4
//     mode: thread
//   metrics: {enabled: true, port: 9090}
//   health:  {enabled: true, port: 50051}
//   log:     {level: info, format: text}
//
// Sections missing from the file keep their defaults. Role entries are
// merged over the role defaults field by field.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fleet/pkg/types"
)

// Config is the complete fleet configuration.
type Config struct {
	Server  ServerConfig              `yaml:"server"`
	Roles   map[types.Role]RoleConfig `yaml:"roles"`
	ML      MLConfig                  `yaml:"ml"`
	Metrics MetricsConfig             `yaml:"metrics"`
	Health  HealthConfig              `yaml:"health"`
	Tracing TracingConfig             `yaml:"tracing"`
	Log     LogConfig                 `yaml:"log"`
}

// ServerConfig controls the supervisor restart policy and shared role environment.
type ServerConfig struct {
	MaxReboots        int           `yaml:"max_reboots"`
	RestartCooldown   time.Duration `yaml:"restart_cooldown"`
	DeliberateSignals []string      `yaml:"deliberate_signals"`
	StopGrace         time.Duration `yaml:"stop_grace"`
	DatabaseURL       string        `yaml:"database_url"`
	ExternalURL       string        `yaml:"external_url"`
	ServerID          string        `yaml:"server_id"`         // generated when empty
	InternalPassword  string        `yaml:"internal_password"` // generated when empty
}

// RoleConfig describes how to launch one role.
type RoleConfig struct {
	Command       []string          `yaml:"command,omitempty"`
	Dir           string            `yaml:"dir"`
	Env           map[string]string `yaml:"env,omitempty"`
	Port          int               `yaml:"port"`           // 0 picks a free port
	AwaitRegister bool              `yaml:"await_register"` // wait for the child to announce its port
	StartTimeout  time.Duration     `yaml:"start_timeout"`
	KillOnFail    bool              `yaml:"kill_on_fail"`
	Autostart     bool              `yaml:"autostart"`
}

// MLConfig sizes the training pool.
type MLConfig struct {
	MaxWorkers    int           `yaml:"max_workers"`
	Mode          string        `yaml:"mode"`                     // thread or process
	WorkerCommand []string      `yaml:"worker_command,omitempty"` // defaults to "<self> worker"
	ProgressSteps int           `yaml:"progress_steps"`           // simulated trainer
	StepDelay     time.Duration `yaml:"step_delay"`               // simulated trainer
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// HealthConfig controls the gRPC health endpoint.
type HealthConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Output  string `yaml:"output"` // file path, empty for stdout
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

const (
	ModeThread  = "thread"
	ModeProcess = "process"
)

// Default returns the built-in configuration.
func Default() *Config {
	roles := make(map[types.Role]RoleConfig, len(types.Roles))
	for _, r := range types.Roles {
		roles[r] = DefaultRole(r)
	}
	return &Config{
		Server: ServerConfig{
			MaxReboots:        2,
			DeliberateSignals: []string{"SIGTERM", "SIGINT"},
			StopGrace:         10 * time.Second,
		},
		Roles: roles,
		ML: MLConfig{
			MaxWorkers:    4,
			Mode:          ModeThread,
			ProgressSteps: 10,
			StepDelay:     100 * time.Millisecond,
		},
		Metrics: MetricsConfig{Enabled: true, Port: 9090},
		Health:  HealthConfig{Enabled: true, Port: 50051},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultRole returns the defaults for one role.
func DefaultRole(r types.Role) RoleConfig {
	return RoleConfig{
		StartTimeout: 30 * time.Second,
		KillOnFail:   r == types.RoleWeb,
		Autostart:    r == types.RoleWeb,
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := cfg.parse(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without touching the filesystem.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.parse(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parse(data []byte) error {
	defaults := make(map[types.Role]RoleConfig, len(c.Roles))
	for r, rc := range c.Roles {
		defaults[r] = rc
	}
	c.Roles = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}

	// yaml replaces map values wholesale; decode each role again over its defaults
	var raw struct {
		Roles map[types.Role]yaml.Node `yaml:"roles"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	merged := defaults
	for r, node := range raw.Roles {
		rc, ok := merged[r]
		if !ok {
			rc = DefaultRole(r)
		}
		if err := node.Decode(&rc); err != nil {
			return fmt.Errorf("failed to parse roles.%s: %w", r, err)
		}
		merged[r] = rc
	}
	c.Roles = merged
	return nil
}

// Validate checks the configuration for values the runtime cannot honor.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.MaxReboots < 0 {
		errs = append(errs, fmt.Errorf("server.max_reboots must be >= 0, got %d", c.Server.MaxReboots))
	}
	if c.Server.RestartCooldown < 0 {
		errs = append(errs, errors.New("server.restart_cooldown must be >= 0"))
	}
	if _, err := c.Server.Signals(); err != nil {
		errs = append(errs, err)
	}
	for r, rc := range c.Roles {
		if !r.Valid() {
			errs = append(errs, fmt.Errorf("roles.%s: unknown role", r))
		}
		if rc.Port < 0 || rc.Port > 65535 {
			errs = append(errs, fmt.Errorf("roles.%s.port out of range: %d", r, rc.Port))
		}
		if rc.StartTimeout <= 0 {
			errs = append(errs, fmt.Errorf("roles.%s.start_timeout must be > 0", r))
		}
	}
	if c.ML.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("ml.max_workers must be >= 1, got %d", c.ML.MaxWorkers))
	}
	if c.ML.Mode != ModeThread && c.ML.Mode != ModeProcess {
		errs = append(errs, fmt.Errorf("ml.mode must be %q or %q, got %q", ModeThread, ModeProcess, c.ML.Mode))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Role returns the configuration of r, falling back to its defaults.
func (c *Config) Role(r types.Role) RoleConfig {
	if rc, ok := c.Roles[r]; ok {
		return rc
	}
	return DefaultRole(r)
}

var signalNames = map[string]syscall.Signal{
	"SIGHUP":  syscall.SIGHUP,
	"SIGINT":  syscall.SIGINT,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGKILL": syscall.SIGKILL,
	"SIGTERM": syscall.SIGTERM,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
}

// Signals parses DeliberateSignals.
func (s ServerConfig) Signals() ([]syscall.Signal, error) {
	out := make([]syscall.Signal, 0, len(s.DeliberateSignals))
	for _, name := range s.DeliberateSignals {
		sig, ok := signalNames[name]
		if !ok {
			return nil, fmt.Errorf("server.deliberate_signals: unknown signal %q", name)
		}
		out = append(out, sig)
	}
	return out, nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
