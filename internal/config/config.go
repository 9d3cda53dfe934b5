package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"shannot/internal/vfs"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Profiles ProfilesConfig `yaml:"profiles"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Remote   RemoteConfig   `yaml:"remote"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
}

// ServerConfig describes the ops sidecar: GET /health and GET /metrics
// only. The external submit/poll/list surface is JSON-RPC over
// stdin/stdout and never touches this listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SessionConfig controls where on-disk session directories live and how
// long after creation a non-terminal session may live before the store
// treats it as expired.
type SessionConfig struct {
	Root string        `yaml:"root"`
	TTL  time.Duration `yaml:"ttl"`
}

// ProfilesConfig points at the directory of approval-profile JSON files
// and names which one new sessions get when the caller doesn't specify
// one explicitly.
type ProfilesConfig struct {
	Dir     string `yaml:"dir"`
	Default string `yaml:"default"`
}

// RuntimeConfig describes the restricted interpreter child and the
// virtual filesystem mapping table it's given.
type RuntimeConfig struct {
	InterpreterPath string            `yaml:"interpreter_path"`
	RuntimeDir      string            `yaml:"runtime_dir"`
	Mappings        []VFSMappingConfig `yaml:"mappings"`
}

// VFSMappingConfig is the YAML-serializable form of vfs.Mapping.
type VFSMappingConfig struct {
	VirtualPrefix string `yaml:"virtual_prefix"`
	HostRoot      string `yaml:"host_root"`
	Kind          string `yaml:"kind"` // "host_ro", "writable_shadow", or "proc"
}

// RemoteConfig is the named-target table for the remote executor:
// callers address a target by name only, never by raw user@host.
type RemoteConfig struct {
	Targets map[string]TargetConfig `yaml:"targets"`
}

// TargetConfig is one named remote-execution target.
type TargetConfig struct {
	Host string `yaml:"host"`
	User string `yaml:"user"`
	Port int    `yaml:"port"`
}

type SandboxConfig struct {
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	Image            string        `yaml:"image"`
	Launcher         string        `yaml:"launcher"` // "auto" (default), "container", or "process"
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	DefaultLimits    DefaultLimits `yaml:"default_limits"`

	// ReplayLockDepth is how many leading virtual-path components the
	// replay materialiser mutex-locks on, so two sessions replaying
	// overlapping writes under the same directory serialise instead of
	// racing.
	ReplayLockDepth int `yaml:"replay_lock_depth"`
}

type DefaultLimits struct {
	CPUShares int64 `yaml:"cpu_shares"`
	MemoryMB  int64 `yaml:"memory_mb"`
	PidsLimit int64 `yaml:"pids_limit"`
	DiskMB    int64 `yaml:"disk_mb"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

// SecurityConfig carries only the seccomp profile selector: the ops
// sidecar has no API keys or rate limiting to configure, since it
// serves nothing but health and metrics to a local operator.
type SecurityConfig struct {
	SeccompProfile string `yaml:"seccomp_profile"`
}

var targetNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Load reads configuration from a YAML file, then applies environment
// variable overrides (SANDBOX_SESSION_ROOT, SANDBOX_RUNTIME_DIR,
// SANDBOX_PROFILE) on top: flags/env override file, file overrides
// built-in defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or CONFIG_PATH env var
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SANDBOX_SESSION_ROOT"); v != "" {
		c.Session.Root = v
	}
	if v := os.Getenv("SANDBOX_RUNTIME_DIR"); v != "" {
		c.Runtime.RuntimeDir = v
	}
	if v := os.Getenv("SANDBOX_PROFILE"); v != "" {
		c.Profiles.Default = v
	}
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			Root: "/var/lib/shannot/sessions",
			TTL:  time.Hour,
		},
		Profiles: ProfilesConfig{
			Dir:     "/etc/shannot/profiles",
			Default: "default",
		},
		Runtime: RuntimeConfig{
			InterpreterPath: "/usr/bin/python3",
			RuntimeDir:      "/var/lib/shannot/runtime",
			Mappings: []VFSMappingConfig{
				{VirtualPrefix: "/usr", HostRoot: "/usr", Kind: "host_ro"},
				{VirtualPrefix: "/lib", HostRoot: "/lib", Kind: "host_ro"},
				{VirtualPrefix: "/workspace", HostRoot: "/var/lib/shannot/workspace", Kind: "writable_shadow"},
				{VirtualPrefix: "/proc", Kind: "proc"},
			},
		},
		Remote: RemoteConfig{
			Targets: map[string]TargetConfig{},
		},
		Sandbox: SandboxConfig{
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "shannot",
			Image:            "docker.io/library/python:3.12-slim",
			Launcher:         "auto",
			DefaultTimeout:   10 * time.Second,
			MaxTimeout:       60 * time.Second,
			DefaultLimits: DefaultLimits{
				CPUShares: 512,
				MemoryMB:  256,
				PidsLimit: 50,
				DiskMB:    100,
			},
			ReplayLockDepth: 3,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			SeccompProfile: "default",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Session.Root == "" {
		return fmt.Errorf("session.root must not be empty")
	}
	if !filepath.IsAbs(c.Session.Root) {
		return fmt.Errorf("session.root must be an absolute path, got %q", c.Session.Root)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be > 0")
	}
	if c.Profiles.Dir == "" {
		return fmt.Errorf("profiles.dir must not be empty")
	}
	if c.Runtime.InterpreterPath == "" {
		return fmt.Errorf("runtime.interpreter_path must not be empty")
	}
	for _, m := range c.Runtime.Mappings {
		switch m.Kind {
		case "host_ro", "writable_shadow", "proc":
		default:
			return fmt.Errorf("runtime.mappings: unknown kind %q for prefix %q", m.Kind, m.VirtualPrefix)
		}
		if m.Kind != "proc" && !filepath.IsAbs(m.HostRoot) {
			return fmt.Errorf("runtime.mappings: host_root %q for prefix %q must be absolute", m.HostRoot, m.VirtualPrefix)
		}
	}
	for name, t := range c.Remote.Targets {
		if !targetNameRe.MatchString(name) {
			return fmt.Errorf("remote.targets: %q is not a valid target name (must match %s)", name, targetNameRe.String())
		}
		if t.Host == "" {
			return fmt.Errorf("remote.targets[%s]: host must not be empty", name)
		}
	}
	if c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be <= max_timeout (%s)",
			c.Sandbox.DefaultTimeout, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.DefaultLimits.MemoryMB < 16 {
		return fmt.Errorf("sandbox.default_limits.memory_mb must be >= 16")
	}
	if c.Sandbox.ReplayLockDepth < 1 {
		return fmt.Errorf("sandbox.replay_lock_depth must be >= 1")
	}
	switch c.Sandbox.Launcher {
	case "auto", "container", "process":
	default:
		return fmt.Errorf("sandbox.launcher must be auto, container, or process, got %q", c.Sandbox.Launcher)
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the ops sidecar's listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// VFSMappings converts the configured mapping table into the form
// internal/vfs consumes directly.
func (rc RuntimeConfig) VFSMappings() ([]vfs.Mapping, error) {
	out := make([]vfs.Mapping, 0, len(rc.Mappings))
	for _, m := range rc.Mappings {
		var kind vfs.MappingKind
		switch m.Kind {
		case "host_ro":
			kind = vfs.KindHostReadOnly
		case "writable_shadow":
			kind = vfs.KindWritableShadow
		case "proc":
			kind = vfs.KindProc
		default:
			return nil, fmt.Errorf("unknown mapping kind %q for prefix %q", m.Kind, m.VirtualPrefix)
		}
		out = append(out, vfs.Mapping{VirtualPrefix: m.VirtualPrefix, HostRoot: m.HostRoot, Kind: kind})
	}
	return out, nil
}
