package config

import (
	"fmt"
	"time"

	"github.com/rynfar/opencode-claude-max-proxy/internal/upstream"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Stream    StreamConfig    `yaml:"stream"`
	Admission AdmissionConfig `yaml:"admission"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// Addr returns host:port for net.Listen.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// UpstreamConfig describes how the Claude CLI is invoked for every turn.
type UpstreamConfig struct {
	CLIPath         string   `yaml:"cli_path"`
	MaxTurns        int      `yaml:"max_turns"`
	PermissionMode  string   `yaml:"permission_mode"`
	AllowUnsafeSkip bool     `yaml:"allow_unsafe_skip"`
	AllowedTools    []string `yaml:"allowed_tools"`
	DisallowedTools []string `yaml:"disallowed_tools"`
	WorkDir         string   `yaml:"work_dir"`
}

type StreamConfig struct {
	// KeepaliveInterval of 0 disables SSE keepalive comments.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

// AdmissionConfig caps queued plus running requests per client IP.
// LeaseTTL bounds how long a Redis-held count survives a crashed instance.
type AdmissionConfig struct {
	Enabled             bool          `yaml:"enabled"`
	MaxPendingPerClient int           `yaml:"max_pending_per_client"`
	LeaseTTL            time.Duration `yaml:"lease_ttl"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type TelemetryConfig struct {
	Debug bool `yaml:"debug"`
	// LogLevel overrides Debug when set: debug, info, warn or error.
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// Validate rejects values the rest of the service cannot work with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.IdleTimeout < 0 {
		return fmt.Errorf("server.idle_timeout must not be negative")
	}
	if c.Stream.KeepaliveInterval < 0 {
		return fmt.Errorf("stream.keepalive_interval must not be negative")
	}
	if c.Upstream.MaxTurns <= 0 {
		return fmt.Errorf("upstream.max_turns must be positive, got %d", c.Upstream.MaxTurns)
	}
	if _, err := upstream.ParsePermissionMode(c.Upstream.PermissionMode); err != nil {
		return fmt.Errorf("upstream.permission_mode: %w", err)
	}
	if c.Admission.Enabled && c.Admission.MaxPendingPerClient <= 0 {
		return fmt.Errorf("admission.max_pending_per_client must be positive when admission control is enabled")
	}
	if c.Admission.LeaseTTL < 0 {
		return fmt.Errorf("admission.lease_ttl must not be negative")
	}
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             3456,
			ReadTimeout:      30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Upstream: UpstreamConfig{
			CLIPath:        "claude",
			MaxTurns:       100,
			PermissionMode: "bypassPermissions",
		},
		Stream: StreamConfig{
			KeepaliveInterval: 15 * time.Second,
		},
		Admission: AdmissionConfig{
			Enabled:             false,
			MaxPendingPerClient: 4,
			LeaseTTL:            30 * time.Minute,
		},
		Redis: RedisConfig{
			DB:       0,
			PoolSize: 10,
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
		},
	}
}
