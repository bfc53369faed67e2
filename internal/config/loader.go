package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:default} patterns in a string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}
		varName := submatch[1]
		defaultVal := ""
		if len(submatch) >= 3 {
			defaultVal = submatch[2]
		}
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return defaultVal
	})
}

// LoadFile reads a YAML file, expands env vars, and unmarshals into dest.
func LoadFile(path string, dest interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), dest); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Load builds the startup configuration: defaults, then the optional YAML
// file at path, then CLAUDE_PROXY_* environment overrides. The result is
// validated and never changes afterwards.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	var err error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" && err == nil {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" && err == nil {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" && err == nil {
			d, perr := parseDuration(v)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = d
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}

	str("CLAUDE_PROXY_HOST", &cfg.Server.Host)
	num("CLAUDE_PROXY_PORT", &cfg.Server.Port)
	dur("CLAUDE_PROXY_IDLE_TIMEOUT", &cfg.Server.IdleTimeout)
	dur("CLAUDE_PROXY_KEEPALIVE_INTERVAL", &cfg.Stream.KeepaliveInterval)
	num("CLAUDE_PROXY_MAX_TURNS", &cfg.Upstream.MaxTurns)
	str("CLAUDE_PROXY_PERMISSION_MODE", &cfg.Upstream.PermissionMode)
	flag("CLAUDE_PROXY_ALLOW_UNSAFE_SKIP", &cfg.Upstream.AllowUnsafeSkip)
	str("CLAUDE_PROXY_CLI_PATH", &cfg.Upstream.CLIPath)
	str("CLAUDE_PROXY_WORK_DIR", &cfg.Upstream.WorkDir)
	list("CLAUDE_PROXY_ALLOWED_TOOLS", &cfg.Upstream.AllowedTools)
	list("CLAUDE_PROXY_DISALLOWED_TOOLS", &cfg.Upstream.DisallowedTools)
	flag("CLAUDE_PROXY_DEBUG", &cfg.Telemetry.Debug)
	str("CLAUDE_PROXY_LOG_LEVEL", &cfg.Telemetry.LogLevel)
	str("CLAUDE_PROXY_REDIS_ADDR", &cfg.Redis.Address)
	str("CLAUDE_PROXY_REDIS_PASSWORD", &cfg.Redis.Password)
	if v, ok := lookup("CLAUDE_PROXY_MAX_PENDING_PER_CLIENT"); ok && v != "" {
		num("CLAUDE_PROXY_MAX_PENDING_PER_CLIENT", &cfg.Admission.MaxPendingPerClient)
		cfg.Admission.Enabled = cfg.Admission.MaxPendingPerClient > 0
	}
	return err
}

// parseDuration accepts Go duration syntax ("90s", "2m") or a bare number
// of seconds ("120").
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
