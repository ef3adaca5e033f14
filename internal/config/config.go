// Package config provides YAML configuration loading and validation for the
// control-plane server and the agent daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig is the top-level configuration for the control-plane server.
type ServerConfig struct {
	// ListenAddr is the HTTP listen address serving both the WebSocket
	// endpoints and the REST API. Defaults to ":8080" when omitted.
	ListenAddr string `yaml:"listen_addr"`

	// AuthSecret is the HS256 signing secret shared with the identity
	// provider. Required; must be at least 32 bytes.
	AuthSecret string `yaml:"auth_secret"`

	// DatabaseURL is the PostgreSQL connection string for the durable
	// store. Optional; when empty the server runs without persistence.
	DatabaseURL string `yaml:"database_url"`

	// QueuePath is the SQLite file backing the command queue. Defaults to
	// "command-queue.db" when omitted.
	QueuePath string `yaml:"queue_path"`

	// AuditChainPath is the local tamper-evident audit chain file.
	// Optional; when empty no local chain is kept.
	AuditChainPath string `yaml:"audit_chain_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// Limits bounds connection, session, and queue growth.
	Limits LimitsConfig `yaml:"limits"`

	// Heartbeat tunes the server heartbeat and stale-agent sweeping.
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`

	// RateLimit tunes the per-subject message rate limiter.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Token tunes issued-token lifetime and in-band rotation.
	Token TokenConfig `yaml:"token"`
}

// LimitsConfig bounds resource usage. Zero values fall back to the defaults
// of the package that owns each limit.
type LimitsConfig struct {
	// MaxConnections caps concurrent connections across all roles
	// (agents and dashboards combined). Defaults to 100.
	MaxConnections int `yaml:"max_connections"`

	// MaxSessionsPerUser caps concurrent dashboard sessions per subject;
	// the oldest session is evicted beyond the cap. Defaults to 5.
	MaxSessionsPerUser int `yaml:"max_sessions_per_user"`

	// MaxQueueDepth caps queued commands per agent. Defaults to 100.
	MaxQueueDepth int `yaml:"max_queue_depth"`
}

// HeartbeatConfig tunes liveness timing.
type HeartbeatConfig struct {
	// Interval between SERVER_HEARTBEAT broadcasts. Defaults to 10s.
	Interval Duration `yaml:"interval"`

	// SweepInterval between stale-agent sweeps. Defaults to 30s.
	SweepInterval Duration `yaml:"sweep_interval"`

	// StaleTimeout after which a silent agent is marked offline.
	// Defaults to 90s.
	StaleTimeout Duration `yaml:"stale_timeout"`
}

// RateLimitConfig tunes the sliding-window message rate limiter.
type RateLimitConfig struct {
	// Limit is the number of messages allowed per Window. Defaults to 1000.
	Limit int `yaml:"limit"`

	// Window is the sliding window length. Defaults to 60s.
	Window Duration `yaml:"window"`

	// BlockDuration is how long a subject stays blocked after exceeding
	// the limit. Defaults to 60s.
	BlockDuration Duration `yaml:"block_duration"`
}

// TokenConfig tunes token issuance.
type TokenConfig struct {
	// TTL is the lifetime of tokens issued on rotation. Defaults to 15m.
	TTL Duration `yaml:"ttl"`

	// RotateWithin triggers in-band rotation when a token has less than
	// this much lifetime left. Defaults to 5m.
	RotateWithin Duration `yaml:"rotate_within"`
}

// AgentConfig is the top-level configuration for the agent daemon.
type AgentConfig struct {
	// ServerURL is the control-plane WebSocket endpoint
	// (e.g. "wss://plane.example.com/ws/agent"). Required.
	ServerURL string `yaml:"server_url"`

	// AgentID pins this daemon to an existing identity. Optional; when
	// empty the default agent from the identity file is used, or a new
	// identity is registered on first run.
	AgentID string `yaml:"agent_id"`

	// AgentType names the wrapped coding agent (e.g. "claude", "gemini",
	// "codex"). Defaults to "claude" when omitted.
	AgentType string `yaml:"agent_type"`

	// AgentName is a human-readable label shown on dashboards. Defaults
	// to the hostname when omitted.
	AgentName string `yaml:"agent_name"`

	// IdentityPath is the agent identity file. Defaults to
	// "identity.json" under StateDir when omitted.
	IdentityPath string `yaml:"identity_path"`

	// StateDir holds local state, including the encrypted credential
	// store. Defaults to ".onsembl" under the user home directory.
	StateDir string `yaml:"state_dir"`

	// HeartbeatInterval between AGENT_HEARTBEAT frames. Defaults to 10s.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// Reconnect tunes the reconnection backoff schedule.
	Reconnect ReconnectConfig `yaml:"reconnect"`

	// Breaker tunes the dial circuit breaker.
	Breaker BreakerConfig `yaml:"breaker"`
}

// ReconnectConfig tunes the exponential backoff between dial attempts.
type ReconnectConfig struct {
	// BaseDelay before the first retry. Defaults to 1s.
	BaseDelay Duration `yaml:"base_delay"`

	// Multiplier applied per consecutive failure. Defaults to 2.
	Multiplier float64 `yaml:"multiplier"`

	// MaxDelay caps the backoff. Defaults to 30s.
	MaxDelay Duration `yaml:"max_delay"`

	// MaxAttempts bounds consecutive failed attempts; 0 retries forever.
	MaxAttempts int `yaml:"max_attempts"`
}

// BreakerConfig tunes the circuit breaker guarding dial attempts.
type BreakerConfig struct {
	// FailureThreshold opens the breaker after this many consecutive
	// failures. Defaults to 5.
	FailureThreshold int `yaml:"failure_threshold"`

	// RecoveryTimeout is how long the breaker stays open before allowing
	// a probe. Defaults to 30s.
	RecoveryTimeout Duration `yaml:"recovery_timeout"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadServerConfig reads the YAML file at path, applies defaults, and
// validates required fields, returning joined errors for every failure found.
func LoadServerConfig(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return &cfg, nil
}

// LoadAgentConfig reads the YAML file at path, applies defaults, and
// validates required fields.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return &cfg, nil
}

func loadYAML(path string, into any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: cannot read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("config: cannot parse %q: %w", path, err)
	}
	return nil
}

func (c *ServerConfig) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.QueuePath == "" {
		c.QueuePath = "command-queue.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = Duration(10 * time.Second)
	}
	if c.Heartbeat.SweepInterval <= 0 {
		c.Heartbeat.SweepInterval = Duration(30 * time.Second)
	}
	if c.Heartbeat.StaleTimeout <= 0 {
		c.Heartbeat.StaleTimeout = Duration(90 * time.Second)
	}
	if c.Token.TTL <= 0 {
		c.Token.TTL = Duration(15 * time.Minute)
	}
	if c.Token.RotateWithin <= 0 {
		c.Token.RotateWithin = Duration(5 * time.Minute)
	}
}

func (c *ServerConfig) validate() error {
	var errs []error

	if c.AuthSecret == "" {
		errs = append(errs, errors.New("auth_secret is required"))
	} else if len(c.AuthSecret) < 32 {
		errs = append(errs, fmt.Errorf("auth_secret has %d bytes, need at least 32", len(c.AuthSecret)))
	}
	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", c.LogLevel))
	}
	if c.Limits.MaxConnections < 0 {
		errs = append(errs, errors.New("limits.max_connections must not be negative"))
	}
	if c.Limits.MaxSessionsPerUser < 0 {
		errs = append(errs, errors.New("limits.max_sessions_per_user must not be negative"))
	}
	if c.Limits.MaxQueueDepth < 0 {
		errs = append(errs, errors.New("limits.max_queue_depth must not be negative"))
	}
	if c.RateLimit.Limit < 0 {
		errs = append(errs, errors.New("rate_limit.limit must not be negative"))
	}
	if c.Heartbeat.StaleTimeout.Std() <= c.Heartbeat.Interval.Std() {
		errs = append(errs, fmt.Errorf("heartbeat.stale_timeout (%s) must exceed heartbeat.interval (%s)",
			c.Heartbeat.StaleTimeout.Std(), c.Heartbeat.Interval.Std()))
	}
	if c.Token.RotateWithin.Std() >= c.Token.TTL.Std() {
		errs = append(errs, fmt.Errorf("token.rotate_within (%s) must be shorter than token.ttl (%s)",
			c.Token.RotateWithin.Std(), c.Token.TTL.Std()))
	}

	return errors.Join(errs...)
}

func (c *AgentConfig) applyDefaults() {
	if c.AgentType == "" {
		c.AgentType = "claude"
	}
	if c.AgentName == "" {
		if hostname, err := os.Hostname(); err == nil {
			c.AgentName = hostname
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = Duration(10 * time.Second)
	}
	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = Duration(time.Second)
	}
	if c.Reconnect.Multiplier <= 0 {
		c.Reconnect.Multiplier = 2
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = Duration(30 * time.Second)
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		c.Breaker.RecoveryTimeout = Duration(30 * time.Second)
	}
}

func (c *AgentConfig) validate() error {
	var errs []error

	switch {
	case c.ServerURL == "":
		errs = append(errs, errors.New("server_url is required"))
	case !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://"):
		errs = append(errs, fmt.Errorf("server_url %q must start with ws:// or wss://", c.ServerURL))
	}
	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", c.LogLevel))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must not be negative"))
	}
	if c.Reconnect.MaxDelay.Std() < c.Reconnect.BaseDelay.Std() {
		errs = append(errs, fmt.Errorf("reconnect.max_delay (%s) must not be below reconnect.base_delay (%s)",
			c.Reconnect.MaxDelay.Std(), c.Reconnect.BaseDelay.Std()))
	}

	return errors.Join(errs...)
}
