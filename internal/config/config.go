// Package config is the kernel's configuration tree: a typed Config struct
// loaded from YAML via gopkg.in/yaml.v3, with DefaultConfig() providing
// safe zero-config startup values and a Loader that hot-reloads on file
// change via fsnotify. Grounded on the teacher's internal/config/config.go
// struct-tree-plus-DefaultConfig idiom, re-sectioned around spec §6's
// five configuration blocks (Policy, Kill-switch, Replay, Token generator,
// Token validator) instead of the teacher's detection/evolution/adapters
// sections, which belong to the peripheral collaborators spec §1 names as
// external (see DESIGN.md for the per-section disposition).
package config

import "time"

// Config is the top-level kernel configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Policy      PolicyConfig      `yaml:"policy"`
	KillSwitch  KillSwitchConfig  `yaml:"kill_switch"`
	Replay      ReplayConfig      `yaml:"replay"`
	TokenGen    TokenGeneratorConfig `yaml:"token_generator"`
	TokenValid  TokenValidatorConfig `yaml:"token_validator"`
}

// ServerConfig covers ambient process concerns: logging level and the
// optional durable event sink, grounded on the teacher's ServerConfig
// (Port/LogLevel/Dashboard fields), trimmed to what this kernel needs.
type ServerConfig struct {
	LogLevel      string `yaml:"log_level"`
	EventSinkPath string `yaml:"event_sink_path"` // empty = in-memory ring buffer only
	RingBufferLen int    `yaml:"ring_buffer_len"`
}

// PolicyConfig configures the Policy Engine (spec §6).
type PolicyConfig struct {
	DryRun       bool                  `yaml:"dry_run"`
	FailOpen     bool                  `yaml:"fail_open"`
	DefaultAllow bool                  `yaml:"default_allow"`
	MaxCacheSize int                   `yaml:"max_cache_size"`
	CustomChecks []CustomCheckConfig   `yaml:"custom_checks"`
	CheckTimeout time.Duration         `yaml:"check_timeout"`
}

// CustomCheckConfig declares a CEL-expressed custom check (spec §4.1 step
// 8), registered via policy.Engine.RegisterCELCheck.
type CustomCheckConfig struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	Priority   int    `yaml:"priority"`
}

// KillSwitchConfig selects and configures transports (spec §6).
type KillSwitchConfig struct {
	Transport             string        `yaml:"transport"` // stream, poll, file
	StreamEndpoint        string        `yaml:"stream_endpoint"`
	PollEndpoint          string        `yaml:"poll_endpoint"`
	PollIntervalMS        int           `yaml:"poll_interval_ms"`
	FilePath              string        `yaml:"file_path"`
	DeleteAfterProcess    bool          `yaml:"delete_after_process"`
	TimeoutMS             int           `yaml:"timeout_ms"`
	ReconnectMaxBackoffMS int           `yaml:"reconnect_max_backoff_ms"`
	MaxPollErrors         int           `yaml:"max_poll_errors"`
	AllowResume           bool          `yaml:"allow_resume"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
}

// ReplayConfig configures the kill-switch replay guard (spec §6).
type ReplayConfig struct {
	MaxCommandAgeS int    `yaml:"max_command_age_s"`
	MaxNonceCache  int    `yaml:"max_nonce_cache"`
	Persist        bool   `yaml:"persist"`
	PersistPath    string `yaml:"persist_path"`
}

// TokenGeneratorConfig configures A2A token issuance (spec §6).
type TokenGeneratorConfig struct {
	Algorithm    string `yaml:"algorithm"` // ES256, RS256, HS256
	KeyID        string `yaml:"key_id"`
	Issuer       string `yaml:"issuer"`
	DefaultTTLS  int    `yaml:"default_ttl_s"`
}

// TokenValidatorConfig configures A2A token verification (spec §6).
type TokenValidatorConfig struct {
	TrustedKeys                []string `yaml:"trusted_keys"`
	JWKSEndpoint               string   `yaml:"jwks_endpoint"`
	RequiredIssuer             string   `yaml:"required_issuer"`
	RequiredAudiences          []string `yaml:"required_audiences"`
	MaxClockSkewS              int      `yaml:"max_clock_skew_s"`
	ValidateControl            bool     `yaml:"validate_control"`
	RejectPaused               bool     `yaml:"reject_paused"`
	RejectTerminationPending   bool     `yaml:"reject_termination_pending"`
}

// DefaultConfig returns a config with safe defaults for zero-config
// startup, mirroring the teacher's DefaultConfig() idiom.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel:      "info",
			RingBufferLen: 1024,
		},
		Policy: PolicyConfig{
			DryRun:       false,
			FailOpen:     false,
			DefaultAllow: false,
			MaxCacheSize: 1000,
			CheckTimeout: 50 * time.Millisecond,
		},
		KillSwitch: KillSwitchConfig{
			Transport:             "file",
			PollIntervalMS:        30_000,
			TimeoutMS:             5_000,
			ReconnectMaxBackoffMS: 30_000,
			MaxPollErrors:         5,
			AllowResume:           true,
			HeartbeatInterval:     15 * time.Second,
		},
		Replay: ReplayConfig{
			MaxCommandAgeS: 300,
			MaxNonceCache:  10_000,
		},
		TokenGen: TokenGeneratorConfig{
			Algorithm:   "HS256",
			Issuer:      "aigos-kernel",
			DefaultTTLS: 300,
		},
		TokenValid: TokenValidatorConfig{
			MaxClockSkewS:  30,
			ValidateControl: true,
		},
	}
}
