package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoader_LoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "kernel.yaml")

	yamlContent := `
server:
  log_level: debug
  ring_buffer_len: 2048

policy:
  dry_run: true
  fail_open: false
  max_cache_size: 500
  custom_checks:
    - name: high-risk-llm
      expression: "risk_level == \"high\""
      priority: 10

kill_switch:
  transport: poll
  poll_endpoint: https://control-plane.example.com/commands
  poll_interval_ms: 15000

replay:
  max_command_age_s: 120
  max_nonce_cache: 5000

token_generator:
  algorithm: ES256
  issuer: test-issuer
  default_ttl_s: 120

token_validator:
  required_issuer: test-issuer
  max_clock_skew_s: 10
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	cfg := loader.Get()

	if cfg.Server.LogLevel != "debug" {
		t.Errorf("Server.LogLevel = %q, want \"debug\"", cfg.Server.LogLevel)
	}
	if !cfg.Policy.DryRun {
		t.Error("Policy.DryRun = false, want true")
	}
	if cfg.Policy.MaxCacheSize != 500 {
		t.Errorf("Policy.MaxCacheSize = %d, want 500", cfg.Policy.MaxCacheSize)
	}
	if len(cfg.Policy.CustomChecks) != 1 || cfg.Policy.CustomChecks[0].Name != "high-risk-llm" {
		t.Fatalf("Policy.CustomChecks = %+v, want one entry named high-risk-llm", cfg.Policy.CustomChecks)
	}
	if cfg.KillSwitch.Transport != "poll" {
		t.Errorf("KillSwitch.Transport = %q, want \"poll\"", cfg.KillSwitch.Transport)
	}
	if cfg.Replay.MaxCommandAgeS != 120 {
		t.Errorf("Replay.MaxCommandAgeS = %d, want 120", cfg.Replay.MaxCommandAgeS)
	}
	if cfg.TokenGen.Algorithm != "ES256" {
		t.Errorf("TokenGen.Algorithm = %q, want \"ES256\"", cfg.TokenGen.Algorithm)
	}
	if cfg.TokenValid.MaxClockSkewS != 10 {
		t.Errorf("TokenValid.MaxClockSkewS = %d, want 10", cfg.TokenValid.MaxClockSkewS)
	}
}

func TestLoader_DefaultConfig(t *testing.T) {
	loader := NewLoader()
	cfg := loader.Get()

	if cfg.Policy.MaxCacheSize != 1000 {
		t.Errorf("default Policy.MaxCacheSize = %d, want 1000", cfg.Policy.MaxCacheSize)
	}
	if cfg.Replay.MaxCommandAgeS != 300 {
		t.Errorf("default Replay.MaxCommandAgeS = %d, want 300", cfg.Replay.MaxCommandAgeS)
	}
	if !cfg.KillSwitch.AllowResume {
		t.Error("default KillSwitch.AllowResume = false, want true")
	}
	if cfg.TokenGen.DefaultTTLS != 300 {
		t.Errorf("default TokenGen.DefaultTTLS = %d, want 300", cfg.TokenGen.DefaultTTLS)
	}
}

func TestLoader_LoadNonExistentFile(t *testing.T) {
	loader := NewLoader()
	err := loader.Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("Load() with nonexistent file should return error")
	}
}

func TestLoader_LoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad.yaml")

	if err := os.WriteFile(configPath, []byte(`{{{invalid yaml`), 0644); err != nil {
		t.Fatalf("failed to write bad config: %v", err)
	}

	loader := NewLoader()
	err := loader.Load(configPath)
	if err == nil {
		t.Error("Load() with invalid YAML should return error")
	}
}

func TestLoader_FilePath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "kernel.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  log_level: info\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if loader.FilePath() != "" {
		t.Errorf("FilePath() before Load() = %q, want empty", loader.FilePath())
	}

	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if loader.FilePath() != configPath {
		t.Errorf("FilePath() = %q, want %q", loader.FilePath(), configPath)
	}
}

func TestLoader_Reload(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "kernel.yaml")

	if err := os.WriteFile(configPath, []byte("server:\n  log_level: info\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loader.Get().Server.LogLevel != "info" {
		t.Errorf("initial log_level = %q, want info", loader.Get().Server.LogLevel)
	}

	if err := os.WriteFile(configPath, []byte("server:\n  log_level: debug\n"), 0644); err != nil {
		t.Fatalf("failed to overwrite config: %v", err)
	}

	if err := loader.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if loader.Get().Server.LogLevel != "debug" {
		t.Errorf("reloaded log_level = %q, want debug", loader.Get().Server.LogLevel)
	}
}

func TestLoader_ReloadWithoutLoad(t *testing.T) {
	loader := NewLoader()
	err := loader.Reload()
	if err == nil {
		t.Error("Reload() without prior Load() should return error")
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	os.Setenv("TEST_AIGOS_PORT", "9999")
	os.Setenv("TEST_AIGOS_SECRET", "my-secret")
	defer os.Unsetenv("TEST_AIGOS_PORT")
	defer os.Unsetenv("TEST_AIGOS_SECRET")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple substitution", "port: ${TEST_AIGOS_PORT}", "port: 9999"},
		{
			"multiple substitutions",
			"port: ${TEST_AIGOS_PORT}\nsecret: ${TEST_AIGOS_SECRET}",
			"port: 9999\nsecret: my-secret",
		},
		{"undefined variable", "value: ${UNDEFINED_TEST_VAR_XYZ}", "value: "},
		{"default value syntax", "value: ${UNDEFINED_TEST_VAR_XYZ:-default-val}", "value: default-val"},
		{"default value not used when env var set", "port: ${TEST_AIGOS_PORT:-1234}", "port: 9999"},
		{"no env vars", "port: 8080", "port: 8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := substituteEnvVars(tt.input)
			if got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestGenerateDefault(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "kernel.yaml")

	if err := GenerateDefault(configPath); err != nil {
		t.Fatalf("GenerateDefault() error: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read generated config: %v", err)
	}
	if len(data) == 0 {
		t.Error("generated config is empty")
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("generated config is not valid YAML: %v", err)
	}
	if loader.Get().Policy.MaxCacheSize != 1000 {
		t.Errorf("generated config Policy.MaxCacheSize = %d, want 1000", loader.Get().Policy.MaxCacheSize)
	}
}
