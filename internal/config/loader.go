package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted when no --config
// flag is given.
const EnvConfigPath = "PARLEY_CONFIG"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ResolvePath picks the config file: flag value, then $PARLEY_CONFIG, then
// ./config.yaml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return "config.yaml"
}

// Load reads, interpolates, hash-verifies and validates the config at path.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	if err := VerifyIfLocked(absPath); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML over Defaults() after ${VAR} interpolation. It does not
// validate.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills fields an explicit YAML value left empty.
func applyDefaults(cfg *Config) {
	def := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = def.Service.Name
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = def.Service.LogFormat
	}
	if cfg.State.Backend == "" {
		cfg.State.Backend = def.State.Backend
	}
	if cfg.Service.PIDFile == "" && cfg.State.Path != "" {
		cfg.Service.PIDFile = filepath.Join(filepath.Dir(cfg.State.Path), "parley.lock")
	}
	if cfg.Webhook.Path == "" {
		cfg.Webhook.Path = def.Webhook.Path
	}
	if cfg.Webhook.MaxBodySize == "" {
		cfg.Webhook.MaxBodySize = def.Webhook.MaxBodySize
	}
	if cfg.Assistant.BaseURL == "" {
		cfg.Assistant.BaseURL = def.Assistant.BaseURL
	}
	if cfg.Assistant.PollInterval <= 0 {
		cfg.Assistant.PollInterval = def.Assistant.PollInterval
	}
	if cfg.Twilio.BaseURL == "" {
		cfg.Twilio.BaseURL = def.Twilio.BaseURL
	}
	if cfg.Twilio.SendBurst <= 0 {
		cfg.Twilio.SendBurst = def.Twilio.SendBurst
	}
	if cfg.Dispatch.TurnTimeout <= 0 {
		cfg.Dispatch.TurnTimeout = def.Dispatch.TurnTimeout
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Leave the placeholder; validate reports it if the field is required.
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	switch cfg.State.Backend {
	case "sqlite":
		if cfg.State.Path == "" {
			return fmt.Errorf("state.path is required for the sqlite backend")
		}
	case "postgres":
		if err := requireSecret("state.postgres_url", cfg.State.PostgresURL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("state.backend must be sqlite or postgres (got %q)", cfg.State.Backend)
	}

	if cfg.Webhook.Listen == "" {
		return fmt.Errorf("webhook.listen is required")
	}
	if !strings.HasPrefix(cfg.Webhook.Path, "/") {
		return fmt.Errorf("webhook.path must start with / (got %q)", cfg.Webhook.Path)
	}
	if _, err := ParseSize(cfg.Webhook.MaxBodySize); err != nil {
		return fmt.Errorf("webhook.max_body_size: %w", err)
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled")
		}
		if err := requireSecret("api.api_key", cfg.API.APIKey); err != nil {
			return err
		}
	}

	for _, f := range []struct{ name, value string }{
		{"assistant.api_key", cfg.Assistant.APIKey},
		{"assistant.assistant_id", cfg.Assistant.AssistantID},
		{"twilio.account_sid", cfg.Twilio.AccountSID},
		{"twilio.auth_token", cfg.Twilio.AuthToken},
		{"twilio.from", cfg.Twilio.From},
	} {
		if err := requireSecret(f.name, f.value); err != nil {
			return err
		}
	}

	if cfg.Twilio.SendRate < 0 {
		return fmt.Errorf("twilio.send_rate must not be negative")
	}
	if cfg.Dispatch.MaxPending < 0 {
		return fmt.Errorf("dispatch.max_pending must not be negative")
	}
	return nil
}

func requireSecret(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

// ParseSize parses size strings like "64KB", "1MB" or "2048" to bytes.
func ParseSize(size string) (int64, error) {
	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value %q", size)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return value * multiplier, nil
}

const redacted = "[redacted]"

// Redacted returns a copy with every secret replaced, for printing.
func (c *Config) Redacted() *Config {
	out := *c
	for _, s := range []*string{
		&out.State.PostgresURL,
		&out.API.APIKey,
		&out.Assistant.APIKey,
		&out.Twilio.AuthToken,
	} {
		if *s != "" {
			*s = redacted
		}
	}
	return &out
}
