package config

import "time"

// Config represents the complete service configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	API       APIConfig       `yaml:"api"`
	Assistant AssistantConfig `yaml:"assistant"`
	Twilio    TwilioConfig    `yaml:"twilio"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// PIDFile defaults to parley.lock next to the state database.
	PIDFile string `yaml:"pid_file,omitempty"`
}

// StateConfig selects the conversation state backend.
type StateConfig struct {
	Backend     string `yaml:"backend"` // sqlite | postgres
	Path        string `yaml:"path"`
	PostgresURL string `yaml:"postgres_url,omitempty"`
}

// WebhookConfig configures the inbound Twilio endpoint.
type WebhookConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
	// PublicURL is the externally visible URL Twilio signs. When empty it is
	// rebuilt from the request and X-Forwarded-* headers.
	PublicURL         string `yaml:"public_url,omitempty"`
	ValidateSignature bool   `yaml:"validate_signature"`
	MaxBodySize       string `yaml:"max_body_size"`
}

// APIConfig configures the admin API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

type AssistantConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	AssistantID  string        `yaml:"assistant_id"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type TwilioConfig struct {
	BaseURL    string  `yaml:"base_url"`
	AccountSID string  `yaml:"account_sid"`
	AuthToken  string  `yaml:"auth_token"`
	From       string  `yaml:"from"`
	SendRate   float64 `yaml:"send_rate"`
	SendBurst  int     `yaml:"send_burst"`
	Typing     bool    `yaml:"typing"`
}

// DispatchConfig tunes the per-identity drain loops.
type DispatchConfig struct {
	TurnTimeout time.Duration `yaml:"turn_timeout"`
	// MaxPending bounds buffered items per identity; 0 is unbounded.
	MaxPending      int    `yaml:"max_pending"`
	FallbackMessage string `yaml:"fallback_message,omitempty"`
}

// ChecksumManifest is the on-disk format of .checksums.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "parley",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Backend: "sqlite",
			Path:    "./data/parley.db",
		},
		Webhook: WebhookConfig{
			Listen:            ":3008",
			Path:              "/webhook",
			ValidateSignature: true,
			MaxBodySize:       "64KB",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8081",
		},
		Assistant: AssistantConfig{
			BaseURL:      "https://api.openai.com/v1",
			PollInterval: 500 * time.Millisecond,
		},
		Twilio: TwilioConfig{
			BaseURL:   "https://api.twilio.com",
			SendRate:  1,
			SendBurst: 1,
			Typing:    true,
		},
		Dispatch: DispatchConfig{
			TurnTimeout: 120 * time.Second,
		},
	}
}
