package webhook

import (
	"fmt"

	"github.com/mattjoyce/parley/internal/config"
)

// FromGlobalConfig converts the webhook and twilio sections into a Config.
func FromGlobalConfig(cfg *config.Config) (Config, error) {
	if cfg == nil {
		return Config{}, fmt.Errorf("config is nil")
	}

	maxBodySize, err := config.ParseSize(cfg.Webhook.MaxBodySize)
	if err != nil {
		return Config{}, fmt.Errorf("webhook.max_body_size %q: %w", cfg.Webhook.MaxBodySize, err)
	}
	if cfg.Webhook.ValidateSignature && cfg.Twilio.AuthToken == "" {
		return Config{}, fmt.Errorf("webhook.validate_signature needs twilio.auth_token")
	}

	return Config{
		Listen:            cfg.Webhook.Listen,
		Path:              cfg.Webhook.Path,
		PublicURL:         cfg.Webhook.PublicURL,
		AuthToken:         cfg.Twilio.AuthToken,
		ValidateSignature: cfg.Webhook.ValidateSignature,
		MaxBodySize:       maxBodySize,
	}, nil
}
