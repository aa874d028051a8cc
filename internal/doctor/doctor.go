// Package doctor reports operational problems in a parley configuration that
// the loader accepts but that are likely mistakes.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/parley/internal/config"
	"github.com/mattjoyce/parley/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor inspects a parsed configuration.
type Doctor struct {
	cfg     *config.Config
	loadErr error
}

// New creates a Doctor. loadErr is the error config.Load returned, if any;
// it is reported as the first error.
func New(cfg *config.Config, loadErr error) *Doctor {
	return &Doctor{cfg: cfg, loadErr: loadErr}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	if d.loadErr != nil {
		d.addError(r, "config", "", d.loadErr.Error())
	}
	if d.cfg != nil {
		d.validateTimings(r)
		d.warnWebhookExposure(r)
		d.warnAPIExposure(r)
		d.warnTwilioSender(r)
		d.warnState(r)
		d.warnDispatch(r)
	}

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateTimings(r *Result) {
	if d.cfg.Dispatch.TurnTimeout <= d.cfg.Assistant.PollInterval {
		d.addError(r, "dispatch", "dispatch.turn_timeout",
			fmt.Sprintf("turn_timeout %s must exceed assistant.poll_interval %s",
				d.cfg.Dispatch.TurnTimeout, d.cfg.Assistant.PollInterval))
	}
}

func (d *Doctor) warnWebhookExposure(r *Result) {
	if !d.cfg.Webhook.ValidateSignature {
		d.addWarning(r, "webhook", "webhook.validate_signature",
			"signature validation is disabled; anyone who finds the URL can submit messages")
		return
	}
	if d.cfg.Webhook.PublicURL == "" {
		d.addWarning(r, "webhook", "webhook.public_url",
			"public_url is empty; signatures are checked against X-Forwarded-* headers")
	}
}

func (d *Doctor) warnAPIExposure(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("admin API listens on %q, not loopback; identities are masked but queue activity is visible", d.cfg.API.Listen))
	}
	if len(d.cfg.API.APIKey) < 16 {
		d.addWarning(r, "api", "api.api_key", "api_key is shorter than 16 characters")
	}
}

func (d *Doctor) warnTwilioSender(r *Result) {
	if !strings.HasPrefix(d.cfg.Twilio.From, "whatsapp:") && !strings.HasPrefix(d.cfg.Twilio.From, "+") {
		d.addWarning(r, "twilio", "twilio.from",
			fmt.Sprintf("sender %q is neither E.164 nor whatsapp:-prefixed", d.cfg.Twilio.From))
	}
	if d.cfg.Twilio.SendRate == 0 {
		d.addWarning(r, "twilio", "twilio.send_rate", "send_rate is 0; outbound messages are not paced")
	}
}

func (d *Doctor) warnState(r *Result) {
	if d.cfg.State.Backend != "sqlite" || d.cfg.State.Path == "" {
		return
	}
	if !filepath.IsAbs(d.cfg.State.Path) {
		d.addWarning(r, "state", "state.path",
			fmt.Sprintf("relative path %q resolves against the working directory", d.cfg.State.Path))
	}
	if err := storage.CheckLocalFilesystem(d.cfg.State.Path); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
}

func (d *Doctor) warnDispatch(r *Result) {
	if d.cfg.Dispatch.MaxPending == 0 {
		d.addWarning(r, "dispatch", "dispatch.max_pending",
			"max_pending is 0; a flooding sender can buffer without bound")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
