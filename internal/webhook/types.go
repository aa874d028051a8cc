package webhook

import (
	"github.com/mattjoyce/parley/internal/queue"
)

// Submitter accepts inbound messages without waiting for them to be
// processed. *dispatch.Dispatcher satisfies it.
type Submitter interface {
	Submit(identity queue.Identity, msg queue.Message, pctx queue.PipelineContext) (queue.WorkItem, error)
}

// ContextFactory builds the pipeline handles for one sender.
type ContextFactory func(identity queue.Identity) queue.PipelineContext

// Config holds webhook server configuration.
type Config struct {
	Listen string
	Path   string

	// PublicURL is the scheme://host[/prefix] Twilio uses to reach this
	// server. The request URI is appended to it when checking signatures.
	PublicURL string

	// AuthToken is the Twilio auth token that keys X-Twilio-Signature.
	AuthToken         string
	ValidateSignature bool

	// MaxBodySize is the maximum allowed request body size in bytes.
	MaxBodySize int64
}

const (
	DefaultPath        = "/webhook"
	DefaultMaxBodySize = 64 * 1024

	SignatureHeader = "X-Twilio-Signature"

	emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
)
