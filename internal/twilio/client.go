// Package twilio is the outbound side of the WhatsApp channel: the Messages
// API for delivery and the typing indicator for presence.
package twilio

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	twiliogo "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/parley/internal/log"
)

const (
	DefaultBaseURL = "https://api.twilio.com"

	// typingURL is not covered by the SDK's generated services; it is posted
	// through the SDK's request handler so it shares auth and transport.
	typingURL = "https://messaging.twilio.com/v2/Indicators/Typing.json"

	// MaxBodyLength is the Messages API limit for one message body.
	MaxBodyLength = 1600

	whatsappPrefix = "whatsapp:"
)

type Config struct {
	// BaseURL, when not the default, redirects every API request to that
	// origin with the path unchanged (a regional proxy or a local stand-in).
	BaseURL    string
	AccountSID string
	AuthToken  string
	// From is the sender number. It inherits the "whatsapp:" prefix of the
	// recipient when it has none.
	From        string
	SendRate    float64
	SendBurst   int
	HTTPTimeout time.Duration
}

// Client talks to the Twilio REST API. All sends share one rate limiter.
//
// The SDK calls take no context: ctx is honoured while waiting on the
// limiter and before each request, and HTTPTimeout bounds the request.
type Client struct {
	cfg     Config
	rest    *twiliogo.RestClient
	limiter *rate.Limiter
	logger  *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 1
	}
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	if origin, err := url.Parse(cfg.BaseURL); err == nil && cfg.BaseURL != DefaultBaseURL && origin.Host != "" {
		httpClient.Transport = rebase{origin: origin, next: http.DefaultTransport}
	}

	base := &twclient.Client{
		Credentials: twclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient:  httpClient,
	}
	base.SetAccountSid(cfg.AccountSID)

	return &Client{
		cfg: cfg,
		rest: twiliogo.NewRestClientWithParams(twiliogo.ClientParams{
			Username:   cfg.AccountSID,
			Password:   cfg.AuthToken,
			AccountSid: cfg.AccountSID,
			Client:     base,
		}),
		limiter: rate.NewLimiter(limit, cfg.SendBurst),
		logger:  log.WithComponent("twilio"),
	}
}

// Send posts one message to to and returns its SID.
func (c *Client) Send(ctx context.Context, to, body string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("twilio rate limit wait: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &openapi.CreateMessageParams{}
	if c.cfg.AccountSID != "" {
		params.SetPathAccountSid(c.cfg.AccountSID)
	}
	params.SetTo(to)
	params.SetFrom(c.fromFor(to))
	params.SetBody(body)

	msg, err := c.rest.Api.CreateMessage(params)
	if err != nil {
		return "", err
	}
	if msg.Sid == nil {
		return "", nil
	}
	return *msg.Sid, nil
}

// Typing shows the typing indicator on the conversation that messageSID
// belongs to. WhatsApp clears it on the next outbound message.
func (c *Client) Typing(ctx context.Context, messageSID string) error {
	if messageSID == "" {
		return fmt.Errorf("typing indicator needs a message sid")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	form := url.Values{}
	form.Set("messageId", messageSID)
	form.Set("channel", "whatsapp")

	resp, err := c.rest.Post(typingURL, form, nil)
	if err != nil {
		return fmt.Errorf("typing indicator: %w", err)
	}
	return resp.Body.Close()
}

// SinkFor returns a queue.Sink that delivers to one recipient.
func (c *Client) SinkFor(to string) *Sink {
	return &Sink{client: c, to: to}
}

func (c *Client) fromFor(to string) string {
	from := c.cfg.From
	if strings.HasPrefix(to, whatsappPrefix) && !strings.HasPrefix(from, whatsappPrefix) {
		return whatsappPrefix + from
	}
	return from
}

// rebase sends every request to origin, keeping path and query.
type rebase struct {
	origin *url.URL
	next   http.RoundTripper
}

func (t rebase) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = t.origin.Scheme
	out.URL.Host = t.origin.Host
	out.Host = t.origin.Host
	return t.next.RoundTrip(out)
}
