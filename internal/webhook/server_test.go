package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/parley/internal/queue"
)

const testToken = "twilio-auth-token"

type submission struct {
	identity queue.Identity
	msg      queue.Message
	pctx     queue.PipelineContext
}

type fakeSubmitter struct {
	mu   sync.Mutex
	subs []submission
	err  error
}

func (f *fakeSubmitter) Submit(identity queue.Identity, msg queue.Message, pctx queue.PipelineContext) (queue.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return queue.WorkItem{}, f.err
	}
	f.subs = append(f.subs, submission{identity: identity, msg: msg, pctx: pctx})
	return queue.WorkItem{ID: "item-1", Identity: identity, Message: msg, Context: pctx}, nil
}

type stubSink struct{ to queue.Identity }

func (stubSink) Deliver(_ context.Context, _ []string) error { return nil }

func newTestServer(cfg Config, sub Submitter) *Server {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	contexts := func(identity queue.Identity) queue.PipelineContext {
		return queue.PipelineContext{Sink: stubSink{to: identity}}
	}
	return New(cfg, sub, contexts, logger)
}

func inboundForm() url.Values {
	return url.Values{
		"Body":       {"hello there"},
		"From":       {"whatsapp:+15552223333"},
		"To":         {"whatsapp:+15550001111"},
		"MessageSid": {"SM0123456789"},
		"NumMedia":   {"0"},
	}
}

func postForm(t *testing.T, h http.Handler, target string, form url.Values, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleInbound_ValidSignature(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := newTestServer(Config{
		Path:              "/webhook",
		PublicURL:         "https://bot.example.com/",
		AuthToken:         testToken,
		ValidateSignature: true,
	}, sub)

	form := inboundForm()
	sig := computeTwilioSignature("https://bot.example.com/webhook", form, testToken)
	rec := postForm(t, srv.Handler(), "/webhook", form, sig)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/xml; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, emptyTwiML, rec.Body.String())

	require.Len(t, sub.subs, 1)
	got := sub.subs[0]
	assert.Equal(t, queue.Identity("whatsapp:+15552223333"), got.identity)
	assert.Equal(t, "hello there", got.msg.Body)
	assert.Equal(t, "SM0123456789", got.msg.MessageSID)
	assert.False(t, got.msg.ReceivedAt.IsZero())
	assert.Equal(t, stubSink{to: "whatsapp:+15552223333"}, got.pctx.Sink)
}

func TestHandleInbound_InvalidSignature(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := newTestServer(Config{PublicURL: "https://bot.example.com", AuthToken: testToken, ValidateSignature: true}, sub)

	form := inboundForm()
	sig := computeTwilioSignature("https://bot.example.com/webhook", form, "wrong-token")
	rec := postForm(t, srv.Handler(), "/webhook", form, sig)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, sub.subs)
}

func TestHandleInbound_TamperedParams(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := newTestServer(Config{PublicURL: "https://bot.example.com", AuthToken: testToken, ValidateSignature: true}, sub)

	form := inboundForm()
	sig := computeTwilioSignature("https://bot.example.com/webhook", form, testToken)
	form.Set("Body", "something else")
	rec := postForm(t, srv.Handler(), "/webhook", form, sig)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, sub.subs)
}

func TestHandleInbound_MissingSignature(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := newTestServer(Config{AuthToken: testToken, ValidateSignature: true}, sub)

	rec := postForm(t, srv.Handler(), "/webhook", inboundForm(), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, sub.subs)
}

func TestHandleInbound_SignatureFromForwardedHeaders(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := newTestServer(Config{AuthToken: testToken, ValidateSignature: true}, sub)

	form := inboundForm()
	sig := computeTwilioSignature("https://public.example.com/webhook?tenant=a", form, testToken)

	req := httptest.NewRequest(http.MethodPost, "/webhook?tenant=a", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "public.example.com")
	req.Header.Set(SignatureHeader, sig)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, sub.subs, 1)
}

func TestHandleInbound_ValidationDisabled(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := newTestServer(Config{ValidateSignature: false}, sub)

	rec := postForm(t, srv.Handler(), "/webhook", inboundForm(), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, sub.subs, 1)
}

func TestHandleInbound_BodyTooLarge(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := newTestServer(Config{MaxBodySize: 64}, sub)

	form := inboundForm()
	form.Set("Body", strings.Repeat("x", 200))
	rec := postForm(t, srv.Handler(), "/webhook", form, "")

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, sub.subs)
}

func TestHandleInbound_MissingFrom(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := newTestServer(Config{}, sub)

	form := inboundForm()
	form.Del("From")
	rec := postForm(t, srv.Handler(), "/webhook", form, "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, sub.subs)
}

func TestHandleInbound_MediaOnlyIgnored(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := newTestServer(Config{}, sub)

	form := inboundForm()
	form.Set("Body", "  ")
	form.Set("NumMedia", "1")
	rec := postForm(t, srv.Handler(), "/webhook", form, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, emptyTwiML, rec.Body.String())
	assert.Empty(t, sub.subs)
}

func TestHandleInbound_QueueFullStillAcknowledged(t *testing.T) {
	sub := &fakeSubmitter{err: queue.ErrQueueFull}
	srv := newTestServer(Config{}, sub)

	rec := postForm(t, srv.Handler(), "/webhook", inboundForm(), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, emptyTwiML, rec.Body.String())
}

func TestHandleInbound_SubmitterClosed(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("dispatcher closed")}
	srv := newTestServer(Config{}, sub)

	rec := postForm(t, srv.Handler(), "/webhook", inboundForm(), "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleInbound_UnknownPath(t *testing.T) {
	srv := newTestServer(Config{Path: "/hooks/twilio"}, &fakeSubmitter{})

	rec := postForm(t, srv.Handler(), "/webhook", inboundForm(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = postForm(t, srv.Handler(), "/hooks/twilio", inboundForm(), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_AppliesDefaults(t *testing.T) {
	srv := newTestServer(Config{PublicURL: "https://bot.example.com/"}, &fakeSubmitter{})

	assert.Equal(t, DefaultPath, srv.config.Path)
	assert.Equal(t, int64(DefaultMaxBodySize), srv.config.MaxBodySize)
	assert.Equal(t, "https://bot.example.com", srv.config.PublicURL)
}
