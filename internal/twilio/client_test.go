package twilio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twclient "github.com/twilio/twilio-go/client"
)

type recordedRequest struct {
	path string
	user string
	pass string
	form map[string]string
}

func newTestServer(t *testing.T, status int, body string) (*httptest.Server, func() []recordedRequest) {
	t.Helper()

	var (
		mu   sync.Mutex
		reqs []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		user, pass, _ := r.BasicAuth()
		rec := recordedRequest{path: r.URL.Path, user: user, pass: pass, form: map[string]string{}}
		for k := range r.PostForm {
			rec.form[k] = r.PostForm.Get(k)
		}
		mu.Lock()
		reqs = append(reqs, rec)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), reqs...)
	}
}

func TestClientSend(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusCreated, `{"sid":"SM1","status":"queued"}`)
	c := New(Config{BaseURL: srv.URL, AccountSID: "AC123", AuthToken: "secret", From: "+15550001111"})

	sid, err := c.Send(context.Background(), "whatsapp:+15552223333", "hello")
	require.NoError(t, err)
	assert.Equal(t, "SM1", sid)

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", reqs[0].path)
	assert.Equal(t, "AC123", reqs[0].user)
	assert.Equal(t, "secret", reqs[0].pass)
	assert.Equal(t, "whatsapp:+15552223333", reqs[0].form["To"])
	assert.Equal(t, "whatsapp:+15550001111", reqs[0].form["From"])
	assert.Equal(t, "hello", reqs[0].form["Body"])
}

func TestClientSendKeepsPrefixedFrom(t *testing.T) {
	c := New(Config{From: "whatsapp:+15550001111"})
	assert.Equal(t, "whatsapp:+15550001111", c.fromFor("whatsapp:+15552223333"))

	c = New(Config{From: "+15550001111"})
	assert.Equal(t, "+15550001111", c.fromFor("+15552223333"))
}

func TestClientSendAPIError(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusBadRequest,
		`{"code":21211,"message":"The 'To' number is not a valid phone number.","more_info":"https://www.twilio.com/docs/errors/21211","status":400}`)
	c := New(Config{BaseURL: srv.URL, AccountSID: "AC123", AuthToken: "secret"})

	_, err := c.Send(context.Background(), "bogus", "hello")
	require.Error(t, err)

	var apiErr *twclient.TwilioRestError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.Equal(t, 21211, apiErr.Code)
}

func TestClientSendNonJSONError(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusBadGateway, "upstream down")
	c := New(Config{BaseURL: srv.URL})

	_, err := c.Send(context.Background(), "whatsapp:+1", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestClientSendHonoursContext(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusCreated, `{"sid":"SM1"}`)
	c := New(Config{BaseURL: srv.URL, SendRate: 0.001, SendBurst: 1})

	_, err := c.Send(context.Background(), "a", "first")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Send(ctx, "a", "second")
	assert.Error(t, err)
	assert.Len(t, requests(), 1)
}

func TestClientTyping(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusOK, `{"success":true}`)
	c := New(Config{BaseURL: srv.URL, AccountSID: "AC123", AuthToken: "secret"})

	require.NoError(t, c.Typing(context.Background(), "SM42"))
	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/v2/Indicators/Typing.json", reqs[0].path)
	assert.Equal(t, "AC123", reqs[0].user)
	assert.Equal(t, "SM42", reqs[0].form["messageId"])
	assert.Equal(t, "whatsapp", reqs[0].form["channel"])

	assert.Error(t, c.Typing(context.Background(), ""))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Typing(ctx, "SM43"), context.Canceled)
	assert.Len(t, requests(), 1)
}

func TestRebaseKeepsPathAndQuery(t *testing.T) {
	var got *http.Request
	next := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		got = r
		return &http.Response{StatusCode: http.StatusNoContent, Body: http.NoBody, Request: r}, nil
	})
	origin, err := url.Parse("http://127.0.0.1:9999")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "https://api.twilio.com/2010-04-01/Accounts/AC1/Messages.json?PageSize=1", nil)
	require.NoError(t, err)
	_, err = rebase{origin: origin, next: next}.RoundTrip(req)
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:9999/2010-04-01/Accounts/AC1/Messages.json?PageSize=1", got.URL.String())
	assert.Equal(t, "https://api.twilio.com/2010-04-01/Accounts/AC1/Messages.json?PageSize=1", req.URL.String(),
		"the caller's request is left untouched")
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestSinkDeliversChunksInOrder(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusCreated, `{"sid":"SM1"}`)
	c := New(Config{BaseURL: srv.URL, AccountSID: "AC123", From: "+1"})

	require.NoError(t, c.SinkFor("whatsapp:+2").Deliver(context.Background(), []string{"one", "two", "three"}))

	var bodies []string
	for _, r := range requests() {
		bodies = append(bodies, r.form["Body"])
	}
	assert.Equal(t, []string{"one", "two", "three"}, bodies)
}

func TestSinkStopsOnFailure(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusTooManyRequests, `{"code":20429,"message":"Too Many Requests","status":429}`)
	c := New(Config{BaseURL: srv.URL})

	err := c.SinkFor("whatsapp:+2").Deliver(context.Background(), []string{"one", "two"})
	assert.Error(t, err)
	assert.Len(t, requests(), 1)
}

func TestSplitBody(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitBody("short", 10))

	parts := splitBody("aaaa bbbb cccc dddd", 10)
	assert.Equal(t, []string{"aaaa bbbb", "cccc dddd"}, parts)

	long := strings.Repeat("é", 25)
	parts = splitBody(long, 10)
	require.Len(t, parts, 3)
	for _, p := range parts {
		assert.LessOrEqual(t, utf8.RuneCountInString(p), 10)
	}
	assert.Equal(t, long, strings.Join(parts, ""))
}
