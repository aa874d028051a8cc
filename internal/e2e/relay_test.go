package e2e

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/parley/internal/assistant"
	"github.com/mattjoyce/parley/internal/dispatch"
	"github.com/mattjoyce/parley/internal/events"
	"github.com/mattjoyce/parley/internal/log"
	"github.com/mattjoyce/parley/internal/pipeline"
	"github.com/mattjoyce/parley/internal/queue"
	"github.com/mattjoyce/parley/internal/state"
	"github.com/mattjoyce/parley/internal/storage"
	"github.com/mattjoyce/parley/internal/twilio"
	"github.com/mattjoyce/parley/internal/webhook"
)

const (
	publicURL  = "https://parley.test"
	authToken  = "tw-secret"
	openAIKey  = "sk-e2e"
	assistant1 = "asst_e2e"
)

// fakeOpenAI answers every run with "re: <last user message>" followed by a
// cited second paragraph. Runs complete on creation after a short delay.
type fakeOpenAI struct {
	mu       sync.Mutex
	threads  int
	messages map[string][]string // thread -> user messages
	replies  map[string]string   // run -> reply
	runs     int
}

func newFakeOpenAI(t *testing.T) (*fakeOpenAI, *httptest.Server) {
	t.Helper()
	f := &fakeOpenAI{messages: map[string][]string{}, replies: map[string]string{}}

	r := chi.NewRouter()
	r.Post("/threads", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.threads++
		id := fmt.Sprintf("thread_%d", f.threads)
		f.mu.Unlock()
		writeJSON(w, map[string]any{"id": id})
	})
	r.Post("/threads/{thread}/messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		thread := chi.URLParam(r, "thread")
		f.mu.Lock()
		f.messages[thread] = append(f.messages[thread], body.Content)
		f.mu.Unlock()
		writeJSON(w, map[string]any{"id": "msg_user"})
	})
	r.Post("/threads/{thread}/runs", func(w http.ResponseWriter, r *http.Request) {
		thread := chi.URLParam(r, "thread")
		// Slow enough that a second turn for the same thread would overlap.
		time.Sleep(15 * time.Millisecond)

		f.mu.Lock()
		f.runs++
		runID := fmt.Sprintf("run_%d", f.runs)
		msgs := f.messages[thread]
		f.replies[runID] = fmt.Sprintf("re: %s\n\nsee %s【4:0†notes.md】", msgs[len(msgs)-1], thread)
		f.mu.Unlock()
		writeJSON(w, map[string]any{"id": runID, "status": "completed"})
	})
	r.Get("/threads/{thread}/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		reply := f.replies[r.URL.Query().Get("run_id")]
		f.mu.Unlock()
		writeJSON(w, map[string]any{"data": []map[string]any{{
			"id":   "msg_reply",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": map[string]any{"value": reply}},
			},
		}}})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return f, srv
}

// fakeTwilio records outbound bodies per recipient and typing indicators.
type fakeTwilio struct {
	mu     sync.Mutex
	sent   map[string][]string
	from   map[string]string
	typing int
}

func newFakeTwilio(t *testing.T) (*fakeTwilio, *httptest.Server) {
	t.Helper()
	f := &fakeTwilio{sent: map[string][]string{}, from: map[string]string{}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if strings.HasSuffix(r.URL.Path, "/Typing.json") {
			f.typing++
			writeJSON(w, map[string]any{"success": true})
			return
		}
		to := r.PostForm.Get("To")
		f.sent[to] = append(f.sent[to], r.PostForm.Get("Body"))
		f.from[to] = r.PostForm.Get("From")
		writeJSON(w, map[string]any{"sid": fmt.Sprintf("SM%d", len(f.sent[to])), "status": "queued"})
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeTwilio) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, bodies := range f.sent {
		n += len(bodies)
	}
	return n
}

func (f *fakeTwilio) bodies(to string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[to]...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func sign(fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type relay struct {
	store      *state.SQLiteStore
	hub        *events.Hub
	dispatcher *dispatch.Dispatcher
	inbound    *httptest.Server
}

func newRelay(t *testing.T, openAIURL, twilioURL string) *relay {
	t.Helper()
	log.Setup("error", "text")

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "parley.db"))
	require.NoError(t, err)
	store := state.NewSQLiteStore(db)
	t.Cleanup(func() { _ = store.Close() })

	responder, err := assistant.New(assistant.Config{
		BaseURL:      openAIURL,
		APIKey:       openAIKey,
		AssistantID:  assistant1,
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)

	tw := twilio.New(twilio.Config{
		BaseURL:    twilioURL,
		AccountSID: "AC_e2e",
		AuthToken:  authToken,
		From:       "+15550009999",
	})

	hub := events.NewHub(256)
	disp := dispatch.New(queue.NewRegistry(), pipeline.New(responder, true), dispatch.Config{
		TurnTimeout: 10 * time.Second,
		Events:      hub,
		Turns:       store,
	})

	contexts := func(identity queue.Identity) queue.PipelineContext {
		return queue.PipelineContext{
			Sink:    tw.SinkFor(string(identity)),
			State:   state.For(store, string(identity)),
			Channel: tw,
		}
	}
	srv := webhook.New(webhook.Config{
		Path:              "/webhook",
		PublicURL:         publicURL,
		AuthToken:         authToken,
		ValidateSignature: true,
		MaxBodySize:       64 << 10,
	}, disp, contexts, log.WithComponent("webhook"))

	inbound := httptest.NewServer(srv.Handler())
	t.Cleanup(inbound.Close)

	return &relay{store: store, hub: hub, dispatcher: disp, inbound: inbound}
}

func (r *relay) post(t *testing.T, from, sid, body string, signed bool) int {
	t.Helper()
	form := url.Values{}
	form.Set("From", from)
	form.Set("To", "whatsapp:+15550009999")
	form.Set("Body", body)
	form.Set("MessageSid", sid)
	form.Set("NumMedia", "0")

	req, err := http.NewRequest(http.MethodPost, r.inbound.URL+"/webhook", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signed {
		req.Header.Set(webhook.SignatureHeader, sign(publicURL+"/webhook", form))
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestRelayPreservesPerIdentityOrder(t *testing.T) {
	openAI, openAISrv := newFakeOpenAI(t)
	tw, twSrv := newFakeTwilio(t)
	r := newRelay(t, openAISrv.URL, twSrv.URL)

	identities := []string{"whatsapp:+15550000001", "whatsapp:+15550000002"}
	const perIdentity = 3

	// Each sender posts back-to-back, faster than turns complete.
	var wg sync.WaitGroup
	for i, id := range identities {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 1; n <= perIdentity; n++ {
				status := r.post(t, id, fmt.Sprintf("SM%d%d", i, n), fmt.Sprintf("msg %d", n), true)
				assert.Equal(t, http.StatusOK, status)
			}
		}()
	}
	wg.Wait()

	// Two chunks per turn: the reply line and the de-cited footnote.
	want := len(identities) * perIdentity * 2
	require.Eventually(t, func() bool { return tw.total() == want }, 10*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.dispatcher.Close(ctx))

	for _, id := range identities {
		bodies := tw.bodies(id)
		require.Len(t, bodies, perIdentity*2)
		thread, err := r.store.Get(ctx, id, assistant.ThreadKey)
		require.NoError(t, err)

		for n := 1; n <= perIdentity; n++ {
			assert.Equal(t, fmt.Sprintf("re: msg %d", n), bodies[(n-1)*2], "identity %s", id)
			assert.Equal(t, "see "+thread, bodies[(n-1)*2+1], "citation must be stripped")
		}
		assert.Equal(t, "whatsapp:+15550009999", tw.from[id])

		turns, err := r.store.RecentTurns(ctx, id, 10)
		require.NoError(t, err)
		require.Len(t, turns, perIdentity)
		for _, turn := range turns {
			assert.Equal(t, state.TurnSucceeded, turn.Status)
			assert.Equal(t, 2, turn.Chunks)
		}
	}

	openAI.mu.Lock()
	assert.Equal(t, len(identities), openAI.threads, "one thread per identity, reused across turns")
	openAI.mu.Unlock()

	tw.mu.Lock()
	assert.Equal(t, len(identities)*perIdentity, tw.typing)
	tw.mu.Unlock()

	succeeded := 0
	for _, ev := range r.hub.SnapshotSince(0) {
		if ev.Type == events.TurnSucceeded {
			succeeded++
		}
		assert.NotContains(t, string(ev.Data), "+15550000001", "events carry masked identities")
	}
	assert.Equal(t, len(identities)*perIdentity, succeeded)
}

func TestRelayRejectsUnsignedRequests(t *testing.T) {
	_, openAISrv := newFakeOpenAI(t)
	tw, twSrv := newFakeTwilio(t)
	r := newRelay(t, openAISrv.URL, twSrv.URL)

	status := r.post(t, "whatsapp:+15550000003", "SM1", "hello", false)
	assert.Equal(t, http.StatusForbidden, status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.dispatcher.Close(ctx))

	assert.Equal(t, 0, tw.total())
	turns, err := r.store.RecentTurns(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
}
