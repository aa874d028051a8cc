package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/parley/internal/events"
)

const (
	sseKeepAlive = 15 * time.Second
	// sseRetry is the reconnect delay suggested to EventSource clients.
	sseRetry = 3 * time.Second
)

// sseStream writes text/event-stream frames and flushes after each one.
type sseStream struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s sseStream) send(ev events.Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\n", ev.ID)
	if ev.Type != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Type)
	}
	// Payloads are compact JSON and never contain a newline.
	fmt.Fprintf(&b, "data: %s\n\n", ev.Data)
	return s.raw(b.String())
}

func (s sseStream) raw(frame string) error {
	if _, err := fmt.Fprint(s.w, frame); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// handleEvents handles GET /events?types=a,b&last_event_id=N.
// Buffered events after the resume point are replayed before live ones.
// The Last-Event-ID header wins over the query parameter.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	types := parseTypes(r.URL.Query().Get("types"))
	resume := r.Header.Get("Last-Event-ID")
	if resume == "" {
		resume = r.URL.Query().Get("last_event_id")
	}
	lastID := parseLastEventID(resume)

	// Subscribe before the replay so nothing published in between is lost;
	// anything already replayed is skipped by ID below.
	live, cancel := s.events.Subscribe(types...)
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := sseStream{w: w, f: flusher}
	if err := stream.raw(fmt.Sprintf("retry: %d\n\n", sseRetry.Milliseconds())); err != nil {
		return
	}
	for _, ev := range s.events.SnapshotSince(lastID, types...) {
		if err := stream.send(ev); err != nil {
			return
		}
		lastID = ev.ID
	}

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.ID <= lastID {
				continue
			}
			if err := stream.send(ev); err != nil {
				return
			}
			lastID = ev.ID
		case <-ticker.C:
			if err := stream.raw(": keep-alive\n\n"); err != nil {
				return
			}
		}
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parseTypes splits a comma-separated topic list, ignoring blanks.
func parseTypes(v string) []string {
	var out []string
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
