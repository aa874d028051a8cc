// Package events is the in-process feed of dispatcher activity. The admin
// API streams it over SSE and the watch TUI renders it.
package events

import (
	"encoding/json"
	"slices"
	"sync"
	"time"
)

// Dispatcher lifecycle topics.
const (
	ItemEnqueued  = "item.enqueued"
	ItemRejected  = "item.rejected"
	DrainStarted  = "drain.started"
	DrainFinished = "drain.finished"
	TurnSucceeded = "turn.succeeded"
	TurnFailed    = "turn.failed"
)

const (
	defaultCapacity   = 256
	subscriberBacklog = 128
)

type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// Publisher is the write side of the hub, as seen by producers.
type Publisher interface {
	Publish(eventType string, data any)
}

// Stats counts hub traffic since start.
type Stats struct {
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

type subscriber struct {
	ch    chan Event
	types []string // empty means every type
}

func (s *subscriber) wants(eventType string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, eventType)
}

// Hub fans events out to subscribers and keeps the most recent ones in a
// fixed ring so a reconnecting client can resume by ID.
type Hub struct {
	mu      sync.Mutex
	lastID  int64
	ring    []Event
	next    int  // ring slot for the next event
	wrapped bool // ring has been filled at least once
	dropped int64
	subs    map[*subscriber]struct{}
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[*subscriber]struct{}),
	}
}

// Publish records an event and offers it to every interested subscriber.
// data is JSON-encoded; nil or unencodable data becomes "{}". A nil Hub
// discards events.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: eventType, At: time.Now().UTC(), Data: payload}

	h.ring[h.next] = ev
	h.next = (h.next + 1) % len(h.ring)
	if h.next == 0 {
		h.wrapped = true
	}

	for sub := range h.subs {
		if !sub.wants(eventType) {
			continue
		}
		// Slow subscribers lose events rather than stall a drain loop.
		select {
		case sub.ch <- ev:
		default:
			h.dropped++
		}
	}
}

// Subscribe registers a subscriber for the given types, or for every type
// when none are given. cancel unsubscribes and closes the channel.
func (h *Hub) Subscribe(types ...string) (events <-chan Event, cancel func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBacklog), types: types}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			close(sub.ch)
			h.mu.Unlock()
		})
	}
}

// SnapshotSince returns buffered events with ID > lastID, oldest first,
// restricted to types when any are given.
func (h *Hub) SnapshotSince(lastID int64, types ...string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	filter := subscriber{types: types}
	var ordered []Event
	if h.wrapped {
		ordered = append(slices.Clone(h.ring[h.next:]), h.ring[:h.next]...)
	} else {
		ordered = h.ring[:h.next]
	}

	out := make([]Event, 0, len(ordered))
	for _, ev := range ordered {
		if ev.ID > lastID && filter.wants(ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{Published: h.lastID, Dropped: h.dropped, Subscribers: len(h.subs)}
}
