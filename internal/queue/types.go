package queue

import (
	"context"
	"errors"
	"time"
)

// Identity is the stable key of one conversational counterpart, derived from
// the inbound event's originating address (e.g. "whatsapp:+15551234567").
type Identity string

// Sink delivers ordered text chunks to the counterpart.
type Sink interface {
	Deliver(ctx context.Context, chunks []string) error
}

// StateAccessor reads and writes conversation state for one identity.
// The queue never touches it; it is carried through to the pipeline.
type StateAccessor interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Channel identifies the outbound provider session and signals presence.
type Channel interface {
	Typing(ctx context.Context, messageSID string) error
}

// PipelineContext bundles the three opaque handles a turn needs.
type PipelineContext struct {
	Sink    Sink
	State   StateAccessor
	Channel Channel
}

// Message is the inbound payload of one work item.
type Message struct {
	Body       string
	MessageSID string
	ReceivedAt time.Time
}

// WorkItem is one buffered inbound message awaiting processing.
// It is immutable once created.
type WorkItem struct {
	ID       string
	Identity Identity
	Message  Message
	Context  PipelineContext
}

// EntryStatus is a point-in-time view of one identity's queue entry.
type EntryStatus struct {
	Identity Identity `json:"identity"`
	Pending  int      `json:"pending"`
	Busy     bool     `json:"busy"`
}

var (
	// ErrQueueFull is returned by Enqueue when the per-identity bound is reached.
	ErrQueueFull = errors.New("queue full")
	// ErrEmptyIdentity is returned by Enqueue for a blank identity.
	ErrEmptyIdentity = errors.New("identity is empty")
)
