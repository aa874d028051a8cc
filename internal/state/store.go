package state

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultMaxValueBytes caps a single conversation state value.
const DefaultMaxValueBytes = 64 * 1024

var (
	ErrNotFound      = errors.New("state key not found")
	ErrValueTooLarge = errors.New("state value too large")
)

// TurnStatus is the terminal outcome of one processed work item.
type TurnStatus string

const (
	TurnSucceeded TurnStatus = "succeeded"
	TurnFailed    TurnStatus = "failed"
	TurnTimedOut  TurnStatus = "timed_out"
)

// Turn is one row of the turn log.
type Turn struct {
	ItemID     string     `json:"item_id"`
	Identity   string     `json:"identity"`
	MessageSID string     `json:"message_sid,omitempty"`
	Status     TurnStatus `json:"status"`
	Chunks     int        `json:"chunks"`
	LastError  string     `json:"last_error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	DurationMS int64      `json:"duration_ms"`
}

// Store persists per-identity conversation state and the turn log.
type Store interface {
	Get(ctx context.Context, identity, key string) (string, error)
	Set(ctx context.Context, identity, key, value string) error
	RecordTurn(ctx context.Context, turn Turn) error
	RecentTurns(ctx context.Context, identity string, limit int) ([]Turn, error)
	Close() error
}

// Accessor scopes a Store to one identity. It satisfies queue.StateAccessor.
type Accessor struct {
	store    Store
	identity string
}

func For(store Store, identity string) *Accessor {
	return &Accessor{store: store, identity: identity}
}

func (a *Accessor) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := a.store.Get(ctx, a.identity, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (a *Accessor) Set(ctx context.Context, key, value string) error {
	return a.store.Set(ctx, a.identity, key, value)
}

func validateSet(identity, key, value string) error {
	if identity == "" {
		return fmt.Errorf("identity is empty")
	}
	if key == "" {
		return fmt.Errorf("state key is empty")
	}
	if len(value) > DefaultMaxValueBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrValueTooLarge, len(value), DefaultMaxValueBytes)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
