package api

import (
	"github.com/mattjoyce/parley/internal/queue"
	"github.com/mattjoyce/parley/internal/state"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Identities    int    `json:"identities"`
	Pending       int    `json:"pending"`
	ActiveDrains  int    `json:"active_drains"`
	// EventsDropped counts events lost to slow /events subscribers.
	EventsDropped int64 `json:"events_dropped"`
}

// QueuesResponse is returned by GET /queues. Identities are masked.
type QueuesResponse struct {
	Queues []queue.EntryStatus `json:"queues"`
}

// TurnsResponse is returned by GET /turns.
type TurnsResponse struct {
	Turns []state.Turn `json:"turns"`
}
