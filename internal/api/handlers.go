package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/parley/internal/log"
	"github.com/mattjoyce/parley/internal/queue"
	"github.com/mattjoyce/parley/internal/state"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.queues.Snapshot()
	pending := 0
	for _, e := range snap {
		pending += e.Pending
	}

	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Identities:    len(snap),
		Pending:       pending,
		ActiveDrains:  s.drains.Active(),
		EventsDropped: s.events.Stats().Dropped,
	})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	snap := s.queues.Snapshot()
	out := make([]queue.EntryStatus, 0, len(snap))
	for _, e := range snap {
		e.Identity = queue.Identity(log.MaskIdentity(string(e.Identity)))
		out = append(out, e)
	}
	s.writeJSON(w, http.StatusOK, QueuesResponse{Queues: out})
}

// handleTurns handles GET /turns?identity=&limit=
func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	turns, err := s.turns.RecentTurns(r.Context(), r.URL.Query().Get("identity"), limit)
	if err != nil {
		s.logger.Error("failed to read turn log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read turn log")
		return
	}
	if turns == nil {
		turns = []state.Turn{}
	}
	for i := range turns {
		turns[i].Identity = log.MaskIdentity(turns[i].Identity)
	}
	s.writeJSON(w, http.StatusOK, TurnsResponse{Turns: turns})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
