// Package pipeline runs one assistant turn per work item and delivers the
// reply in paragraph chunks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/mattjoyce/parley/internal/log"
	"github.com/mattjoyce/parley/internal/queue"
)

//go:generate mockgen -destination=mocks/mocks.go -package=mocks github.com/mattjoyce/parley/internal/pipeline Responder
//go:generate mockgen -destination=mocks/queue_mocks.go -package=mocks github.com/mattjoyce/parley/internal/queue Sink,StateAccessor,Channel

var (
	paragraphBreak = regexp.MustCompile(`\n\n+`)
	// Assistant file-search citations look like 【4:0†source】.
	citationMarker = regexp.MustCompile(`【.*?】 ?`)
)

var ErrEmptyReply = errors.New("assistant returned an empty reply")

// Responder produces the assistant's reply to text, continuing the
// conversation recorded in state.
type Responder interface {
	Ask(ctx context.Context, state queue.StateAccessor, text string) (string, error)
}

type Pipeline struct {
	responder Responder
	typing    bool
	logger    *slog.Logger
}

// New creates a Pipeline. When typing is false the presence indicator is
// never sent.
func New(responder Responder, typing bool) *Pipeline {
	return &Pipeline{
		responder: responder,
		typing:    typing,
		logger:    log.WithComponent("pipeline"),
	}
}

// Process runs one turn and returns the number of chunks delivered.
func (p *Pipeline) Process(ctx context.Context, item queue.WorkItem) (int, error) {
	pc := item.Context
	if pc.Sink == nil {
		return 0, fmt.Errorf("work item %s has no delivery sink", item.ID)
	}
	logger := p.logger.With("item_id", item.ID)

	if p.typing && pc.Channel != nil && item.Message.MessageSID != "" {
		// Presence is cosmetic; a failed indicator never fails the turn.
		if err := pc.Channel.Typing(ctx, item.Message.MessageSID); err != nil {
			logger.Warn("typing indicator failed", "error", err)
		}
	}

	start := time.Now()
	reply, err := p.responder.Ask(ctx, pc.State, item.Message.Body)
	if err != nil {
		return 0, fmt.Errorf("ask assistant: %w", err)
	}
	logger.Info("assistant replied", "duration_ms", time.Since(start).Milliseconds())

	chunks := SplitChunks(reply)
	if len(chunks) == 0 {
		return 0, ErrEmptyReply
	}

	for i, chunk := range chunks {
		sendStart := time.Now()
		if err := pc.Sink.Deliver(ctx, []string{chunk}); err != nil {
			return i, fmt.Errorf("deliver chunk %d/%d: %w", i+1, len(chunks), err)
		}
		logger.Debug("chunk delivered",
			"chunk", i+1,
			"of", len(chunks),
			"duration_ms", time.Since(sendStart).Milliseconds(),
		)
	}
	return len(chunks), nil
}

// SplitChunks breaks reply into paragraphs with citation markers removed.
// Blank paragraphs are dropped.
func SplitChunks(reply string) []string {
	var out []string
	for _, part := range paragraphBreak.Split(reply, -1) {
		chunk := strings.TrimSpace(citationMarker.ReplaceAllString(part, ""))
		if chunk != "" {
			out = append(out, chunk)
		}
	}
	return out
}
