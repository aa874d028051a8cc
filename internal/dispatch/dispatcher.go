package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/parley/internal/events"
	"github.com/mattjoyce/parley/internal/log"
	"github.com/mattjoyce/parley/internal/queue"
	"github.com/mattjoyce/parley/internal/state"
)

// DefaultTurnTimeout bounds one pipeline call when Config.TurnTimeout is unset.
const DefaultTurnTimeout = 2 * time.Minute

var (
	// ErrClosed is returned by Submit once Close has been called.
	ErrClosed = errors.New("dispatcher closed")
	// ErrPanic wraps a recovered pipeline panic in the turn's error.
	ErrPanic = errors.New("pipeline panicked")
)

// Pipeline turns one work item into delivered chunks and reports how many
// were delivered.
type Pipeline interface {
	Process(ctx context.Context, item queue.WorkItem) (int, error)
}

// PipelineFunc adapts a function to Pipeline.
type PipelineFunc func(ctx context.Context, item queue.WorkItem) (int, error)

func (f PipelineFunc) Process(ctx context.Context, item queue.WorkItem) (int, error) {
	return f(ctx, item)
}

// TurnRecorder persists the outcome of each turn.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, turn state.Turn) error
}

// Config tunes a Dispatcher. Events and Turns may be nil.
type Config struct {
	TurnTimeout time.Duration
	// FallbackMessage, when set, is delivered through the item's sink after
	// a failed turn.
	FallbackMessage string
	Events          events.Publisher
	Turns           TurnRecorder
}

// Dispatcher owns the drain loops for every identity in a registry.
type Dispatcher struct {
	registry *queue.Registry
	pipeline Pipeline
	cfg      Config
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	active atomic.Int64
}

// New returns a Dispatcher that runs pipeline for items admitted to registry.
func New(registry *queue.Registry, pipeline Pipeline, cfg Config) *Dispatcher {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry: registry,
		pipeline: pipeline,
		cfg:      cfg,
		logger:   log.WithComponent("dispatch"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit accepts one inbound message for identity and returns without
// waiting for it to be processed. The only rejections are a closed
// dispatcher and the registry's own admission errors.
func (d *Dispatcher) Submit(identity queue.Identity, msg queue.Message, pctx queue.PipelineContext) (queue.WorkItem, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return queue.WorkItem{}, ErrClosed
	}

	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	item := queue.WorkItem{
		ID:       uuid.NewString(),
		Identity: identity,
		Message:  msg,
		Context:  pctx,
	}

	pos, err := d.registry.Enqueue(identity, item)
	if err != nil {
		d.publish(events.ItemRejected, map[string]any{
			"identity": log.MaskIdentity(string(identity)),
			"item_id":  item.ID,
			"error":    err.Error(),
		})
		return item, err
	}
	d.publish(events.ItemEnqueued, map[string]any{
		"identity": log.MaskIdentity(string(identity)),
		"item_id":  item.ID,
		"position": pos,
	})

	if d.registry.TryAcquire(identity) {
		d.wg.Add(1)
		d.active.Add(1)
		go d.drain(identity)
	}
	return item, nil
}

// Active returns the number of running drain loops.
func (d *Dispatcher) Active() int {
	return int(d.active.Load())
}

// Close stops admission and waits for running loops to finish their
// buffers. If ctx ends first, in-flight turns are cancelled and whatever is
// still buffered is discarded.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		if abandoned := d.registry.Drain(); len(abandoned) > 0 {
			d.logger.Warn("discarded buffered items after shutdown deadline", "count", len(abandoned))
		}
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) drain(identity queue.Identity) {
	defer d.wg.Done()
	defer d.active.Add(-1)

	logger := log.WithIdentity(string(identity)).With("component", "dispatch")
	masked := log.MaskIdentity(string(identity))
	started := time.Now()
	d.publish(events.DrainStarted, map[string]any{"identity": masked})

	var processed, failed, dropped int
	for {
		item, ok := d.registry.PopFront(identity)
		if !ok {
			if d.registry.ReleaseIfEmpty(identity) {
				break
			}
			continue
		}
		if d.ctx.Err() != nil {
			// Closed and past the deadline: nothing new can arrive, so
			// discard the rest and give up ownership outright.
			dropped++
			for _, more := d.registry.PopFront(identity); more; _, more = d.registry.PopFront(identity) {
				dropped++
			}
			d.registry.Release(identity)
			break
		}
		if !d.runTurn(logger, item) {
			failed++
		}
		processed++
	}

	if dropped > 0 {
		logger.Warn("discarded buffered items on shutdown", "dropped", dropped)
	}
	logger.Debug("drain loop finished",
		"processed", processed,
		"failed", failed,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	d.publish(events.DrainFinished, map[string]any{
		"identity":  masked,
		"processed": processed,
		"failed":    failed,
	})
}

// runTurn processes one item and reports whether it succeeded.
func (d *Dispatcher) runTurn(logger *slog.Logger, item queue.WorkItem) bool {
	logger = logger.With("item_id", item.ID)
	started := time.Now()

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.TurnTimeout)
	chunks, err := d.process(ctx, item)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()

	finished := time.Now()
	turn := state.Turn{
		ItemID:     item.ID,
		Identity:   string(item.Identity),
		MessageSID: item.Message.MessageSID,
		Status:     state.TurnSucceeded,
		Chunks:     chunks,
		StartedAt:  started.UTC(),
		FinishedAt: finished.UTC(),
		DurationMS: finished.Sub(started).Milliseconds(),
	}

	if err != nil {
		turn.Status = state.TurnFailed
		if timedOut {
			turn.Status = state.TurnTimedOut
		}
		turn.LastError = err.Error()
		logger.Error("turn failed",
			"status", turn.Status,
			"error", err,
			"duration_ms", turn.DurationMS,
		)
		d.deliverFallback(logger, item)
		d.publish(events.TurnFailed, map[string]any{
			"identity":    log.MaskIdentity(turn.Identity),
			"item_id":     item.ID,
			"status":      turn.Status,
			"error":       turn.LastError,
			"duration_ms": turn.DurationMS,
		})
	} else {
		logger.Info("turn succeeded", "chunks", chunks, "duration_ms", turn.DurationMS)
		d.publish(events.TurnSucceeded, map[string]any{
			"identity":    log.MaskIdentity(turn.Identity),
			"item_id":     item.ID,
			"chunks":      chunks,
			"duration_ms": turn.DurationMS,
		})
	}

	d.recordTurn(logger, turn)
	return err == nil
}

func (d *Dispatcher) process(ctx context.Context, item queue.WorkItem) (chunks int, err error) {
	defer func() {
		if r := recover(); r != nil {
			chunks = 0
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return d.pipeline.Process(ctx, item)
}

func (d *Dispatcher) deliverFallback(logger *slog.Logger, item queue.WorkItem) {
	if d.cfg.FallbackMessage == "" || item.Context.Sink == nil || d.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()
	if err := item.Context.Sink.Deliver(ctx, []string{d.cfg.FallbackMessage}); err != nil {
		logger.Warn("fallback delivery failed", "error", err)
	}
}

func (d *Dispatcher) recordTurn(logger *slog.Logger, turn state.Turn) {
	if d.cfg.Turns == nil {
		return
	}
	// The turn log outlives shutdown cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.cfg.Turns.RecordTurn(ctx, turn); err != nil {
		logger.Warn("failed to record turn", "error", err)
	}
}

func (d *Dispatcher) publish(eventType string, data any) {
	if d.cfg.Events == nil {
		return
	}
	d.cfg.Events.Publish(eventType, data)
}
