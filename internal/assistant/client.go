// Package assistant runs turns against the OpenAI Assistants v2 API.
//
// One conversation maps to one thread. The thread ID is kept in the
// identity's conversation state under ThreadKey, so replies continue the
// same thread across turns and restarts.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mattjoyce/parley/internal/log"
	"github.com/mattjoyce/parley/internal/queue"
)

const (
	DefaultBaseURL      = "https://api.openai.com/v1"
	DefaultPollInterval = 500 * time.Millisecond

	// ThreadKey is the conversation state key holding the thread ID.
	ThreadKey = "thread_id"

	// cancelTimeout bounds a run cancellation issued after the turn's own
	// context has already ended.
	cancelTimeout = 10 * time.Second
)

var (
	ErrRunFailed   = errors.New("assistant run did not complete")
	ErrNoReply     = errors.New("assistant run produced no reply")
	ErrMissingConf = errors.New("assistant api_key and assistant_id are required")
)

// activeRunPattern matches the 400 returned when a message is added to a
// thread that still has a run in flight.
var activeRunPattern = regexp.MustCompile(`while a run (\S+?) is active`)

type Config struct {
	BaseURL      string
	APIKey       string
	AssistantID  string
	PollInterval time.Duration
	HTTPTimeout  time.Duration
}

type Client struct {
	cfg    Config
	api    *openai.Client
	logger *slog.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" || cfg.AssistantID == "" {
		return nil, ErrMissingConf
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	oc.HTTPClient = &http.Client{Timeout: cfg.HTTPTimeout}

	return &Client{
		cfg:    cfg,
		api:    openai.NewClientWithConfig(oc),
		logger: log.WithComponent("assistant"),
	}, nil
}

// Ask posts text to the identity's thread, runs the assistant, and returns
// its reply. A nil state runs on a fresh, unsaved thread.
//
// A run left active when Ask gives up (deadline, shutdown, failed poll,
// unsupported tool call) is cancelled, so the thread accepts the next turn.
func (c *Client) Ask(ctx context.Context, state queue.StateAccessor, text string) (string, error) {
	threadID, err := c.thread(ctx, state)
	if err != nil {
		return "", err
	}
	logger := c.logger.With("thread_id", threadID)

	if err := c.addMessage(ctx, threadID, text); err != nil {
		return "", fmt.Errorf("add message: %w", err)
	}

	run, err := c.api.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: c.cfg.AssistantID})
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	start := time.Now()
	if err := c.waitForRun(ctx, threadID, &run); err != nil {
		if blocksThread(run.Status) {
			c.cancelRun(threadID, run.ID)
		}
		return "", err
	}
	logger.Debug("run completed", "run_id", run.ID, "duration_ms", time.Since(start).Milliseconds())

	return c.reply(ctx, threadID, run.ID)
}

func (c *Client) thread(ctx context.Context, state queue.StateAccessor) (string, error) {
	if state != nil {
		id, ok, err := state.Get(ctx, ThreadKey)
		if err != nil {
			return "", fmt.Errorf("load thread id: %w", err)
		}
		if ok && id != "" {
			return id, nil
		}
	}

	t, err := c.api.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	c.logger.Info("thread created", "thread_id", t.ID)

	if state != nil {
		// The turn still runs on the new thread; the next one starts over.
		if err := state.Set(ctx, ThreadKey, t.ID); err != nil {
			c.logger.Warn("thread id not saved, thread orphaned after this turn",
				"thread_id", t.ID, "error", err)
		}
	}
	return t.ID, nil
}

// addMessage appends the user's text. A thread still held by an earlier run
// (for example one abandoned by a crashed process) has that run cancelled
// and the append retried once.
func (c *Client) addMessage(ctx context.Context, threadID, text string) error {
	req := openai.MessageRequest{Role: openai.ChatMessageRoleUser, Content: text}

	_, err := c.api.CreateMessage(ctx, threadID, req)
	runID, blocked := activeRun(err)
	if !blocked {
		return err
	}

	c.logger.Warn("thread held by an active run, cancelling it", "thread_id", threadID, "run_id", runID)
	if _, cerr := c.api.CancelRun(ctx, threadID, runID); cerr != nil {
		return fmt.Errorf("cancel active run %s: %w", runID, cerr)
	}
	if err := c.settle(ctx, threadID, runID); err != nil {
		return err
	}
	_, err = c.api.CreateMessage(ctx, threadID, req)
	return err
}

func (c *Client) waitForRun(ctx context.Context, threadID string, run *openai.Run) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		switch run.Status {
		case openai.RunStatusCompleted:
			return nil
		case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusCancelling:
		case openai.RunStatusRequiresAction:
			return fmt.Errorf("%w: run %s requires tool outputs, which are not supported", ErrRunFailed, run.ID)
		default:
			detail := string(run.Status)
			if run.LastError != nil {
				detail = fmt.Sprintf("%s: %s", run.Status, run.LastError.Message)
			}
			return fmt.Errorf("%w: run %s %s", ErrRunFailed, run.ID, detail)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		next, err := c.api.RetrieveRun(ctx, threadID, run.ID)
		if err != nil {
			return fmt.Errorf("poll run: %w", err)
		}
		*run = next
	}
}

// settle polls a cancelled run until it stops holding the thread.
func (c *Client) settle(ctx context.Context, threadID, runID string) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		run, err := c.api.RetrieveRun(ctx, threadID, runID)
		if err != nil {
			return fmt.Errorf("poll cancelled run: %w", err)
		}
		if !blocksThread(run.Status) && run.Status != openai.RunStatusCancelling {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// cancelRun runs on its own short deadline: the turn's context is usually
// already done by the time a run needs cancelling.
func (c *Client) cancelRun(threadID, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	logger := c.logger.With("thread_id", threadID, "run_id", runID)
	if _, err := c.api.CancelRun(ctx, threadID, runID); err != nil {
		logger.Warn("failed to cancel abandoned run", "error", err)
		return
	}
	logger.Info("cancelled abandoned run")
}

func (c *Client) reply(ctx context.Context, threadID, runID string) (string, error) {
	limit := 20
	order := "desc"
	list, err := c.api.ListMessage(ctx, threadID, &limit, &order, nil, nil, &runID)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}

	// Newest first; the first assistant message is the run's final reply.
	for _, m := range list.Messages {
		if m.Role != openai.ChatMessageRoleAssistant {
			continue
		}
		var parts []string
		for _, content := range m.Content {
			if content.Type == "text" && content.Text != nil {
				parts = append(parts, content.Text.Value)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n\n"), nil
		}
	}
	return "", ErrNoReply
}

// blocksThread reports whether a run in this status still prevents new
// messages on its thread.
func blocksThread(status openai.RunStatus) bool {
	switch status {
	case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusRequiresAction:
		return true
	}
	return false
}

func activeRun(err error) (string, bool) {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) || apiErr.HTTPStatusCode != http.StatusBadRequest {
		return "", false
	}
	m := activeRunPattern.FindStringSubmatch(apiErr.Message)
	if m == nil {
		return "", false
	}
	return m[1], true
}
