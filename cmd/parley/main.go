package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"slices"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/parley/internal/api"
	"github.com/mattjoyce/parley/internal/assistant"
	"github.com/mattjoyce/parley/internal/config"
	"github.com/mattjoyce/parley/internal/dispatch"
	"github.com/mattjoyce/parley/internal/doctor"
	"github.com/mattjoyce/parley/internal/events"
	"github.com/mattjoyce/parley/internal/lock"
	"github.com/mattjoyce/parley/internal/log"
	"github.com/mattjoyce/parley/internal/pipeline"
	"github.com/mattjoyce/parley/internal/queue"
	"github.com/mattjoyce/parley/internal/state"
	"github.com/mattjoyce/parley/internal/storage"
	"github.com/mattjoyce/parley/internal/tui/watch"
	"github.com/mattjoyce/parley/internal/twilio"
	"github.com/mattjoyce/parley/internal/webhook"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// shutdownGrace bounds how long buffered turns may keep running after a
// shutdown signal.
const shutdownGrace = 30 * time.Second

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stdout)
		return 1
	}

	cmd, args := cliArgs[0], cliArgs[1:]
	if n, ok := findNoun(cmd); ok {
		return n.dispatch(args)
	}

	switch cmd {
	case "start":
		return runStart(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stdout)
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, _ := json.MarshalIndent(info, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("parley %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    strings.TrimSpace(gitCommit),
		BuildTime: strings.TrimSpace(buildDate),
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	// Fall back to the VCS stamp go build embeds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch {
			case s.Key == "vcs.revision" && (info.Commit == "" || info.Commit == "unknown"):
				info.Commit = s.Value
			case s.Key == "vcs.time" && (info.BuildTime == "" || info.BuildTime == "unknown"):
				info.BuildTime = s.Value
			}
		}
	}
	if len(info.Commit) > 12 {
		info.Commit = info.Commit[:12]
	}
	if t, err := time.Parse(time.RFC3339Nano, info.BuildTime); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}
	if info.BuildTime == "" {
		info.BuildTime = "unknown"
	}
	return info
}

// action is one verb under a noun, e.g. "config check".
type action struct {
	name    string
	flags   string
	summary string
	detail  string
	run     func(args []string) int
}

type noun struct {
	name    string
	title   string
	actions []action
}

var nouns = []noun{
	{name: "system", title: "System", actions: []action{
		{
			name:    "start",
			flags:   "[--config PATH]",
			summary: "Start the webhook, dispatcher and admin API in foreground",
			run:     runStart,
		},
	}},
	{name: "queue", title: "Queue", actions: []action{
		{
			name:    "watch",
			flags:   "[--api URL] [--api-key KEY]",
			summary: "Live TUI over the admin API's queues and event stream",
			detail: `Flags:
  --api URL        Admin API URL (default: http://127.0.0.1:8081)
  --api-key KEY    API bearer token (or PARLEY_API_KEY env var)

Keybindings:
  q, Ctrl+C        Quit
  up/down, k/j     Scroll identities`,
			run: runWatch,
		},
	}},
	{name: "config", title: "Config", actions: []action{
		{
			name:    "check",
			flags:   "[--config PATH] [--json] [--strict]",
			summary: "Validate configuration and integrity",
			detail:  "Errors fail the check; --strict also fails on warnings.",
			run:     runConfigCheck,
		},
		{
			name:    "lock",
			flags:   "[--config PATH]",
			summary: "Record config checksums in .checksums",
			detail:  "Later loads refuse a config whose BLAKE3 hash no longer matches.",
			run:     runConfigLock,
		},
		{
			name:    "show",
			flags:   "[--config PATH] [--json]",
			summary: "Print the resolved configuration with secrets redacted",
			run:     runConfigShow,
		},
	}},
}

func findNoun(name string) (noun, bool) {
	for _, n := range nouns {
		if n.name == name {
			return n, true
		}
	}
	return noun{}, false
}

func (n noun) dispatch(args []string) int {
	if len(args) < 1 {
		n.printHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		n.printHelp(os.Stdout)
		return 0
	}

	name, rest := args[0], args[1:]
	for _, a := range n.actions {
		if a.name != name {
			continue
		}
		if slices.ContainsFunc(rest, func(arg string) bool { return arg == "--help" || arg == "-h" }) {
			fmt.Printf("Usage: parley %s %s %s\n%s.\n", n.name, a.name, a.flags, a.summary)
			if a.detail != "" {
				fmt.Printf("\n%s\n", a.detail)
			}
			return 0
		}
		return a.run(rest)
	}
	fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", n.name, name)
	return 1
}

func (n noun) printHelp(w io.Writer) {
	names := make([]string, 0, len(n.actions))
	for _, a := range n.actions {
		names = append(names, a.name)
	}
	fmt.Fprintf(w, "Usage: parley %s <action> [flags]\n", n.name)
	fmt.Fprintf(w, "Actions: %s\n", strings.Join(names, ", "))
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, "parley - Serialized WhatsApp assistant relay\n\nUsage:\n  parley <noun> <action> [flags]\n")
	for _, n := range nouns {
		fmt.Fprintf(w, "\n%s Commands:\n", n.title)
		for _, a := range n.actions {
			fmt.Fprintf(w, "  %-18s%s\n", n.name+" "+a.name, a.summary)
		}
	}
	fmt.Fprint(w, `
General:
  version           Show version information
  help              Show this help message

The config file is taken from --config, then $PARLEY_CONFIG, then ./config.yaml.
`)
}

// --- ACTION IMPLEMENTATIONS ---

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output result as JSON")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(config.ResolvePath(*configPath))
	result := doctor.New(cfg, err).Validate()

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid || (*strict && len(result.Warnings) > 0) {
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := config.ResolvePath(*configPath)
	manifest, err := config.Lock(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	for name, hash := range manifest.Hashes {
		fmt.Printf("locked %s blake3:%s\n", name, hash)
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	out := cfg.Redacted()
	if *jsonOut {
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(out)
		fmt.Print(string(data))
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8081", "Admin API URL")
	apiKey := fs.String("api-key", os.Getenv("PARLEY_API_KEY"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or PARLEY_API_KEY env var.")
		return 1
	}

	m := watch.New(strings.TrimRight(*apiURL, "/"), *apiKey)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path := config.ResolvePath(*configPath)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("parley starting", "version", version, "config", cfg.SourcePath)

	pidLock, err := lock.Acquire(cfg.Service.PIDFile)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.PIDFile, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("parley failed", "error", err)
		return 1
	}
	logger.Info("parley stopped")
	return 0
}

// openStore opens the configured conversation state backend.
func openStore(ctx context.Context, cfg config.StateConfig) (state.Store, error) {
	switch cfg.Backend {
	case "postgres":
		pool, err := storage.OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		return state.NewPostgresStore(pool), nil
	case "sqlite", "":
		db, err := storage.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return state.NewSQLiteStore(db), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// contextFactory binds each sender to its own reply sink and state scope.
func contextFactory(tw *twilio.Client, store state.Store) webhook.ContextFactory {
	return func(identity queue.Identity) queue.PipelineContext {
		return queue.PipelineContext{
			Sink:    tw.SinkFor(string(identity)),
			State:   state.For(store, string(identity)),
			Channel: tw,
		}
	}
}

// run wires every component and blocks until ctx is cancelled or a server
// fails. Buffered turns get shutdownGrace to finish.
func run(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")

	store, err := openStore(ctx, cfg.State)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()
	logger.Info("state store opened", "backend", cfg.State.Backend)

	responder, err := assistant.New(assistant.Config{
		BaseURL:      cfg.Assistant.BaseURL,
		APIKey:       cfg.Assistant.APIKey,
		AssistantID:  cfg.Assistant.AssistantID,
		PollInterval: cfg.Assistant.PollInterval,
	})
	if err != nil {
		return fmt.Errorf("assistant client: %w", err)
	}
	tw := twilio.New(twilio.Config{
		BaseURL:    cfg.Twilio.BaseURL,
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		From:       cfg.Twilio.From,
		SendRate:   cfg.Twilio.SendRate,
		SendBurst:  cfg.Twilio.SendBurst,
	})

	hub := events.NewHub(256)
	registry := queue.NewRegistry(queue.WithMaxPending(cfg.Dispatch.MaxPending))
	disp := dispatch.New(registry, pipeline.New(responder, cfg.Twilio.Typing), dispatch.Config{
		TurnTimeout:     cfg.Dispatch.TurnTimeout,
		FallbackMessage: cfg.Dispatch.FallbackMessage,
		Events:          hub,
		Turns:           store,
	})

	webhookConfig, err := webhook.FromGlobalConfig(cfg)
	if err != nil {
		return fmt.Errorf("configure webhook: %w", err)
	}
	webhookServer := webhook.New(webhookConfig, disp, contextFactory(tw, store), log.WithComponent("webhook"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(webhookServer.Start(gctx))
	})

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.APIKey,
		}, registry, disp, store, hub, log.WithComponent("api"))
		g.Go(func() error {
			return ignoreCanceled(apiServer.Start(gctx))
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("parley running (press Ctrl+C to stop)")
	serveErr := g.Wait()

	// Webhook is closed by now, so nothing new is admitted.
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := disp.Close(closeCtx); err != nil {
		logger.Warn("dispatcher did not drain before deadline", "error", err)
	}
	return serveErr
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
