package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Setup initializes the global logger.
// logic: default to INFO + JSON. Invalid values fall back to the defaults.
func Setup(level, format string) {
	once.Do(func() {
		logger = newLogger(os.Stdout, level, format)
		slog.SetDefault(logger)
	})
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a config level name to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO", "json")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithIdentity returns a logger carrying the masked identity.
func WithIdentity(identity string) *slog.Logger {
	return Get().With(slog.String("identity", MaskIdentity(identity)))
}

// MaskIdentity hides the middle of a phone-style address so logs stay
// correlatable without carrying full numbers.
// "whatsapp:+15551234567" -> "whatsapp:+1555***4567"
func MaskIdentity(identity string) string {
	prefix := ""
	addr := identity
	if i := strings.LastIndex(identity, ":"); i >= 0 {
		prefix = identity[:i+1]
		addr = identity[i+1:]
	}
	if len(addr) <= 8 {
		return prefix + strings.Repeat("*", len(addr))
	}
	return prefix + addr[:5] + "***" + addr[len(addr)-4:]
}
