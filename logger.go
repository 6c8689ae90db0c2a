package replica

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// InitLogger configures the global slog logger to output structured JSON
// to stderr. Every component in this package logs through slog.Default, so
// call this before creating a Peer (or pass WithLogLevel).
func InitLogger(level slog.Level) {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

// ParseLogLevel accepts debug, info, warn or error.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}
