// README: slog JSON logger shared by the API process and schedulers.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a JSON logger. Level defaults to info when the string is
// unrecognised so a typo in LOG_LEVEL never silences the process.
func New(level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: levelFromString(level)}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
