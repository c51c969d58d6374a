package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var levelVar = new(slog.LevelVar)

var L = newLogger(os.Stdout)

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelVar}))
}

// SetOutput sends subsequent records to w. Call it before any component
// derives a scoped logger.
func SetOutput(w io.Writer) {
	L = newLogger(w)
}

// SetLevel configures the global log level (debug, info, warn, error).
func SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// ForTurn returns a logger that tags every record with the turn id.
func ForTurn(turnID string) *slog.Logger {
	return L.With("turn_id", turnID)
}

// ForUser returns a logger scoped to a signed-in user.
func ForUser(userID string) *slog.Logger {
	return L.With("user_id", userID)
}
