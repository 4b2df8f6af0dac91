package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a configured level name onto a slog.Level. Unknown names
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// defaultLevel backs the logger installed by SetupLogger so the level can be
// changed while the process runs.
var defaultLevel = new(slog.LevelVar)

// NewLogger builds a logger writing to w. format "json" selects the JSON
// handler; anything else produces human-readable text.
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	lvl := ParseLevel(level)
	return newLogger(w, format, lvl, lvl == slog.LevelDebug)
}

func newLogger(w io.Writer, format string, lvl slog.Leveler, addSource bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: addSource,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// SetupLogger installs a stdout logger as the slog default so every package
// can log through slog.Info/Warn/Error without carrying a logger around.
func SetupLogger(format, level string) {
	defaultLevel.Set(ParseLevel(level))
	slog.SetDefault(newLogger(os.Stdout, format, defaultLevel, defaultLevel.Level() == slog.LevelDebug))
	slog.Info("logger initialised", "format", format, "level", defaultLevel.Level().String())
}

// SetLevel changes the level of the logger installed by SetupLogger.
func SetLevel(level string) {
	lvl := ParseLevel(level)
	if lvl == defaultLevel.Level() {
		return
	}
	slog.Info("log level changed", "from", defaultLevel.Level().String(), "to", lvl.String())
	defaultLevel.Set(lvl)
}

// Level reports the current level of the default logger.
func Level() slog.Level { return defaultLevel.Level() }
