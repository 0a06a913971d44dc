// Package slogger installs the process-wide slog logger.
//
// Call Init once at the start of main. The level comes from the argument or,
// when that is empty, from the LOG_LEVEL environment variable. Legacy
// log.Print* calls are routed through the same handler.
//
// Valid levels: "debug", "info", "warn", "error". Default: "info".
package slogger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// level holds the dynamic log level so it can be queried and changed at runtime.
var level *slog.LevelVar

// Init configures a Text (default) or JSON handler on stdout and sets it as
// the default logger.
func Init(lvl, format string) {
	InitWriter(os.Stdout, lvl, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, lvl, format string) {
	if strings.TrimSpace(lvl) == "" {
		lvl = os.Getenv("LOG_LEVEL")
	}
	level = &slog.LevelVar{}
	level.Set(parseLevel(lvl))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// SetLevel changes the level of an initialized logger.
func SetLevel(lvl string) {
	if level != nil {
		level.Set(parseLevel(lvl))
	}
}

// Level returns the current slog.Level.
func Level() slog.Level {
	if level == nil {
		return slog.LevelInfo
	}
	return level.Level()
}

// IsDebug returns true when the current log level is debug or lower.
func IsDebug() bool {
	return Level() <= slog.LevelDebug
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
