// Package logging configures the process-wide slog handler and provides
// structured audit records for D-Bus method calls.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// LevelTrace is below debug; selected with -vv.
const LevelTrace = slog.LevelDebug - 4

// Format selects the log output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// LevelForVerbosity maps the number of -v flags to a level:
// none is info, one is debug, two or more is trace.
func LevelForVerbosity(verbosity int) slog.Level {
	switch {
	case verbosity <= 0:
		return slog.LevelInfo
	case verbosity == 1:
		return slog.LevelDebug
	default:
		return LevelTrace
	}
}

// NewHandler builds the handler used by the daemon. Text output is colored
// with tint unless running under systemd, where the journal adds its own
// timestamps.
func NewHandler(w io.Writer, level slog.Level, format Format) slog.Handler {
	underSystemd := os.Getenv("INVOCATION_ID") != ""

	if format == FormatJSON {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: replaceAttr(false),
		})
	}

	return tint.NewHandler(w, &tint.Options{
		Level:       level,
		TimeFormat:  time.TimeOnly,
		NoColor:     underSystemd,
		ReplaceAttr: replaceAttr(underSystemd),
	})
}

// Setup installs the default logger and returns it.
func Setup(verbosity int, format Format) *slog.Logger {
	logger := slog.New(NewHandler(os.Stderr, LevelForVerbosity(verbosity), format))
	slog.SetDefault(logger)
	return logger
}

func replaceAttr(dropTime bool) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) > 0 {
			return a
		}
		switch a.Key {
		case slog.TimeKey:
			if dropTime {
				return slog.Attr{}
			}
		case slog.LevelKey:
			if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= LevelTrace {
				a.Value = slog.StringValue("TRC")
			}
		}
		return a
	}
}

// Trace logs at LevelTrace on the default logger.
func Trace(msg string, args ...any) {
	slog.Default().Log(context.Background(), LevelTrace, msg, args...)
}
