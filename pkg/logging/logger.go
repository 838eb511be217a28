package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is a structured logger for shotdiff components.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a JSON logger tagged with the component name.
func NewLogger(component string, level slog.Level) *Logger {
	return NewLoggerWithWriter(os.Stderr, component, level)
}

// NewLoggerWithWriter creates a JSON logger that writes to w.
func NewLoggerWithWriter(w io.Writer, component string, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler).With(
		slog.String("component", component),
		slog.String("system", "shotdiff"),
	)
	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}

// ParseLevel maps a config string onto a slog level. Unknown values fall back to info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

// Component returns a child logger for another component.
func (l *Logger) Component(name string) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{Logger: l.Logger.With(slog.String("component", name))}
}

// WithRun returns a logger with run-specific fields
func (l *Logger) WithRun(runID string) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{Logger: l.Logger.With(slog.String("run_id", runID))}
}

// WithAlias returns a logger with browser-alias fields
func (l *Logger) WithAlias(alias string) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{Logger: l.Logger.With(slog.String("alias", alias))}
}

// WithSession returns a logger with grid-session fields
func (l *Logger) WithSession(sessionID string) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{Logger: l.Logger.With(slog.String("session_id", sessionID))}
}

// WithItem returns a logger with work-item fields
func (l *Logger) WithItem(pageID, alias string) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{
		Logger: l.Logger.With(
			slog.String("page", pageID),
			slog.String("alias", alias),
		),
	}
}

// LogError logs err at error level with the operation that produced it.
func (l *Logger) LogError(ctx context.Context, op string, err error) {
	if l == nil || err == nil {
		return
	}
	l.ErrorContext(ctx, op+" failed", slog.String("op", op), slog.Any("error", err))
}
