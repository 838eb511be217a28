package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/odvcencio/shotdiff/pkg/logging"
)

// MultiReporter fans each update out to every reporter.
type MultiReporter struct {
	reporters []Reporter
}

// NewMultiReporter skips nil reporters.
func NewMultiReporter(reporters ...Reporter) *MultiReporter {
	m := &MultiReporter{}
	for _, r := range reporters {
		if r != nil {
			m.reporters = append(m.reporters, r)
		}
	}
	return m
}

// Name returns the reporter name.
func (m *MultiReporter) Name() string {
	return "multi"
}

// Len returns the number of wrapped reporters.
func (m *MultiReporter) Len() int {
	return len(m.reporters)
}

// Report delivers to all reporters and joins their failures.
func (m *MultiReporter) Report(ctx context.Context, update Update) error {
	var errs []error
	for _, r := range m.reporters {
		if err := r.Report(ctx, update); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes reporters that hold connections.
func (m *MultiReporter) Close() error {
	var errs []error
	for _, r := range m.reporters {
		if c, ok := r.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// LogReporter writes updates to the structured log. It is the fallback
// when no external sink is configured.
type LogReporter struct {
	logger *logging.Logger
}

// NewLogReporter creates a log-only reporter.
func NewLogReporter(logger *logging.Logger) *LogReporter {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LogReporter{logger: logger}
}

// Name returns the reporter name.
func (l *LogReporter) Name() string {
	return "log"
}

// Report logs the update.
func (l *LogReporter) Report(ctx context.Context, update Update) error {
	l.logger.InfoContext(ctx, "run status",
		slog.String("run_id", update.RunID),
		slog.String("state", string(update.State)),
		slog.String("description", update.Description),
	)
	return nil
}
