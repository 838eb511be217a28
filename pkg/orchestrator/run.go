package orchestrator

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/shotdiff/pkg/browser"
	"github.com/odvcencio/shotdiff/pkg/logging"
	"github.com/odvcencio/shotdiff/pkg/status"
	"github.com/odvcencio/shotdiff/pkg/telemetry"
)

// StatusSink receives run status transitions. *status.Notifier implements it.
type StatusSink interface {
	Update(state status.State, description string) bool
}

// RunContext is the run-scoped state shared by the orchestrator and the
// shutdown coordinator. It is built once per invocation and replaces any
// process-wide session bookkeeping.
type RunContext struct {
	RunID    string
	Registry *browser.Registry
	Logger   *logging.Logger
	Events   *logging.EventLog
	Hub      *telemetry.Hub
	Status   StatusSink

	killed     atomic.Bool
	killReason atomic.Value
	drain      chan struct{}
	drainOnce  sync.Once
}

// RunOptions are the optional collaborators of a run.
type RunOptions struct {
	RunID  string
	Logger *logging.Logger
	Events *logging.EventLog
	Hub    *telemetry.Hub
	Status StatusSink
}

// NewRunID returns a sortable unique run id.
func NewRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// NewRunContext creates the run scope. A registry with telemetry-enabled
// counters is created for the run.
func NewRunContext(opts RunOptions) *RunContext {
	runID := opts.RunID
	if runID == "" {
		runID = NewRunID()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	metrics := browser.NewMetrics()
	metrics.EnableTelemetry(opts.Hub, runID)

	return &RunContext{
		RunID:    runID,
		Registry: browser.NewRegistry(metrics),
		Logger:   logger.WithRun(runID),
		Events:   opts.Events,
		Hub:      opts.Hub,
		Status:   opts.Status,
		drain:    make(chan struct{}),
	}
}

// RequestKill flags the run for shutdown. No session starts a new work item
// afterwards. It is safe to call from any goroutine, any number of times.
func (rc *RunContext) RequestKill(reason string) {
	if !rc.killed.CompareAndSwap(false, true) {
		return
	}
	rc.killReason.Store(reason)
	rc.drainOnce.Do(func() { close(rc.drain) })
	rc.Logger.Warn("kill requested", slog.String("reason", reason))
	rc.publish(telemetry.EventKillRequested, "", "", "", map[string]any{"reason": reason})
	rc.logEvent(logging.LevelWarn, logging.CategoryShutdown, string(telemetry.EventKillRequested), "", "", "", reason)
}

// KillRequested reports whether RequestKill was called.
func (rc *RunContext) KillRequested() bool {
	return rc.killed.Load()
}

// KillReason returns the reason passed to RequestKill.
func (rc *RunContext) KillReason() string {
	if v, ok := rc.killReason.Load().(string); ok {
		return v
	}
	return ""
}

// Drain is closed once a kill is requested.
func (rc *RunContext) Drain() <-chan struct{} {
	return rc.drain
}

// WaitContext derives a context that is also canceled by a kill request. It
// bounds waits that must not delay shutdown, such as capacity polling.
func (rc *RunContext) WaitContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-rc.drain:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (rc *RunContext) updateStatus(state status.State, description string) {
	if rc.Status != nil {
		rc.Status.Update(state, description)
	}
}

func (rc *RunContext) publish(eventType telemetry.EventType, sessionID, alias, pageID string, data map[string]any) {
	rc.Hub.Publish(telemetry.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     rc.RunID,
		SessionID: sessionID,
		Alias:     alias,
		PageID:    pageID,
		Data:      data,
	})
}

func (rc *RunContext) logEvent(level logging.Level, category logging.Category, eventType, sessionID, alias, pageID, message string) {
	if rc.Events == nil {
		return
	}
	err := rc.Events.Log(logging.Event{
		Level:     level,
		Category:  category,
		EventType: eventType,
		RunID:     rc.RunID,
		SessionID: sessionID,
		Alias:     alias,
		PageID:    pageID,
		Message:   message,
	})
	if err != nil {
		rc.Logger.Debug("event log write failed", slog.String("error", err.Error()))
	}
}
