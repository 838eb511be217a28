// Package shutdown drains a run on SIGINT, SIGTERM or a panic. A kill is
// requested first so no session starts new work; sessions then get a grace
// period to finish their capture and quit. Whatever is still live after that
// is force-killed through the grid so no remote session leaks.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/odvcencio/shotdiff/pkg/config"
	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
	"github.com/odvcencio/shotdiff/pkg/logging"
	"github.com/odvcencio/shotdiff/pkg/orchestrator"
	"github.com/odvcencio/shotdiff/pkg/telemetry"
)

const defaultKillTimeout = 30 * time.Second

// SessionKiller force-terminates remote sessions. grid.Client implements it.
type SessionKiller interface {
	KillSessions(ctx context.Context, ids []string) error
}

// Options configures a Coordinator.
type Options struct {
	GracePeriod      time.Duration
	WatchdogInterval time.Duration
	KillTimeout      time.Duration
	Signals          []os.Signal
	Logger           *logging.Logger
}

// OptionsFromConfig converts the shutdown config section.
func OptionsFromConfig(cfg config.ShutdownConfig) Options {
	return Options{
		GracePeriod:      cfg.GracePeriod,
		WatchdogInterval: cfg.WatchdogInterval,
	}
}

// Coordinator owns the graceful-then-forced shutdown of one run.
type Coordinator struct {
	rc     *orchestrator.RunContext
	killer SessionKiller
	opts   Options
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	signals chan os.Signal
	stop    chan struct{}
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	mu     sync.Mutex
	forced []string
}

// New creates a coordinator for rc. Nothing happens until Start.
func New(rc *orchestrator.RunContext, killer SessionKiller, opts Options) *Coordinator {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = config.DefaultGracePeriod
	}
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = config.DefaultWatchdogInterval
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = defaultKillTimeout
	}
	if opts.Signals == nil {
		opts.Signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	logger := opts.Logger
	if logger == nil {
		logger = rc.Logger
	}
	return &Coordinator{
		rc:      rc,
		killer:  killer,
		opts:    opts,
		logger:  logger.Component("shutdown"),
		signals: make(chan os.Signal, 2),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start installs the signal handlers and returns the run context. The
// context is canceled once shutdown has force-killed what was left, or when
// parent is done.
func (c *Coordinator) Start(parent context.Context) context.Context {
	c.startOnce.Do(func() {
		c.ctx, c.cancel = context.WithCancel(parent)
		if len(c.opts.Signals) > 0 {
			signal.Notify(c.signals, c.opts.Signals...)
		}
		go c.loop()
	})
	return c.ctx
}

// Stop removes the signal handlers and ends the watchdog. It does not cancel
// the run context of a run that finished normally.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		signal.Stop(c.signals)
		close(c.stop)
	})
	if c.ctx != nil {
		<-c.done
	}
}

// Done is closed when the coordinator goroutine exits.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// ForceKilled returns the session ids that had to be force-killed.
func (c *Coordinator) ForceKilled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.forced...)
}

// Recover turns a panic on the calling goroutine into a kill request and an
// immediate force-kill of every live session. Use it as
//
//	defer func() { err = coord.Recover(recover(), err) }()
//
// It returns err unchanged when v is nil.
func (c *Coordinator) Recover(v any, err error) error {
	if v == nil {
		return err
	}
	perr := shoterrors.Newf(shoterrors.ErrCodeInternal, "panic: %v", v).
		WithContext("stack", string(debug.Stack()))
	c.logger.Error("run panicked", slog.Any("panic", v))
	c.rc.RequestKill(fmt.Sprintf("panic: %v", v))
	c.forceKill()
	if c.cancel != nil {
		c.cancel()
	}
	return perr
}

func (c *Coordinator) loop() {
	defer close(c.done)
	select {
	case sig := <-c.signals:
		c.rc.RequestKill(fmt.Sprintf("received %s", sig))
	case <-c.rc.Drain():
	case <-c.ctx.Done():
		return
	case <-c.stop:
		return
	}
	c.drain()
}

// drain waits for started sessions to end on their own, polling every
// watchdog interval, and force-kills the rest once the grace period is over.
// A second signal skips the remaining grace period.
func (c *Coordinator) drain() {
	deadline := time.Now().Add(c.opts.GracePeriod)
	c.logger.Warn("draining sessions",
		slog.String("reason", c.rc.KillReason()),
		slog.Duration("grace_period", c.opts.GracePeriod),
		slog.Int("live", len(c.rc.Registry.Live())),
	)

	ticker := time.NewTicker(c.opts.WatchdogInterval)
	defer ticker.Stop()
	for {
		if c.rc.Registry.AllEnded() {
			c.logger.Info("all sessions ended within grace period")
			return
		}
		if !time.Now().Before(deadline) {
			c.logger.Warn("grace period elapsed")
			break
		}
		select {
		case <-ticker.C:
		case sig := <-c.signals:
			c.logger.Warn("second signal, skipping grace period", slog.String("signal", sig.String()))
			deadline = time.Now()
		case <-c.stop:
			return
		case <-c.ctx.Done():
			c.forceKill()
			return
		}
	}
	c.forceKill()
	c.cancel()
}

func (c *Coordinator) forceKill() {
	live := c.rc.Registry.Live()
	if len(live) == 0 || c.killer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.KillTimeout)
	defer cancel()

	if err := c.killer.KillSessions(ctx, live); err != nil {
		c.logger.Error("force-kill failed",
			slog.Any("sessions", live),
			slog.String("error", err.Error()),
		)
	}
	// The grid reaps sessions whose kill request failed, so they are
	// accounted as ended either way.
	c.rc.Registry.MarkKilled(live)

	c.mu.Lock()
	c.forced = append(c.forced, live...)
	c.mu.Unlock()

	c.logger.Warn("force-killed sessions", slog.Any("sessions", live))
	c.rc.Hub.Publish(telemetry.Event{
		Type:      telemetry.EventSessionKilled,
		Timestamp: time.Now(),
		RunID:     c.rc.RunID,
		Data:      map[string]any{"sessions": live},
	})
	if c.rc.Events != nil {
		_ = c.rc.Events.Log(logging.Event{
			Level:     logging.LevelWarn,
			Category:  logging.CategoryShutdown,
			EventType: string(telemetry.EventSessionKilled),
			RunID:     c.rc.RunID,
			Message:   fmt.Sprintf("force-killed %d sessions", len(live)),
		})
	}
}
