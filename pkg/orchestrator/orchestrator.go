package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/shotdiff/pkg/browser"
	"github.com/odvcencio/shotdiff/pkg/config"
	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
	"github.com/odvcencio/shotdiff/pkg/grid"
	"github.com/odvcencio/shotdiff/pkg/imaging"
	"github.com/odvcencio/shotdiff/pkg/logging"
	"github.com/odvcencio/shotdiff/pkg/status"
	"github.com/odvcencio/shotdiff/pkg/storage"
	"github.com/odvcencio/shotdiff/pkg/telemetry"
)

const defaultQuitTimeout = 30 * time.Second

// Options wires the orchestrator's collaborators.
type Options struct {
	Provider grid.Provider
	Storage  storage.Storage
	// Gate defaults to a gate over Provider with the default policy.
	Gate *grid.Gate
	// Browsers overrides the capabilities derived from an alias.
	Browsers map[string]config.BrowserCapability
	// Comparer defaults to an imaging.Differ with the default tolerance.
	Comparer    Comparer
	CropEnabled bool
	QuitTimeout time.Duration
	Logger      *logging.Logger
}

// Orchestrator schedules alias groups onto remote sessions.
type Orchestrator struct {
	opts     Options
	provider grid.Provider
	storage  storage.Storage
	gate     *grid.Gate
	comparer Comparer
	logger   *logging.Logger

	progress progressTracker
}

// aliasGroup is the ordered sub-queue one session works through.
type aliasGroup struct {
	alias string
	items []*WorkItem
}

// New validates the options and builds an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Provider == nil {
		return nil, shoterrors.New(shoterrors.ErrCodeInvalidInput, "capacity provider is required")
	}
	if opts.Storage == nil {
		return nil, shoterrors.New(shoterrors.ErrCodeInvalidInput, "storage is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Gate == nil {
		opts.Gate = grid.NewGate(opts.Provider, grid.GatePolicy{}, opts.Logger)
	}
	if opts.Comparer == nil {
		opts.Comparer = imaging.NewDiffer(imaging.DefaultChannelTolerance)
	}
	if opts.QuitTimeout <= 0 {
		opts.QuitTimeout = defaultQuitTimeout
	}

	o := &Orchestrator{
		opts:     opts,
		provider: opts.Provider,
		storage:  opts.Storage,
		gate:     opts.Gate,
		comparer: opts.Comparer,
		logger:   opts.Logger.Component("orchestrator"),
	}
	if o.gate.OnWait == nil {
		o.gate.OnWait = o.onCapacityWait
	}
	return o, nil
}

// CaptureAll processes every item and returns the aggregate. Items are
// grouped by alias in order of first appearance; each scheduling round asks
// the gate for n slots, starts the next n groups concurrently and waits for
// all of them before polling again.
//
// The returned error is non-nil only for run-fatal conditions: capacity or
// session-start exhaustion (CAPACITY_TIMEOUT, SESSION_START_FAILED) or a
// canceled context. The aggregate is returned in every case and keeps the
// items that finished before the failure.
func (o *Orchestrator) CaptureAll(ctx context.Context, rc *RunContext, items []*WorkItem) (agg *RunAggregate, err error) {
	ctx, span := startSpan(ctx, "captureAll",
		attribute.String("run_id", rc.RunID),
		attribute.Int("items", len(items)),
	)
	defer func() { endSpan(span, err) }()

	agg = NewRunAggregate(rc.RunID)
	groups, pre := groupByAlias(items)
	agg.add(pre...)
	for _, item := range pre {
		recordItem(item)
	}

	queued := 0
	for _, g := range groups {
		queued += len(g.items)
	}
	o.progress.begin(rc, queued, len(pre))
	defer o.progress.end()

	rc.Logger.Info("run started",
		slog.Int("items", queued),
		slog.Int("browsers", len(groups)),
		slog.Int("preclassified", len(pre)),
	)
	rc.publish(telemetry.EventRunStarted, "", "", "", map[string]any{"items": queued, "browsers": len(groups)})
	rc.logEvent(logging.LevelInfo, logging.CategoryRun, string(telemetry.EventRunStarted), "", "", "", fmt.Sprintf("%d items across %d browsers", queued, len(groups)))
	rc.updateStatus(status.StateRunning, fmt.Sprintf("capturing %d screenshots across %d browsers", queued, len(groups)))

	pending := groups
	for len(pending) > 0 {
		if rc.KillRequested() || ctx.Err() != nil {
			break
		}

		waitCtx, cancel := rc.WaitContext(ctx)
		slots, gateErr := o.gate.AvailableSlots(waitCtx)
		cancel()
		if gateErr != nil {
			if rc.KillRequested() {
				break
			}
			if ctx.Err() != nil {
				err = ctx.Err()
				break
			}
			err = gateErr
			break
		}

		n := min(slots, len(pending))
		round := pending[:n]
		pending = pending[n:]
		rc.publish(telemetry.EventCapacityGranted, "", "", "", map[string]any{"slots": slots, "groups": n})

		var g errgroup.Group
		for _, group := range round {
			g.Go(func() error {
				return o.runGroup(ctx, rc, group, agg)
			})
		}
		if roundErr := g.Wait(); roundErr != nil {
			err = roundErr
			break
		}
		rc.updateStatus(status.StateRunning, o.progress.description())
	}

	// Groups that never got a session.
	for _, group := range pending {
		for _, item := range group.items {
			if err != nil && !rc.KillRequested() {
				item.fail(shoterrors.Wrap(err, shoterrors.GetCode(err), "not captured"))
			} else {
				item.fail(interrupted(item))
			}
			o.progress.failItem(false)
			recordItem(item)
		}
		agg.add(group.items...)
	}
	if err == nil && ctx.Err() != nil && !rc.KillRequested() {
		err = ctx.Err()
	}

	agg.finish(rc.KillRequested())
	rc.Logger.Info("run finished",
		slog.String("summary", agg.Description()),
		slog.Bool("interrupted", agg.Interrupted),
	)
	rc.publish(telemetry.EventRunCompleted, "", "", "", map[string]any{
		"summary":     agg.Description(),
		"interrupted": agg.Interrupted,
	})
	rc.logEvent(logging.LevelInfo, logging.CategoryRun, string(telemetry.EventRunCompleted), "", "", "", agg.Description())
	return agg, err
}

// runGroup acquires one session for the group, processes its items in
// order and always quits the session. Only capacity exhaustion is returned.
func (o *Orchestrator) runGroup(ctx context.Context, rc *RunContext, group *aliasGroup, agg *RunAggregate) (err error) {
	ctx, span := startSpan(ctx, "session", attribute.String("alias", group.alias))
	logger := rc.Logger.WithAlias(group.alias)
	session := rc.Registry.Begin(group.alias)

	var (
		quitOnce  sync.Once
		activated bool
	)
	stop := func() {
		quitOnce.Do(func() { o.quit(ctx, rc, session, logger, activated) })
	}

	defer func() {
		if r := recover(); r != nil {
			perr := shoterrors.Newf(shoterrors.ErrCodeInternal, "panic in %s session: %v", group.alias, r).
				WithContext("stack", string(debug.Stack()))
			logger.Error("session panicked", slog.Any("panic", r))
			rc.RequestKill(fmt.Sprintf("panic in %s session", group.alias))
			stop()
			for _, item := range group.items {
				if item.State() != StateDiffed {
					item.fail(perr)
				}
			}
		}
		for _, item := range group.items {
			if item.Err != nil {
				o.progress.failItem(item.State() != StateQueued)
				rc.publish(telemetry.EventItemFailed, session.ID(), item.Alias, item.PageID, map[string]any{"error": item.Err.Error()})
				rc.logEvent(logging.LevelError, logging.CategoryCapture, string(telemetry.EventItemFailed), session.ID(), item.Alias, item.PageID, item.Err.Error())
			}
			recordItem(item)
		}
		agg.add(group.items...)
		endSpan(span, err)
	}()

	caps, capsErr := grid.CapabilitiesFor(group.alias, o.opts.Browsers)
	if capsErr != nil {
		_ = session.Quit(ctx)
		failAll(group.items, capsErr)
		logger.Error("invalid browser alias", slog.String("error", capsErr.Error()))
		return nil
	}

	handle, acqErr := o.acquire(ctx, rc, caps, group.alias, logger)
	if acqErr != nil {
		_ = session.Quit(ctx)
		failAll(group.items, acqErr)
		if shoterrors.IsCode(acqErr, shoterrors.ErrCodeRunInterrupted) {
			return nil
		}
		return acqErr
	}

	if actErr := session.Activate(handle); actErr != nil {
		quitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.QuitTimeout)
		_ = handle.Quit(quitCtx)
		cancel()
		failAll(group.items, shoterrors.Wrap(actErr, shoterrors.ErrCodeInternal, "activating session"))
		return nil
	}
	activated = true
	recordSessionStarted()
	sessionID := session.ID()
	logger = logger.WithSession(sessionID)
	logger.Info("session started", slog.Int("items", len(group.items)))
	rc.logEvent(logging.LevelInfo, logging.CategorySession, string(telemetry.EventSessionStarted), sessionID, group.alias, "", "")
	span.SetAttributes(attribute.String("session_id", sessionID))
	defer stop()

	for _, item := range group.items {
		if rc.KillRequested() {
			item.fail(interrupted(item))
			continue
		}
		if itemErr := o.processItem(ctx, rc, session, sessionID, item); itemErr != nil {
			item.fail(itemErr)
			logger.Warn("item failed",
				slog.String("page", item.PageID),
				slog.String("code", string(shoterrors.GetCode(itemErr))),
				slog.String("error", itemErr.Error()),
			)
		}
	}
	return nil
}

// acquire starts a remote session, retrying retryable rejections with the
// gate's fixed poll interval until the gate's max wait elapses.
func (o *Orchestrator) acquire(ctx context.Context, rc *RunContext, caps grid.Capabilities, alias string, logger *logging.Logger) (browser.Handle, error) {
	deadline := o.gate.Deadline()
	for attempt := 1; ; attempt++ {
		if rc.KillRequested() {
			return nil, shoterrors.New(shoterrors.ErrCodeRunInterrupted, "run interrupted before session start").
				WithContext("alias", alias)
		}

		handle, err := o.provider.AcquireSession(ctx, caps)
		if err == nil {
			return handle, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !shoterrors.IsRetryable(err) {
			if shoterrors.IsCode(err, shoterrors.ErrCodeSessionStartFailed) {
				return nil, err
			}
			return nil, shoterrors.Wrap(err, shoterrors.ErrCodeSessionStartFailed, "session start failed").
				WithContext("alias", alias)
		}

		recordSessionRejected()
		logger.Warn("grid rejected session, backing off",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		rc.publish(telemetry.EventSessionRejected, "", alias, "", map[string]any{"attempt": attempt, "error": err.Error()})

		waitCtx, cancel := rc.WaitContext(ctx)
		pauseErr := o.gate.Pause(waitCtx, deadline)
		cancel()
		if pauseErr != nil {
			if rc.KillRequested() {
				continue
			}
			if shoterrors.IsCode(pauseErr, shoterrors.ErrCodeCapacityTimeout) {
				return nil, shoterrors.Wrap(err, shoterrors.ErrCodeCapacityTimeout, "session start retries exhausted").
					WithContext("alias", alias).
					WithContext("attempts", attempt)
			}
			return nil, pauseErr
		}
	}
}

// quit ends the session on a context that survives run cancellation so a
// canceled run still releases its grid slot.
func (o *Orchestrator) quit(ctx context.Context, rc *RunContext, session *browser.Session, logger *logging.Logger, activated bool) {
	if session.State() == browser.StateEnded {
		// Only a force-kill ends a session the orchestrator did not quit.
		if activated {
			recordSessionKilled()
			logger.Warn("session was force-killed")
		}
		return
	}
	quitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.QuitTimeout)
	defer cancel()

	if err := session.Quit(quitCtx); err != nil {
		logger.Warn("session quit failed", slog.String("error", err.Error()))
	}
	if activated {
		recordSessionEnded()
		logger.Info("session ended")
		rc.logEvent(logging.LevelInfo, logging.CategorySession, string(telemetry.EventSessionEnded), session.ID(), session.Alias(), "", "")
	}
}

func (o *Orchestrator) onCapacityWait(snapshot grid.CapacitySnapshot, waited time.Duration) {
	recordCapacityWait()
	if rc := o.progress.run(); rc != nil {
		rc.publish(telemetry.EventCapacityWaiting, "", "", "", map[string]any{
			"active": snapshot.Active,
			"max":    snapshot.Max,
			"waited": waited.String(),
		})
		rc.updateStatus(status.StateRunning, fmt.Sprintf("waiting for grid capacity (%d/%d in use)", snapshot.Active, snapshot.Max))
	}
}

// groupByAlias splits items into per-alias groups in first-appearance
// order. Preclassified items are returned separately with their final state.
func groupByAlias(items []*WorkItem) ([]*aliasGroup, []*WorkItem) {
	var (
		groups []*aliasGroup
		pre    []*WorkItem
		index  = make(map[string]*aliasGroup)
	)
	for _, item := range items {
		if item == nil {
			continue
		}
		if item.Preclassified != "" {
			item.Classification = item.Preclassified
			pre = append(pre, item)
			continue
		}
		g, ok := index[item.Alias]
		if !ok {
			g = &aliasGroup{alias: item.Alias}
			index[item.Alias] = g
			groups = append(groups, g)
		}
		g.items = append(g.items, item)
	}
	return groups, pre
}

func failAll(items []*WorkItem, err error) {
	for _, item := range items {
		item.fail(err)
	}
}
