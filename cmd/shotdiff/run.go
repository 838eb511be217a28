package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/odvcencio/shotdiff/pkg/browser"
	"github.com/odvcencio/shotdiff/pkg/config"
	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
	"github.com/odvcencio/shotdiff/pkg/giturl"
	"github.com/odvcencio/shotdiff/pkg/grid"
	"github.com/odvcencio/shotdiff/pkg/imaging"
	"github.com/odvcencio/shotdiff/pkg/ipc"
	"github.com/odvcencio/shotdiff/pkg/logging"
	"github.com/odvcencio/shotdiff/pkg/manifest"
	"github.com/odvcencio/shotdiff/pkg/orchestrator"
	"github.com/odvcencio/shotdiff/pkg/report"
	"github.com/odvcencio/shotdiff/pkg/shutdown"
	"github.com/odvcencio/shotdiff/pkg/status"
	"github.com/odvcencio/shotdiff/pkg/storage"
	"github.com/odvcencio/shotdiff/pkg/telemetry"
)

const finalStatusTimeout = 30 * time.Second

// newProviderFn allows tests to swap the HTTP grid client for an in-memory grid.
var newProviderFn = func(cfg *config.Config) grid.Provider {
	return grid.NewClient(grid.ClientConfig{
		APIURL:         cfg.Grid.APIURL,
		HubURL:         cfg.Grid.HubURL,
		Username:       cfg.Grid.Username,
		AccessKey:      cfg.Grid.AccessKey,
		RequestTimeout: cfg.Grid.RequestTimeout,
		RequestRate:    cfg.Grid.RequestRate,
		RequestBurst:   cfg.Grid.RequestBurst,
		Viewport: browser.Viewport{
			Width:  cfg.Capture.ViewportWidth,
			Height: cfg.Capture.ViewportHeight,
		},
		PageLoadTimeout: cfg.Capture.PageLoadTimeout,
		WaitForFonts:    cfg.Capture.WaitForFonts,
	})
}

// newLoggerFn allows tests to capture or silence structured logs.
var newLoggerFn = func(level slog.Level) *logging.Logger {
	return logging.NewLogger("shotdiff", level)
}

// run executes one screenshot run. The returned error carries the exit code.
func run(ctx context.Context, opts *runOptions, stdout io.Writer) (err error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return withExitCode(err, exitRunError)
	}

	level := logging.ParseLevel(cfg.Logging.Level)
	if opts.quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	logger := newLoggerFn(level)
	for _, warning := range cfg.ValidationWarnings() {
		logger.Warn("config warning", slog.String("warning", warning))
	}

	items, err := buildQueue(cfg, opts)
	if err != nil {
		return withExitCode(err, exitRunError)
	}

	runID := orchestrator.NewRunID()
	logger = logger.WithRun(runID)

	events, evErr := logging.NewEventLog(cfg.Logging.Dir, runID)
	if evErr != nil {
		logger.Warn("event log disabled", slog.String("error", evErr.Error()))
	}
	defer events.Close()

	hub := telemetry.NewHub()
	defer hub.Close()

	head := resolveHead(logger)
	reporter, err := status.FromConfig(cfg.Status, status.Target{Repo: head.Slug(), SHA: head.SHA}, logger)
	if err != nil {
		return withExitCode(shoterrors.Wrap(err, shoterrors.ErrCodeConfigInvalid, "building status reporters"), exitRunError)
	}
	defer reporter.Close()

	notifier := status.NewNotifier(reporter, status.NotifierOptions{
		RunID:       runID,
		MinInterval: cfg.Status.MinInterval,
		TargetURL:   cfg.Status.TargetURL,
		Logger:      logger,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalStatusTimeout)
		defer cancel()
		if closeErr := notifier.Close(closeCtx); closeErr != nil {
			logger.Warn("final status may not have been delivered", slog.String("error", closeErr.Error()))
		}
	}()
	// Every path below ends with a terminal status. Later updates are
	// dropped by the notifier once one is accepted.
	defer func() {
		if err != nil {
			notifier.Update(status.StateError, errorDescription(err))
		}
	}()
	notifier.Update(status.StatePending, fmt.Sprintf("%d screenshots queued", len(items)))

	if cfg.Tracing.Enabled {
		tp, tpErr := orchestrator.NewTracerProvider("shotdiff", os.Stderr)
		if tpErr != nil {
			logger.Warn("tracing disabled", slog.String("error", tpErr.Error()))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	store, err := storage.NewLocalStore(cfg.Storage.Root)
	if err != nil {
		return withExitCode(err, exitRunError)
	}
	history := openHistory(cfg, logger)
	if history != nil {
		defer history.Close()
	}

	provider := newProviderFn(cfg)
	gate := grid.NewGate(provider, grid.GatePolicy{
		Parallelism:  cfg.Grid.Parallelism,
		IdleShare:    cfg.Grid.IdleShare,
		PollInterval: cfg.Grid.PollInterval,
		MaxWait:      cfg.Grid.MaxWait,
	}, logger)
	o, err := orchestrator.New(orchestrator.Options{
		Provider:    provider,
		Storage:     store,
		Gate:        gate,
		Browsers:    cfg.Browsers,
		Comparer:    imaging.NewDiffer(cfg.Diff.ChannelTolerance),
		CropEnabled: cfg.Crop.Enabled,
		Logger:      logger,
	})
	if err != nil {
		return withExitCode(err, exitRunError)
	}

	rc := orchestrator.NewRunContext(orchestrator.RunOptions{
		RunID:  runID,
		Logger: logger,
		Events: events,
		Hub:    hub,
		Status: notifier,
	})

	shutdownOpts := shutdown.OptionsFromConfig(cfg.Shutdown)
	shutdownOpts.Logger = logger
	coord := shutdown.New(rc, provider, shutdownOpts)
	runCtx := coord.Start(ctx)
	defer coord.Stop()

	if cfg.Server.Addr != "" {
		stopServer := startServer(ctx, cfg.Server.Addr, o, history, hub, logger)
		defer stopServer()
	}

	out := report.NewWriter(stdout)
	var stopProgress func()
	if !opts.quiet {
		stopProgress = followProgress(hub, o, out)
	}

	agg, runErr := captureAll(runCtx, coord, o, rc, items)
	if stopProgress != nil {
		stopProgress()
	}
	if agg == nil {
		agg = orchestrator.NewRunAggregate(runID)
	}

	outcome := agg.Outcome(runErr)
	notifier.Update(outcome, report.Description(agg, runErr))
	if runErr != nil {
		logger.Error("run failed", slog.String("error", runErr.Error()))
	}

	if opts.reportPath != "" {
		if writeErr := report.WriteFile(opts.reportPath, agg, runErr); writeErr != nil {
			logger.Error("writing report", slog.String("error", writeErr.Error()))
		}
	}
	if history != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		record := historyRecord(saveCtx, store, agg, runErr, head.SHA)
		if saveErr := history.SaveRun(saveCtx, record); saveErr != nil {
			logger.Warn("run history not saved", slog.String("error", saveErr.Error()))
		}
		cancel()
	}
	if !opts.quiet {
		report.Summary(out, agg, runErr)
	}
	return resultError(agg, runErr)
}

func loadConfig(opts *runOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFromPath(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, shoterrors.Wrap(err, shoterrors.ErrCodeConfigLoad, "loading config").
			WithUserMessage("the configuration could not be loaded").
			WithRemediation("pass -config to use a specific file", "check ~/.shotdiff/config.yaml and ./.shotdiff/config.yaml")
	}
	if opts.parallel > 0 {
		cfg.Grid.Parallelism = opts.parallel
	}
	if opts.serverAddr != "" {
		cfg.Server.Addr = opts.serverAddr
	}
	if opts.trace {
		cfg.Tracing.Enabled = true
	}
	return cfg, nil
}

// buildQueue loads the manifest and golden index and expands them into work items.
func buildQueue(cfg *config.Config, opts *runOptions) ([]*orchestrator.WorkItem, error) {
	m, err := manifest.Load(opts.manifestPath)
	if err != nil {
		return nil, err
	}
	golden, err := manifest.LoadGoldenIndex(opts.goldenPath)
	if err != nil {
		return nil, err
	}
	filters, err := manifest.CompileFilters(opts.includeURL, opts.excludeURL, opts.includeBrowser, opts.excludeBrowser)
	if err != nil {
		return nil, err
	}
	return manifest.Build(m, golden, filters, orchestrator.FlakeFromConfig(cfg.Flake))
}

// captureAll runs the orchestrator and turns a panic into a force-kill of
// every live session.
func captureAll(ctx context.Context, coord *shutdown.Coordinator, o *orchestrator.Orchestrator, rc *orchestrator.RunContext, items []*orchestrator.WorkItem) (agg *orchestrator.RunAggregate, err error) {
	defer func() { err = coord.Recover(recover(), err) }()
	return o.CaptureAll(ctx, rc, items)
}

func resolveHead(logger *logging.Logger) giturl.Head {
	head, err := giturl.ResolveHead(".", giturl.DefaultRemote)
	if err != nil {
		logger.Debug("no git checkout for status reporting", slog.String("error", err.Error()))
		return giturl.Head{}
	}
	return head
}

func openHistory(cfg *config.Config, logger *logging.Logger) *storage.HistoryStore {
	if cfg.Storage.HistoryDB == "" {
		return nil
	}
	history, err := storage.OpenHistory(cfg.Storage.HistoryDB)
	if err != nil {
		logger.Warn("run history disabled", slog.String("error", err.Error()))
		return nil
	}
	return history
}

// startServer serves progress until the returned stop function is called.
func startServer(ctx context.Context, addr string, o *orchestrator.Orchestrator, history *storage.HistoryStore, hub *telemetry.Hub, logger *logging.Logger) func() {
	var runs ipc.RunHistory
	if history != nil {
		runs = history
	}
	srv := ipc.NewServer(ipc.Config{BindAddress: addr}, o, runs, hub, logger)
	serverCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Start(serverCtx); err != nil {
			logger.Warn("progress server stopped", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// followProgress redraws the progress bar whenever an item finishes.
func followProgress(hub *telemetry.Hub, o *orchestrator.Orchestrator, out *report.Writer) func() {
	events, unsubscribe := hub.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range events {
			if evt.Type != telemetry.EventItemDiffed && evt.Type != telemetry.EventItemFailed {
				continue
			}
			p := o.Progress()
			out.Progress(p.Diffed+p.Failed, p.Total, fmt.Sprintf("%s %s", evt.PageID, evt.Alias))
		}
	}()
	return func() {
		unsubscribe()
		<-done
		out.ProgressDone()
	}
}

func errorDescription(err error) string {
	if structured, ok := shoterrors.As(err); ok {
		return fmt.Sprintf("run failed (%s): %s", structured.Code, err.Error())
	}
	return "run failed: " + err.Error()
}
