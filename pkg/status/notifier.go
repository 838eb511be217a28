package status

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
	"github.com/odvcencio/shotdiff/pkg/logging"
)

// NotifierOptions tunes a Notifier.
type NotifierOptions struct {
	RunID string
	// MinInterval is the minimum spacing between non-terminal reports.
	MinInterval   time.Duration
	TargetURL     string
	ReportTimeout time.Duration
	Logger        *logging.Logger
}

// Notifier serializes status updates through one sender goroutine.
// Non-terminal updates are coalesced and throttled; an update whose rank is
// lower than the last accepted one is dropped; once a terminal state is
// accepted every later update is dropped. Reporter failures are logged and
// never returned.
type Notifier struct {
	reporter Reporter
	opts     NotifierOptions
	limiter  *rate.Limiter
	logger   *logging.Logger

	mu       sync.Mutex
	pending  *Update
	lastRank int
	terminal bool
	closed   bool

	wake     chan struct{}
	urgent   chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	delivered atomic.Int64
	failures  atomic.Int64
	dropped   atomic.Int64
}

// NewNotifier starts a notifier over reporter. A nil reporter discards updates.
func NewNotifier(reporter Reporter, opts NotifierOptions) *Notifier {
	if opts.MinInterval <= 0 {
		opts.MinInterval = 2 * time.Second
	}
	if opts.ReportTimeout <= 0 {
		opts.ReportTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	n := &Notifier{
		reporter: reporter,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		logger:   logger.Component("status"),
		lastRank: -1,
		wake:     make(chan struct{}, 1),
		urgent:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go n.loop()
	return n
}

// Update queues a status change. It never blocks on the reporter.
func (n *Notifier) Update(state State, description string) bool {
	if n == nil {
		return false
	}
	rank := state.Rank()
	n.mu.Lock()
	if n.closed || n.terminal || rank < 0 || rank < n.lastRank {
		n.mu.Unlock()
		n.dropped.Add(1)
		return false
	}
	n.lastRank = rank
	if state.IsTerminal() {
		n.terminal = true
	}
	n.pending = &Update{
		RunID:       n.opts.RunID,
		State:       state,
		Description: description,
		TargetURL:   n.opts.TargetURL,
		Timestamp:   time.Now(),
	}
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
	if state.IsTerminal() {
		select {
		case n.urgent <- struct{}{}:
		default:
		}
	}
	return true
}

// Close flushes the last accepted update and stops the sender.
func (n *Notifier) Close(ctx context.Context) error {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.stopOnce.Do(func() { close(n.stop) })

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports delivery counters.
func (n *Notifier) Stats() (delivered, failed, dropped int64) {
	return n.delivered.Load(), n.failures.Load(), n.dropped.Load()
}

func (n *Notifier) loop() {
	defer close(n.done)
	for {
		select {
		case <-n.wake:
			n.sendPending(true)
		case <-n.stop:
			n.sendPending(false)
			return
		}
	}
}

func (n *Notifier) sendPending(throttle bool) {
	n.mu.Lock()
	next := n.pending
	n.mu.Unlock()
	if next == nil {
		return
	}

	if throttle && !next.State.IsTerminal() {
		if delay := n.limiter.Reserve().Delay(); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-n.urgent:
				timer.Stop()
			case <-n.stop:
				timer.Stop()
			}
		}
	}

	// Take whatever is newest now; updates that arrived while waiting
	// replace the one that woke us.
	n.mu.Lock()
	next = n.pending
	n.pending = nil
	n.mu.Unlock()
	if next == nil {
		return
	}
	n.deliver(*next)
}

func (n *Notifier) deliver(update Update) {
	if n.reporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.opts.ReportTimeout)
	defer cancel()

	if err := n.reporter.Report(ctx, update); err != nil {
		n.failures.Add(1)
		wrapped := shoterrors.Wrap(err, shoterrors.ErrCodeStatusReportFailed, "status report failed").
			WithContext("reporter", n.reporter.Name()).
			WithContext("state", string(update.State))
		n.logger.Warn("status report failed",
			slog.String("reporter", n.reporter.Name()),
			slog.String("state", string(update.State)),
			slog.String("error", wrapped.Error()),
		)
		return
	}
	n.delivered.Add(1)
	n.logger.Debug("status reported",
		slog.String("reporter", n.reporter.Name()),
		slog.String("state", string(update.State)),
		slog.String("description", update.Description),
	)
}
