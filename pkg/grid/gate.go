package grid

import (
	"context"
	"log/slog"
	"math"
	"time"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
	"github.com/odvcencio/shotdiff/pkg/logging"
)

// GatePolicy tunes how many sessions a scheduling round may start.
type GatePolicy struct {
	// Parallelism caps every round when positive.
	Parallelism int
	// IdleShare is the share of total capacity claimed when nobody else is
	// using the grid. It encodes a fairness convention, not a hard limit.
	IdleShare    float64
	PollInterval time.Duration
	MaxWait      time.Duration
}

// Gate decides how many new sessions may start right now. It re-polls the
// grid on every call because other users consume slots concurrently.
type Gate struct {
	stats  StatsFetcher
	policy GatePolicy
	logger *logging.Logger

	// OnWait is called each time the gate pauses for capacity.
	OnWait func(snapshot CapacitySnapshot, waited time.Duration)
}

// NewGate creates a gate over stats. logger may be nil.
func NewGate(stats StatsFetcher, policy GatePolicy, logger *logging.Logger) *Gate {
	if policy.IdleShare <= 0 || policy.IdleShare > 1 {
		policy.IdleShare = 0.5
	}
	if policy.PollInterval <= 0 {
		policy.PollInterval = 30 * time.Second
	}
	if policy.MaxWait <= 0 {
		policy.MaxWait = 10 * time.Minute
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Gate{stats: stats, policy: policy, logger: logger.Component("capacity-gate")}
}

// Policy returns the effective policy.
func (g *Gate) Policy() GatePolicy {
	return g.policy
}

// Slots applies the scheduling policy to one snapshot. It returns 0 only when
// the grid has no free slots.
func (g *Gate) Slots(snapshot CapacitySnapshot) int {
	available := snapshot.Available()
	if available <= 0 {
		return 0
	}
	if g.policy.Parallelism > 0 {
		return min(g.policy.Parallelism, available)
	}
	if snapshot.Active == 0 {
		share := int(math.Floor(float64(snapshot.Max) * g.policy.IdleShare))
		return max(1, min(share, available))
	}
	return 1
}

// AvailableSlots polls the grid until at least one slot is free and returns
// how many sessions may start. It fails with CAPACITY_TIMEOUT once MaxWait
// elapses without capacity.
func (g *Gate) AvailableSlots(ctx context.Context) (int, error) {
	deadline := time.Now().Add(g.policy.MaxWait)
	start := time.Now()
	var lastErr error

	for {
		snapshot, err := g.stats.FetchConcurrencyStats(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			lastErr = err
			g.logger.Warn("capacity poll failed", slog.String("error", err.Error()))
		} else if n := g.Slots(snapshot); n > 0 {
			g.logger.Debug("capacity granted",
				slog.Int("slots", n),
				slog.Int("active", snapshot.Active),
				slog.Int("max", snapshot.Max),
			)
			return n, nil
		} else {
			g.logger.Info("waiting for grid capacity",
				slog.Int("active", snapshot.Active),
				slog.Int("max", snapshot.Max),
				slog.Duration("waited", time.Since(start)),
			)
			if g.OnWait != nil {
				g.OnWait(snapshot, time.Since(start))
			}
		}

		if err := g.Pause(ctx, deadline); err != nil {
			if lastErr != nil && shoterrors.IsCode(err, shoterrors.ErrCodeCapacityTimeout) {
				if structured, ok := shoterrors.As(err); ok {
					structured.Underlying = lastErr
				}
			}
			return 0, err
		}
	}
}

// Deadline returns the point after which waiting for capacity gives up.
func (g *Gate) Deadline() time.Time {
	return time.Now().Add(g.policy.MaxWait)
}

// Pause waits one fixed poll interval, or only until deadline when that
// comes first so the caller can poll once more at the deadline. It returns
// CAPACITY_TIMEOUT once the deadline has passed.
func (g *Gate) Pause(ctx context.Context, deadline time.Time) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return shoterrors.New(shoterrors.ErrCodeCapacityTimeout, "grid capacity did not free up in time").
			WithContext("max_wait", g.policy.MaxWait.String()).
			WithRemediation(
				"raise grid.max_wait",
				"check for leaked sessions on the grid dashboard",
			)
	}
	timer := time.NewTimer(min(g.policy.PollInterval, remaining))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
