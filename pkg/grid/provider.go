// Package grid talks to the remote Selenium grid: its concurrency quota,
// session acquisition and force-kill API.
package grid

import (
	"context"

	"github.com/odvcencio/shotdiff/pkg/browser"
)

// CapacitySnapshot is a point-in-time read of the grid's concurrency quota.
// It is never cached beyond the poll that produced it.
type CapacitySnapshot struct {
	Active int `json:"active"`
	Max    int `json:"max"`
}

// Available returns the number of free slots.
func (s CapacitySnapshot) Available() int {
	if s.Max <= s.Active {
		return 0
	}
	return s.Max - s.Active
}

// StatsFetcher reads the grid's concurrency quota.
type StatsFetcher interface {
	FetchConcurrencyStats(ctx context.Context) (CapacitySnapshot, error)
}

// Provider is the capacity provider port the orchestrator depends on.
type Provider interface {
	StatsFetcher
	AcquireSession(ctx context.Context, caps Capabilities) (browser.Handle, error)
	KillSessions(ctx context.Context, ids []string) error
}
