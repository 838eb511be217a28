// Package status pushes run progress and outcomes to external sinks such as
// GitHub commit statuses, Slack and NATS.
package status

import (
	"context"
	"strings"
	"time"
)

// State is the externally visible run state.
type State string

const (
	StatePending State = "PENDING"
	StateRunning State = "RUNNING"
	StatePassed  State = "PASSED"
	StateFailed  State = "FAILED"
	StateError   State = "ERROR"
)

// Rank orders states; updates never move to a lower rank.
func (s State) Rank() int {
	switch s {
	case StatePending:
		return 0
	case StateRunning:
		return 1
	case StatePassed, StateFailed, StateError:
		return 2
	default:
		return -1
	}
}

// IsTerminal reports whether no later update may replace s.
func (s State) IsTerminal() bool {
	return s.Rank() == 2
}

// Update is one status report.
type Update struct {
	RunID       string    `json:"run_id,omitempty"`
	State       State     `json:"state"`
	Description string    `json:"description"`
	TargetURL   string    `json:"target_url,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Reporter delivers updates to one external sink.
type Reporter interface {
	Name() string
	Report(ctx context.Context, update Update) error
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if n <= 0 || len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
