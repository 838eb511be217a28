package browser

import (
	"context"
	"time"
)

// SessionState is the lifecycle position of a remote browser session.
type SessionState string

const (
	StateStarting SessionState = "STARTING"
	StateActive   SessionState = "ACTIVE"
	StateQuitting SessionState = "QUITTING"
	StateEnded    SessionState = "ENDED"
)

// Viewport defines the browser viewport size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Handle is the port implemented by grid adapters for one live session.
type Handle interface {
	ID() string
	// Capture navigates to url and returns the raw PNG screenshot.
	Capture(ctx context.Context, url string) ([]byte, error)
	Quit(ctx context.Context) error
}

// SessionInfo is a point-in-time view of a session for progress reporting.
type SessionInfo struct {
	ID        string       `json:"id,omitempty"`
	Alias     string       `json:"alias"`
	State     SessionState `json:"state"`
	StartedAt time.Time    `json:"started_at,omitempty"`
	EndedAt   time.Time    `json:"ended_at,omitempty"`
	Captures  int          `json:"captures"`
}
