package browser

import (
	"context"
	"sync"
	"time"
)

// Session wraps a remote handle with the STARTING → ACTIVE → QUITTING →
// ENDED lifecycle. Work items on one session are processed sequentially.
type Session struct {
	alias    string
	registry *Registry

	mu        sync.Mutex
	handle    Handle
	state     SessionState
	startedAt time.Time
	endedAt   time.Time
	captures  int
}

// Alias returns the browser alias the session serves.
func (s *Session) Alias() string {
	return s.alias
}

// ID returns the remote session id, empty until the session is active.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return ""
	}
	return s.handle.ID()
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Activate binds the acquired remote handle and moves the session to ACTIVE.
func (s *Session) Activate(handle Handle) error {
	if handle == nil {
		return ErrNoHandle
	}
	s.mu.Lock()
	if s.state != StateStarting {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.handle = handle
	s.state = StateActive
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.registry.markStarted(s)
	return nil
}

// Capture takes one screenshot of url.
func (s *Session) Capture(ctx context.Context, url string) ([]byte, error) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil, ErrSessionNotActive
	}
	handle := s.handle
	s.mu.Unlock()

	start := time.Now()
	data, err := handle.Capture(ctx, url)
	s.registry.metrics.RecordCapture(handle.ID(), s.alias, err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.captures++
	s.mu.Unlock()
	return data, nil
}

// Quit ends the remote session. The session is ENDED afterwards even when the
// grid reports an error, since the grid reaps sessions that fail to quit.
func (s *Session) Quit(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateQuitting, StateEnded:
		s.mu.Unlock()
		return nil
	case StateStarting:
		s.state = StateEnded
		s.endedAt = time.Now()
		s.mu.Unlock()
		s.registry.forget(s)
		return nil
	}
	s.state = StateQuitting
	handle := s.handle
	s.mu.Unlock()

	err := handle.Quit(ctx)
	s.finish()
	return err
}

// markKilled records that the session was force-terminated through the grid.
func (s *Session) markKilled() bool {
	return s.finish()
}

func (s *Session) finish() bool {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return false
	}
	s.state = StateEnded
	s.endedAt = time.Now()
	id := ""
	if s.handle != nil {
		id = s.handle.ID()
	}
	s.mu.Unlock()

	s.registry.markEnded(id, s)
	return true
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		Alias:     s.alias,
		State:     s.state,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
		Captures:  s.captures,
	}
	if s.handle != nil {
		info.ID = s.handle.ID()
	}
	return info
}
