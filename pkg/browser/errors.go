package browser

import "errors"

var (
	ErrSessionNotActive = errors.New("browser session not active")
	ErrSessionClosed    = errors.New("browser session closed")
	ErrNoHandle         = errors.New("browser session has no remote handle")
)

// IsSessionGone returns true if the error means the remote session can no
// longer serve captures.
func IsSessionGone(err error) bool {
	return errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrSessionNotActive)
}
