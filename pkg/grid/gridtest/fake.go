// Package gridtest provides an in-memory capacity provider for tests. It
// counts concurrently active sessions and records every session it hands
// out so tests can assert that none leak.
package gridtest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sort"
	"sync"
	"time"

	"github.com/odvcencio/shotdiff/pkg/browser"
	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
	"github.com/odvcencio/shotdiff/pkg/grid"
	"github.com/odvcencio/shotdiff/pkg/imaging"
)

// ErrSessionGone is returned by handles that were quit or killed.
var ErrSessionGone = errors.New("gridtest: session gone")

// CaptureFunc produces the screenshot for url.
type CaptureFunc func(ctx context.Context, sessionID, url string) ([]byte, error)

// FakeGrid implements grid.Provider.
type FakeGrid struct {
	mu sync.Mutex

	max      int
	external int
	script   []grid.CapacitySnapshot

	rejectFirst int
	rejectAll   bool
	capture     CaptureFunc

	active        int
	peak          int
	lastAvailable int
	polls         int
	acquires      int
	violations    []string
	nextID        int
	handles       map[string]*Handle
	started       []string
	quit          []string
	killed        []string
}

var _ grid.Provider = (*FakeGrid)(nil)

// New creates a grid with max concurrent slots and nobody else using it.
func New(max int) *FakeGrid {
	return &FakeGrid{
		max:     max,
		handles: make(map[string]*Handle),
		capture: func(context.Context, string, string) ([]byte, error) {
			return SolidPNG(64, 48, color.RGBA{R: 0x20, G: 0x40, B: 0x80, A: 0xFF}), nil
		},
	}
}

// WithExternal sets how many slots other users hold.
func (g *FakeGrid) WithExternal(n int) *FakeGrid {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.external = n
	return g
}

// WithScript makes successive polls return these snapshots before falling
// back to live numbers.
func (g *FakeGrid) WithScript(snapshots ...grid.CapacitySnapshot) *FakeGrid {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script = append(g.script, snapshots...)
	return g
}

// RejectFirst makes the first n session starts fail with a retryable error.
func (g *FakeGrid) RejectFirst(n int) *FakeGrid {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejectFirst = n
	return g
}

// RejectAll makes every session start fail with a retryable error.
func (g *FakeGrid) RejectAll() *FakeGrid {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejectAll = true
	return g
}

// WithCapture replaces the screenshot source.
func (g *FakeGrid) WithCapture(fn CaptureFunc) *FakeGrid {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.capture = fn
	return g
}

// FetchConcurrencyStats returns the next scripted snapshot or the live one.
func (g *FakeGrid) FetchConcurrencyStats(ctx context.Context) (grid.CapacitySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return grid.CapacitySnapshot{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls++
	var snap grid.CapacitySnapshot
	if len(g.script) > 0 {
		snap = g.script[0]
		g.script = g.script[1:]
	} else {
		snap = grid.CapacitySnapshot{Active: g.external + g.active, Max: g.max}
	}
	g.lastAvailable = snap.Available()
	return snap, nil
}

// AcquireSession starts a fake session and checks the concurrency bound.
func (g *FakeGrid) AcquireSession(ctx context.Context, _ grid.Capabilities) (browser.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acquires++
	if g.rejectAll || g.acquires <= g.rejectFirst {
		return nil, shoterrors.New(shoterrors.ErrCodeSessionStartFailed, "concurrency limit reached").
			WithRetryable(true)
	}

	g.nextID++
	id := fmt.Sprintf("fake-%03d", g.nextID)
	g.active++
	if g.active > g.lastAvailable {
		g.violations = append(g.violations,
			fmt.Sprintf("%s: %d active with %d available", id, g.active, g.lastAvailable))
	}
	g.peak = max(g.peak, g.active)

	h := &Handle{id: id, grid: g}
	g.handles[id] = h
	g.started = append(g.started, id)
	return h, nil
}

// KillSessions force-ends the given sessions.
func (g *FakeGrid) KillSessions(ctx context.Context, ids []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		h, ok := g.handles[id]
		if !ok {
			return fmt.Errorf("gridtest: unknown session %s", id)
		}
		if h.gone {
			continue
		}
		h.gone = true
		g.active--
		g.killed = append(g.killed, id)
	}
	return nil
}

func (g *FakeGrid) release(h *Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h.gone {
		return ErrSessionGone
	}
	h.gone = true
	g.active--
	g.quit = append(g.quit, h.id)
	return nil
}

func (g *FakeGrid) captureFunc() CaptureFunc {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capture
}

// Peak returns the highest number of concurrently active sessions.
func (g *FakeGrid) Peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

// Active returns the number of sessions neither quit nor killed.
func (g *FakeGrid) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Violations lists every acquire that exceeded the last polled availability.
func (g *FakeGrid) Violations() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.violations...)
}

// Polls returns how many times capacity was read.
func (g *FakeGrid) Polls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.polls
}

// Acquires returns how many session starts were attempted.
func (g *FakeGrid) Acquires() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.acquires
}

// Started returns the ids of every session handed out.
func (g *FakeGrid) Started() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return sorted(g.started)
}

// Quit returns the ids of sessions that quit themselves.
func (g *FakeGrid) Quit() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return sorted(g.quit)
}

// Killed returns the ids of sessions ended through KillSessions.
func (g *FakeGrid) Killed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return sorted(g.killed)
}

// Ended returns the ids of sessions that were quit or killed.
func (g *FakeGrid) Ended() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return sorted(append(append([]string(nil), g.quit...), g.killed...))
}

func sorted(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

// Handle is a fake remote session.
type Handle struct {
	id   string
	grid *FakeGrid
	gone bool
}

// ID returns the session id.
func (h *Handle) ID() string {
	return h.id
}

// Capture returns the configured screenshot.
func (h *Handle) Capture(ctx context.Context, url string) ([]byte, error) {
	h.grid.mu.Lock()
	gone := h.gone
	h.grid.mu.Unlock()
	if gone {
		return nil, ErrSessionGone
	}
	return h.grid.captureFunc()(ctx, h.id, url)
}

// Quit ends the session.
func (h *Handle) Quit(ctx context.Context) error {
	return h.grid.release(h)
}

// SolidPNG encodes a w×h image of one color.
func SolidPNG(w, h int, c color.RGBA) []byte {
	return EncodePNG(SolidImage(w, h, c))
}

// SolidImage returns a w×h image of one color.
func SolidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// EncodePNG encodes img and panics on failure.
func EncodePNG(img image.Image) []byte {
	data, err := imaging.EncodePNG(img)
	if err != nil {
		panic(err)
	}
	return data
}

// Blocking returns a capture func that waits until release is closed or ctx
// ends, then returns the screenshot from next.
func Blocking(release <-chan struct{}, next CaptureFunc) CaptureFunc {
	return func(ctx context.Context, sessionID, url string) ([]byte, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return next(ctx, sessionID, url)
	}
}

// Delayed returns a capture func that sleeps d before delegating to next.
func Delayed(d time.Duration, next CaptureFunc) CaptureFunc {
	return func(ctx context.Context, sessionID, url string) ([]byte, error) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return next(ctx, sessionID, url)
	}
}
