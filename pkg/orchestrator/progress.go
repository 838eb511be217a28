package orchestrator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/shotdiff/pkg/browser"
)

// Progress is a live view of the current run.
type Progress struct {
	RunID          string                  `json:"run_id,omitempty"`
	Running        bool                    `json:"running"`
	StartedAt      time.Time               `json:"started_at,omitempty"`
	Elapsed        time.Duration           `json:"elapsed_ns"`
	Total          int                     `json:"total"`
	Preclassified  int                     `json:"preclassified"`
	Queued         int                     `json:"queued"`
	Capturing      int                     `json:"capturing"`
	Diffed         int                     `json:"diffed"`
	Failed         int                     `json:"failed"`
	ActiveSessions int                     `json:"active_sessions"`
	PeakSessions   int                     `json:"peak_sessions"`
	KillRequested  bool                    `json:"kill_requested"`
	Sessions       []browser.SessionInfo   `json:"sessions,omitempty"`
	Counters       browser.MetricsSnapshot `json:"counters"`
}

// Percent returns the share of queued items that are finished.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Diffed+p.Failed) / float64(p.Total) * 100
}

type progressTracker struct {
	mu        sync.Mutex
	rc        *RunContext
	startedAt time.Time
	active    bool

	total   atomic.Int64
	pre     atomic.Int64
	queued  atomic.Int64
	running atomic.Int64
	diffed  atomic.Int64
	failed  atomic.Int64
}

func (p *progressTracker) begin(rc *RunContext, queued, preclassified int) {
	p.mu.Lock()
	p.rc = rc
	p.startedAt = time.Now()
	p.active = true
	p.mu.Unlock()

	p.total.Store(int64(queued))
	p.pre.Store(int64(preclassified))
	p.queued.Store(int64(queued))
	p.running.Store(0)
	p.diffed.Store(0)
	p.failed.Store(0)
}

func (p *progressTracker) end() {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
}

func (p *progressTracker) run() *RunContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rc
}

func (p *progressTracker) startItem() {
	p.queued.Add(-1)
	p.running.Add(1)
}

func (p *progressTracker) finishItem() {
	p.running.Add(-1)
	p.diffed.Add(1)
}

func (p *progressTracker) failItem(started bool) {
	if started {
		p.running.Add(-1)
	} else {
		p.queued.Add(-1)
	}
	p.failed.Add(1)
}

func (p *progressTracker) description() string {
	done := p.diffed.Load() + p.failed.Load()
	return fmt.Sprintf("%d of %d screenshots done", done, p.total.Load())
}

// Progress returns a snapshot of the current or last run.
func (o *Orchestrator) Progress() Progress {
	p := &o.progress
	p.mu.Lock()
	rc := p.rc
	started := p.startedAt
	active := p.active
	p.mu.Unlock()

	snap := Progress{
		Running:       active,
		StartedAt:     started,
		Total:         int(p.total.Load()),
		Preclassified: int(p.pre.Load()),
		Queued:        int(p.queued.Load()),
		Capturing:     int(p.running.Load()),
		Diffed:        int(p.diffed.Load()),
		Failed:        int(p.failed.Load()),
	}
	if !started.IsZero() {
		snap.Elapsed = time.Since(started)
	}
	if rc == nil {
		return snap
	}
	snap.RunID = rc.RunID
	snap.KillRequested = rc.KillRequested()
	snap.Sessions = rc.Registry.Sessions()
	if metrics := rc.Registry.Metrics(); metrics != nil {
		snap.Counters = metrics.Snapshot()
		snap.ActiveSessions = int(snap.Counters.ActiveSessions)
		snap.PeakSessions = int(snap.Counters.PeakSessions)
	}
	return snap
}
