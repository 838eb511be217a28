package browser

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/shotdiff/pkg/telemetry"
)

// Metrics tracks session and capture counters for a run.
type Metrics struct {
	// Session counts
	SessionsStarted atomic.Int64
	SessionsEnded   atomic.Int64
	SessionsKilled  atomic.Int64
	ActiveSessions  atomic.Int64
	PeakSessions    atomic.Int64

	// Capture outcomes
	CaptureSuccessCount atomic.Int64
	CaptureFailureCount atomic.Int64
	CaptureLatencySum   atomic.Int64 // nanoseconds sum for averaging

	// Telemetry integration
	mu    sync.RWMutex
	hub   *telemetry.Hub
	runID string
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// EnableTelemetry wires the metrics collector to a telemetry hub.
func (m *Metrics) EnableTelemetry(hub *telemetry.Hub, runID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.hub = hub
	m.runID = runID
	m.mu.Unlock()
}

// RecordSessionStarted counts a session reaching ACTIVE.
func (m *Metrics) RecordSessionStarted(sessionID, alias string) {
	if m == nil {
		return
	}
	m.SessionsStarted.Add(1)
	active := m.ActiveSessions.Add(1)
	for {
		peak := m.PeakSessions.Load()
		if active <= peak || m.PeakSessions.CompareAndSwap(peak, active) {
			break
		}
	}
	m.publishEvent(telemetry.EventSessionStarted, sessionID, alias, nil)
}

// RecordSessionEnded counts a session reaching ENDED.
func (m *Metrics) RecordSessionEnded(sessionID, alias string) {
	if m == nil {
		return
	}
	m.SessionsEnded.Add(1)
	m.ActiveSessions.Add(-1)
	m.publishEvent(telemetry.EventSessionEnded, sessionID, alias, nil)
}

// RecordSessionKilled counts a session force-terminated through the grid.
func (m *Metrics) RecordSessionKilled(sessionID, alias string) {
	if m == nil {
		return
	}
	m.SessionsKilled.Add(1)
	m.publishEvent(telemetry.EventSessionKilled, sessionID, alias, nil)
}

// RecordCapture tracks one screenshot attempt.
func (m *Metrics) RecordCapture(sessionID, alias string, success bool, latency time.Duration) {
	if m == nil {
		return
	}
	m.CaptureLatencySum.Add(latency.Nanoseconds())
	data := map[string]any{"latency_ms": latency.Milliseconds()}
	if success {
		m.CaptureSuccessCount.Add(1)
		m.publishEvent(telemetry.EventCaptureCompleted, sessionID, alias, data)
		return
	}
	m.CaptureFailureCount.Add(1)
	m.publishEvent(telemetry.EventCaptureFailed, sessionID, alias, data)
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	successCount := m.CaptureSuccessCount.Load()
	failCount := m.CaptureFailureCount.Load()
	total := successCount + failCount
	avgLatency := time.Duration(0)
	successRate := float64(1.0)
	if total > 0 {
		avgLatency = time.Duration(m.CaptureLatencySum.Load() / total)
		successRate = float64(successCount) / float64(total)
	}
	return MetricsSnapshot{
		SessionsStarted:       m.SessionsStarted.Load(),
		SessionsEnded:         m.SessionsEnded.Load(),
		SessionsKilled:        m.SessionsKilled.Load(),
		ActiveSessions:        m.ActiveSessions.Load(),
		PeakSessions:          m.PeakSessions.Load(),
		CaptureSuccessCount:   successCount,
		CaptureFailureCount:   failCount,
		CaptureSuccessRate:    successRate,
		AverageCaptureLatency: avgLatency,
	}
}

func (m *Metrics) publishEvent(eventType telemetry.EventType, sessionID, alias string, data map[string]any) {
	m.mu.RLock()
	hub := m.hub
	runID := m.runID
	m.mu.RUnlock()
	if hub == nil {
		return
	}
	hub.Publish(telemetry.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		SessionID: sessionID,
		Alias:     alias,
		Data:      data,
	})
}

// MetricsSnapshot is a point-in-time copy of browser metrics.
type MetricsSnapshot struct {
	SessionsStarted       int64         `json:"sessions_started"`
	SessionsEnded         int64         `json:"sessions_ended"`
	SessionsKilled        int64         `json:"sessions_killed"`
	ActiveSessions        int64         `json:"active_sessions"`
	PeakSessions          int64         `json:"peak_sessions"`
	CaptureSuccessCount   int64         `json:"capture_success_count"`
	CaptureFailureCount   int64         `json:"capture_failure_count"`
	CaptureSuccessRate    float64       `json:"capture_success_rate"`
	AverageCaptureLatency time.Duration `json:"average_capture_latency"`
}
