package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level is the severity of a run event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category names the part of the run an event came from.
type Category string

const (
	CategoryRun      Category = "run"
	CategorySession  Category = "session"
	CategoryCapture  Category = "capture"
	CategoryCapacity Category = "capacity"
	CategoryStatus   Category = "status"
	CategoryShutdown Category = "shutdown"
)

// Event is one line of a run's event log.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	EventType string         `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Alias     string         `json:"alias,omitempty"`
	PageID    string         `json:"page,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// EventLog appends run events as JSON lines to runs/<run id>.jsonl. Error
// events are also appended to a shared errors.jsonl so failures from every
// run can be scanned in one place.
type EventLog struct {
	mu     sync.Mutex
	runID  string
	run    *os.File
	errs   *os.File
	filter Level
}

// NewEventLog opens both files under baseDir, creating directories as needed.
// Events below info are dropped.
func NewEventLog(baseDir, runID string) (*EventLog, error) {
	run, err := openAppend(filepath.Join(baseDir, "runs", runID+".jsonl"))
	if err != nil {
		return nil, err
	}
	errs, err := openAppend(filepath.Join(baseDir, "errors.jsonl"))
	if err != nil {
		_ = run.Close()
		return nil, err
	}
	return &EventLog{runID: runID, run: run, errs: errs, filter: LevelInfo}, nil
}

func openAppend(name string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return f, nil
}

// Log stamps and appends one event. A nil EventLog discards everything.
func (l *EventLog) Log(event Event) error {
	if l == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if event.RunID == "" {
		event.RunID = l.runID
	}
	if severity(event.Level) < severity(l.filter) {
		return nil
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.EventType, err)
	}
	line = append(line, '\n')

	targets := []*os.File{l.run}
	if event.Level == LevelError {
		targets = append(targets, l.errs)
	}
	for _, f := range targets {
		if f == nil {
			continue
		}
		if _, err := f.Write(line); err != nil {
			return fmt.Errorf("append to %s: %w", filepath.Base(f.Name()), err)
		}
	}
	return nil
}

func severity(level Level) int {
	switch level {
	case LevelDebug:
		return 0
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// Close closes both files. Later Log calls are no-ops.
func (l *EventLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, f := range []*os.File{l.run, l.errs} {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	l.run, l.errs = nil, nil
	return errors.Join(errs...)
}

// ReadRecentEvents returns the last count events of a JSON lines log. Lines
// that do not decode end the scan.
func ReadRecentEvents(logPath string, count int) ([]Event, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var tail []Event
	dec := json.NewDecoder(f)
	for dec.More() {
		var event Event
		if err := dec.Decode(&event); err != nil {
			break
		}
		tail = append(tail, event)
		if count > 0 && len(tail) > count {
			tail = tail[1:]
		}
	}
	return tail, nil
}
