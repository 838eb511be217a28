// Package orchestrator drives screenshot capture across remote browser
// sessions: it schedules one session per browser alias under the grid's
// capacity gate, runs the capture-diff-retry loop for each work item and
// aggregates the outcomes of a run.
package orchestrator

import (
	"fmt"
	"time"

	"github.com/odvcencio/shotdiff/pkg/config"
	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
	"github.com/odvcencio/shotdiff/pkg/imaging"
)

// CaptureState is the lifecycle position of a work item.
type CaptureState string

const (
	StateQueued  CaptureState = "QUEUED"
	StateRunning CaptureState = "RUNNING"
	StateDiffed  CaptureState = "DIFFED"
)

func (s CaptureState) order() int {
	switch s {
	case StateQueued:
		return 0
	case StateRunning:
		return 1
	case StateDiffed:
		return 2
	default:
		return -1
	}
}

// Classification is the bucket a finished work item lands in.
type Classification string

const (
	ClassChanged   Classification = "changed"
	ClassAdded     Classification = "added"
	ClassRemoved   Classification = "removed"
	ClassUnchanged Classification = "unchanged"
	ClassSkipped   Classification = "skipped"
)

// FlakeConfig is the retry policy of one work item.
type FlakeConfig struct {
	MaxRetries                     int
	MaxChangedPixelFractionToRetry float64
	RetryDelay                     time.Duration
	MinChangedPixelCount           int
}

// FlakeFromConfig converts the configured defaults.
func FlakeFromConfig(cfg config.FlakeConfig) FlakeConfig {
	return FlakeConfig{
		MaxRetries:                     cfg.MaxRetries,
		MaxChangedPixelFractionToRetry: cfg.MaxChangedPixelFractionToRetry,
		RetryDelay:                     cfg.RetryDelay,
		MinChangedPixelCount:           cfg.MinChangedPixelCount,
	}
}

// Validate checks the policy bounds.
func (f FlakeConfig) Validate() error {
	switch {
	case f.MaxRetries < 0:
		return shoterrors.New(shoterrors.ErrCodeInvalidInput, "max retries must be >= 0")
	case f.MaxChangedPixelFractionToRetry < 0 || f.MaxChangedPixelFractionToRetry > 1:
		return shoterrors.New(shoterrors.ErrCodeInvalidInput, "max changed pixel fraction to retry must be within [0,1]")
	case f.RetryDelay < 0:
		return shoterrors.New(shoterrors.ErrCodeInvalidInput, "retry delay must be >= 0")
	case f.MinChangedPixelCount < 0:
		return shoterrors.New(shoterrors.ErrCodeInvalidInput, "min changed pixel count must be >= 0")
	}
	return nil
}

// WorkItem is one (page, browser alias) screenshot task. Once handed to
// CaptureAll it is owned by the session processing its alias and must not be
// touched by the caller until CaptureAll returns.
type WorkItem struct {
	PageID     string
	URL        string
	Alias      string
	GoldenPath string
	Flake      FlakeConfig

	// Preclassified marks items decided upstream (skipped by filters or
	// removed from the manifest). They are never captured.
	Preclassified Classification

	state      CaptureState
	retryCount int
	attempts   int

	ActualPath     string
	DiffPath       string
	Diff           *imaging.DiffResult
	Classification Classification
	Err            error
	// RetryErr is the failure of a retry that ended the loop early. The
	// item keeps the diff of its last finished attempt.
	RetryErr error
}

// NewWorkItem creates a queued item.
func NewWorkItem(pageID, url, alias string, flake FlakeConfig) *WorkItem {
	return &WorkItem{
		PageID: pageID,
		URL:    url,
		Alias:  alias,
		Flake:  flake,
		state:  StateQueued,
	}
}

// Key identifies the item within a run.
func (w *WorkItem) Key() string {
	return w.PageID + "@" + w.Alias
}

// State returns the capture state.
func (w *WorkItem) State() CaptureState {
	if w.state == "" {
		return StateQueued
	}
	return w.state
}

// RetryCount returns how many retries were taken.
func (w *WorkItem) RetryCount() int {
	return w.retryCount
}

// Attempts returns how many captures were diffed.
func (w *WorkItem) Attempts() int {
	return w.attempts
}

// advance moves the item forward. Moving backwards or sideways is a bug.
func (w *WorkItem) advance(to CaptureState) error {
	from := w.State()
	if to.order() <= from.order() {
		return shoterrors.Newf(shoterrors.ErrCodeInternal, "work item %s cannot move from %s to %s", w.Key(), from, to)
	}
	w.state = to
	return nil
}

func (w *WorkItem) fail(err error) {
	if w.Err == nil {
		w.Err = err
	}
}

func (w *WorkItem) String() string {
	return fmt.Sprintf("%s (%s)", w.Key(), w.State())
}
