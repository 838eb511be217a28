package orchestrator

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
	"github.com/odvcencio/shotdiff/pkg/imaging"
	"github.com/odvcencio/shotdiff/pkg/status"
)

// ItemResult is the reporting view of one finished work item.
type ItemResult struct {
	PageID         string              `json:"page"`
	URL            string              `json:"url,omitempty"`
	Alias          string              `json:"alias"`
	Classification Classification      `json:"classification,omitempty"`
	GoldenPath     string              `json:"expected_image,omitempty"`
	ActualPath     string              `json:"actual_image,omitempty"`
	DiffPath       string              `json:"diff_image,omitempty"`
	RetryCount     int                 `json:"retry_count"`
	Attempts       int                 `json:"attempts"`
	Diff           *imaging.DiffResult `json:"diff,omitempty"`
	Error          string              `json:"error,omitempty"`
	ErrorCode      string              `json:"error_code,omitempty"`
	RetryError     string              `json:"retry_error,omitempty"`
}

// Key identifies the result within a run.
func (r ItemResult) Key() string {
	return r.PageID + "@" + r.Alias
}

func resultOf(item *WorkItem) ItemResult {
	r := ItemResult{
		PageID:         item.PageID,
		URL:            item.URL,
		Alias:          item.Alias,
		Classification: item.Classification,
		GoldenPath:     item.GoldenPath,
		ActualPath:     item.ActualPath,
		DiffPath:       item.DiffPath,
		RetryCount:     item.retryCount,
		Attempts:       item.attempts,
		Diff:           item.Diff,
	}
	if item.Err != nil {
		r.Error = item.Err.Error()
		r.ErrorCode = string(shoterrors.GetCode(item.Err))
	}
	if item.RetryErr != nil {
		r.RetryError = item.RetryErr.Error()
	}
	return r
}

// Counts is the size of every bucket.
type Counts struct {
	Changed   int `json:"changed"`
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Total returns the number of items across all buckets.
func (c Counts) Total() int {
	return c.Changed + c.Added + c.Removed + c.Unchanged + c.Skipped + c.Failed
}

// String renders the counts as a status description, e.g.
// "3 changed, 1 added, 40 unchanged".
func (c Counts) String() string {
	parts := make([]string, 0, 6)
	for _, p := range []struct {
		n    int
		name string
	}{
		{c.Changed, "changed"},
		{c.Added, "added"},
		{c.Removed, "removed"},
		{c.Unchanged, "unchanged"},
		{c.Skipped, "skipped"},
		{c.Failed, "failed"},
	} {
		if p.n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", p.n, p.name))
		}
	}
	if len(parts) == 0 {
		return "no screenshots"
	}
	return strings.Join(parts, ", ")
}

// RunAggregate partitions every finished item of a run by classification.
// Items that failed or were interrupted are listed in Failures instead of a
// bucket. Sessions append whole groups; readers should wait for CaptureAll
// to return.
type RunAggregate struct {
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Interrupted bool      `json:"interrupted"`

	Changed   []ItemResult `json:"changed"`
	Added     []ItemResult `json:"added"`
	Removed   []ItemResult `json:"removed"`
	Unchanged []ItemResult `json:"unchanged"`
	Skipped   []ItemResult `json:"skipped"`
	Failures  []ItemResult `json:"failures"`

	mu sync.Mutex
}

// NewRunAggregate creates an empty aggregate.
func NewRunAggregate(runID string) *RunAggregate {
	return &RunAggregate{RunID: runID, StartedAt: time.Now()}
}

func (a *RunAggregate) add(items ...*WorkItem) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, item := range items {
		r := resultOf(item)
		if item.Err != nil {
			a.Failures = append(a.Failures, r)
			continue
		}
		switch item.Classification {
		case ClassChanged:
			a.Changed = append(a.Changed, r)
		case ClassAdded:
			a.Added = append(a.Added, r)
		case ClassRemoved:
			a.Removed = append(a.Removed, r)
		case ClassUnchanged:
			a.Unchanged = append(a.Unchanged, r)
		case ClassSkipped:
			a.Skipped = append(a.Skipped, r)
		default:
			r.Error = fmt.Sprintf("item finished without classification in state %s", item.State())
			r.ErrorCode = string(shoterrors.ErrCodeInternal)
			a.Failures = append(a.Failures, r)
		}
	}
}

// finish sorts every bucket by key and stamps the completion time.
func (a *RunAggregate) finish(interrupted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	byKey := func(x, y ItemResult) int { return strings.Compare(x.Key(), y.Key()) }
	for _, bucket := range [][]ItemResult{a.Changed, a.Added, a.Removed, a.Unchanged, a.Skipped, a.Failures} {
		slices.SortFunc(bucket, byKey)
	}
	a.Interrupted = a.Interrupted || interrupted
	a.CompletedAt = time.Now()
}

// Counts returns the bucket sizes.
func (a *RunAggregate) Counts() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countsLocked()
}

func (a *RunAggregate) countsLocked() Counts {
	return Counts{
		Changed:   len(a.Changed),
		Added:     len(a.Added),
		Removed:   len(a.Removed),
		Unchanged: len(a.Unchanged),
		Skipped:   len(a.Skipped),
		Failed:    len(a.Failures),
	}
}

// Passed reports whether nothing needs review: no changed, added or removed
// screenshots and no failures.
func (a *RunAggregate) Passed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.countsLocked()
	return c.Changed == 0 && c.Added == 0 && c.Removed == 0 && c.Failed == 0 && !a.Interrupted
}

// Outcome maps the aggregate and the run error to a terminal status.
func (a *RunAggregate) Outcome(runErr error) status.State {
	a.mu.Lock()
	interrupted := a.Interrupted
	a.mu.Unlock()
	switch {
	case runErr != nil || interrupted:
		return status.StateError
	case a.Passed():
		return status.StatePassed
	default:
		return status.StateFailed
	}
}

// Description summarizes the aggregate for status reporters.
func (a *RunAggregate) Description() string {
	return a.Counts().String()
}

// Results returns every result, buckets in report order.
func (a *RunAggregate) Results() []ItemResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []ItemResult
	for _, bucket := range [][]ItemResult{a.Changed, a.Added, a.Removed, a.Unchanged, a.Skipped, a.Failures} {
		out = append(out, bucket...)
	}
	return out
}
