package report

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
	"github.com/odvcencio/shotdiff/pkg/orchestrator"
	"github.com/odvcencio/shotdiff/pkg/status"
)

// Document is the machine-readable result of a run.
type Document struct {
	RunID       string                    `json:"run_id"`
	Outcome     status.State              `json:"outcome"`
	Description string                    `json:"description"`
	Error       string                    `json:"error,omitempty"`
	ErrorCode   string                    `json:"error_code,omitempty"`
	StartedAt   time.Time                 `json:"started_at"`
	CompletedAt time.Time                 `json:"completed_at"`
	Interrupted bool                      `json:"interrupted"`
	Counts      orchestrator.Counts       `json:"counts"`
	Changed     []orchestrator.ItemResult `json:"changed"`
	Added       []orchestrator.ItemResult `json:"added"`
	Removed     []orchestrator.ItemResult `json:"removed"`
	Unchanged   []orchestrator.ItemResult `json:"unchanged"`
	Skipped     []orchestrator.ItemResult `json:"skipped"`
	Failures    []orchestrator.ItemResult `json:"failures"`
}

// NewDocument snapshots agg and the run error.
func NewDocument(agg *orchestrator.RunAggregate, runErr error) Document {
	doc := Document{
		RunID:       agg.RunID,
		Outcome:     agg.Outcome(runErr),
		Description: Description(agg, runErr),
		StartedAt:   agg.StartedAt,
		CompletedAt: agg.CompletedAt,
		Interrupted: agg.Interrupted,
		Counts:      agg.Counts(),
		Changed:     nonNil(agg.Changed),
		Added:       nonNil(agg.Added),
		Removed:     nonNil(agg.Removed),
		Unchanged:   nonNil(agg.Unchanged),
		Skipped:     nonNil(agg.Skipped),
		Failures:    nonNil(agg.Failures),
	}
	if runErr != nil {
		doc.Error = runErr.Error()
		doc.ErrorCode = string(shoterrors.GetCode(runErr))
	}
	return doc
}

// WriteJSON writes the run document as indented JSON.
func WriteJSON(w io.Writer, agg *orchestrator.RunAggregate, runErr error) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(NewDocument(agg, runErr)); err != nil {
		return shoterrors.Wrap(err, shoterrors.ErrCodeStorageWrite, "writing report")
	}
	return nil
}

// WriteFile writes the run document to path, creating parent directories.
func WriteFile(path string, agg *orchestrator.RunAggregate, runErr error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return shoterrors.Wrap(err, shoterrors.ErrCodeStorageWrite, "creating report dir").
			WithContext("path", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return shoterrors.Wrap(err, shoterrors.ErrCodeStorageWrite, "creating report").
			WithContext("path", path)
	}
	if err := WriteJSON(f, agg, runErr); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return shoterrors.Wrap(err, shoterrors.ErrCodeStorageWrite, "closing report").
			WithContext("path", path)
	}
	return nil
}

func nonNil(items []orchestrator.ItemResult) []orchestrator.ItemResult {
	if items == nil {
		return []orchestrator.ItemResult{}
	}
	return items
}
