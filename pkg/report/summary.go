package report

import (
	"fmt"
	"time"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
	"github.com/odvcencio/shotdiff/pkg/orchestrator"
	"github.com/odvcencio/shotdiff/pkg/status"
)

// maxListed bounds how many items of one bucket the summary prints.
const maxListed = 20

// Description is the final status description of a run.
func Description(agg *orchestrator.RunAggregate, runErr error) string {
	desc := agg.Description()
	switch {
	case runErr != nil:
		structured, ok := shoterrors.As(runErr)
		if !ok {
			return "run failed: " + desc
		}
		return fmt.Sprintf("run failed (%s): %s", structured.Code, desc)
	case agg.Interrupted:
		return "interrupted: " + desc
	default:
		return desc
	}
}

// Summary prints the counts per bucket, the items that need review and the
// failures.
func Summary(w *Writer, agg *orchestrator.RunAggregate, runErr error) {
	counts := agg.Counts()
	w.Header(fmt.Sprintf("Screenshot run %s", agg.RunID))
	w.Println("  changed    %d", counts.Changed)
	w.Println("  added      %d", counts.Added)
	w.Println("  removed    %d", counts.Removed)
	w.Println("  unchanged  %d", counts.Unchanged)
	w.Println("  skipped    %d", counts.Skipped)
	w.Println("  failed     %d", counts.Failed)
	if !agg.CompletedAt.IsZero() {
		w.Dim("  took %s", agg.CompletedAt.Sub(agg.StartedAt).Round(time.Millisecond))
	}

	section(w, "Changed", agg.Changed, func(r orchestrator.ItemResult) string {
		line := r.Key()
		if r.Diff != nil {
			line += fmt.Sprintf(" (%d px, %.2f%%)", r.Diff.ChangedPixelCount, r.Diff.ChangedPixelFraction*100)
		}
		if r.RetryCount > 0 {
			line += fmt.Sprintf(" after %d retries", r.RetryCount)
		}
		return line
	})
	section(w, "Added", agg.Added, orchestrator.ItemResult.Key)
	section(w, "Removed", agg.Removed, orchestrator.ItemResult.Key)
	section(w, "Failures", agg.Failures, func(r orchestrator.ItemResult) string {
		return fmt.Sprintf("%s: %s", r.Key(), r.Error)
	})

	w.Println("")
	desc := Description(agg, runErr)
	switch agg.Outcome(runErr) {
	case status.StatePassed:
		w.Success("%s", desc)
	case status.StateFailed:
		w.Warn("%s", desc)
	default:
		w.Error("%s", desc)
	}
}

func section(w *Writer, title string, items []orchestrator.ItemResult, line func(orchestrator.ItemResult) string) {
	if len(items) == 0 {
		return
	}
	w.Println("")
	w.Info("%s (%d)", title, len(items))
	lines := make([]string, 0, min(len(items), maxListed))
	for i, item := range items {
		if i == maxListed {
			break
		}
		lines = append(lines, line(item))
	}
	w.List(lines)
	if len(items) > maxListed {
		w.Dim("  … and %d more", len(items)-maxListed)
	}
}
