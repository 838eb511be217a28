package main

import (
	"context"

	"github.com/odvcencio/shotdiff/pkg/orchestrator"
	"github.com/odvcencio/shotdiff/pkg/report"
	"github.com/odvcencio/shotdiff/pkg/storage"
)

const bucketFailed = "failed"

// historyRecord converts a finished run for the history database. Captured
// images are hashed so identical screenshots can be matched across runs.
func historyRecord(ctx context.Context, images storage.Storage, agg *orchestrator.RunAggregate, runErr error, commitSHA string) storage.RunRecord {
	counts := agg.Counts()
	record := storage.RunRecord{
		ID:          agg.RunID,
		StartedAt:   agg.StartedAt,
		FinishedAt:  agg.CompletedAt,
		State:       string(agg.Outcome(runErr)),
		Description: report.Description(agg, runErr),
		CommitSHA:   commitSHA,
		Changed:     counts.Changed,
		Added:       counts.Added,
		Removed:     counts.Removed,
		Unchanged:   counts.Unchanged,
		Skipped:     counts.Skipped,
		Failed:      counts.Failed,
	}
	for _, r := range agg.Results() {
		item := storage.RunItemRecord{
			PageID:     r.PageID,
			Alias:      r.Alias,
			Bucket:     string(r.Classification),
			RetryCount: r.RetryCount,
			ActualPath: r.ActualPath,
			ErrorCode:  r.ErrorCode,
		}
		if r.Error != "" || item.Bucket == "" {
			item.Bucket = bucketFailed
		}
		if r.Diff != nil {
			item.ChangedPixelCount = r.Diff.ChangedPixelCount
			item.ChangedPixelFraction = r.Diff.ChangedPixelFraction
		}
		if r.ActualPath != "" && images != nil {
			if data, err := images.ReadImage(ctx, r.ActualPath); err == nil {
				item.ActualSHA = storage.ContentHash(data)
			}
		}
		record.Items = append(record.Items, item)
	}
	return record
}
