package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
)

// RunRecord summarizes one finished run.
type RunRecord struct {
	ID          string          `json:"id"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
	State       string          `json:"state"`
	Description string          `json:"description"`
	CommitSHA   string          `json:"commit_sha"`
	Changed     int             `json:"changed"`
	Added       int             `json:"added"`
	Removed     int             `json:"removed"`
	Unchanged   int             `json:"unchanged"`
	Skipped     int             `json:"skipped"`
	Failed      int             `json:"failed"`
	Items       []RunItemRecord `json:"items,omitempty"`
}

// RunItemRecord is one (page, alias) outcome within a run.
type RunItemRecord struct {
	PageID               string  `json:"page_id"`
	Alias                string  `json:"alias"`
	Bucket               string  `json:"bucket"`
	RetryCount           int     `json:"retry_count"`
	ChangedPixelCount    int     `json:"changed_pixel_count"`
	ChangedPixelFraction float64 `json:"changed_pixel_fraction"`
	ActualPath           string  `json:"actual_path"`
	ActualSHA            string  `json:"actual_sha"`
	ErrorCode            string  `json:"error_code"`
}

// FlakyItem aggregates retries for one (page, alias) across runs.
type FlakyItem struct {
	PageID       string    `json:"page_id"`
	Alias        string    `json:"alias"`
	Runs         int       `json:"runs"`
	TotalRetries int       `json:"total_retries"`
	LastSeen     time.Time `json:"last_seen"`
}

const busyRetries = 3

// SaveRun stores a run and its items in one transaction, replacing any
// earlier record with the same id.
func (s *HistoryStore) SaveRun(ctx context.Context, run RunRecord) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = s.saveRunOnce(ctx, run)
		if !isBusyError(err) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	if err != nil {
		return shoterrors.Wrap(err, shoterrors.ErrCodeStorageWrite, "saving run history").
			WithContext("run_id", run.ID)
	}
	return nil
}

func (s *HistoryStore) saveRunOnce(ctx context.Context, run RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, run.ID); err != nil {
		return fmt.Errorf("delete previous run: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, started_at_ms, finished_at_ms, state, description, commit_sha,
			changed, added, removed, unchanged, skipped, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UnixMilli(), unixMilliOrZero(run.FinishedAt), run.State, run.Description, run.CommitSHA,
		run.Changed, run.Added, run.Removed, run.Unchanged, run.Skipped, run.Failed,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_items (run_id, page_id, alias, bucket, retry_count, changed_pixel_count,
			changed_pixel_fraction, actual_path, actual_sha, error_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare item insert: %w", err)
	}
	defer stmt.Close()

	for _, item := range run.Items {
		if _, err := stmt.ExecContext(ctx,
			run.ID, item.PageID, item.Alias, item.Bucket, item.RetryCount, item.ChangedPixelCount,
			item.ChangedPixelFraction, item.ActualPath, item.ActualSHA, item.ErrorCode,
		); err != nil {
			return fmt.Errorf("insert item %s/%s: %w", item.PageID, item.Alias, err)
		}
	}
	return tx.Commit()
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// RecentRuns returns the newest runs first, without their items.
func (s *HistoryStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at_ms, finished_at_ms, state, description, commit_sha,
			changed, added, removed, unchanged, skipped, failed
		FROM runs
		ORDER BY started_at_ms DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, shoterrors.Wrap(err, shoterrors.ErrCodeStorageRead, "querying runs")
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, finished int64
		if err := rows.Scan(&r.ID, &started, &finished, &r.State, &r.Description, &r.CommitSHA,
			&r.Changed, &r.Added, &r.Removed, &r.Unchanged, &r.Skipped, &r.Failed); err != nil {
			return nil, shoterrors.Wrap(err, shoterrors.ErrCodeStorageCorrupt, "scanning run")
		}
		r.StartedAt = timeFromMilli(started)
		r.FinishedAt = timeFromMilli(finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunItems returns the items of one run ordered by page and alias.
func (s *HistoryStore) RunItems(ctx context.Context, runID string) ([]RunItemRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT page_id, alias, bucket, retry_count, changed_pixel_count, changed_pixel_fraction,
			actual_path, actual_sha, error_code
		FROM run_items
		WHERE run_id = ?
		ORDER BY page_id, alias`, runID)
	if err != nil {
		return nil, shoterrors.Wrap(err, shoterrors.ErrCodeStorageRead, "querying run items")
	}
	defer rows.Close()

	var items []RunItemRecord
	for rows.Next() {
		var it RunItemRecord
		if err := rows.Scan(&it.PageID, &it.Alias, &it.Bucket, &it.RetryCount, &it.ChangedPixelCount,
			&it.ChangedPixelFraction, &it.ActualPath, &it.ActualSHA, &it.ErrorCode); err != nil {
			return nil, shoterrors.Wrap(err, shoterrors.ErrCodeStorageCorrupt, "scanning run item")
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// FlakyItems lists (page, alias) pairs that needed at least minRetries
// retries in some run, most retried first.
func (s *HistoryStore) FlakyItems(ctx context.Context, minRetries, limit int) ([]FlakyItem, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	if minRetries < 1 {
		minRetries = 1
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ri.page_id, ri.alias, COUNT(*), SUM(ri.retry_count), MAX(r.started_at_ms)
		FROM run_items ri
		JOIN runs r ON r.id = ri.run_id
		WHERE ri.retry_count >= ?
		GROUP BY ri.page_id, ri.alias
		ORDER BY SUM(ri.retry_count) DESC, ri.page_id, ri.alias
		LIMIT ?`, minRetries, limit)
	if err != nil {
		return nil, shoterrors.Wrap(err, shoterrors.ErrCodeStorageRead, "querying flaky items")
	}
	defer rows.Close()

	var out []FlakyItem
	for rows.Next() {
		var f FlakyItem
		var last sql.NullInt64
		if err := rows.Scan(&f.PageID, &f.Alias, &f.Runs, &f.TotalRetries, &last); err != nil {
			return nil, shoterrors.Wrap(err, shoterrors.ErrCodeStorageCorrupt, "scanning flaky item")
		}
		f.LastSeen = timeFromMilli(last.Int64)
		out = append(out, f)
	}
	return out, rows.Err()
}
