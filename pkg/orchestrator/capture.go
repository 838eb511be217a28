package orchestrator

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
	"github.com/odvcencio/shotdiff/pkg/imaging"
	"github.com/odvcencio/shotdiff/pkg/logging"
	"github.com/odvcencio/shotdiff/pkg/telemetry"
)

// Comparer diffs a capture against its golden image. expected is nil when
// there is no baseline.
type Comparer interface {
	Compare(actual, expected image.Image, minChangedPixelCount int) *imaging.DiffResult
}

// pageCapturer is the part of a browser session the capture loop needs.
type pageCapturer interface {
	Capture(ctx context.Context, url string) ([]byte, error)
}

// processItem runs the capture-diff-retry loop for one item and classifies
// it. The retry budget is checked before the changed fraction on every
// iteration, so a persistently flaky item ends up "changed" after at most
// MaxRetries+1 attempts.
func (o *Orchestrator) processItem(ctx context.Context, rc *RunContext, capturer pageCapturer, sessionID string, item *WorkItem) error {
	logger := rc.Logger.WithItem(item.PageID, item.Alias)

	if err := item.advance(StateRunning); err != nil {
		return err
	}
	o.progress.startItem()

	golden, err := o.loadGolden(ctx, item)
	if err != nil {
		return err
	}

	var (
		last         *imaging.DiffResult
		lastFraction float64
	)
	for {
		if item.retryCount > item.Flake.MaxRetries || lastFraction > item.Flake.MaxChangedPixelFractionToRetry {
			break
		}
		if item.retryCount > 0 {
			if !o.waitRetry(ctx, rc, item.Flake.RetryDelay) {
				// Keep the last diff rather than discarding a finished attempt.
				if last != nil {
					break
				}
				return interrupted(item)
			}
		}
		if rc.KillRequested() {
			if last != nil {
				break
			}
			return interrupted(item)
		}

		diff, err := o.attempt(ctx, rc, capturer, sessionID, item, golden)
		if err != nil {
			var se *storeError
			if errors.As(err, &se) {
				// Artifacts on disk may mix two attempts.
				item.ActualPath, item.DiffPath = "", ""
				return se.err
			}
			if last == nil {
				return err
			}
			item.RetryErr = err
			logger.Warn("retry capture failed, keeping previous diff",
				slog.Int("retry", item.retryCount),
				slog.String("code", string(shoterrors.GetCode(err))),
				slog.String("error", err.Error()),
			)
			break
		}
		last = diff
		lastFraction = diff.ChangedPixelFraction
		if !diff.HasChanged {
			break
		}

		item.retryCount++
		recordRetry()
		logger.Info("diff looks flaky, retrying",
			slog.Int("retry", item.retryCount),
			slog.Int("changed_pixels", diff.ChangedPixelCount),
			slog.Float64("changed_fraction", diff.ChangedPixelFraction),
		)
		rc.publish(telemetry.EventItemRetried, sessionID, item.Alias, item.PageID, map[string]any{
			"retry":          item.retryCount,
			"changed_pixels": diff.ChangedPixelCount,
		})
	}

	item.Diff = last
	item.Classification = classify(golden != nil, last)
	if err := item.advance(StateDiffed); err != nil {
		return err
	}
	o.progress.finishItem()

	logger.Info("item diffed",
		slog.String("classification", string(item.Classification)),
		slog.Int("attempts", item.attempts),
		slog.Int("retries", item.retryCount),
	)
	rc.publish(telemetry.EventItemDiffed, sessionID, item.Alias, item.PageID, map[string]any{
		"classification": string(item.Classification),
		"retries":        item.retryCount,
	})
	rc.logEvent(logging.LevelInfo, logging.CategoryCapture, string(telemetry.EventItemDiffed), sessionID, item.Alias, item.PageID, string(item.Classification))
	return nil
}

// attempt captures, crops, diffs and stores one screenshot.
func (o *Orchestrator) attempt(ctx context.Context, rc *RunContext, capturer pageCapturer, sessionID string, item *WorkItem, golden *image.RGBA) (diff *imaging.DiffResult, err error) {
	ctx, span := startSpan(ctx, "attempt",
		attribute.String("page", item.PageID),
		attribute.String("alias", item.Alias),
		attribute.Int("retry", item.retryCount),
	)
	defer func() { endSpan(span, err) }()

	raw, err := capturer.Capture(ctx, item.URL)
	if err != nil {
		if shoterrors.IsCode(err, shoterrors.ErrCodeCaptureFailed) {
			return nil, err
		}
		return nil, shoterrors.Wrap(err, shoterrors.ErrCodeCaptureFailed, "capture failed").
			WithContext("url", item.URL)
	}

	img, err := imaging.Decode(raw)
	if err != nil {
		return nil, err
	}
	if o.opts.CropEnabled {
		cropped, err := imaging.AutoCrop(img)
		if err != nil {
			return nil, err
		}
		img = cropped
	}

	// A nil *image.RGBA must reach the comparer as a nil interface.
	var expected image.Image
	if golden != nil {
		expected = golden
	}
	diff = o.comparer.Compare(img, expected, item.Flake.MinChangedPixelCount)
	item.attempts++
	recordCaptureAttempt()

	if err := o.store(ctx, rc.RunID, item, img, diff); err != nil {
		return nil, &storeError{err: err}
	}
	span.SetAttributes(
		attribute.Int("changed_pixels", diff.ChangedPixelCount),
		attribute.Bool("has_changed", diff.HasChanged),
	)
	return diff, nil
}

// store persists the capture and, only when pixels changed, the diff image.
// The item's paths are updated once every write has succeeded.
func (o *Orchestrator) store(ctx context.Context, runID string, item *WorkItem, img image.Image, diff *imaging.DiffResult) error {
	dir := path.Join(runID, artifactName(item.PageID))

	data, err := imaging.EncodePNG(img)
	if err != nil {
		return err
	}
	actualPath := path.Join(dir, artifactName(item.Alias)+".png")
	if err := o.storage.WriteImage(ctx, actualPath, data); err != nil {
		return err
	}

	var diffPath string
	if diff.DiffImage != nil && diff.ChangedPixelCount > 0 {
		data, err = imaging.EncodePNG(diff.DiffImage)
		if err != nil {
			return err
		}
		diffPath = path.Join(dir, artifactName(item.Alias)+".diff.png")
		if err := o.storage.WriteImage(ctx, diffPath, data); err != nil {
			return err
		}
	}
	item.ActualPath, item.DiffPath = actualPath, diffPath
	return nil
}

// storeError marks a failure while persisting an attempt's images.
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }

func (e *storeError) Unwrap() error { return e.err }

func (o *Orchestrator) loadGolden(ctx context.Context, item *WorkItem) (*image.RGBA, error) {
	if item.GoldenPath == "" {
		return nil, nil
	}
	ok, err := o.storage.Exists(ctx, item.GoldenPath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	data, err := o.storage.ReadImage(ctx, item.GoldenPath)
	if err != nil {
		return nil, err
	}
	img, err := imaging.Decode(data)
	if err != nil {
		if structured, ok := shoterrors.As(err); ok {
			structured.WithContext("golden", item.GoldenPath)
		}
		return nil, err
	}
	return img, nil
}

// waitRetry sleeps the retry delay. It returns false when the run is
// canceled or killed first.
func (o *Orchestrator) waitRetry(ctx context.Context, rc *RunContext, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil && !rc.KillRequested()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-rc.Drain():
		return false
	}
}

func classify(hasGolden bool, diff *imaging.DiffResult) Classification {
	switch {
	case !hasGolden:
		return ClassAdded
	case diff != nil && diff.HasChanged:
		return ClassChanged
	default:
		return ClassUnchanged
	}
}

func interrupted(item *WorkItem) error {
	return shoterrors.New(shoterrors.ErrCodeRunInterrupted, "run interrupted before capture").
		WithContext("page", item.PageID).
		WithContext("alias", item.Alias)
}

// artifactName makes a page id or alias safe to use as one path segment.
func artifactName(s string) string {
	s = strings.Trim(s, "/")
	if s == "" {
		return "index"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '@':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.ReplaceAll(b.String(), "..", "__")
	if out == "." {
		return "_"
	}
	return out
}
