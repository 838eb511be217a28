package main

import (
	"context"
	"errors"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
	"github.com/odvcencio/shotdiff/pkg/orchestrator"
	"github.com/odvcencio/shotdiff/pkg/status"
)

const (
	exitPassed      = 0
	exitNeedsReview = 1
	exitRunError    = 2
	exitInterrupted = 130
)

// errNeedsReview is returned when the run finished but some screenshots
// changed, were added or removed, or failed to capture.
var errNeedsReview = errors.New("screenshots need review")

type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func (e exitError) ExitCode() int {
	if e.code == 0 {
		return 1
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

func exitCodeForError(err error) int {
	if err == nil {
		return exitPassed
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	if errors.Is(err, context.Canceled) || shoterrors.IsCode(err, shoterrors.ErrCodeRunInterrupted) {
		return exitInterrupted
	}
	return exitRunError
}

// resultError maps a finished run onto the error main exits with.
func resultError(agg *orchestrator.RunAggregate, runErr error) error {
	if agg != nil && agg.Interrupted {
		reason := runErr
		if reason == nil {
			reason = shoterrors.New(shoterrors.ErrCodeRunInterrupted, "run interrupted")
		}
		return withExitCode(reason, exitInterrupted)
	}
	if runErr != nil {
		return withExitCode(runErr, exitCodeForError(runErr))
	}
	switch agg.Outcome(nil) {
	case status.StatePassed:
		return nil
	case status.StateFailed:
		return withExitCode(errNeedsReview, exitNeedsReview)
	default:
		return withExitCode(errors.New("run ended in an unknown state"), exitRunError)
	}
}

// silent reports whether main should not print err: the summary already
// explains why the run needs review.
func silent(err error) bool {
	return errors.Is(err, errNeedsReview)
}
