package model

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrNotEligible       = errors.New("not eligible")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotRunning        = errors.New("not running")
	ErrInvalidCount      = errors.New("subprocess count must be at least 1")

	// ErrCancelRequested is the cancellation cause of an operator cancel. A
	// context cancelled with any other cause is a host shutdown.
	ErrCancelRequested = errors.New("cancel requested")
)

// UnsupportedTypeError is returned for a process type without a registered
// step runner.
type UnsupportedTypeError struct {
	Type ProcessType
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported process type %q", string(e.Type))
}

// StepError is a failure of a step's work.
type StepError struct {
	Subprocess string
	Step       string
	Err        error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Subprocess, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// IsCancelRequested reports whether ctx was cancelled by an operator.
func IsCancelRequested(ctx context.Context) bool {
	return ctx.Err() != nil && errors.Is(context.Cause(ctx), ErrCancelRequested)
}
