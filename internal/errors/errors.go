package errors

import (
	stderrors "errors"
	"fmt"
)

// Process exit codes. Automated callers rely on these staying distinguishable,
// so new codes go at the end.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitPrecondition = 2
	ExitUserAbort    = 3
	ExitTool         = 4
	ExitAcquire      = 5
	ExitCleanup      = 6
)

type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("operation %q failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func E(op string, err error) error {
	return &Error{Op: op, Err: err}
}

// PreconditionError means the run was refused before any resource was acquired:
// bad arguments, missing external tools, or an unsafe target device.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed: %s", e.Reason)
}

// UserAbortError means the operator did not type the exact confirmation phrase.
type UserAbortError struct {
	Phrase string
}

func (e *UserAbortError) Error() string {
	return fmt.Sprintf("aborted: confirmation phrase %q not entered", e.Phrase)
}

// ToolError is a non-zero exit from an invoked external tool.
type ToolError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command failed: %s (exit %d)", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("command failed: %s (exit %d)\n%s", e.Command, e.ExitCode, e.Stderr)
}

// AcquireError is a failed resource acquisition (mount, bind, directory).
// It unwinds exactly like a tool failure but names the resource.
type AcquireError struct {
	Kind   string
	Target string
	Err    error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("failed to acquire %s %q: %v", e.Kind, e.Target, e.Err)
}

func (e *AcquireError) Unwrap() error {
	return e.Err
}

// ReleaseError is a failed release during unwind. Never fatal on its own; the
// unwind keeps going and the failures are collected.
type ReleaseError struct {
	Kind   string
	Target string
	Err    error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("failed to release %s %q: %v", e.Kind, e.Target, e.Err)
}

func (e *ReleaseError) Unwrap() error {
	return e.Err
}

// CleanupError reports that a run finished but one or more releases never
// succeeded. A leaked mount is a host-hygiene hazard, so this still makes the
// process exit non-zero.
type CleanupError struct {
	Releases []*ReleaseError
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup incomplete: %d resource(s) not released", len(e.Releases))
}

// ExitCode maps an error to the process exit status. Acquisition failures are
// checked before tool failures because an AcquireError usually wraps the
// ToolError of the underlying mount call.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var precondition *PreconditionError
	if stderrors.As(err, &precondition) {
		return ExitPrecondition
	}
	var abort *UserAbortError
	if stderrors.As(err, &abort) {
		return ExitUserAbort
	}
	var acquire *AcquireError
	if stderrors.As(err, &acquire) {
		return ExitAcquire
	}
	var tool *ToolError
	if stderrors.As(err, &tool) {
		return ExitTool
	}
	var cleanup *CleanupError
	if stderrors.As(err, &cleanup) {
		return ExitCleanup
	}
	return ExitFailure
}
