// Package runner executes a fixed, ordered sequence of provisioning stages
// against one lifecycle stack, and guarantees the stack is fully unwound on
// every exit path.
package runner

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/fatih/color"

	"usbforge/internal/errors"
	"usbforge/internal/lifecycle"
)

// Stage is one named unit of work. Its function may acquire resources through
// the shared stack and invoke external tools; it must not spawn work that
// outlives its return.
type Stage struct {
	Name string
	Run  func(ctx context.Context, stack *lifecycle.Stack) error
}

// StageError wraps a stage failure with the stage name preserved. Releases
// carries any unwind failures that followed the stage failure, so a caller
// can tell whether the host was left clean.
type StageError struct {
	Stage    string
	Err      error
	Releases []*errors.ReleaseError
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Run executes the stages strictly in order. The first failure halts forward
// progress; no stage is retried or reordered. Whatever the outcome, every
// resource on the stack is released before Run returns. Cancellation is
// observed at stage boundaries only: an external tool call is a single atomic
// unit of blocking work.
//
// Release failures during unwind are warnings while the run itself failed (the
// stage error is the one that matters); on an otherwise successful run they
// become a CleanupError, because a leaked mount must not look like success.
func Run(ctx context.Context, stack *lifecycle.Stack, stages []Stage) (err error) {
	defer func() {
		failures := stack.ReleaseAll(ctx)
		for _, f := range failures {
			color.Yellow("! %v", f)
		}
		if len(failures) == 0 {
			return
		}
		if err == nil {
			err = &errors.CleanupError{Releases: failures}
			return
		}
		var stageErr *StageError
		if stderrors.As(err, &stageErr) {
			stageErr.Releases = failures
		}
	}()

	for _, stage := range stages {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &StageError{Stage: stage.Name, Err: ctxErr}
		}
		color.Cyan("i Stage: %s", stage.Name)
		if stageErr := stage.Run(ctx, stack); stageErr != nil {
			return &StageError{Stage: stage.Name, Err: stageErr}
		}
	}
	return nil
}
