// Package toolexec invokes the external provisioning tools (sgdisk, mkfs,
// mount, chroot, ...) and surfaces their exit status uniformly.
package toolexec

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"usbforge/internal/errors"
)

// Cmd describes one external tool invocation. Env entries are appended to the
// inherited environment; nothing is interpolated through a shell.
type Cmd struct {
	Name string
	Args []string
	Env  []string
	Dir  string
}

func (c Cmd) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result carries what the tool produced. ExitCode is -1 when the tool could
// not be started at all.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Invoker runs external tools. The single-method interface exists so the
// lifecycle stack and the install stages can be tested without touching the
// host.
type Invoker interface {
	Run(ctx context.Context, c Cmd) (Result, error)
}

// Exec is the production Invoker. If Log is set, every invocation and its
// stderr are appended to it (the run log surfaced by `usbforge logs`).
type Exec struct {
	Log io.Writer
}

func New(log io.Writer) *Exec {
	return &Exec{Log: log}
}

func (e *Exec) Run(ctx context.Context, c Cmd) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if e.Log != nil {
		fmt.Fprintf(e.Log, "$ %s\n", c.String())
	}

	runErr := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if runErr == nil {
		return res, nil
	}

	if e.Log != nil && res.Stderr != "" {
		fmt.Fprint(e.Log, res.Stderr)
	}

	var exitErr *exec.ExitError
	if stderrors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = -1
		res.Stderr = runErr.Error()
	}
	return res, &errors.ToolError{
		Command:  c.String(),
		ExitCode: res.ExitCode,
		Stderr:   strings.TrimSpace(res.Stderr),
	}
}

// Tolerate discards the error from a best-effort invocation, e.g. "partprobe
// may be missing" or "unmount if mounted".
func Tolerate(_ Result, _ error) {}
