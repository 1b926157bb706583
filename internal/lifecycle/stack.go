// Package lifecycle tracks every mount, bind, and scratch directory a
// provisioning run acquires, and releases them in strict reverse order.
//
// The stack is the single source of truth for what the process currently
// holds. It is never reconstructed from /proc/mounts: handles are pushed only
// after the underlying acquisition succeeded, and popped only by ReleaseAll.
package lifecycle

import (
	"context"
	"os"
	"strings"

	"usbforge/internal/errors"
	"usbforge/internal/toolexec"
)

// Kind tags what a handle holds, which decides how it is released.
type Kind string

const (
	BindMount          Kind = "bind-mount"
	RecursiveBindMount Kind = "rbind-mount"
	LoopMount          Kind = "loop-mount"
	FilesystemMount    Kind = "fs-mount"
	Directory          Kind = "directory"
)

// Handle records one acquired resource with enough information to reverse the
// acquisition. Seq is a monotonic per-stack index used only to guarantee
// reverse-order release.
type Handle struct {
	Kind   Kind
	Target string
	Source string
	Seq    int
}

// Stack is the ordered ledger of acquired handles. Append-only during
// acquisition, drained strictly from the end by ReleaseAll. It is owned by a
// single run and is not safe for concurrent use.
type Stack struct {
	inv     toolexec.Invoker
	handles []Handle
}

func NewStack(inv toolexec.Invoker) *Stack {
	return &Stack{inv: inv}
}

func (s *Stack) push(kind Kind, source, target string) {
	s.handles = append(s.handles, Handle{
		Kind:   kind,
		Target: target,
		Source: source,
		Seq:    len(s.handles),
	})
}

// Len reports how many resources are currently held.
func (s *Stack) Len() int {
	return len(s.handles)
}

// Snapshot returns a copy of the ledger, oldest first, for diagnostics.
func (s *Stack) Snapshot() []Handle {
	out := make([]Handle, len(s.handles))
	copy(out, s.handles)
	return out
}

// Dir creates target (and missing parents) and records it for removal on
// unwind. Release only removes the leaf, and only when it is empty by then.
func (s *Stack) Dir(target string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return &errors.AcquireError{Kind: string(Directory), Target: target, Err: err}
	}
	s.push(Directory, "", target)
	return nil
}

// MountFilesystem mounts source on target with an explicit filesystem type.
func (s *Stack) MountFilesystem(ctx context.Context, source, target, fstype string, options ...string) error {
	args := []string{"-t", fstype}
	if len(options) > 0 {
		args = append(args, "-o", strings.Join(options, ","))
	}
	args = append(args, source, target)
	return s.mount(ctx, FilesystemMount, source, target, args)
}

// Bind attaches source at target without copying data.
func (s *Stack) Bind(ctx context.Context, source, target string) error {
	return s.mount(ctx, BindMount, source, target, []string{"--bind", source, target})
}

// RecursiveBind attaches source and everything mounted below it at target.
// Used for the pseudo-filesystems a chroot needs (/proc, /sys, /dev).
func (s *Stack) RecursiveBind(ctx context.Context, source, target string) error {
	return s.mount(ctx, RecursiveBindMount, source, target, []string{"--rbind", source, target})
}

// LoopMount mounts a disk image file on target through a loop device.
func (s *Stack) LoopMount(ctx context.Context, image, target string) error {
	return s.mount(ctx, LoopMount, image, target, []string{"-o", "loop", image, target})
}

func (s *Stack) mount(ctx context.Context, kind Kind, source, target string, args []string) error {
	if _, err := s.inv.Run(ctx, toolexec.Cmd{Name: "mount", Args: args}); err != nil {
		return &errors.AcquireError{Kind: string(kind), Target: target, Err: err}
	}
	s.push(kind, source, target)
	return nil
}

// ReleaseAll unwinds the stack, most-recently-acquired first. Every handle is
// attempted exactly once; a failed release is recorded and does not stop the
// unwind, because later mounts typically live inside earlier ones and skipping
// ahead would only cascade "target busy" failures. The stack is empty when
// ReleaseAll returns, regardless of how many releases failed. Calling it on an
// empty stack is a no-op.
func (s *Stack) ReleaseAll(ctx context.Context) []*errors.ReleaseError {
	// Unwind must proceed even when the run was cancelled.
	ctx = context.WithoutCancel(ctx)

	var failed []*errors.ReleaseError
	for i := len(s.handles) - 1; i >= 0; i-- {
		h := s.handles[i]
		if err := s.release(ctx, h); err != nil {
			failed = append(failed, &errors.ReleaseError{
				Kind:   string(h.Kind),
				Target: h.Target,
				Err:    err,
			})
		}
	}
	s.handles = s.handles[:0]
	return failed
}

func (s *Stack) release(ctx context.Context, h Handle) error {
	if h.Kind == Directory {
		return os.Remove(h.Target)
	}

	_, err := s.inv.Run(ctx, toolexec.Cmd{Name: "umount", Args: []string{h.Target}})
	if err == nil {
		return nil
	}
	// Lazy unmount detaches a busy target from the tree so the unwind can keep
	// going; report the original failure if even that does not work.
	if _, lazyErr := s.inv.Run(ctx, toolexec.Cmd{Name: "umount", Args: []string{"-l", h.Target}}); lazyErr == nil {
		return nil
	}
	return err
}
