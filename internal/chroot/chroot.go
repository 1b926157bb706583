// Package chroot prepares a directory tree for chrooted tool execution and
// runs commands inside it with explicit argument lists. No shell is generated
// and no script is copied into the tree.
package chroot

import (
	"context"
	"os"
	"path/filepath"

	"usbforge/internal/lifecycle"
	"usbforge/internal/toolexec"
	"usbforge/internal/util"
)

// Enter acquires, on the given stack, everything a chroot at root needs:
// the root bound onto itself (package managers insist on a real mountpoint)
// and the pseudo-filesystems recursively bound underneath. It also copies the
// host resolver configuration so networked tools work inside.
func Enter(ctx context.Context, stack *lifecycle.Stack, root string) error {
	if err := stack.Bind(ctx, root, root); err != nil {
		return err
	}

	for _, pseudo := range []string{"proc", "sys", "dev"} {
		target := filepath.Join(root, pseudo)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
		if err := stack.RecursiveBind(ctx, "/"+pseudo, target); err != nil {
			return err
		}
	}

	etc := filepath.Join(root, "etc")
	if err := os.MkdirAll(etc, 0o755); err != nil {
		return err
	}
	return util.CopyFile("/etc/resolv.conf", filepath.Join(etc, "resolv.conf"), 0o644)
}

// Run executes one command inside the chroot at root.
func Run(ctx context.Context, inv toolexec.Invoker, root string, argv ...string) error {
	_, err := inv.Run(ctx, toolexec.Cmd{Name: "chroot", Args: append([]string{root}, argv...)})
	return err
}
