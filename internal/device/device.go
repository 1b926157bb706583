// Package device holds the block-device side of an install: start-up safety
// checks on the target, GPT partitioning, filesystem creation, and UUID
// lookups.
package device

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/c2h5oh/datasize"

	"usbforge/internal/errors"
	"usbforge/internal/toolexec"
)

const procMounts = "/proc/mounts"

// CheckTarget verifies that path is a sane device to destroy: it must exist,
// be a block device, not back the running system's root filesystem, and have
// nothing mounted from it. These are advisory preconditions, not locks; they
// run before any resource is acquired.
var CheckTarget = func(ctx context.Context, inv toolexec.Invoker, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &errors.PreconditionError{Reason: fmt.Sprintf("target %q: %v", path, err)}
	}
	if info.Mode()&os.ModeDevice == 0 || info.Mode()&os.ModeCharDevice != 0 {
		return &errors.PreconditionError{Reason: fmt.Sprintf("target %q is not a block device", path)}
	}

	res, err := inv.Run(ctx, toolexec.Cmd{Name: "findmnt", Args: []string{"-n", "-o", "SOURCE", "/"}})
	if err != nil {
		return &errors.PreconditionError{Reason: fmt.Sprintf("cannot determine the host root device: %v", err)}
	}
	rootSource := strings.TrimSpace(res.Stdout)
	if rootSource == path || isPartitionOf(rootSource, path) {
		return &errors.PreconditionError{Reason: fmt.Sprintf("target %q backs the running system's root filesystem", path)}
	}

	f, err := os.Open(procMounts)
	if err != nil {
		return &errors.PreconditionError{Reason: fmt.Sprintf("cannot read %s: %v", procMounts, err)}
	}
	defer f.Close()
	if mounted := mountedFrom(f, path); len(mounted) > 0 {
		return &errors.PreconditionError{
			Reason: fmt.Sprintf("target %q is mounted at %s; unmount it first", path, strings.Join(mounted, ", ")),
		}
	}
	return nil
}

// mountedFrom returns the mountpoints whose source device is dev or one of its
// partitions. Matching is on the device field, never on a path substring: a
// mount of /dev/sda1 must not match a target of /dev/sd.
func mountedFrom(r io.Reader, dev string) []string {
	var mountpoints []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		source := fields[0]
		if source == dev || isPartitionOf(source, dev) {
			mountpoints = append(mountpoints, fields[1])
		}
	}
	return mountpoints
}

// isPartitionOf reports whether candidate names a partition of dev, accepting
// both the sdb1 and nvme0n1p1 naming schemes. Devices whose name ends in a
// digit take a mandatory "p" infix, so /dev/loop12 is not a partition of
// /dev/loop1 and /dev/nvme0n12 is not one of /dev/nvme0n1.
func isPartitionOf(candidate, dev string) bool {
	rest, ok := strings.CutPrefix(candidate, dev)
	if !ok || rest == "" {
		return false
	}
	if unicode.IsDigit(rune(dev[len(dev)-1])) {
		rest, ok = strings.CutPrefix(rest, "p")
		if !ok {
			return false
		}
	}
	for _, r := range rest {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return rest != ""
}

// PartitionPath returns the path of partition n on dev. Devices whose name
// ends in a digit (nvme0n1, mmcblk0, loop7) take a "p" infix.
func PartitionPath(dev string, n int) string {
	if len(dev) > 0 && unicode.IsDigit(rune(dev[len(dev)-1])) {
		return fmt.Sprintf("%sp%d", dev, n)
	}
	return fmt.Sprintf("%s%d", dev, n)
}

// Partition wipes dev and writes the fixed GPT layout: an EFI system
// partition of espSize followed by a root partition filling the rest.
func Partition(ctx context.Context, inv toolexec.Invoker, dev string, espSize datasize.ByteSize) error {
	if _, err := inv.Run(ctx, toolexec.Cmd{Name: "sgdisk", Args: []string{"--zap-all", dev}}); err != nil {
		return err
	}
	esp := fmt.Sprintf("1:1M:+%dM", espSize.Bytes()/datasize.MB.Bytes())
	if _, err := inv.Run(ctx, toolexec.Cmd{Name: "sgdisk", Args: []string{"-n", esp, "-t", "1:ef00", "-c", "1:EFI", dev}}); err != nil {
		return err
	}
	if _, err := inv.Run(ctx, toolexec.Cmd{Name: "sgdisk", Args: []string{"-n", "2:0:0", "-t", "2:8300", "-c", "2:root", dev}}); err != nil {
		return err
	}

	// Give the kernel a chance to pick up the new table before mkfs looks for
	// the partition nodes. Both calls are best-effort.
	toolexec.Tolerate(inv.Run(ctx, toolexec.Cmd{Name: "partprobe", Args: []string{dev}}))
	toolexec.Tolerate(inv.Run(ctx, toolexec.Cmd{Name: "udevadm", Args: []string{"settle"}}))
	return nil
}

// Format creates the filesystems for the layout written by Partition.
func Format(ctx context.Context, inv toolexec.Invoker, dev, rootLabel string) error {
	if _, err := inv.Run(ctx, toolexec.Cmd{Name: "mkfs.vfat", Args: []string{"-F", "32", "-n", "EFI", PartitionPath(dev, 1)}}); err != nil {
		return err
	}
	if _, err := inv.Run(ctx, toolexec.Cmd{Name: "mkfs.ext4", Args: []string{"-F", "-L", rootLabel, PartitionPath(dev, 2)}}); err != nil {
		return err
	}
	return nil
}

// UUID reads back the filesystem UUID of a partition, for fstab generation.
func UUID(ctx context.Context, inv toolexec.Invoker, partition string) (string, error) {
	res, err := inv.Run(ctx, toolexec.Cmd{Name: "blkid", Args: []string{"-s", "UUID", "-o", "value", partition}})
	if err != nil {
		return "", err
	}
	uuid := strings.TrimSpace(res.Stdout)
	if uuid == "" {
		return "", fmt.Errorf("blkid returned no UUID for %s", partition)
	}
	return uuid, nil
}
