package distro

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"usbforge/internal/chroot"
	"usbforge/internal/device"
	"usbforge/internal/downloader"
	"usbforge/internal/lifecycle"
	"usbforge/internal/runner"
	"usbforge/internal/sshkey"
	"usbforge/internal/toolexec"
)

// rootLabel is the ext4 label stamped on the root partition so the installed
// system is recognizable in lsblk output.
const rootLabel = "usbforge-root"

// Function seams for the cmd tests.
var (
	fetchArchive = func(ctx context.Context, f *downloader.Fetcher, kind, url, checksumURL string) (string, error) {
		return f.Fetch(ctx, kind, url, checksumURL)
	}
	extractArchive = downloader.Extract
	seedHostKeys   = func(sshDir string) error { return sshkey.Seed(sshDir) }
)

// Install binds a recipe to one provisioning run. The stage closures share
// state (the downloaded archive path) through the struct; the lifecycle stack
// they acquire on is owned by the runner.
type Install struct {
	inv     toolexec.Invoker
	fetcher *downloader.Fetcher
	recipe  Recipe
	opts    Options

	archivePath string
	target      string
	bootstrap   string
}

func NewInstall(inv toolexec.Invoker, fetcher *downloader.Fetcher, recipe Recipe, opts Options) *Install {
	return &Install{
		inv:       inv,
		fetcher:   fetcher,
		recipe:    recipe,
		opts:      opts,
		target:    filepath.Join(opts.WorkDir, "target"),
		bootstrap: filepath.Join(opts.WorkDir, "bootstrap"),
	}
}

// Stages returns the fixed, ordered stage list for this run. The caller hands
// it to runner.Run; nothing here executes yet.
func (in *Install) Stages() []runner.Stage {
	switch in.recipe.Name {
	case "arch":
		return in.archStages()
	default:
		return in.alpineStages()
	}
}

func (in *Install) archStages() []runner.Stage {
	return []runner.Stage{
		{Name: "download", Run: in.download},
		{Name: "partition", Run: in.partition},
		{Name: "format", Run: in.format},
		{Name: "mount-target", Run: in.mountTarget},
		{Name: "extract-bootstrap", Run: in.extractBootstrap},
		{Name: "bind-bootstrap", Run: in.bindBootstrap},
		{Name: "populate", Run: in.populateArch},
		{Name: "configure", Run: in.configureArch},
		{Name: "seed-ssh-hostkeys", Run: in.seedSSH},
	}
}

func (in *Install) alpineStages() []runner.Stage {
	return []runner.Stage{
		{Name: "download", Run: in.download},
		{Name: "partition", Run: in.partition},
		{Name: "format", Run: in.format},
		{Name: "mount-target", Run: in.mountTarget},
		{Name: "extract-rootfs", Run: in.extractRootfs},
		{Name: "bind-chroot", Run: in.bindChroot},
		{Name: "populate", Run: in.populateAlpine},
		{Name: "configure", Run: in.configureAlpine},
		{Name: "seed-ssh-hostkeys", Run: in.seedSSH},
	}
}

func (in *Install) download(ctx context.Context, _ *lifecycle.Stack) error {
	url := in.opts.ArchiveURL
	if url == "" {
		url = in.recipe.ArchiveURL(in.opts.Mirror)
	}
	checksumURL := in.opts.ChecksumURL
	if checksumURL == "" {
		checksumURL = in.recipe.ChecksumURL(in.opts.Mirror)
	}

	path, err := fetchArchive(ctx, in.fetcher, in.recipe.ArchiveKind, url, checksumURL)
	if err != nil {
		return err
	}
	in.archivePath = path
	return nil
}

func (in *Install) partition(ctx context.Context, _ *lifecycle.Stack) error {
	return device.Partition(ctx, in.inv, in.opts.Device, in.opts.ESPSize)
}

func (in *Install) format(ctx context.Context, _ *lifecycle.Stack) error {
	return device.Format(ctx, in.inv, in.opts.Device, rootLabel)
}

// mountTarget mounts the freshly formatted partitions under the workspace.
// The mountpoint directories live inside the per-run work directory, which the
// caller removes after the unwind, so they are not tracked on the stack.
func (in *Install) mountTarget(ctx context.Context, stack *lifecycle.Stack) error {
	if err := os.MkdirAll(in.target, 0o755); err != nil {
		return err
	}
	root := device.PartitionPath(in.opts.Device, 2)
	if err := stack.MountFilesystem(ctx, root, in.target, "ext4"); err != nil {
		return err
	}

	bootDir := filepath.Join(in.target, "boot")
	if err := os.MkdirAll(bootDir, 0o755); err != nil {
		return err
	}
	esp := device.PartitionPath(in.opts.Device, 1)
	return stack.MountFilesystem(ctx, esp, bootDir, "vfat")
}

func (in *Install) extractBootstrap(_ context.Context, _ *lifecycle.Stack) error {
	if err := os.MkdirAll(in.bootstrap, 0o755); err != nil {
		return err
	}
	return extractArchive(in.archivePath, in.bootstrap, in.recipe.Strip)
}

func (in *Install) extractRootfs(_ context.Context, _ *lifecycle.Stack) error {
	return extractArchive(in.archivePath, in.target, in.recipe.Strip)
}

// bindBootstrap turns the extracted bootstrap into a working chroot and makes
// the target filesystem visible inside it at /mnt, where pacstrap expects it.
func (in *Install) bindBootstrap(ctx context.Context, stack *lifecycle.Stack) error {
	if err := chroot.Enter(ctx, stack, in.bootstrap); err != nil {
		return err
	}

	mnt := filepath.Join(in.bootstrap, "mnt")
	if err := os.MkdirAll(mnt, 0o755); err != nil {
		return err
	}
	if err := stack.Bind(ctx, in.target, mnt); err != nil {
		return err
	}

	if in.opts.SharePackageCache {
		hostCache := filepath.Join(in.opts.PackageCacheDir, "pacman")
		if err := os.MkdirAll(hostCache, 0o755); err != nil {
			return err
		}
		pkgDir := filepath.Join(in.bootstrap, "var", "cache", "pacman", "pkg")
		if err := os.MkdirAll(pkgDir, 0o755); err != nil {
			return err
		}
		return stack.Bind(ctx, hostCache, pkgDir)
	}
	return nil
}

func (in *Install) bindChroot(ctx context.Context, stack *lifecycle.Stack) error {
	if err := chroot.Enter(ctx, stack, in.target); err != nil {
		return err
	}

	if in.opts.SharePackageCache {
		hostCache := filepath.Join(in.opts.PackageCacheDir, "apk")
		if err := os.MkdirAll(hostCache, 0o755); err != nil {
			return err
		}
		apkCache := filepath.Join(in.target, "var", "cache", "apk")
		if err := os.MkdirAll(apkCache, 0o755); err != nil {
			return err
		}
		return stack.Bind(ctx, hostCache, apkCache)
	}
	return nil
}

func (in *Install) populateArch(ctx context.Context, _ *lifecycle.Stack) error {
	mirrorlist := fmt.Sprintf("Server = %s/$repo/os/$arch\n", in.opts.Mirror)
	if err := writeTree(in.bootstrap, "etc/pacman.d/mirrorlist", mirrorlist); err != nil {
		return err
	}

	steps := [][]string{
		{"pacman-key", "--init"},
		{"pacman-key", "--populate", "archlinux"},
	}
	pacstrap := []string{"pacstrap"}
	if in.opts.SharePackageCache {
		pacstrap = append(pacstrap, "-c")
	}
	pacstrap = append(pacstrap, "/mnt")
	pacstrap = append(pacstrap, in.recipe.Packages...)
	steps = append(steps, pacstrap)

	for _, argv := range steps {
		if err := chroot.Run(ctx, in.inv, in.bootstrap, argv...); err != nil {
			return err
		}
	}
	return nil
}

func (in *Install) populateAlpine(ctx context.Context, _ *lifecycle.Stack) error {
	repos := fmt.Sprintf("%s/main\n%s/community\n",
		"https://dl-cdn.alpinelinux.org/alpine/v3.20", "https://dl-cdn.alpinelinux.org/alpine/v3.20")
	if err := writeTree(in.target, "etc/apk/repositories", repos); err != nil {
		return err
	}

	if err := chroot.Run(ctx, in.inv, in.target, "apk", "update"); err != nil {
		return err
	}
	argv := append([]string{"apk", "add", "--no-progress"}, in.recipe.Packages...)
	return chroot.Run(ctx, in.inv, in.target, argv...)
}

// configureArch writes the static configuration straight into the mounted
// tree and runs the steps that must happen inside the chroot, each with an
// explicit argument list. pacstrap populated the target through the
// bootstrap's /mnt; configuration chroots into the target itself.
func (in *Install) configureArch(ctx context.Context, stack *lifecycle.Stack) error {
	if err := chroot.Enter(ctx, stack, in.target); err != nil {
		return err
	}
	if err := in.writeFstab(ctx); err != nil {
		return err
	}
	files := map[string]string{
		"etc/hostname":      in.opts.Hostname + "\n",
		"etc/vconsole.conf": "KEYMAP=" + in.opts.Keymap + "\n",
		"etc/locale.gen":    in.opts.Locale + " UTF-8\n",
		"etc/locale.conf":   "LANG=" + in.opts.Locale + "\n",
	}
	for name, content := range files {
		if err := writeTree(in.target, name, content); err != nil {
			return err
		}
	}

	steps := [][]string{
		{"ln", "-sfn", "/usr/share/zoneinfo/" + in.opts.Timezone, "/etc/localtime"},
		{"locale-gen"},
		{"useradd", "-m", "-G", "wheel", "-s", "/bin/bash", in.opts.Username},
		{"passwd", "-d", in.opts.Username},
		{"chage", "-d", "0", in.opts.Username},
		{"passwd", "-l", "root"},
		{"systemctl", "enable", "NetworkManager", "sshd"},
		{"grub-install", "--target=x86_64-efi", "--efi-directory=/boot", "--bootloader-id=usbforge", "--removable", "--recheck"},
		{"grub-mkconfig", "-o", "/boot/grub/grub.cfg"},
	}
	for _, argv := range steps {
		if err := chroot.Run(ctx, in.inv, in.target, argv...); err != nil {
			return err
		}
	}
	return nil
}

func (in *Install) configureAlpine(ctx context.Context, _ *lifecycle.Stack) error {
	if err := in.writeFstab(ctx); err != nil {
		return err
	}
	if err := writeTree(in.target, "etc/hostname", in.opts.Hostname+"\n"); err != nil {
		return err
	}

	steps := [][]string{
		{"ln", "-sf", "/usr/share/zoneinfo/" + in.opts.Timezone, "/etc/localtime"},
		{"adduser", "-D", "-s", "/bin/ash", in.opts.Username},
		{"passwd", "-u", in.opts.Username},
		{"passwd", "-l", "root"},
		{"rc-update", "add", "networking", "boot"},
		{"rc-update", "add", "sshd", "default"},
		{"grub-install", "--target=x86_64-efi", "--efi-directory=/boot", "--bootloader-id=usbforge", "--removable", "--recheck"},
		{"grub-mkconfig", "-o", "/boot/grub/grub.cfg"},
	}
	for _, argv := range steps {
		if err := chroot.Run(ctx, in.inv, in.target, argv...); err != nil {
			return err
		}
	}
	return nil
}

func (in *Install) seedSSH(_ context.Context, _ *lifecycle.Stack) error {
	return seedHostKeys(filepath.Join(in.target, "etc", "ssh"))
}

func (in *Install) writeFstab(ctx context.Context) error {
	rootUUID, err := device.UUID(ctx, in.inv, device.PartitionPath(in.opts.Device, 2))
	if err != nil {
		return err
	}
	espUUID, err := device.UUID(ctx, in.inv, device.PartitionPath(in.opts.Device, 1))
	if err != nil {
		return err
	}
	fstab := fmt.Sprintf(
		"UUID=%s / ext4 rw,relatime 0 1\nUUID=%s /boot vfat rw,umask=0077 0 2\n",
		rootUUID, espUUID,
	)
	return writeTree(in.target, "etc/fstab", fstab)
}

func writeTree(root, name, content string) error {
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
