package distro

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usbforge/internal/downloader"
	"usbforge/internal/lifecycle"
	"usbforge/internal/runner"
	"usbforge/internal/toolexec"
)

var (
	origFetchArchive   = fetchArchive
	origExtractArchive = extractArchive
	origSeedHostKeys   = seedHostKeys
)

func TestMain(m *testing.M) {
	code := m.Run()
	fetchArchive = origFetchArchive
	extractArchive = origExtractArchive
	seedHostKeys = origSeedHostKeys
	os.Exit(code)
}

type fakeInvoker struct {
	calls  []string
	stdout map[string]string
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{stdout: make(map[string]string)}
}

func (f *fakeInvoker) Run(_ context.Context, c toolexec.Cmd) (toolexec.Result, error) {
	key := c.String()
	f.calls = append(f.calls, key)
	return toolexec.Result{Stdout: f.stdout[key]}, nil
}

func stageNames(stages []runner.Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	return names
}

func testOptions(t *testing.T, device string) Options {
	t.Helper()
	return Options{
		Device:   device,
		Hostname: "portable",
		Username: "carol",
		Timezone: "Europe/Rome",
		Locale:   "en_US.UTF-8",
		Keymap:   "us",
		ESPSize:  512 * datasize.MB,
		Mirror:   "https://geo.mirror.pkgbuild.com",
		WorkDir:  filepath.Join(t.TempDir(), "run"),
	}
}

func TestArchStageOrder(t *testing.T) {
	r, err := Get("arch")
	require.NoError(t, err)
	in := NewInstall(newFakeInvoker(), nil, r, testOptions(t, "/dev/sdb"))

	assert.Equal(t, []string{
		"download", "partition", "format", "mount-target",
		"extract-bootstrap", "bind-bootstrap", "populate",
		"configure", "seed-ssh-hostkeys",
	}, stageNames(in.Stages()))
}

func TestAlpineStageOrder(t *testing.T) {
	r, err := Get("alpine")
	require.NoError(t, err)
	in := NewInstall(newFakeInvoker(), nil, r, testOptions(t, "/dev/sdb"))

	assert.Equal(t, []string{
		"download", "partition", "format", "mount-target",
		"extract-rootfs", "bind-chroot", "populate",
		"configure", "seed-ssh-hostkeys",
	}, stageNames(in.Stages()))
}

func TestArchInstallRun(t *testing.T) {
	inv := newFakeInvoker()
	inv.stdout["blkid -s UUID -o value /dev/sdb2"] = "1111-root\n"
	inv.stdout["blkid -s UUID -o value /dev/sdb1"] = "2222-ESP\n"
	inv.stdout["findmnt -n -o SOURCE /"] = "/dev/nvme0n1p2\n"

	var fetchedURL, fetchedKind string
	fetchArchive = func(_ context.Context, _ *downloader.Fetcher, kind, url, _ string) (string, error) {
		fetchedKind, fetchedURL = kind, url
		return "/var/cache/usbforge/bootstrap/archlinux-bootstrap-x86_64.tar.zst", nil
	}
	var extractedTo string
	var extractedStrip int
	extractArchive = func(_ string, dest string, strip int) error {
		extractedTo, extractedStrip = dest, strip
		return nil
	}
	var seededDir string
	seedHostKeys = func(sshDir string) error {
		seededDir = sshDir
		return nil
	}

	r, err := Get("arch")
	require.NoError(t, err)
	opts := testOptions(t, "/dev/sdb")
	in := NewInstall(inv, nil, r, opts)
	stack := lifecycle.NewStack(inv)

	require.NoError(t, runner.Run(context.Background(), stack, in.Stages()))

	assert.Equal(t, "bootstrap", fetchedKind)
	assert.Equal(t, "https://geo.mirror.pkgbuild.com/iso/latest/archlinux-bootstrap-x86_64.tar.zst", fetchedURL)

	bootstrap := filepath.Join(opts.WorkDir, "bootstrap")
	target := filepath.Join(opts.WorkDir, "target")
	assert.Equal(t, bootstrap, extractedTo)
	assert.Equal(t, 1, extractedStrip)
	assert.Equal(t, filepath.Join(target, "etc", "ssh"), seededDir)

	assert.Contains(t, inv.calls, "sgdisk --zap-all /dev/sdb")
	assert.Contains(t, inv.calls, "sgdisk -n 1:1M:+512M -t 1:ef00 -c 1:EFI /dev/sdb")
	assert.Contains(t, inv.calls, "mkfs.vfat -F 32 -n EFI /dev/sdb1")
	assert.Contains(t, inv.calls, "mkfs.ext4 -F -L usbforge-root /dev/sdb2")
	assert.Contains(t, inv.calls, "mount -t ext4 /dev/sdb2 "+target)
	assert.Contains(t, inv.calls, "mount -t vfat /dev/sdb1 "+filepath.Join(target, "boot"))
	assert.Contains(t, inv.calls, "mount --bind "+target+" "+filepath.Join(bootstrap, "mnt"))
	assert.Contains(t, inv.calls, "chroot "+bootstrap+" pacman-key --init")
	assert.Contains(t, inv.calls,
		"chroot "+bootstrap+" pacstrap /mnt base linux linux-firmware grub efibootmgr sudo networkmanager openssh vim")
	assert.Contains(t, inv.calls,
		"chroot "+target+" grub-install --target=x86_64-efi --efi-directory=/boot --bootloader-id=usbforge --removable --recheck")
	assert.Contains(t, inv.calls, "chroot "+target+" chage -d 0 carol")

	assert.Equal(t, 0, stack.Len(), "a successful run leaves nothing acquired")
	assert.Contains(t, inv.calls, "umount "+filepath.Join(target, "boot"))
	assert.Contains(t, inv.calls, "umount "+target)

	fstab, err := os.ReadFile(filepath.Join(target, "etc", "fstab"))
	require.NoError(t, err)
	assert.Equal(t,
		"UUID=1111-root / ext4 rw,relatime 0 1\nUUID=2222-ESP /boot vfat rw,umask=0077 0 2\n",
		string(fstab))

	hostname, err := os.ReadFile(filepath.Join(target, "etc", "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "portable\n", string(hostname))

	mirrorlist, err := os.ReadFile(filepath.Join(bootstrap, "etc", "pacman.d", "mirrorlist"))
	require.NoError(t, err)
	assert.Equal(t, "Server = https://geo.mirror.pkgbuild.com/$repo/os/$arch\n", string(mirrorlist))
}

func TestArchInstallSharedPackageCache(t *testing.T) {
	inv := newFakeInvoker()
	inv.stdout["blkid -s UUID -o value /dev/sdb2"] = "aaaa\n"
	inv.stdout["blkid -s UUID -o value /dev/sdb1"] = "bbbb\n"

	fetchArchive = func(context.Context, *downloader.Fetcher, string, string, string) (string, error) {
		return "/tmp/archive.tar.zst", nil
	}
	extractArchive = func(string, string, int) error { return nil }
	seedHostKeys = func(string) error { return nil }

	r, err := Get("arch")
	require.NoError(t, err)
	opts := testOptions(t, "/dev/sdb")
	opts.SharePackageCache = true
	opts.PackageCacheDir = filepath.Join(t.TempDir(), "pkg")
	in := NewInstall(inv, nil, r, opts)
	stack := lifecycle.NewStack(inv)

	require.NoError(t, runner.Run(context.Background(), stack, in.Stages()))

	bootstrap := filepath.Join(opts.WorkDir, "bootstrap")
	assert.Contains(t, inv.calls,
		"mount --bind "+filepath.Join(opts.PackageCacheDir, "pacman")+" "+filepath.Join(bootstrap, "var", "cache", "pacman", "pkg"))
	assert.Contains(t, inv.calls,
		"chroot "+bootstrap+" pacstrap -c /mnt base linux linux-firmware grub efibootmgr sudo networkmanager openssh vim")
}

func TestAlpineInstallRun(t *testing.T) {
	inv := newFakeInvoker()
	inv.stdout["blkid -s UUID -o value /dev/mmcblk0p2"] = "cccc\n"
	inv.stdout["blkid -s UUID -o value /dev/mmcblk0p1"] = "dddd\n"

	fetchArchive = func(_ context.Context, _ *downloader.Fetcher, kind, _, _ string) (string, error) {
		assert.Equal(t, "minirootfs", kind)
		return "/tmp/minirootfs.tar.gz", nil
	}
	var extractedTo string
	extractArchive = func(_ string, dest string, strip int) error {
		extractedTo = dest
		assert.Equal(t, 0, strip)
		return nil
	}
	seedHostKeys = func(string) error { return nil }

	r, err := Get("alpine")
	require.NoError(t, err)
	opts := testOptions(t, "/dev/mmcblk0")
	in := NewInstall(inv, nil, r, opts)
	stack := lifecycle.NewStack(inv)

	require.NoError(t, runner.Run(context.Background(), stack, in.Stages()))

	target := filepath.Join(opts.WorkDir, "target")
	assert.Equal(t, target, extractedTo, "the minirootfs unpacks straight onto the target")

	// Devices ending in a digit take the p-infix partition names.
	assert.Contains(t, inv.calls, "mkfs.ext4 -F -L usbforge-root /dev/mmcblk0p2")
	assert.Contains(t, inv.calls, "chroot "+target+" apk update")
	assert.Contains(t, inv.calls,
		"chroot "+target+" apk add --no-progress alpine-base linux-lts grub grub-efi efibootmgr e2fsprogs dosfstools openssh tzdata")
	assert.Contains(t, inv.calls, "chroot "+target+" rc-update add sshd default")
	assert.Equal(t, 0, stack.Len())

	repos, err := os.ReadFile(filepath.Join(target, "etc", "apk", "repositories"))
	require.NoError(t, err)
	assert.Contains(t, string(repos), "/main\n")
	assert.Contains(t, string(repos), "/community\n")
}

func TestDownloadHonorsURLOverrides(t *testing.T) {
	var gotURL, gotChecksum string
	fetchArchive = func(_ context.Context, _ *downloader.Fetcher, _, url, checksumURL string) (string, error) {
		gotURL, gotChecksum = url, checksumURL
		return "/tmp/a.tar.zst", nil
	}

	r, err := Get("arch")
	require.NoError(t, err)
	opts := testOptions(t, "/dev/sdb")
	opts.ArchiveURL = "http://lan-cache/bootstrap.tar.zst"
	opts.ChecksumURL = "http://lan-cache/sha256sums.txt"
	in := NewInstall(newFakeInvoker(), nil, r, opts)

	require.NoError(t, in.download(context.Background(), nil))
	assert.Equal(t, "http://lan-cache/bootstrap.tar.zst", gotURL)
	assert.Equal(t, "http://lan-cache/sha256sums.txt", gotChecksum)
}
