// Package distro defines the installable distribution recipes and turns them
// into the ordered stage list a provisioning run executes.
package distro

import (
	"fmt"
	"sort"

	"github.com/c2h5oh/datasize"
)

// Recipe describes how one distribution is installed: where its bootstrap
// archive lives, how the archive is shaped, and what gets installed inside.
type Recipe struct {
	Name        string
	Pretty      string
	ArchiveKind string // cache key: "bootstrap" or "minirootfs"
	// Strip is how many leading path components the archive nests its tree
	// under (the Arch bootstrap wraps everything in root.x86_64/).
	Strip    int
	Packages []string

	archiveURL  func(mirror string) string
	checksumURL func(mirror string) string
}

// ArchiveURL returns where the recipe's archive is downloaded from. The Arch
// bootstrap follows the configured mirror; Alpine uses its fixed CDN.
func (r Recipe) ArchiveURL(mirror string) string {
	return r.archiveURL(mirror)
}

// ChecksumURL returns the checksum file covering the archive.
func (r Recipe) ChecksumURL(mirror string) string {
	return r.checksumURL(mirror)
}

// Tools lists the external tools a run of this recipe invokes on the host.
// Checked up front so a missing dependency fails before anything is acquired.
func (r Recipe) Tools() []string {
	return []string{"sgdisk", "mkfs.vfat", "mkfs.ext4", "mount", "umount", "chroot", "blkid", "findmnt"}
}

const alpineCDN = "https://dl-cdn.alpinelinux.org/alpine/v3.20/releases/x86_64"
const alpineRelease = "3.20.3"

// Recipes is the catalog of installable distributions.
var Recipes = map[string]Recipe{
	"arch": {
		Name:        "arch",
		Pretty:      "Arch Linux",
		ArchiveKind: "bootstrap",
		Strip:       1,
		Packages: []string{
			"base", "linux", "linux-firmware", "grub", "efibootmgr",
			"sudo", "networkmanager", "openssh", "vim",
		},
		archiveURL: func(mirror string) string {
			return mirror + "/iso/latest/archlinux-bootstrap-x86_64.tar.zst"
		},
		checksumURL: func(mirror string) string {
			return mirror + "/iso/latest/sha256sums.txt"
		},
	},
	"alpine": {
		Name:        "alpine",
		Pretty:      "Alpine Linux",
		ArchiveKind: "minirootfs",
		Strip:       0,
		Packages: []string{
			"alpine-base", "linux-lts", "grub", "grub-efi", "efibootmgr",
			"e2fsprogs", "dosfstools", "openssh", "tzdata",
		},
		archiveURL: func(string) string {
			return fmt.Sprintf("%s/alpine-minirootfs-%s-x86_64.tar.gz", alpineCDN, alpineRelease)
		},
		checksumURL: func(string) string {
			return fmt.Sprintf("%s/alpine-minirootfs-%s-x86_64.tar.gz.sha256", alpineCDN, alpineRelease)
		},
	},
}

// Names returns the catalog keys in stable order.
func Names() []string {
	names := make([]string, 0, len(Recipes))
	for name := range Recipes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get looks a recipe up by name.
func Get(name string) (Recipe, error) {
	r, ok := Recipes[name]
	if !ok {
		return Recipe{}, fmt.Errorf("unknown distribution %q (available: %v)", name, Names())
	}
	return r, nil
}

// Options carries the operator-chosen install parameters. All paths are
// absolute; nothing is read from ambient process state once a run starts.
type Options struct {
	Device   string
	Hostname string
	Username string
	Timezone string
	Locale   string
	Keymap   string
	ESPSize  datasize.ByteSize
	// Mirror is the package mirror base URL (Arch only).
	Mirror string
	// ArchiveURL overrides the recipe's default archive location.
	ArchiveURL string
	// ChecksumURL overrides the recipe's default checksum location.
	ChecksumURL string
	// WorkDir is this run's private workspace; it must not exist yet.
	WorkDir string
	// SharePackageCache binds PackageCacheDir into the chroot so package
	// downloads are reused across runs.
	SharePackageCache bool
	PackageCacheDir   string
}
