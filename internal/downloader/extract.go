package downloader

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Extract unpacks a .tar.zst or .tar.gz archive under destDir, stripping the
// given number of leading path components (the Arch bootstrap nests everything
// under root.x86_64/, the Alpine minirootfs does not). Entries that would
// escape destDir are rejected.
func Extract(archivePath, destDir string, strip int) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var reader io.Reader
	switch {
	case strings.HasSuffix(archivePath, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return err
		}
		defer zr.Close()
		reader = zr
	case strings.HasSuffix(archivePath, ".gz"), strings.HasSuffix(archivePath, ".tgz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gr.Close()
		reader = gr
	default:
		return fmt.Errorf("unsupported archive format: %s", archivePath)
	}

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		name := stripComponents(hdr.Name, strip)
		if name == "" {
			continue
		}
		target, err := securePath(destDir, name)
		if err != nil {
			return err
		}

		// FileInfo carries the setuid/setgid/sticky bits the raw header mode
		// field does not; the explicit Chmod applies them past the umask.
		mode := hdr.FileInfo().Mode()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			if err := os.Chmod(target, mode); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := replaceLink(target, func() error { return os.Symlink(hdr.Linkname, target) }); err != nil {
				return err
			}
		case tar.TypeLink:
			linkname := stripComponents(hdr.Linkname, strip)
			if linkname == "" {
				continue
			}
			source, err := securePath(destDir, linkname)
			if err != nil {
				return err
			}
			if err := replaceLink(target, func() error { return os.Link(source, target) }); err != nil {
				return err
			}
		default:
			// Device nodes and FIFOs are recreated by the package manager
			// inside the chroot; nothing in the bootstrap needs them earlier.
			continue
		}

		// Ownership matters for the installed tree but can only be applied
		// when running privileged.
		if os.Geteuid() == 0 {
			if err := os.Lchown(target, hdr.Uid, hdr.Gid); err != nil {
				return err
			}
			// The kernel clears setuid/setgid on ownership change.
			if hdr.Typeflag == tar.TypeDir || hdr.Typeflag == tar.TypeReg {
				if err := os.Chmod(target, mode); err != nil {
					return err
				}
			}
		}
	}
}

func stripComponents(name string, strip int) string {
	clean := strings.TrimPrefix(filepath.Clean(name), "/")
	parts := strings.Split(clean, "/")
	if len(parts) <= strip {
		return ""
	}
	return filepath.Join(parts[strip:]...)
}

func securePath(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	if target != filepath.Clean(destDir) && !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes destination: %s", name)
	}
	return target, nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(target, mode)
}

// replaceLink handles re-extraction over an existing cache of links.
func replaceLink(target string, create func() error) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if _, err := os.Lstat(target); err == nil {
		if err := os.Remove(target); err != nil {
			return err
		}
	}
	return create()
}
