package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"usbforge/internal/cache"
)

// Fetcher downloads distribution archives into the cache and verifies them.
type Fetcher struct {
	fs     afero.Fs
	cache  *cache.Cache
	client *http.Client
}

func New(fs afero.Fs, c *cache.Cache) *Fetcher {
	return &Fetcher{fs: fs, cache: c, client: http.DefaultClient}
}

// Fetch returns the local path of the archive at url, downloading it and its
// checksum file first when they are not already cached, and always verifying
// the SHA-256 checksum before handing the path back.
func (f *Fetcher) Fetch(ctx context.Context, kind, url, checksumURL string) (string, error) {
	name := path.Base(url)
	sumName := path.Base(checksumURL)

	if err := f.cache.Ensure(kind); err != nil {
		return "", err
	}
	archivePath := f.cache.Path(kind, name)
	sumPath := f.cache.Path(kind, sumName)

	if !f.cache.Has(kind, name) || !f.cache.Has(kind, sumName) {
		s := spinner.New(spinner.CharSets[9], 100*time.Millisecond)
		s.Suffix = fmt.Sprintf(" Downloading %s...", name)
		s.Start()

		group, gctx := errgroup.WithContext(ctx)
		group.Go(func() error {
			return f.download(gctx, url, archivePath)
		})
		group.Go(func() error {
			return f.download(gctx, checksumURL, sumPath)
		})
		err := group.Wait()
		s.Stop()
		if err != nil {
			// Partial files must not poison later runs.
			_ = f.fs.Remove(archivePath)
			_ = f.fs.Remove(sumPath)
			return "", err
		}
		fmt.Printf("%s Downloaded %s\n", color.GreenString("✔"), name)
	} else {
		color.Green("✔ Using cached %s", name)
	}

	if err := f.verify(archivePath, sumPath, name); err != nil {
		return "", err
	}
	return archivePath, nil
}

func (f *Fetcher) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: %s", url, resp.Status)
	}

	out, err := f.fs.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, resp.Body)
	return err
}

func (f *Fetcher) verify(archivePath, sumPath, name string) error {
	sumData, err := afero.ReadFile(f.fs, sumPath)
	if err != nil {
		return err
	}
	want, err := extractChecksum(sumData, name)
	if err != nil {
		return err
	}

	archive, err := f.fs.Open(archivePath)
	if err != nil {
		return err
	}
	defer archive.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, archive); err != nil {
		return err
	}
	got := hex.EncodeToString(hash.Sum(nil))

	if !strings.EqualFold(got, want) {
		return fmt.Errorf("checksum mismatch for %s: got %s, want %s (purge the cache with 'usbforge clean' and retry)", name, got, want)
	}
	return nil
}

// extractChecksum finds the hash for name in a checksum file. It accepts both
// the single-entry "HASH  NAME" form and multi-file sha256sums.txt listings;
// a bare hash with no filename column also passes.
func extractChecksum(data []byte, name string) (string, error) {
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		switch {
		case len(fields) == 0:
			continue
		case len(fields) == 1:
			return fields[0], nil
		default:
			if strings.TrimPrefix(fields[1], "*") == name {
				return fields[0], nil
			}
		}
	}
	return "", fmt.Errorf("no checksum entry for %s", name)
}
