// Package cache is the on-disk store for downloaded archives and package
// caches, keyed by resource type. It only saves time: a missing or purged
// cache never affects correctness.
package cache

import (
	"path/filepath"

	"github.com/spf13/afero"
)

type Cache struct {
	fs  afero.Fs
	dir string
}

// New creates a cache rooted at dir. Tests pass an afero.NewMemMapFs.
func New(fs afero.Fs, dir string) *Cache {
	return &Cache{fs: fs, dir: dir}
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

// Path returns where an artifact of the given kind is stored, e.g.
// Path("bootstrap", "archlinux-bootstrap-x86_64.tar.zst").
func (c *Cache) Path(kind, name string) string {
	return filepath.Join(c.dir, kind, name)
}

// Ensure creates the directory for a resource kind.
func (c *Cache) Ensure(kind string) error {
	return c.fs.MkdirAll(filepath.Join(c.dir, kind), 0o755)
}

// Has reports whether an artifact is already cached.
func (c *Cache) Has(kind, name string) bool {
	info, err := c.fs.Stat(c.Path(kind, name))
	return err == nil && !info.IsDir()
}

// Purge removes the whole cache.
func (c *Cache) Purge() error {
	return c.fs.RemoveAll(c.dir)
}
