package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usbforge/internal/config"
)

func TestDistroLsListsCatalog(t *testing.T) {
	setupMocks(t)

	output, err := executeCommand(rootCmd, "distro", "ls")
	require.NoError(t, err)

	assert.Contains(t, output, "arch")
	assert.Contains(t, output, "Arch Linux")
	assert.Contains(t, output, "archlinux-bootstrap-x86_64.tar.zst")
	assert.Contains(t, output, "alpine")
	assert.Contains(t, output, "Alpine Linux")
	assert.Contains(t, output, "Not Cached")
}

func TestDistroLsShowsCachedArchives(t *testing.T) {
	setupMocks(t)
	cfg, err := config.New()
	require.NoError(t, err)

	for kind, name := range map[string]string{
		"bootstrap":  "archlinux-bootstrap-x86_64.tar.zst",
		"minirootfs": "alpine-minirootfs-3.20.3-x86_64.tar.gz",
	} {
		dir := filepath.Join(cfg.GetCacheDir(), kind)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	output, err := executeCommand(rootCmd, "distro", "ls")
	require.NoError(t, err)
	assert.Contains(t, output, "Cached")
	assert.NotContains(t, output, "Not Cached")
}
