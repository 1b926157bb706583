package cmd

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usbforge/internal/config"
	"usbforge/internal/errors"
)

func seedAppDir(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.New()
	require.NoError(t, err)

	for _, dir := range []string{cfg.GetWorkDir(), cfg.GetCacheDir(), cfg.GetLogDir()} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(cfg.GetWorkDir(), "stale"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.GetCacheDir(), "archive.tar.zst"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.GetLogDir(), "run-1.log"), []byte("x"), 0o644))
	return cfg
}

func TestCleanRemovesCacheAndWorkButKeepsLogs(t *testing.T) {
	setupMocks(t)
	cfg := seedAppDir(t)

	output, err := executeCommand(rootCmd, "clean")
	require.NoError(t, err)
	assert.Contains(t, output, "Cache and work directories removed")

	assert.NoDirExists(t, cfg.GetWorkDir())
	assert.NoDirExists(t, cfg.GetCacheDir())
	assert.FileExists(t, filepath.Join(cfg.GetLogDir(), "run-1.log"), "clean without --purge keeps run logs")
}

func TestCleanPurgeRemovesEverything(t *testing.T) {
	setupMocks(t)
	cfg := seedAppDir(t)

	output, err := executeCommand(rootCmd, "clean", "--purge")
	require.NoError(t, err)
	assert.Contains(t, output, "purged successfully")
	assert.NoDirExists(t, cfg.GetAppDir())
}

func TestCleanRefusesWhileMounted(t *testing.T) {
	setupMocks(t)
	cfg := seedAppDir(t)

	mountpoint := filepath.Join(cfg.GetWorkDir(), "run-1", "target")
	openProcMounts = func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(
			"/dev/sdb2 " + mountpoint + " ext4 rw,relatime 0 0\n")), nil
	}

	_, err := executeCommand(rootCmd, "clean")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still mounted")
	assert.Equal(t, errors.ExitPrecondition, errors.ExitCode(err))
	assert.FileExists(t, filepath.Join(cfg.GetWorkDir(), "stale"), "nothing is removed while a mount is live")
}
