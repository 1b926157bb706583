package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"usbforge/internal/cache"
	"usbforge/internal/config"
	"usbforge/internal/errors"
)

var purge bool

// openProcMounts is a wrapper to allow mocking in tests.
var openProcMounts = func() (io.ReadCloser, error) {
	return os.Open("/proc/mounts")
}

// cleanCmd represents the clean command
var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Removes downloaded archives and stale work directories",
	Long: `Removes the archive cache and any work directories left behind by aborted runs.
Use the --purge flag to remove the entire ~/.usbforge directory, logs included.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}

		// A work directory with a live mount under it must never be removed
		// recursively; that would delete through the mount.
		if err := refuseIfMountedUnder(cfg.GetAppDir()); err != nil {
			return err
		}

		color.Cyan("i Removing stale work directories...")
		if err := os.RemoveAll(cfg.GetWorkDir()); err != nil {
			return fmt.Errorf("error removing work directories: %w", err)
		}

		color.Cyan("i Removing downloaded archives...")
		if err := cache.New(afero.NewOsFs(), cfg.GetCacheDir()).Purge(); err != nil {
			return fmt.Errorf("error purging the cache: %w", err)
		}

		if purge {
			color.Cyan("i Purging the entire application directory...")
			if err := os.RemoveAll(cfg.GetAppDir()); err != nil {
				return fmt.Errorf("error removing application directory: %w", err)
			}
			color.Green("✔ Application directory purged successfully.")
			return nil
		}
		color.Green("✔ Cache and work directories removed.")
		return nil
	},
}

func refuseIfMountedUnder(root string) error {
	f, err := openProcMounts()
	if err != nil {
		return err
	}
	defer f.Close()

	var mounted []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(fields[1], root+"/") {
			mounted = append(mounted, fields[1])
		}
	}
	if len(mounted) > 0 {
		return &errors.PreconditionError{
			Reason: fmt.Sprintf("refusing to clean: still mounted under %s: %s", root, strings.Join(mounted, ", ")),
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().BoolVar(&purge, "purge", false, "Remove the entire ~/.usbforge directory")
}
