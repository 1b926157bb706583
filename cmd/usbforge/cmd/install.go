package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/c2h5oh/datasize"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"usbforge/internal/cache"
	"usbforge/internal/config"
	"usbforge/internal/device"
	"usbforge/internal/distro"
	"usbforge/internal/downloader"
	"usbforge/internal/errors"
	"usbforge/internal/lifecycle"
	"usbforge/internal/runner"
	"usbforge/internal/toolexec"
	"usbforge/internal/util"
)

var (
	distroName   string
	hostname     string
	username     string
	timezone     string
	locale       string
	keymap       string
	mirror       string
	bootstrapURL string
	checksumURL  string
	cacheDir     string
	espSizeFlag  string
	workDirFlag  string
	assumeYes    bool

	// Wrappers around process state to allow mocking in tests.
	confirmInput io.Reader = os.Stdin
	geteuid                = os.Geteuid
	isTerminal             = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
	commandExists          = util.CommandExists
	newInvoker             = func(log io.Writer) toolexec.Invoker { return toolexec.New(log) }
	runStages              = runner.Run
)

// installCmd represents the install command
var installCmd = &cobra.Command{
	Use:   "install <device>",
	Short: "Installs a distribution onto a block device",
	Long: `Partitions, formats and populates the given block device with a bootable
Linux distribution. Everything on the device is destroyed. The device must not
back the running system and must have nothing mounted from it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Create a context that is cancelled on a SIGINT or SIGTERM.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		target := args[0]

		recipe, err := distro.Get(distroName)
		if err != nil {
			return &errors.PreconditionError{Reason: err.Error()}
		}

		cfg, err := config.New()
		if err != nil {
			return errors.E("install", err)
		}
		applyConfigDefaults(cfg)

		if geteuid() != 0 {
			return &errors.PreconditionError{Reason: "install must run as root (partitioning and mounting require it)"}
		}

		var missing []string
		for _, tool := range recipe.Tools() {
			if !commandExists(tool) {
				missing = append(missing, tool)
			}
		}
		if len(missing) > 0 {
			return &errors.PreconditionError{Reason: "missing required tools: " + strings.Join(missing, ", ")}
		}

		var espSize datasize.ByteSize
		if err := espSize.UnmarshalText([]byte(espSizeFlag)); err != nil {
			return &errors.PreconditionError{Reason: fmt.Sprintf("invalid --esp-size %q: %v", espSizeFlag, err)}
		}
		// Partitioning works in whole megabytes; below that the ESP would be
		// written with a zero size, which sgdisk reads as "to end of disk".
		if espSize < datasize.MB {
			return &errors.PreconditionError{Reason: fmt.Sprintf("--esp-size %q is below the 1MB minimum", espSizeFlag)}
		}

		runID := uuid.New().String()
		logDir := cfg.GetLogDir()
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return errors.E("install", err)
		}
		logPath := filepath.Join(logDir, "run-"+runID+".log")
		logFile, err := os.Create(logPath)
		if err != nil {
			return errors.E("install", err)
		}
		defer logFile.Close()
		inv := newInvoker(logFile)

		if err := device.CheckTarget(ctx, inv, target); err != nil {
			return err
		}

		phrase := "DESTROY " + target
		if !assumeYes {
			if !isTerminal() {
				return &errors.PreconditionError{Reason: "stdin is not a terminal; pass --yes to destroy " + target}
			}
			color.Yellow("! All data on %s will be erased.", target)
			if !util.ConfirmExact(confirmInput, cmd.OutOrStdout(), phrase) {
				return &errors.UserAbortError{Phrase: phrase}
			}
		}

		workDir := workDirFlag
		if workDir == "" {
			workDir = filepath.Join(cfg.GetWorkDir(), "run-"+runID)
		}
		if _, err := os.Stat(workDir); err == nil {
			return &errors.PreconditionError{Reason: fmt.Sprintf("work directory %s already exists", workDir)}
		}
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return errors.E("install", err)
		}

		fs := afero.NewOsFs()
		store := cache.New(fs, cacheDir)
		fetcher := downloader.New(fs, store)

		opts := distro.Options{
			Device:            target,
			Hostname:          hostname,
			Username:          username,
			Timezone:          timezone,
			Locale:            locale,
			Keymap:            keymap,
			ESPSize:           espSize,
			Mirror:            mirror,
			ArchiveURL:        bootstrapURL,
			ChecksumURL:       checksumURL,
			WorkDir:           workDir,
			SharePackageCache: cfg.Defaults.SharePackageCache,
			PackageCacheDir:   store.Path("pkg", recipe.Name),
		}

		color.Cyan("i Installing %s onto %s", recipe.Pretty, target)
		in := distro.NewInstall(inv, fetcher, recipe, opts)
		runErr := runStages(ctx, lifecycle.NewStack(inv), in.Stages())

		if leakedResources(runErr) {
			color.Yellow("! Work directory %s kept: some resources were not released", workDir)
		} else if err := os.RemoveAll(workDir); err != nil {
			color.Yellow("! Warning: failed to remove work directory %s: %v", workDir, err)
		}

		if runErr != nil {
			return runErr
		}
		color.Green("✔ %s installed on %s.", recipe.Pretty, target)
		color.Cyan("i Run log: %s", logPath)
		return nil
	},
}

// applyConfigDefaults fills every install parameter left empty by flags and
// environment variables from the layered configuration.
func applyConfigDefaults(cfg *config.Config) {
	d := cfg.Defaults
	if hostname == "" {
		hostname = d.Hostname
	}
	if username == "" {
		username = d.Username
	}
	if timezone == "" {
		timezone = d.Timezone
	}
	if locale == "" {
		locale = d.Locale
	}
	if keymap == "" {
		keymap = d.Keymap
	}
	if mirror == "" {
		mirror = d.Mirror
	}
	if cacheDir == "" {
		cacheDir = cfg.GetCacheDir()
	}
}

// leakedResources reports whether the run left mounts or directories behind,
// in which case the work directory must not be recursively removed.
func leakedResources(err error) bool {
	if err == nil {
		return false
	}
	var cleanupErr *errors.CleanupError
	if stderrors.As(err, &cleanupErr) {
		return true
	}
	var stageErr *runner.StageError
	return stderrors.As(err, &stageErr) && len(stageErr.Releases) > 0
}

func init() {
	rootCmd.AddCommand(installCmd)

	installCmd.Flags().StringVar(&distroName, "distro", config.EnvDefault("USBFORGE_DISTRO", "arch"), "The distribution to install (see 'usbforge distro ls')")
	installCmd.Flags().StringVar(&hostname, "hostname", os.Getenv("USBFORGE_HOSTNAME"), "Hostname of the installed system")
	installCmd.Flags().StringVar(&username, "username", os.Getenv("USBFORGE_USERNAME"), "Login user created on the installed system")
	installCmd.Flags().StringVar(&timezone, "timezone", os.Getenv("USBFORGE_TIMEZONE"), "Timezone of the installed system (e.g. Europe/Rome)")
	installCmd.Flags().StringVar(&locale, "locale", os.Getenv("USBFORGE_LOCALE"), "Locale of the installed system")
	installCmd.Flags().StringVar(&keymap, "keymap", os.Getenv("USBFORGE_KEYMAP"), "Console keymap of the installed system")
	installCmd.Flags().StringVar(&mirror, "mirror", os.Getenv("USBFORGE_MIRROR"), "Package mirror base URL")
	installCmd.Flags().StringVar(&bootstrapURL, "bootstrap-url", os.Getenv("USBFORGE_BOOTSTRAP_URL"), "Override the bootstrap archive URL")
	installCmd.Flags().StringVar(&checksumURL, "checksum-url", os.Getenv("USBFORGE_CHECKSUM_URL"), "Override the checksum file URL")
	installCmd.Flags().StringVar(&cacheDir, "cache-dir", os.Getenv("USBFORGE_CACHE_DIR"), "Directory for downloaded archives")
	installCmd.Flags().StringVar(&espSizeFlag, "esp-size", config.EnvDefault("USBFORGE_ESP_SIZE", "512MB"), "Size of the EFI system partition")
	installCmd.Flags().StringVar(&workDirFlag, "work-dir", "", "Scratch directory for this run (must not exist)")
	installCmd.Flags().BoolVar(&assumeYes, "yes", false, "Skip the confirmation prompt")
}
