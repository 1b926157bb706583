package cmd

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"usbforge/internal/errors"
)

var rootCmd = &cobra.Command{
	Use:   "usbforge",
	Short: "usbforge installs a bootable Linux distribution onto a USB drive",
	// SilenceErrors is used to prevent cobra from printing the error,
	// as we handle it ourselves in the Execute function.
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Print the help message if no subcommand is provided
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(errors.ExitCode(err))
	}
}
