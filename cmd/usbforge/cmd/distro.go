package cmd

import (
	"github.com/spf13/cobra"
)

// distroCmd represents the distro command
var distroCmd = &cobra.Command{
	Use:   "distro",
	Short: "Manage installable distributions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.AddCommand(distroCmd)
}
