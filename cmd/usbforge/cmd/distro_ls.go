package cmd

import (
	"os"
	"path"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"usbforge/internal/cache"
	"usbforge/internal/config"
	"usbforge/internal/distro"
)

var distroLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List installable distributions",
	Long:  `List the distributions usbforge can install and whether their archives are already cached.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}
		store := cache.New(afero.NewOsFs(), cfg.GetCacheDir())

		table := tablewriter.NewWriter(os.Stdout)
		header := []string{"NAME", "DISTRIBUTION", "ARCHIVE", "PACKAGES"}
		table.Header(header)

		for _, name := range distro.Names() {
			r, err := distro.Get(name)
			if err != nil {
				return err
			}
			archiveName := path.Base(r.ArchiveURL(cfg.Defaults.Mirror))

			status := color.RedString("Not Cached")
			if store.Has(r.ArchiveKind, archiveName) {
				status = color.GreenString("Cached")
			}

			row := []string{
				name,
				r.Pretty,
				archiveName + " (" + status + ")",
				strings.Join(r.Packages, ", "),
			}
			table.Append(row)
		}

		table.Render()

		return nil
	},
}

func init() {
	distroCmd.AddCommand(distroLsCmd)
}
