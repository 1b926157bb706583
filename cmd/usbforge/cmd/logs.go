package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"

	"usbforge/internal/config"
)

var follow bool

// logsCmd represents the logs command
var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Shows the log of the most recent run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}

		logPath, err := latestLog(cfg.GetLogDir())
		if err != nil {
			return err
		}
		if logPath == "" {
			color.Yellow("No run logs found.")
			return nil
		}

		if !follow {
			data, err := os.ReadFile(logPath)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		}

		t, err := tail.TailFile(logPath, tail.Config{Follow: true, ReOpen: true})
		if err != nil {
			return err
		}
		for line := range t.Lines {
			fmt.Println(line.Text)
		}
		return t.Err()
	},
}

// latestLog returns the most recently modified log file, or "" when there is
// none yet.
func latestLog(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	var newest string
	var newestMod int64
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest = filepath.Join(dir, entry.Name())
			newestMod = mod
		}
	}
	return newest, nil
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVar(&follow, "follow", false, "Keep the log open and print new lines as they appear")
}
