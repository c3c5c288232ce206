package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/nxadm/tail"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs [file]",
	Short: "Show or follow a session debug log",
	Long: `Show a dbgtui debug log file. With no argument the newest
dbgtui-*-debug.log in the current directory is used. Debug logs are written
when DBGTUI_LOG_TO_FILE=1 is set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			var err error
			path, err = newestLogFile(".")
			if err != nil {
				return err
			}
		}

		follow, _ := cmd.Flags().GetBool("follow")
		if !follow {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		}

		t, err := tail.TailFile(path, tail.Config{
			Follow: true,
			ReOpen: true,
			Logger: tail.DiscardingLogger,
		})
		if err != nil {
			return err
		}
		for line := range t.Lines {
			if line.Err != nil {
				return line.Err
			}
			fmt.Println(line.Text)
		}
		return nil
	},
}

// newestLogFile finds the most recent timestamped debug log in dir.
func newestLogFile(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "dbgtui-*-debug.log"))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("no dbgtui debug logs found in %s (set DBGTUI_LOG_TO_FILE=1)", dir)
	}
	sort.Strings(matches) // timestamped names sort chronologically
	return matches[len(matches)-1], nil
}

func init() {
	logsCmd.Flags().BoolP("follow", "f", false, "Keep the log open and print new lines")
	rootCmd.AddCommand(logsCmd)
}
