package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/config"
	"github.com/tasksync/tasksync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Show or write the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		data, err := cfg.Marshal()
		if err != nil {
			fatalf("%v", err)
		}
		if used := settings.ConfigFileUsed(); used != "" {
			fmt.Printf("# %s\n", used)
		}
		_, _ = os.Stdout.Write(data)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [file]",
	Short: "Write the effective configuration to a file",
	Long: `Write the effective configuration, defaults included, to file (default:
<data-dir>/tasksync.yaml) so it can be edited.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := filepath.Join(cfg.DataDir, config.FileName)
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			force, _ := cmd.Flags().GetBool("force")
			if !force {
				ok, err := ui.Confirm(fmt.Sprintf("%s exists. Overwrite?", path), false)
				if err != nil {
					fatalf("%s exists; pass --force to overwrite", path)
				}
				if !ok {
					return
				}
			}
		}
		if err := config.Write(path, cfg); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

func init() {
	configInitCmd.Flags().BoolP("force", "f", false, "overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
