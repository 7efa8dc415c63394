package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/loadtest"
	"github.com/tasksync/tasksync/internal/remote"
	"github.com/tasksync/tasksync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Load test concurrent devices editing one project",
	Long: `Start several sync engines that edit the same project at once and measure
local edit latency, time until every change reached the central store and how
many conflicts had to be merged.

By default the devices share an in-memory store. With --remote they talk to
the configured central store over HTTP instead.

Examples:
  tasksync bench
  tasksync bench --devices 20 --edits 50
  tasksync bench --remote --json`,
	Run: func(cmd *cobra.Command, args []string) {
		config := loadtest.DefaultConfig()
		config.Devices, _ = cmd.Flags().GetInt("devices")
		config.EditsPerDevice, _ = cmd.Flags().GetInt("edits")
		config.Tasks, _ = cmd.Flags().GetInt("tasks")
		config.Timeout, _ = cmd.Flags().GetDuration("timeout")
		config.Logger = newLogger("[loadtest]")
		if config.Devices <= 0 || config.EditsPerDevice <= 0 || config.Tasks <= 0 {
			fatalf("--devices, --edits and --tasks must be positive")
		}
		if useRemote, _ := cmd.Flags().GetBool("remote"); useRemote {
			config.Store = remote.NewHTTPClient(cfg.Remote.URL, cfg.Remote.Token, nil)
		}

		if !jsonOutput() {
			fmt.Printf("Running %d device(s), %d edits each, on %d tasks...\n\n",
				config.Devices, config.EditsPerDevice, config.Tasks)
		}
		res, err := loadtest.Run(cmd.Context(), config)
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput() {
			printJSON(res)
		} else {
			printBench(res)
		}
		if !res.Converged {
			os.Exit(1)
		}
	},
}

func printBench(res *loadtest.Result) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"", "Count", "Min", "P50", "Mean", "P95", "P99", "Max"})
	for _, row := range []struct {
		name string
		s    loadtest.LatencyStats
	}{{"Local edit", res.Edit}, {"Sync", res.Sync}} {
		tw.AppendRow(table.Row{row.name, row.s.Count, row.s.Min, row.s.P50, row.s.Mean, row.s.P95, row.s.P99, row.s.Max})
	}
	tw.Render()

	fmt.Println()
	fmt.Printf("Conflicts merged: %d\n", res.Conflicts)
	fmt.Printf("Errors:           %d\n", res.Errors)
	fmt.Printf("Final version:    %d\n", res.FinalVersion)
	fmt.Printf("Duration:         %v\n", res.Duration.Round(time.Millisecond))
	if res.Converged {
		fmt.Printf("\n%s All devices settled\n", ui.RenderPass("✓"))
	} else {
		fmt.Printf("\n%s Some devices had not settled by the timeout\n", ui.RenderFail("x"))
	}
}

func init() {
	benchCmd.Flags().Int("devices", 5, "number of concurrent devices")
	benchCmd.Flags().Int("edits", 20, "task edits per device")
	benchCmd.Flags().Int("tasks", 50, "tasks in the seeded project")
	benchCmd.Flags().Duration("timeout", loadtest.DefaultConfig().Timeout, "bound for the whole run")
	benchCmd.Flags().Bool("remote", false, "use the configured central store")

	rootCmd.AddCommand(benchCmd)
}
