package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/conflict"
	"github.com/tasksync/tasksync/internal/ui"
)

var conflictCmd = &cobra.Command{
	Use:     "conflict",
	GroupID: "sync",
	Short:   "Review and resolve version conflicts",
}

var conflictListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects waiting for resolution",
	Run: func(cmd *cobra.Command, args []string) {
		store := openCache()
		defer store.Close()

		records, err := conflict.NewCacheStore(store).ListConflicts(cmd.Context())
		if err != nil {
			fatalf("failed to list conflicts: %v", err)
		}
		if jsonOutput() {
			printJSON(records)
			return
		}
		if len(records) == 0 {
			fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
			return
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetStyle(table.StyleLight)
		tw.AppendHeader(table.Row{"Project", "Name", "Local", "Remote", "Changed tasks", "Detected"})
		for _, rec := range records {
			tw.AppendRow(table.Row{rec.ProjectID, rec.Local.Name, rec.Local.Version, rec.Remote.Version,
				len(ui.ChangedTasks(rec.Local, rec.Remote)), rec.DetectedAt.Format(time.DateTime)})
		}
		tw.Render()
	},
}

var conflictShowCmd = &cobra.Command{
	Use:   "show <project-id>",
	Short: "Show both sides of a conflict",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store := openCache()
		defer store.Close()

		rec, err := conflict.NewCacheStore(store).LoadConflict(cmd.Context(), args[0])
		if err != nil {
			fatalf("failed to load conflict: %v", err)
		}
		if rec == nil {
			fatalf("no conflict on %s", args[0])
		}
		if jsonOutput() {
			printJSON(rec)
			return
		}
		fmt.Println(ui.Conflict(*rec))
	},
}

var conflictResolveCmd = &cobra.Command{
	Use:   "resolve <project-id>",
	Short: "Settle a conflict with local, remote or merge",
	Long: `Settle the pending conflict of a project.

  local   write the local copy over the remote one
  remote  discard local changes and take the remote copy
  merge   combine both sides task by task; the newer edit wins per task

Without --strategy you are asked interactively.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		projectID := args[0]
		name, _ := cmd.Flags().GetString("strategy")

		s := openEngine(ctx, false)
		defer s.close()

		var strategy conflict.Strategy
		if name != "" {
			parsed, err := conflict.ParseStrategy(name)
			if err != nil {
				fatalf("%v", err)
			}
			strategy = parsed
		} else {
			rec, err := s.engine.Resolver().Pending(ctx, projectID)
			if err != nil {
				fatalf("failed to load conflict: %v", err)
			}
			if rec == nil {
				fatalf("no conflict on %s", projectID)
			}
			fmt.Println(ui.Conflict(*rec))
			strategy, err = ui.ChooseStrategy(*rec)
			if errors.Is(err, ui.ErrNotInteractive) {
				fatalf("--strategy is required when not running in a terminal")
			}
			if err != nil {
				fatalf("%v", err)
			}
		}

		res, err := s.engine.ResolveConflict(ctx, projectID, strategy)
		if err != nil {
			fatalf("failed to resolve %s: %v", projectID, err)
		}
		fmt.Printf("%s Resolved %s with %s, now at version %d\n",
			ui.RenderPass("✓"), projectID, strategy, res.Project.Version)
		if m := res.Merge; m != nil {
			fmt.Printf("   %d task(s) edited on both sides, %d auto-fixed\n", m.Conflicts, m.AutoFixed)
		}
	},
}

func init() {
	conflictResolveCmd.Flags().StringP("strategy", "s", "", "local, remote or merge")

	conflictCmd.AddCommand(conflictListCmd)
	conflictCmd.AddCommand(conflictShowCmd)
	conflictCmd.AddCommand(conflictResolveCmd)
	rootCmd.AddCommand(conflictCmd)
}
