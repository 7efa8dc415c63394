package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and drain the retry queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		store := openCache()
		defer store.Close()
		q := openQueue(ctx, store)
		defer q.Close()

		actions := q.Actions()
		if jsonOutput() {
			printJSON(actions)
			return
		}
		if len(actions) == 0 {
			fmt.Printf("%s Queue is empty\n", ui.RenderPass("✓"))
			return
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetStyle(table.StyleLight)
		tw.AppendHeader(table.Row{"ID", "Action", "Entity", "Priority", "Retries", "Next attempt", "Last error"})
		for _, a := range actions {
			next := "now"
			if a.NextAttemptAt != nil {
				next = a.NextAttemptAt.Format("15:04:05")
			}
			tw.AppendRow(table.Row{shortID(a.ID), a.Key(), shortID(a.EntityID), a.Priority, a.RetryCount, next, a.LastError})
		}
		tw.Render()
	},
}

var queueSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push local changes and drain the queue",
	Long: `Go online, upload projects the central store is missing or behind on, and
deliver every queued action. Actions that still fail stay queued with backoff.`,
	Run: func(cmd *cobra.Command, args []string) {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		s := openEngine(ctx, false)
		res, err := s.engine.Reconnect(ctx)
		if err != nil {
			s.close()
			fatalf("%v", err)
		}
		left := s.wait(timeout)

		fmt.Printf("%s Uploaded %d, pushed %d, %d still conflicted\n",
			ui.RenderPass("✓"), len(res.Uploaded), len(res.Pushed), len(res.StillConflicted))
		if left > 0 {
			fmt.Printf("%s %d action(s) still queued\n", ui.RenderWarn("!"), left)
		}
		if st := s.engine.State(); st.HasConflict {
			fmt.Printf("%s %d conflict(s), see 'tasksync conflict list'\n", ui.RenderWarn("!"), st.PendingConflicts)
		}
		s.close()
	},
}

var deadLetterCmd = &cobra.Command{
	Use:     "deadletter",
	Aliases: []string{"dlq"},
	GroupID: "sync",
	Short:   "Inspect actions that will not be retried automatically",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		store := openCache()
		defer store.Close()
		q := openQueue(ctx, store)
		defer q.Close()

		dead := q.DeadLetters()
		if jsonOutput() {
			printJSON(dead)
			return
		}
		if len(dead) == 0 {
			fmt.Printf("%s No dead letters\n", ui.RenderPass("✓"))
			return
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetStyle(table.StyleLight)
		tw.AppendHeader(table.Row{"ID", "Action", "Entity", "Priority", "Retries", "Failed", "Reason"})
		for _, dl := range dead {
			a := dl.Action
			tw.AppendRow(table.Row{a.ID, a.Key(), shortID(a.EntityID), a.Priority, a.RetryCount,
				dl.FailedAt.Format(time.DateTime), dl.Reason})
		}
		tw.Render()
	},
}

var deadLetterRetryCmd = &cobra.Command{
	Use:   "retry <action-id>",
	Short: "Move a dead letter back into the queue",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		store := openCache()
		defer store.Close()
		q := openQueue(ctx, store)
		defer q.Close()

		if err := q.RetryDeadLetter(ctx, args[0]); err != nil {
			fatalf("failed to retry %s: %v", args[0], err)
		}
		fmt.Printf("%s Requeued %s; run 'tasksync queue sync' to deliver it\n", ui.RenderPass("✓"), args[0])
	},
}

var deadLetterDismissCmd = &cobra.Command{
	Use:   "dismiss <action-id>",
	Short: "Drop a dead letter",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		store := openCache()
		defer store.Close()
		q := openQueue(ctx, store)
		defer q.Close()

		ok, err := ui.Confirm(fmt.Sprintf("Drop %s for good?", args[0]), true)
		if err != nil {
			fatalf("%v", err)
		}
		if !ok {
			return
		}
		if err := q.DismissDeadLetter(ctx, args[0]); err != nil {
			fatalf("failed to dismiss %s: %v", args[0], err)
		}
		fmt.Printf("%s Dismissed %s\n", ui.RenderPass("✓"), args[0])
	},
}

var deadLetterSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Drop dead letters older than the configured TTL",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		store := openCache()
		defer store.Close()
		q := openQueue(ctx, store)
		defer q.Close()

		n, err := q.SweepDeadLetters(ctx)
		if err != nil {
			fatalf("failed to sweep: %v", err)
		}
		fmt.Printf("%s Swept %d dead letter(s)\n", ui.RenderPass("✓"), n)
	},
}

func init() {
	queueSyncCmd.Flags().Duration("timeout", 30*time.Second, "how long to wait for delivery")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueSyncCmd)
	rootCmd.AddCommand(queueCmd)

	deadLetterCmd.AddCommand(deadLetterListCmd)
	deadLetterCmd.AddCommand(deadLetterRetryCmd)
	deadLetterCmd.AddCommand(deadLetterDismissCmd)
	deadLetterCmd.AddCommand(deadLetterSweepCmd)
	rootCmd.AddCommand(deadLetterCmd)
}
