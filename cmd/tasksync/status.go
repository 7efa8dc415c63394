package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/conflict"
	"github.com/tasksync/tasksync/internal/engine"
	"github.com/tasksync/tasksync/internal/remote"
	"github.com/tasksync/tasksync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync state, queue backlog and conflicts",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		store := openCache()
		defer store.Close()
		q := openQueue(ctx, store)
		defer q.Close()

		ids, err := store.ProjectIDs(ctx, false)
		if err != nil {
			fatalf("failed to list projects: %v", err)
		}
		records, err := conflict.NewCacheStore(store).ListConflicts(ctx)
		if err != nil {
			fatalf("failed to list conflicts: %v", err)
		}

		client := remoteClient()
		state := engine.SyncState{
			HasConflict:      len(records) > 0,
			PendingConflicts: len(records),
			SessionExpired:   client.SessionExpired(),
		}
		if len(records) > 0 {
			state.Conflict = &records[0]
		}
		if _, err := client.List(ctx); err != nil {
			state.LastError = err.Error()
			state.SessionExpired = state.SessionExpired || errors.Is(err, remote.ErrSessionExpired)
		} else {
			state.Online = true
		}

		counts := ui.Counts{Queued: q.Len(), DeadLetters: len(q.DeadLetters()), Projects: len(ids)}
		if jsonOutput() {
			printJSON(map[string]any{
				"online":          state.Online,
				"session_expired": state.SessionExpired,
				"last_error":      state.LastError,
				"conflicts":       state.PendingConflicts,
				"queued":          counts.Queued,
				"dead_letters":    counts.DeadLetters,
				"projects":        counts.Projects,
				"remote":          cfg.Remote.URL,
			})
			return
		}

		fmt.Printf("\n%s tasksync %s\n\n", ui.RenderAccent("*"), cfg.Remote.URL)
		fmt.Println(ui.Status(state, counts))
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
