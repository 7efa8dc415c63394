package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "data",
	Short:   "Add and edit tasks",
	Long: `Add and edit tasks of a project. Projects and tasks can be referred to by a
unique id prefix. Changes apply locally right away and are delivered to the
central store in the background.`,
}

var taskListCmd = &cobra.Command{
	Use:   "list <project>",
	Short: "List the tasks of a project",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store := openCache()
		defer store.Close()

		projects, err := store.LoadWorkingSet(cmd.Context())
		if err != nil {
			fatalf("failed to load projects: %v", err)
		}
		p := matchProject(projects, args[0])
		status, _ := cmd.Flags().GetString("status")

		tasks := make([]schema.Task, 0, len(p.Tasks))
		for _, t := range p.Tasks {
			if status == "" || t.Status == status {
				tasks = append(tasks, t)
			}
		}
		sort.SliceStable(tasks, func(i, j int) bool {
			if tasks[i].Stage != tasks[j].Stage {
				return tasks[i].Stage < tasks[j].Stage
			}
			return tasks[i].Rank < tasks[j].Rank
		})
		if jsonOutput() {
			printJSON(tasks)
			return
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetStyle(table.StyleLight)
		tw.AppendHeader(table.Row{"ID", "Stage", "P", "Status", "Title", "Parent", "Due"})
		for _, t := range tasks {
			parent, due := "", ""
			if t.ParentID != nil {
				parent = shortID(*t.ParentID)
			}
			if t.DueAt != nil {
				due = t.DueAt.Format(time.DateOnly)
			}
			tw.AppendRow(table.Row{shortID(t.ID), t.Stage, fmt.Sprintf("P%d", t.Priority), t.Status, t.Title, parent, due})
		}
		tw.Render()
	},
}

var taskAddCmd = &cobra.Command{
	Use:   "add <project> <title>",
	Short: "Add a task",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s := openEngine(ctx, false)
		p := matchProject(s.engine.WorkingSet(), args[0])

		task := schema.Task{Title: strings.Join(args[1:], " ")}
		task.Body, _ = cmd.Flags().GetString("body")
		task.Status, _ = cmd.Flags().GetString("status")
		task.Priority, _ = cmd.Flags().GetInt("priority")
		task.Stage, _ = cmd.Flags().GetInt("stage")
		if ref, _ := cmd.Flags().GetString("parent"); ref != "" {
			task.ParentID = schema.StringPtr(matchTask(p, ref, false).ID)
		}
		if due, _ := cmd.Flags().GetString("due"); due != "" {
			at := parseDue(due)
			task.DueAt = &at
		}

		tempID, err := s.engine.CreateTask(ctx, p.ID, task)
		if err != nil {
			s.close()
			fatalf("failed to add task: %v", err)
		}

		left := s.wait(syncTimeout(cmd))
		id := tempID
		if permanent, ok := s.engine.ResolveTempID(tempID); ok {
			id = permanent
		}
		fmt.Printf("%s Added %s to %s\n", ui.RenderPass("✓"), id, p.Name)
		if left > 0 {
			fmt.Printf("%s %d change(s) queued, run 'tasksync queue sync' when online\n", ui.RenderWarn("!"), left)
		}
		s.close()
	},
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update <project> <task>",
	Short: "Change the title, body, status, priority or due date of a task",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		changed := false
		for _, name := range []string{"title", "body", "status", "priority", "due"} {
			changed = changed || flags.Changed(name)
		}
		if !changed {
			fatalf("nothing to update; pass --title, --body, --status, --priority or --due")
		}
		var due *time.Time
		if flags.Changed("due") {
			if raw, _ := flags.GetString("due"); raw != "" {
				at := parseDue(raw)
				due = &at
			}
		}

		editTask(cmd, args, "Updated", func(t *schema.Task) error {
			if flags.Changed("title") {
				t.Title, _ = flags.GetString("title")
			}
			if flags.Changed("body") {
				t.Body, _ = flags.GetString("body")
			}
			if flags.Changed("status") {
				t.Status, _ = flags.GetString("status")
			}
			if flags.Changed("priority") {
				t.Priority, _ = flags.GetInt("priority")
			}
			if flags.Changed("due") {
				t.DueAt = due
			}
			return nil
		})
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <project> <task>",
	Short: "Mark a task done",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		editTask(cmd, args, "Completed", func(t *schema.Task) error {
			t.Status = schema.StatusDone
			return nil
		})
	},
}

// editTask applies fn to one task and waits for delivery.
func editTask(cmd *cobra.Command, args []string, verb string, fn func(t *schema.Task) error) {
	ctx := cmd.Context()
	s := openEngine(ctx, false)
	p := matchProject(s.engine.WorkingSet(), args[0])
	t := matchTask(p, args[1], false)

	if err := s.engine.UpdateTask(ctx, p.ID, t.ID, fn); err != nil {
		s.close()
		fatalf("failed to update %s: %v", t.ID, err)
	}
	fmt.Printf("%s %s %s\n", ui.RenderPass("✓"), verb, t.ID)
	s.finish(syncTimeout(cmd))
}

var taskRemoveCmd = &cobra.Command{
	Use:     "rm <project> <task>",
	Aliases: []string{"delete"},
	Short:   "Delete a task (restorable)",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s := openEngine(ctx, false)
		p := matchProject(s.engine.WorkingSet(), args[0])
		t := matchTask(p, args[1], false)

		if err := s.engine.DeleteTask(ctx, p.ID, t.ID); err != nil {
			s.close()
			fatalf("failed to delete %s: %v", t.ID, err)
		}
		fmt.Printf("%s Deleted %s, undo with 'tasksync task restore %s %s'\n",
			ui.RenderPass("✓"), t.ID, shortID(p.ID), shortID(t.ID))
		s.finish(syncTimeout(cmd))
	},
}

var taskRestoreCmd = &cobra.Command{
	Use:   "restore <project> <task>",
	Short: "Restore a deleted task to its previous place",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s := openEngine(ctx, false)
		p := matchProject(s.engine.WorkingSet(), args[0])
		full, _ := s.engine.Project(p.ID)
		t := matchTask(full, args[1], true)
		if !t.IsDeleted() {
			s.close()
			fatalf("%s is not deleted", t.ID)
		}

		if err := s.engine.RestoreTask(ctx, p.ID, t.ID); err != nil {
			s.close()
			fatalf("failed to restore %s: %v", t.ID, err)
		}
		fmt.Printf("%s Restored %s\n", ui.RenderPass("✓"), t.ID)
		s.finish(syncTimeout(cmd))
	},
}

var taskMoveCmd = &cobra.Command{
	Use:   "move <project> <task>",
	Short: "Move a task to another parent or stage",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s := openEngine(ctx, false)
		p := matchProject(s.engine.WorkingSet(), args[0])
		t := matchTask(p, args[1], false)

		parentID := t.ParentID
		if root, _ := cmd.Flags().GetBool("root"); root {
			parentID = nil
		} else if ref, _ := cmd.Flags().GetString("parent"); ref != "" {
			parentID = schema.StringPtr(matchTask(p, ref, false).ID)
		}
		stage := t.Stage
		if cmd.Flags().Changed("stage") {
			stage, _ = cmd.Flags().GetInt("stage")
		}

		if err := s.engine.MoveTask(ctx, p.ID, t.ID, parentID, stage); err != nil {
			s.close()
			fatalf("failed to move %s: %v", t.ID, err)
		}
		fmt.Printf("%s Moved %s to stage %d\n", ui.RenderPass("✓"), t.ID, stage)
		s.finish(syncTimeout(cmd))
	},
}

var taskLinkCmd = &cobra.Command{
	Use:   "link <project> <source> <target>",
	Short: "Connect two tasks",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s := openEngine(ctx, false)
		p := matchProject(s.engine.WorkingSet(), args[0])
		conn := schema.Connection{
			Source: matchTask(p, args[1], false).ID,
			Target: matchTask(p, args[2], false).ID,
		}
		conn.Label, _ = cmd.Flags().GetString("label")

		if err := s.engine.Connect(ctx, p.ID, conn); err != nil {
			s.close()
			fatalf("failed to connect: %v", err)
		}
		fmt.Printf("%s Connected %s -> %s\n", ui.RenderPass("✓"), shortID(conn.Source), shortID(conn.Target))
		s.finish(syncTimeout(cmd))
	},
}

var taskUnlinkCmd = &cobra.Command{
	Use:   "unlink <project> <source> <target>",
	Short: "Remove a connection between two tasks",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s := openEngine(ctx, false)
		p := matchProject(s.engine.WorkingSet(), args[0])
		conn := schema.Connection{
			Source: matchTask(p, args[1], false).ID,
			Target: matchTask(p, args[2], false).ID,
		}

		if err := s.engine.Disconnect(ctx, p.ID, conn.Key()); err != nil {
			s.close()
			fatalf("failed to disconnect: %v", err)
		}
		fmt.Printf("%s Disconnected %s -> %s\n", ui.RenderPass("✓"), shortID(conn.Source), shortID(conn.Target))
		s.finish(syncTimeout(cmd))
	},
}

// matchTask finds a task by id or unique id prefix. Tombstoned tasks only
// match when deleted is set.
func matchTask(p schema.Project, ref string, deleted bool) schema.Task {
	var found []schema.Task
	for _, t := range p.Tasks {
		if t.IsDeleted() && !deleted {
			continue
		}
		if t.ID == ref {
			return t
		}
		if strings.HasPrefix(t.ID, ref) {
			found = append(found, t)
		}
	}
	switch len(found) {
	case 0:
		fatalf("no task in %s matches %s", p.Name, ref)
	case 1:
	default:
		fatalf("%s is ambiguous (%d tasks)", ref, len(found))
	}
	return found[0]
}

func parseDue(s string) time.Time {
	at, err := time.ParseInLocation(time.DateOnly, s, time.Local)
	if err != nil {
		fatalf("invalid due date %q, expected YYYY-MM-DD", s)
	}
	return at
}

func init() {
	taskListCmd.Flags().String("status", "", "only show tasks with this status")

	taskAddCmd.Flags().String("body", "", "task description")
	taskAddCmd.Flags().String("status", schema.StatusTodo, "todo, in_progress, blocked or done")
	taskAddCmd.Flags().IntP("priority", "p", 2, "priority 0-4 (0 = critical)")
	taskAddCmd.Flags().Int("stage", 1, "stage (column) of the task")
	taskAddCmd.Flags().String("parent", "", "parent task")
	taskAddCmd.Flags().String("due", "", "due date (YYYY-MM-DD)")

	taskUpdateCmd.Flags().String("title", "", "new title")
	taskUpdateCmd.Flags().String("body", "", "new description")
	taskUpdateCmd.Flags().String("status", "", "todo, in_progress, blocked or done")
	taskUpdateCmd.Flags().IntP("priority", "p", 2, "priority 0-4")
	taskUpdateCmd.Flags().String("due", "", "due date (YYYY-MM-DD, empty to clear)")

	taskMoveCmd.Flags().String("parent", "", "new parent task")
	taskMoveCmd.Flags().Bool("root", false, "move to the top level")
	taskMoveCmd.Flags().Int("stage", 1, "target stage")
	taskMoveCmd.MarkFlagsMutuallyExclusive("parent", "root")

	taskLinkCmd.Flags().String("label", "", "connection label")

	for _, c := range []*cobra.Command{taskAddCmd, taskUpdateCmd, taskDoneCmd, taskRemoveCmd,
		taskRestoreCmd, taskMoveCmd, taskLinkCmd, taskUnlinkCmd} {
		c.Flags().Duration("timeout", 10*time.Second, "how long to wait for the central store")
		taskCmd.AddCommand(c)
	}
	taskCmd.AddCommand(taskListCmd)
	rootCmd.AddCommand(taskCmd)
}
