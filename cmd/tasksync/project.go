package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tasksync/tasksync/internal/cache"
	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/ui"
)

var projectCmd = &cobra.Command{
	Use:     "project",
	GroupID: "data",
	Short:   "Manage projects",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects in the local cache",
	Run: func(cmd *cobra.Command, args []string) {
		store := openCache()
		defer store.Close()

		projects, err := store.LoadWorkingSet(cmd.Context())
		if err != nil {
			fatalf("failed to load projects: %v", err)
		}
		if jsonOutput() {
			printJSON(projects)
			return
		}
		if len(projects) == 0 {
			fmt.Println("No projects. Create one with 'tasksync project create <name>'")
			return
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetStyle(table.StyleLight)
		tw.AppendHeader(table.Row{"ID", "Name", "Version", "Tasks", "Done", "Updated"})
		for _, p := range projects {
			done := 0
			for _, t := range p.Tasks {
				if t.Status == schema.StatusDone {
					done++
				}
			}
			tw.AppendRow(table.Row{p.ID, p.Name, p.Version, len(p.Tasks), done, p.UpdatedAt.Local().Format(time.DateTime)})
		}
		tw.Render()
	},
}

// projectView is the YAML rendering of a project; tombstones are omitted.
type projectView struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Version     int64      `yaml:"version"`
	UpdatedAt   string     `yaml:"updated_at"`
	Tasks       []taskView `yaml:"tasks,omitempty"`
	Connections []string   `yaml:"connections,omitempty"`
}

type taskView struct {
	ID       string `yaml:"id"`
	Title    string `yaml:"title"`
	Status   string `yaml:"status"`
	Priority string `yaml:"priority"`
	Stage    int    `yaml:"stage"`
	Parent   string `yaml:"parent,omitempty"`
	Due      string `yaml:"due,omitempty"`
	Body     string `yaml:"body,omitempty"`
}

func viewOf(p schema.Project) projectView {
	v := projectView{
		ID:        p.ID,
		Name:      p.Name,
		Version:   p.Version,
		UpdatedAt: p.UpdatedAt.Format(time.RFC3339),
	}
	for _, t := range p.Tasks {
		tv := taskView{
			ID:       t.ID,
			Title:    t.Title,
			Status:   t.Status,
			Priority: fmt.Sprintf("P%d", t.Priority),
			Stage:    t.Stage,
			Body:     t.Body,
		}
		if t.ParentID != nil {
			tv.Parent = *t.ParentID
		}
		if t.DueAt != nil {
			tv.Due = t.DueAt.Format(time.DateOnly)
		}
		v.Tasks = append(v.Tasks, tv)
	}
	for _, c := range p.Connections {
		edge := c.Source + " -> " + c.Target
		if c.Label != "" {
			edge += " (" + c.Label + ")"
		}
		v.Connections = append(v.Connections, edge)
	}
	return v
}

var projectShowCmd = &cobra.Command{
	Use:   "show <project-id>",
	Short: "Show a project with its tasks",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store := openCache()
		defer store.Close()

		projects, err := store.LoadWorkingSet(cmd.Context())
		if err != nil {
			fatalf("failed to load projects: %v", err)
		}
		p := matchProject(projects, args[0])
		if jsonOutput() {
			printJSON(p)
			return
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(viewOf(p)); err != nil {
			fatalf("failed to render project: %v", err)
		}
		_ = enc.Close()
	},
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s := openEngine(cmd.Context(), false)
		id, err := s.engine.CreateProject(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			s.close()
			fatalf("failed to create project: %v", err)
		}
		fmt.Printf("%s Created project %s\n", ui.RenderPass("✓"), id)
		s.finish(syncTimeout(cmd))
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <project-id>",
	Short: "Delete a project",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s := openEngine(cmd.Context(), false)
		p := matchProject(s.engine.WorkingSet(), args[0])

		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			if !ui.Interactive() {
				s.close()
				fatalf("refusing to delete %s without --yes", p.ID)
			}
			ok, err := ui.Confirm(fmt.Sprintf("Delete %q with %d task(s)?", p.Name, len(p.Tasks)), false)
			if err != nil {
				s.close()
				fatalf("%v", err)
			}
			if !ok {
				s.close()
				return
			}
		}
		if err := s.engine.DeleteProject(cmd.Context(), p.ID); err != nil {
			s.close()
			fatalf("failed to delete project: %v", err)
		}
		fmt.Printf("%s Deleted project %s\n", ui.RenderPass("✓"), p.ID)
		s.finish(syncTimeout(cmd))
	},
}

var projectExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export projects as JSON lines or project files",
	Long: `Write every cached project, tombstones included, as one JSON object per line
to file (or stdout). With --files, write one {id}.json file per live project
instead; the daemon picks up edits to those files.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		store := openCache()
		defer store.Close()

		if files, _ := cmd.Flags().GetBool("files"); files {
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = cfg.ProjectsDir()
			}
			n, err := exportFiles(ctx, store, dir)
			if err != nil {
				fatalf("%v", err)
			}
			fmt.Fprintf(os.Stderr, "%s Wrote %d project file(s) to %s\n", ui.RenderPass("✓"), n, dir)
			return
		}

		var w io.Writer = os.Stdout
		if len(args) == 1 {
			f, err := os.Create(args[0])
			if err != nil {
				fatalf("failed to create %s: %v", args[0], err)
			}
			defer f.Close()
			w = f
		}
		n, err := store.ExportJSONL(ctx, w)
		if err != nil {
			fatalf("failed to export: %v", err)
		}
		fmt.Fprintf(os.Stderr, "%s Exported %d project(s)\n", ui.RenderPass("✓"), n)
	},
}

var projectImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import projects from JSON lines and upload them",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		f, err := os.Open(args[0])
		if err != nil {
			fatalf("failed to open %s: %v", args[0], err)
		}
		defer f.Close()

		store := openCache()
		res, err := store.ImportJSONL(ctx, f)
		closeErr := store.Close()
		if err != nil {
			fatalf("failed to import: %v", err)
		}
		if closeErr != nil {
			fatalf("failed to close cache: %v", closeErr)
		}
		for _, msg := range res.Errors {
			fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderWarn("!"), msg)
		}
		fmt.Printf("%s Imported %d, skipped %d\n", ui.RenderPass("✓"), res.ProjectsImported, res.ProjectsSkipped)
		if res.ProjectsImported == 0 {
			return
		}

		if noSync, _ := cmd.Flags().GetBool("no-sync"); noSync {
			return
		}
		timeout := syncTimeout(cmd)
		syncCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		s := openEngine(syncCtx, false)
		out, err := s.engine.Reconnect(syncCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Upload failed: %v\n", ui.RenderWarn("!"), err)
		} else {
			fmt.Printf("%s Uploaded %d, pushed %d\n", ui.RenderPass("✓"), len(out.Uploaded), len(out.Pushed))
		}
		s.finish(timeout)
	},
}

// exportFiles writes each live project to dir as {id}.json.
func exportFiles(ctx context.Context, store *cache.Store, dir string) (int, error) {
	projects, err := store.LoadWorkingSet(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load projects: %w", err)
	}
	for i := range projects {
		if err := schema.WriteProjectFile(dir, &projects[i]); err != nil {
			return i, err
		}
	}
	return len(projects), nil
}

// matchProject finds a project by id or unique id prefix.
func matchProject(projects []schema.Project, ref string) schema.Project {
	var found []schema.Project
	for _, p := range projects {
		if p.ID == ref {
			return p
		}
		if strings.HasPrefix(p.ID, ref) {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		fatalf("no project matches %s", ref)
	case 1:
	default:
		fatalf("%s is ambiguous (%d projects)", ref, len(found))
	}
	return found[0]
}

func syncTimeout(cmd *cobra.Command) time.Duration {
	if d, err := cmd.Flags().GetDuration("timeout"); err == nil && d > 0 {
		return d
	}
	return 10 * time.Second
}

func init() {
	projectExportCmd.Flags().Bool("files", false, "write one project file per project")
	projectExportCmd.Flags().String("dir", "", "directory for --files (default: <data-dir>/projects)")
	projectDeleteCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	projectImportCmd.Flags().Bool("no-sync", false, "only import into the local cache")
	for _, c := range []*cobra.Command{projectCreateCmd, projectDeleteCmd, projectImportCmd} {
		c.Flags().Duration("timeout", 10*time.Second, "how long to wait for the central store")
	}

	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectShowCmd)
	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectDeleteCmd)
	projectCmd.AddCommand(projectExportCmd)
	projectCmd.AddCommand(projectImportCmd)
	rootCmd.AddCommand(projectCmd)
}
