// Package ui renders sync status and conflicts for the terminal.
package ui

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tasksync/tasksync/internal/conflict"
	"github.com/tasksync/tasksync/internal/engine"
	"github.com/tasksync/tasksync/internal/schema"
)

// ErrNotInteractive is returned by prompts when stdin or stdout is not a
// terminal.
var ErrNotInteractive = errors.New("not a terminal")

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(12)
	titleStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).Width(38)

	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

// RenderPass, RenderWarn, RenderFail and RenderAccent color short markers
// in command output.
func RenderPass(s string) string   { return okStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return errStyle.Render(s) }
func RenderAccent(s string) string { return accentStyle.Render(s) }

// Counts are the queue figures shown next to the sync state.
type Counts struct {
	Queued      int
	DeadLetters int
	Projects    int
}

// Status renders the sync state as a short labelled block.
func Status(s engine.SyncState, c Counts) string {
	var b strings.Builder

	conn := okStyle.Render("online")
	if !s.Online {
		conn = warnStyle.Render("offline")
	}
	if s.Syncing {
		conn += " (syncing)"
	}
	row(&b, "connection", conn)

	if s.SessionExpired {
		row(&b, "session", errStyle.Render("expired"))
	}
	row(&b, "projects", fmt.Sprint(c.Projects))

	queued := fmt.Sprint(c.Queued)
	if c.Queued > 0 {
		queued = warnStyle.Render(queued)
	}
	row(&b, "queued", queued)

	dead := fmt.Sprint(c.DeadLetters)
	if c.DeadLetters > 0 {
		dead = errStyle.Render(dead)
	}
	row(&b, "dead", dead)

	if s.HasConflict {
		row(&b, "conflicts", warnStyle.Render(fmt.Sprint(s.PendingConflicts)))
	}
	if s.LastError != "" {
		row(&b, "last error", errStyle.Render(s.LastError))
	}
	return strings.TrimRight(b.String(), "\n")
}

func row(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(label))
	b.WriteString(value)
	b.WriteString("\n")
}

// Conflict renders both sides of a conflict next to each other, listing
// the tasks whose content differs.
func Conflict(rec conflict.Record) string {
	changed := ChangedTasks(rec.Local, rec.Remote)
	left := side("local", rec.Local, changed)
	right := side("remote", rec.Remote, changed)
	header := titleStyle.Render(fmt.Sprintf("Conflict on %s", rec.ProjectID))
	return lipgloss.JoinVertical(lipgloss.Left, header,
		lipgloss.JoinHorizontal(lipgloss.Top, panelStyle.Render(left), panelStyle.Render(right)))
}

func side(name string, p schema.Project, changed []string) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(name))
	b.WriteString("\n")
	row(&b, "name", p.Name)
	row(&b, "version", fmt.Sprint(p.Version))
	row(&b, "updated", p.UpdatedAt.Format("2006-01-02 15:04:05"))
	live := 0
	for i := range p.Tasks {
		if !p.Tasks[i].IsDeleted() {
			live++
		}
	}
	row(&b, "tasks", fmt.Sprint(live))
	for _, id := range changed {
		t := p.Task(id)
		switch {
		case t == nil:
			b.WriteString(warnStyle.Render("- " + id + " (missing)"))
		case t.IsDeleted():
			b.WriteString(warnStyle.Render("- " + t.Title + " (deleted)"))
		default:
			b.WriteString("* " + t.Title + " [" + t.Status + "]")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ChangedTasks returns the ids of tasks that exist on one side only or
// whose content or tombstone differs, sorted.
func ChangedTasks(local, remote schema.Project) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for i := range local.Tasks {
		lt := &local.Tasks[i]
		rt := remote.Task(lt.ID)
		if rt == nil || !lt.ContentEqual(rt) || lt.IsDeleted() != rt.IsDeleted() {
			add(lt.ID)
		}
	}
	for i := range remote.Tasks {
		if local.Task(remote.Tasks[i].ID) == nil {
			add(remote.Tasks[i].ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Interactive reports whether both stdin and stdout are terminals.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// ChooseStrategy asks the user how to settle a conflict.
func ChooseStrategy(rec conflict.Record) (conflict.Strategy, error) {
	if !Interactive() {
		return "", ErrNotInteractive
	}
	choice := string(conflict.StrategyMerge)
	err := huh.NewSelect[string]().
		Title(fmt.Sprintf("Resolve conflict on %q", rec.Local.Name)).
		Description(fmt.Sprintf("local v%d, remote v%d", rec.Local.Version, rec.Remote.Version)).
		Options(
			huh.NewOption("Merge both sides", string(conflict.StrategyMerge)),
			huh.NewOption("Keep my changes", string(conflict.StrategyLocal)),
			huh.NewOption("Take the remote copy", string(conflict.StrategyRemote)),
		).
		Value(&choice).
		Run()
	if err != nil {
		return "", err
	}
	return conflict.ParseStrategy(choice)
}

// Confirm asks a yes/no question; it returns def when not interactive.
func Confirm(question string, def bool) (bool, error) {
	if !Interactive() {
		return def, nil
	}
	answer := def
	if err := huh.NewConfirm().Title(question).Value(&answer).Run(); err != nil {
		return false, err
	}
	return answer, nil
}
