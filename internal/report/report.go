// Package report renders runs and pipelines for the terminal.
package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/graph"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	borderColor = lipgloss.Color("#444444")

	stateColors = map[string]lipgloss.Color{
		string(v1.StateSucceeded): "#50FA7B",
		string(v1.StateFailed):    "#FF6B6B",
		string(v1.StateSkipped):   "#888888",
		string(v1.StateRetrying):  "#F1FA8C",
		string(v1.StateRunning):   "#5B8DEF",
		string(v1.RunCancelled):   "#FFB86C",
	}
)

func stateStyle(state string) lipgloss.Style {
	if c, ok := stateColors[state]; ok {
		return cellStyle.Foreground(c)
	}
	return cellStyle
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		Headers(headers...)
}

// Run renders one run: a row per task, then the failed tasks with their last
// error and the tasks skipped because of them.
func Run(status *v1.RunStatus) string {
	var b strings.Builder

	title := fmt.Sprintf("%s  run %s  %s", status.Pipeline, status.RunID, status.Phase)
	b.WriteString(titleStyle.Render(title))
	b.WriteByte('\n')
	b.WriteString(mutedStyle.Render(fmt.Sprintf("logical date %s  duration %s",
		status.LogicalDate.UTC().Format(time.RFC3339), runDuration(status))))
	b.WriteByte('\n')

	rows := make([][]string, 0, len(status.Tasks))
	for _, ts := range status.Tasks {
		rows = append(rows, []string{
			ts.Name,
			string(ts.State),
			strconv.Itoa(len(ts.Attempts)),
			lastOutcome(ts),
			taskDuration(ts),
		})
	}
	t := newTable("TASK", "STATE", "ATTEMPTS", "OUTCOME", "DURATION").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 1 && row >= 0 && row < len(rows) {
				return stateStyle(rows[row][1])
			}
			return cellStyle
		})
	b.WriteString(t.String())
	b.WriteByte('\n')

	if failures := Failures(status); failures != "" {
		b.WriteString(failures)
	}
	return b.String()
}

// Failures lists failed tasks with their last error and the skipped tasks.
// It is empty for a run without failures.
func Failures(status *v1.RunStatus) string {
	failed := status.TasksIn(v1.StateFailed)
	skipped := status.TasksIn(v1.StateSkipped)
	if len(failed) == 0 && len(skipped) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(errorStyle.Render("Failures"))
	b.WriteByte('\n')
	for _, id := range failed {
		ts, _ := status.Task(id)
		msg := "failed"
		if n := len(ts.Attempts); n > 0 && ts.Attempts[n-1].Error != "" {
			msg = ts.Attempts[n-1].Error
		}
		fmt.Fprintf(&b, "  ✗ %s after %d attempt(s): %s\n", id, len(ts.Attempts), msg)
	}
	for _, id := range skipped {
		ts, _ := status.Task(id)
		switch {
		case ts.SkippedBy != "":
			fmt.Fprintf(&b, "  - %s skipped by %s\n", id, ts.SkippedBy)
		case ts.Message != "":
			fmt.Fprintf(&b, "  - %s skipped: %s\n", id, ts.Message)
		default:
			fmt.Fprintf(&b, "  - %s skipped\n", id)
		}
	}
	return b.String()
}

// History renders a list of runs, newest first as given.
func History(runs []*v1.RunStatus) string {
	if len(runs) == 0 {
		return mutedStyle.Render("no runs recorded") + "\n"
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		started := "-"
		if r.StartTime != nil {
			started = r.StartTime.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{
			r.RunID,
			r.LogicalDate.UTC().Format(time.RFC3339),
			string(r.Phase),
			started,
			runDuration(r),
			strconv.Itoa(len(r.TasksIn(v1.StateFailed))),
		})
	}
	t := newTable("RUN", "LOGICAL DATE", "PHASE", "STARTED", "DURATION", "FAILED").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 2 && row >= 0 && row < len(rows) {
				return stateStyle(rows[row][2])
			}
			return cellStyle
		})
	return t.String() + "\n"
}

// Graph renders the tasks of g in topological order with their upstream tasks.
func Graph(g *graph.Graph) string {
	rows := make([][]string, 0, g.Len())
	for i, id := range g.TopologicalOrder() {
		n, _ := g.Node(id)
		ups, _ := g.DependenciesOf(id)
		upstream := "-"
		if len(ups) > 0 {
			upstream = strings.Join(ups, ", ")
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			id,
			upstream,
			strconv.Itoa(n.Options.RetryLimit),
			n.Options.RetryDelay.String(),
		})
	}
	t := newTable("#", "TASK", "UPSTREAM", "RETRY LIMIT", "RETRY DELAY").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return titleStyle.Render(g.Name()) + "\n" + t.String() + "\n"
}

func lastOutcome(ts v1.TaskStatus) string {
	if n := len(ts.Attempts); n > 0 && ts.Attempts[n-1].Outcome != "" {
		return string(ts.Attempts[n-1].Outcome)
	}
	return "-"
}

func taskDuration(ts v1.TaskStatus) string {
	n := len(ts.Attempts)
	if n == 0 || ts.Attempts[n-1].EndTime == nil {
		return "-"
	}
	return ts.Attempts[n-1].EndTime.Sub(ts.Attempts[0].StartTime.Time).Round(time.Millisecond).String()
}

func runDuration(status *v1.RunStatus) string {
	if status.StartTime == nil || status.EndTime == nil {
		return "-"
	}
	return status.EndTime.Sub(status.StartTime.Time).Round(time.Millisecond).String()
}
