package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/openfroyo/froyoplan/pkg/engine"
	"github.com/openfroyo/froyoplan/pkg/stores"
)

var (
	primaryColor   = lipgloss.Color("#7D56F4") // Purple accent
	secondaryColor = lipgloss.Color("#6C6C6C") // Gray for secondary text
	successColor   = lipgloss.Color("#73F59F")
	warningColor   = lipgloss.Color("#F5C773")
	errorColor     = lipgloss.Color("#FF6B6B")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	subtleStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)

	successStyle = lipgloss.NewStyle().
			Foreground(successColor)

	warningStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)
)

// stateStyle colours a plan, task or lock state.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case string(engine.PlanComplete), string(engine.TaskSuccess), string(engine.LockUnlocked):
		return successStyle
	case string(engine.PlanFailed):
		return errorStyle
	case string(engine.PlanStopped), string(engine.PlanStopping),
		string(engine.LockPending), string(engine.UnlockPending), string(engine.LockLocked):
		return warningStyle
	case string(engine.PlanRunning):
		return titleStyle
	default:
		return subtleStyle
	}
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(subtleStyle).
		Headers(headers...)
}

// stateColumn styles the given column of every body row by its state text.
func stateColumn(rows [][]string, col int) func(row, c int) lipgloss.Style {
	return func(row, c int) lipgloss.Style {
		if row == table.HeaderRow {
			return headerStyle
		}
		if c == col && row >= 0 && row < len(rows) {
			return stateStyle(rows[row][col]).Padding(0, 1)
		}
		return cellStyle
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderPlan prints the plan summary and one table row per task.
func renderPlan(w io.Writer, plan *engine.Plan) {
	counts := make(map[engine.TaskState]int)
	for _, t := range plan.Tasks() {
		counts[t.State]++
	}

	fmt.Fprintln(w, titleStyle.Render("Plan "+plan.ID))
	fmt.Fprintf(w, "  State:   %s\n", stateStyle(string(plan.State)).Render(string(plan.State)))
	fmt.Fprintf(w, "  Digest:  %s\n", subtleStyle.Render(plan.Digest))
	fmt.Fprintf(w, "  Phases:  %d\n", len(plan.Phases))
	fmt.Fprintf(w, "  Tasks:   %d (%d succeeded, %d failed, %d stopped, %d pending)\n",
		len(plan.Tasks()), counts[engine.TaskSuccess], counts[engine.TaskFailed],
		counts[engine.TaskStopped], counts[engine.TaskInitial]+counts[engine.TaskRunning])
	fmt.Fprintln(w)

	if len(plan.Phases) == 0 {
		fmt.Fprintln(w, subtleStyle.Render("Nothing to do."))
		return
	}

	var rows [][]string
	for _, ph := range plan.Phases {
		phase := strconv.Itoa(ph.Index)
		if ph.Cleanup {
			phase += " (cleanup)"
		}
		for _, t := range ph.Tasks {
			rows = append(rows, []string{
				phase,
				t.ID.Node,
				string(t.Kind),
				t.ID.CallType + "/" + t.ID.CallID,
				string(t.State),
				t.Message,
			})
		}
	}

	tbl := newTable("PHASE", "NODE", "KIND", "TASK", "STATE", "MESSAGE").
		Rows(rows...).
		StyleFunc(stateColumn(rows, 4))
	fmt.Fprintln(w, tbl.Render())
}

// renderLocks prints node locks sorted by node.
func renderLocks(w io.Writer, locks map[string]engine.NodeLock) {
	if len(locks) == 0 {
		fmt.Fprintln(w, subtleStyle.Render("No node locks recorded."))
		return
	}

	nodes := make([]string, 0, len(locks))
	for n := range locks {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	rows := make([][]string, 0, len(nodes))
	for _, n := range nodes {
		l := locks[n]
		rows = append(rows, []string{
			n,
			string(l.State),
			strconv.FormatBool(l.IsLocked()),
			l.LockTask,
			l.UnlockTask,
			l.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}

	tbl := newTable("NODE", "STATE", "LOCKED", "LOCK TASK", "UNLOCK TASK", "UPDATED").
		Rows(rows...).
		StyleFunc(stateColumn(rows, 1))
	fmt.Fprintln(w, tbl.Render())
}

// renderEvents prints audit trail entries oldest first.
func renderEvents(w io.Writer, records []*stores.EventRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, subtleStyle.Render("No events recorded."))
		return
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		subject := r.Event.Node
		if r.Event.Task != nil {
			subject = r.Event.Task.String()
		}
		transition := r.Event.To
		if r.Event.From != "" {
			transition = r.Event.From + " -> " + r.Event.To
		}
		rows = append(rows, []string{
			r.Event.Timestamp.Format("15:04:05.000"),
			string(r.Event.Type),
			subject,
			transition,
			r.Event.Message,
		})
	}

	tbl := newTable("TIME", "TYPE", "SUBJECT", "TRANSITION", "MESSAGE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	fmt.Fprintln(w, tbl.Render())
}
