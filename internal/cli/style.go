package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/reelgate/reelgate/internal/artifact"
	"github.com/reelgate/reelgate/internal/job"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	runStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFD7"))
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func stateStyle(s job.State) lipgloss.Style {
	switch s {
	case job.StateComplete:
		return okStyle
	case job.StateFailed:
		return errorStyle
	case job.StateRunning:
		return runStyle
	default:
		return mutedStyle
	}
}

type column struct {
	title string
	width int
}

var jobColumns = []column{
	{"ID", 36},
	{"STATE", 9},
	{"PHASE", 9},
	{"PROG", 5},
	{"PRIO", 4},
	{"CLASS", 8},
	{"AGE", 8},
}

// formatJobs renders records as an aligned table, one row per job.
func formatJobs(recs []*job.Record, now time.Time) string {
	if len(recs) == 0 {
		return mutedStyle.Render("No jobs.") + "\n"
	}
	var b strings.Builder
	var head []string
	for _, c := range jobColumns {
		head = append(head, lipgloss.NewStyle().Width(c.width).Render(c.title))
	}
	b.WriteString(titleStyle.Render(strings.Join(head, " ")))
	b.WriteString("\n")

	for _, r := range recs {
		state := r.State()
		cells := []string{
			r.ID,
			stateStyle(state).Render(string(state)),
			r.Phase.String(),
			fmt.Sprintf("%d%%", r.Progress),
			fmt.Sprint(r.Priority),
			string(r.Class),
			now.Sub(r.CreatedAt).Truncate(time.Second).String(),
		}
		row := make([]string, len(cells))
		for i, c := range cells {
			row[i] = lipgloss.NewStyle().Width(jobColumns[i].width).Render(c)
		}
		b.WriteString(strings.Join(row, " "))
		b.WriteString("\n")
		if r.Error != "" {
			b.WriteString("  " + errorStyle.Render(r.Error) + "\n")
		}
	}
	return b.String()
}

// formatArtifacts renders a job's output files inside a panel.
func formatArtifacts(dir string, files []artifact.Info) string {
	var lines []string
	lines = append(lines, titleStyle.Render("Artifacts")+" "+mutedStyle.Render(dir))
	if len(files) == 0 {
		lines = append(lines, mutedStyle.Render("(none)"))
	}
	for _, f := range files {
		lines = append(lines, fmt.Sprintf("%-28s %s", f.Name, mutedStyle.Render(humanSize(f.Size))))
	}
	return panelStyle.Render(strings.Join(lines, "\n")) + "\n"
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
