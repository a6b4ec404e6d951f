package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)
)

const timeLayout = "2006-01-02 15:04:05.000"

func renderField(label, value string) string {
	return fmt.Sprintf("  %s %s\n", labelStyle.Render(label+":"), valueStyle.Render(value))
}

func (a *App) renderTaskDetail(height int) string {
	d := a.currentTask
	if d == nil || d.Task == nil {
		return "\n  Loading...\n"
	}
	t := d.Task

	var b strings.Builder
	b.WriteString(fmt.Sprintf("\n  %s\n", lipgloss.NewStyle().Bold(true).Render(t.Action+" "+t.Repo)))
	b.WriteString(renderField("ID", t.ID))
	b.WriteString(renderField("State", formatState(t.State)))
	b.WriteString(renderField("Pool", t.Pool))
	b.WriteString(renderField("Spec", truncate(string(t.Spec), 70)))
	b.WriteString(renderField("Attempts", fmt.Sprintf("%d", t.Attempts)))
	if len(t.Labels) > 0 {
		b.WriteString(renderField("Labels", strings.Join(t.Labels, ", ")))
	}
	if t.FanoutID != "" {
		b.WriteString(renderField("Fan-out", t.FanoutID))
	}
	if t.CancelRequested {
		b.WriteString(renderField("Cancel", "requested"))
	}
	if d.Lease != nil {
		b.WriteString(renderField("Lease", fmt.Sprintf("%s (attempt %d, %s left)",
			d.Lease.WorkerID, d.Lease.Attempt, formatDuration(d.Lease.ExpiresAt.Sub(a.now())))))
	}

	b.WriteString(sectionStyle.Render("  Timeline"))
	b.WriteString("\n")
	for _, e := range d.Status {
		line := fmt.Sprintf("    %s  %s", e.Timestamp.Local().Format(timeLayout), formatState(e.State))
		if e.Detail != "" {
			line += "  " + labelStyle.Render(truncate(e.Detail, 60))
		}
		b.WriteString(line + "\n")
	}

	if len(d.Revisions) > 0 {
		b.WriteString(sectionStyle.Render("  Revisions"))
		b.WriteString("\n")
		for _, r := range d.Revisions {
			parent := "(root)"
			if r.ParentHash != "" {
				parent = shortID(r.ParentHash)
			}
			b.WriteString(fmt.Sprintf("    %s ← %s  tree %s  by %s\n",
				lipgloss.NewStyle().Foreground(successColor).Render(shortID(r.RevHash)),
				parent, shortID(r.TreeOID), r.WorkerID))
		}
	}

	lines := strings.Split(b.String(), "\n")
	if a.scroll >= len(lines) {
		a.scroll = len(lines) - 1
	}
	if a.scroll < 0 {
		a.scroll = 0
	}
	visible := lines[a.scroll:]
	if len(visible) > height {
		visible = visible[:height]
	}
	return strings.Join(visible, "\n")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
