package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/swarmauri/peagen/internal/models"
)

var filters = []models.TaskState{
	"",
	models.TaskStateQueued,
	models.TaskStateAssigned,
	models.TaskStateRunning,
	models.TaskStateCommitted,
	models.TaskStateFailed,
	models.TaskStateRejected,
	models.TaskStateCancelled,
}
var filterNames = []string{"ALL", "QUEUED", "ASSIGNED", "RUNNING", "COMMITTED", "FAILED", "REJECTED", "CANCELLED"}

func formatState(state models.TaskState) string {
	switch state {
	case models.TaskStateQueued:
		return lipgloss.NewStyle().Foreground(warningColor).Render("○ QUEUED")
	case models.TaskStateAssigned:
		return lipgloss.NewStyle().Foreground(secondaryColor).Render("◐ ASSIGNED")
	case models.TaskStateRunning:
		return lipgloss.NewStyle().Foreground(primaryColor).Render("◑ RUNNING")
	case models.TaskStateLeaseExpired:
		return lipgloss.NewStyle().Foreground(warningColor).Render("◌ EXPIRED")
	case models.TaskStateCommitted:
		return lipgloss.NewStyle().Foreground(successColor).Render("● COMMITTED")
	case models.TaskStateFailed:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ FAILED")
	case models.TaskStateRejected:
		return lipgloss.NewStyle().Foreground(errorColor).Render("⊘ REJECTED")
	case models.TaskStateCancelled:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("– CANCELLED")
	default:
		return string(state)
	}
}

func formatStatePlain(state models.TaskState) string {
	switch state {
	case models.TaskStateQueued:
		return "○"
	case models.TaskStateAssigned:
		return "◐"
	case models.TaskStateRunning:
		return "◑"
	case models.TaskStateLeaseExpired:
		return "◌"
	case models.TaskStateCommitted:
		return "●"
	case models.TaskStateFailed:
		return "✗"
	case models.TaskStateRejected:
		return "⊘"
	case models.TaskStateCancelled:
		return "–"
	default:
		return "?"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func taskLabel(t TaskItem) string {
	label := fmt.Sprintf("%s  %-6s %s", shortID(t.ID), t.Action, t.Repo)
	if t.Attempts > 1 {
		label += fmt.Sprintf("  (attempt %d)", t.Attempts)
	}
	if t.CancelRequested && !t.State.IsTerminal() {
		label += "  [cancelling]"
	}
	return label
}

func (a *App) renderTaskList(height int) string {
	if a.loading && len(a.tasks) == 0 {
		return "\n  Loading tasks...\n"
	}
	if len(a.tasks) == 0 {
		return "\n  No tasks found. Type: write <repo> <path> <content> to submit one.\n"
	}

	var lines []string
	for i, task := range a.tasks {
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render(fmt.Sprintf("▶ %s  %s", formatStatePlain(task.State), taskLabel(task))))
		} else {
			lines = append(lines, taskItemStyle.Render(fmt.Sprintf("  %s  %s", formatState(task.State), taskLabel(task))))
		}
	}

	// Keep the selection in view.
	if len(lines) > height {
		start := a.selectedIdx - height/2
		if start < 0 {
			start = 0
		}
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}

	return strings.Join(lines, "\n")
}
