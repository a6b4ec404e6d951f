package tui

import (
	"time"

	"github.com/swarmauri/peagen/internal/gateway"
	"github.com/swarmauri/peagen/internal/models"
)

// TaskItem is a summary of a task for the list view
type TaskItem struct {
	ID              string
	Action          string
	Repo            string
	State           models.TaskState
	Attempts        int
	CancelRequested bool
	Labels          []string
	UpdatedAt       time.Time
}

func taskItem(t models.Task) TaskItem {
	return TaskItem{
		ID:              t.ID,
		Action:          t.Action,
		Repo:            t.Repo,
		State:           t.State,
		Attempts:        t.Attempts,
		CancelRequested: t.CancelRequested,
		Labels:          t.Labels,
		UpdatedAt:       t.UpdatedAt,
	}
}

// TaskDetail is the full task information: dispatch row, status timeline,
// committed revisions and the live lease.
type TaskDetail = gateway.TaskDetail

// WorkerItem is one row of the worker panel
type WorkerItem struct {
	ID            string
	Pool          string
	Handlers      []string
	Live          bool
	LastHeartbeat time.Time
}
