package tui

import (
	"context"
	"encoding/json"
	"time"

	"github.com/swarmauri/peagen/internal/gateway"
	"github.com/swarmauri/peagen/internal/models"
	"github.com/swarmauri/peagen/internal/tree"
)

// DefaultClientTimeout is the default timeout for gateway calls.
const DefaultClientTimeout = 10 * time.Second

// Client adapts the gateway client to the views.
type Client struct {
	gw *gateway.Client
}

// NewClient creates a client for the gateway at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{gw: gateway.NewClient(baseURL)}
}

func (c *Client) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), DefaultClientTimeout)
}

// ListTasks fetches tasks, optionally filtered by state.
func (c *Client) ListTasks(state models.TaskState) ([]TaskItem, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	tasks, err := c.gw.ListTasks(ctx, state, 200)
	if err != nil {
		return nil, err
	}
	items := make([]TaskItem, len(tasks))
	for i, t := range tasks {
		items[i] = taskItem(t)
	}
	return items, nil
}

// GetTask fetches a task with its timeline, revisions and lease.
func (c *Client) GetTask(id string) (*TaskDetail, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	return c.gw.Describe(ctx, id)
}

// CancelTask requests cancellation.
func (c *Client) CancelTask(id string) (models.TaskState, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	task, err := c.gw.Cancel(ctx, id)
	if err != nil {
		return "", err
	}
	return task.State, nil
}

// WriteFile submits a mutate task that writes one file.
func (c *Client) WriteFile(repo, path, content string) (string, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	patch := &tree.Patch{Ops: []tree.Op{{Op: tree.OpWrite, Path: path, Content: content}}}
	task, err := c.gw.Mutate(ctx, repo, patch, "")
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

// Exec submits an exec task.
func (c *Client) Exec(repo, command string, args []string) (string, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	spec, err := execSpec(command, args)
	if err != nil {
		return "", err
	}
	task, err := c.gw.Submit(ctx, models.TaskSpec{Action: models.ActionExec, Repo: repo, Spec: spec})
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

// ListWorkers fetches registered workers.
func (c *Client) ListWorkers() ([]WorkerItem, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	workers, err := c.gw.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]WorkerItem, len(workers))
	for i, w := range workers {
		items[i] = WorkerItem{ID: w.ID, Pool: w.Pool, Handlers: w.Handlers, Live: w.Live, LastHeartbeat: w.LastHeartbeat}
	}
	return items, nil
}

// CheckHealth reports whether the gateway is up.
func (c *Client) CheckHealth() (bool, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	health, err := c.gw.CheckHealth(ctx)
	if err != nil {
		return false, err
	}
	return health.OK, nil
}

func execSpec(command string, args []string) (json.RawMessage, error) {
	return json.Marshal(models.ExecSpec{Command: command, Args: args})
}

// Resubmit queues a new task with the same action, repo, pool, spec and labels.
func (c *Client) Resubmit(id string) (string, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	d, err := c.gw.Describe(ctx, id)
	if err != nil {
		return "", err
	}
	t := d.Task
	task, err := c.gw.Submit(ctx, models.TaskSpec{Action: t.Action, Repo: t.Repo, Pool: t.Pool, Spec: t.Spec, ParentTaskID: t.ParentTaskID, Labels: t.Labels})
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

// DeleteFile submits a mutate task that removes one file.
func (c *Client) DeleteFile(repo, path string) (string, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	patch := &tree.Patch{Ops: []tree.Op{{Op: tree.OpDelete, Path: path}}}
	task, err := c.gw.Mutate(ctx, repo, patch, "")
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

// SetLabelPaused pauses or resumes dispatch of tasks carrying label. It
// reports whether anything changed.
func (c *Client) SetLabelPaused(label string, paused bool) (bool, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	var res *gateway.LabelResult
	var err error
	if paused {
		res, err = c.gw.PauseLabel(ctx, label)
	} else {
		res, err = c.gw.ResumeLabel(ctx, label)
	}
	if err != nil {
		return false, err
	}
	return res.Changed, nil
}
