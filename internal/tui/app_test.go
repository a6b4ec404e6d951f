package tui

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swarmauri/peagen/internal/audit"
	"github.com/swarmauri/peagen/internal/caf"
	"github.com/swarmauri/peagen/internal/gateway"
	"github.com/swarmauri/peagen/internal/logger"
	"github.com/swarmauri/peagen/internal/models"
	"github.com/swarmauri/peagen/internal/store/sqlite"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestGateway(t *testing.T) string {
	t.Helper()
	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := logger.Nop()
	svc := gateway.NewService(st, caf.NewMemStore(), audit.NewRecorder(st, log), log, gateway.DefaultOptions())
	ts := httptest.NewServer(gateway.NewServer(svc, nil, "127.0.0.1:0", log).Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func sized(a *App) *App {
	a.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return a
}

// run executes a command and feeds its message back into the model.
func run(t *testing.T, a *App, cmd tea.Cmd) tea.Msg {
	t.Helper()
	require.NotNil(t, cmd)
	msg := cmd()
	a.Update(msg)
	return msg
}

var completionTasks = []TaskItem{
	{ID: "deadbeef-task", Action: models.ActionMutate, Repo: "demo", State: models.TaskStateQueued, Labels: []string{"nightly"}},
	{ID: "bbbbbbbb-2222", Action: models.ActionExec, Repo: "other", State: models.TaskStateRunning},
}

func TestCompleterCommandNames(t *testing.T) {
	c := NewCompleter()

	c.Update("/ex", nil)
	require.True(t, c.IsVisible())
	assert.Equal(t, "exec", c.Selected().Text)

	c.Update("!re", nil)
	require.True(t, c.IsVisible())
	assert.Equal(t, "retry", c.Selected().Text)
	c.Move(1)
	assert.Equal(t, "refresh", c.Selected().Text)
	c.Move(1)
	assert.Equal(t, "retry", c.Selected().Text, "selection wraps")

	// Only quick commands follow "!".
	c.Update("!wr", nil)
	assert.False(t, c.IsVisible())

	c.Update("plain text", nil)
	assert.False(t, c.IsVisible())
	assert.Nil(t, c.Selected())
	_, ok := c.Accept()
	assert.False(t, ok)
}

func TestCompleterArguments(t *testing.T) {
	c := NewCompleter()

	c.Update("/filter ru", completionTasks)
	require.True(t, c.IsVisible())
	assert.Equal(t, "running", c.Selected().Text)
	line, ok := c.Accept()
	require.True(t, ok)
	assert.Equal(t, "/filter running ", line)

	c.Update("/cancel bb", completionTasks)
	require.True(t, c.IsVisible())
	assert.Equal(t, "bbbbbbbb-2222", c.Selected().Text)

	c.Update("/exec d", completionTasks)
	require.True(t, c.IsVisible())
	assert.Equal(t, "demo", c.Selected().Text)
	line, _ = c.Accept()
	assert.Equal(t, "/exec demo ", line)

	// Past the repo argument nothing is offered.
	c.Update("/exec demo ", completionTasks)
	assert.False(t, c.IsVisible())

	c.Update("/pause n", completionTasks)
	require.True(t, c.IsVisible())
	assert.Equal(t, "nightly", c.Selected().Text)

	c.Update("/nosuch x", completionTasks)
	assert.False(t, c.IsVisible())
}

func TestCompleterReposThenTasks(t *testing.T) {
	c := NewCompleter()
	c.Update("@de", completionTasks)

	require.True(t, c.IsVisible())
	assert.Equal(t, "demo", c.Selected().Text)
	c.Move(1)
	assert.Equal(t, "deadbeef-task", c.Selected().Text)
	line, _ := c.Accept()
	assert.Equal(t, "@deadbeef-task ", line)
	assert.Contains(t, c.Render(80), "References")
}

func TestAcceptCompletionFillsInput(t *testing.T) {
	a := sized(New("http://127.0.0.1:1"))
	a.tasks = completionTasks
	a.input.SetValue("/filter co")
	a.completer.Update(a.input.Value(), a.tasks)

	a.acceptCompletion()
	assert.Equal(t, "/filter committed ", a.input.Value())
	assert.False(t, a.completer.IsVisible())
}

func TestListViewRendersTasks(t *testing.T) {
	a := sized(New("http://127.0.0.1:1"))
	a.Update(tasksLoadedMsg{tasks: []TaskItem{
		{ID: "aaaaaaaa-1111", Action: models.ActionMutate, Repo: "demo", State: models.TaskStateCommitted},
		{ID: "bbbbbbbb-2222", Action: models.ActionExec, Repo: "demo", State: models.TaskStateRunning, Attempts: 2, CancelRequested: true},
	}})

	view := a.View()
	assert.Contains(t, view, "aaaaaaaa")
	assert.Contains(t, view, "(attempt 2)")
	assert.Contains(t, view, "[cancelling]")
	assert.Contains(t, view, "Filter: [ALL]")
	assert.Contains(t, view, "○ GATEWAY")

	a.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, a.selectedIdx)
	a.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, a.selectedIdx)
	assert.Equal(t, "bbbbbbbb-2222", a.targetTask())

	a.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, models.TaskStateQueued, a.filter())
	assert.Zero(t, a.selectedIdx)
}

func TestDetailViewRendersTimelineAndLease(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := sized(New("http://127.0.0.1:1"))
	a.now = func() time.Time { return now }
	a.mode = modeDetail
	a.Update(taskDetailLoadedMsg{detail: &TaskDetail{
		Task: &models.Task{ID: "task-1", Action: models.ActionMutate, Repo: "demo", Pool: models.DefaultPool, State: models.TaskStateRunning, Attempts: 1},
		Status: []models.StatusEntry{
			{TaskID: "task-1", State: models.TaskStateQueued, Timestamp: now.Add(-time.Minute)},
			{TaskID: "task-1", State: models.TaskStateRunning, Detail: "op 1/1", Timestamp: now},
		},
		Lease: &models.Lease{TaskID: "task-1", WorkerID: "w1", Attempt: 1, ExpiresAt: now.Add(30 * time.Second)},
	}})

	view := a.View()
	assert.Contains(t, view, "mutate demo")
	assert.Contains(t, view, "w1 (attempt 1, 30s left)")
	assert.Contains(t, view, "op 1/1")
	assert.Equal(t, "task-1", a.targetTask())

	a.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, modeList, a.mode)
	assert.Nil(t, a.currentTask)
}

func TestCommandUsageMessages(t *testing.T) {
	a := sized(New("http://127.0.0.1:1"))
	cases := map[string]string{
		"write demo":    "Usage: write",
		"/exec demo":    "Usage: exec",
		"delete x":      "Usage: delete",
		"cancel":        "No task selected",
		"filter bogus":  "Unknown state: BOGUS",
		"teleport here": "Unknown: teleport",
	}
	for input, want := range cases {
		msg := a.executeCommand(input)()
		res, ok := msg.(commandResultMsg)
		require.True(t, ok, input)
		assert.True(t, strings.HasPrefix(res.message, want), "%s: %s", input, res.message)
	}

	assert.Equal(t, filterMsg{idx: 5}, a.executeCommand("filter failed")())
	assert.Equal(t, modeMsg{mode: modeWorkers}, a.executeCommand("workers")())
}

func TestAppAgainstGateway(t *testing.T) {
	url := newTestGateway(t)
	a := sized(New(url))

	msg := run(t, a, a.checkGateway())
	assert.Equal(t, gatewayStatusMsg{online: true}, msg)
	assert.Contains(t, a.View(), "● GATEWAY")

	res := run(t, a, a.executeCommand("write demo hello.txt hi there"))
	assert.Contains(t, res.(commandResultMsg).message, "Queued mutate")

	run(t, a, a.fetchTasks())
	require.Len(t, a.tasks, 1)
	assert.Equal(t, models.TaskStateQueued, a.tasks[0].State)
	assert.Equal(t, "demo", repoCompletions(a.tasks)[0].Text)

	res = run(t, a, a.executeCommand("!cancel"))
	assert.Equal(t, "✓ Task cancelled", res.(commandResultMsg).message)

	res = run(t, a, a.executeCommand("!retry"))
	assert.Contains(t, res.(commandResultMsg).message, "Resubmitted as")
	run(t, a, a.fetchTasks())
	assert.Len(t, a.tasks, 2)

	a.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, modeDetail, a.mode)

	res = run(t, a, a.executeCommand("pause nightly"))
	assert.Equal(t, "✓ paused nightly", res.(commandResultMsg).message)
	res = run(t, a, a.executeCommand("pause nightly"))
	assert.Equal(t, "Label nightly unchanged", res.(commandResultMsg).message)
	res = run(t, a, a.executeCommand("resume nightly"))
	assert.Equal(t, "✓ resumed nightly", res.(commandResultMsg).message)
	res = run(t, a, a.executeCommand("pause"))
	assert.Equal(t, "Usage: pause <label>", res.(commandResultMsg).message)

	run(t, a, a.executeCommand("workers"))
	run(t, a, a.fetchWorkers())
	assert.NotNil(t, a.workers)
	assert.Contains(t, a.View(), "No registered workers")
}
