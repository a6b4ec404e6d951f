// Package tui provides the interactive terminal dashboard for a peagen
// gateway.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/swarmauri/peagen/internal/models"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	taskItemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

// View modes.
const (
	modeList    = "list"
	modeDetail  = "detail"
	modeWorkers = "workers"
)

const refreshInterval = 2 * time.Second

// App is the main TUI application model.
type App struct {
	client        *Client
	gatewayURL    string
	tasks         []TaskItem
	selectedIdx   int
	input         textinput.Model
	width         int
	height        int
	mode          string
	currentTask   *TaskDetail
	scroll        int
	workers       []WorkerItem
	message       string
	filterIdx     int
	loading       bool
	gatewayOnline bool
	completer     *Completer
	now           func() time.Time
}

// New creates a new TUI application.
func New(gatewayURL string) *App {
	ti := textinput.New()
	ti.Placeholder = "Type: write <repo> <path> <text> | exec <repo> <cmd> | cancel | / for commands"
	ti.Focus()
	ti.CharLimit = 512
	ti.Width = 80

	return &App{
		client:      NewClient(gatewayURL),
		gatewayURL:  gatewayURL,
		input:       ti,
		mode:        modeList,
		completer:   NewCompleter(),
		now:         time.Now,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.fetchTasks(),
		a.checkGateway(),
		a.tickCmd(),
	)
}

func (a *App) filter() models.TaskState {
	return filters[a.filterIdx]
}

func (a *App) selected() *TaskItem {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.tasks) {
		return nil
	}
	return &a.tasks[a.selectedIdx]
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	typing := a.input.Value() != ""

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			if typing {
				a.input.SetValue("")
				a.completer.Update("", nil)
				return a, nil
			}
			if a.mode != modeList {
				a.mode = modeList
				a.currentTask = nil
				return a, a.fetchTasks()
			}

		case "up":
			a.moveSelection(-1)
			return a, nil

		case "down":
			a.moveSelection(1)
			return a, nil

		case "tab":
			if a.completer.IsVisible() {
				a.acceptCompletion()
				return a, nil
			}
			if a.mode == modeList {
				a.filterIdx = (a.filterIdx + 1) % len(filters)
				a.selectedIdx = 0
				return a, a.fetchTasks()
			}

		case "enter":
			if cmd := strings.TrimSpace(a.input.Value()); cmd != "" {
				a.input.SetValue("")
				a.completer.Update("", nil)
				return a, a.executeCommand(cmd)
			}
			if a.mode == modeList {
				if t := a.selected(); t != nil {
					a.mode = modeDetail
					a.scroll = 0
					return a, a.fetchTaskDetail(t.ID)
				}
			}
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4

	case tasksLoadedMsg:
		a.loading = false
		a.tasks = msg.tasks
		if a.selectedIdx >= len(a.tasks) {
			a.selectedIdx = max(0, len(a.tasks)-1)
		}

	case taskDetailLoadedMsg:
		a.currentTask = msg.detail

	case workersLoadedMsg:
		a.workers = msg.workers

	case gatewayStatusMsg:
		a.gatewayOnline = msg.online

	case tickMsg:
		cmds = append(cmds, a.tickCmd(), a.checkGateway())
		switch a.mode {
		case modeList:
			cmds = append(cmds, a.fetchTasks())
		case modeDetail:
			if a.currentTask != nil && a.currentTask.Task != nil {
				cmds = append(cmds, a.fetchTaskDetail(a.currentTask.Task.ID))
			}
		case modeWorkers:
			cmds = append(cmds, a.fetchWorkers())
		}
		return a, tea.Batch(cmds...)

	case modeMsg:
		a.mode = msg.mode
		if a.mode == modeWorkers {
			return a, a.fetchWorkers()
		}
		return a, a.fetchTasks()

	case filterMsg:
		a.filterIdx = msg.idx
		a.selectedIdx = 0
		a.mode = modeList
		return a, a.fetchTasks()

	case commandResultMsg:
		a.message = msg.message
		if a.mode == modeDetail && a.currentTask != nil && a.currentTask.Task != nil {
			return a, a.fetchTaskDetail(a.currentTask.Task.ID)
		}
		return a, a.fetchTasks()

	case errMsg:
		a.loading = false
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.completer.Update(a.input.Value(), a.tasks)

	return a, tea.Batch(cmds...)
}

func (a *App) moveSelection(delta int) {
	switch {
	case a.completer.IsVisible():
		a.completer.Move(delta)
	case a.mode == modeList:
		a.selectedIdx = min(max(a.selectedIdx+delta, 0), max(len(a.tasks)-1, 0))
	case a.mode == modeDetail:
		a.scroll = max(a.scroll+delta, 0)
	}
}

func (a *App) acceptCompletion() {
	line, ok := a.completer.Accept()
	if !ok {
		return
	}
	a.input.SetValue(line)
	a.input.CursorEnd()
	a.completer.Update(line, a.tasks)
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	gatewayStatus := onlineStyle.Render("● GATEWAY")
	if !a.gatewayOnline {
		gatewayStatus = offlineStyle.Render("○ GATEWAY")
	}
	header := titleStyle.Render("peagen")
	header += "  " + gatewayStatus
	header += "  " + lipgloss.NewStyle().Foreground(mutedColor).Render(a.gatewayURL)
	if a.workers != nil {
		live := 0
		for _, w := range a.workers {
			if w.Live {
				live++
			}
		}
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%d/%d workers]", live, len(a.workers)))
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", a.width) + "\n")

	contentHeight := a.height - 8
	if contentHeight < 5 {
		contentHeight = 5
	}

	switch a.mode {
	case modeList:
		filterLabel := fmt.Sprintf(" Filter: [%s]", filterNames[a.filterIdx])
		b.WriteString(lipgloss.NewStyle().Foreground(mutedColor).Render(filterLabel) + "\n")
		b.WriteString(a.renderTaskList(contentHeight - 1))
	case modeDetail:
		b.WriteString(a.renderTaskDetail(contentHeight))
	case modeWorkers:
		b.WriteString(a.renderWorkersPanel(contentHeight))
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.completer.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.completer.Render(a.width))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeList:
		status = fmt.Sprintf(" Tasks: %d | ↑↓:nav | Enter:open | Tab:filter | /:commands | Ctrl+C:quit", len(a.tasks))
	case modeDetail:
		status = " ↑↓:scroll | !cancel | Esc:back | Ctrl+C:quit"
	case modeWorkers:
		status = fmt.Sprintf(" Workers: %d | Esc:back | Ctrl+C:quit", len(a.workers))
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

func (a *App) renderWorkersPanel(height int) string {
	var b strings.Builder

	b.WriteString("\n  Workers\n")
	b.WriteString("  " + strings.Repeat("─", 60) + "\n")

	if a.workers == nil {
		b.WriteString("  Loading...\n")
		return b.String()
	}
	if len(a.workers) == 0 {
		b.WriteString("  " + lipgloss.NewStyle().Foreground(mutedColor).Render("No registered workers") + "\n")
		return b.String()
	}

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(cyanColor)
	b.WriteString(fmt.Sprintf("  %s  %s  %s  %s\n",
		headerStyle.Render(fmt.Sprintf("%-10s", "WORKER")),
		headerStyle.Render(fmt.Sprintf("%-10s", "POOL")),
		headerStyle.Render(fmt.Sprintf("%-16s", "HANDLERS")),
		headerStyle.Render(fmt.Sprintf("%-10s", "HEARTBEAT")),
	))

	for i, w := range a.workers {
		if i >= height-4 {
			b.WriteString(helpStyle.Render(fmt.Sprintf("  ... and %d more", len(a.workers)-i)) + "\n")
			break
		}
		icon := onlineStyle.Render("●")
		if !w.Live {
			icon = offlineStyle.Render("○")
		}
		b.WriteString(fmt.Sprintf("%s %-10s  %-10s  %-16s  %s ago\n",
			icon,
			shortID(w.ID),
			w.Pool,
			truncate(strings.Join(w.Handlers, ","), 16),
			formatDuration(a.now().Sub(w.LastHeartbeat)),
		))
	}
	return b.String()
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "EXPIRED"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

// --- Commands ---

func (a *App) fetchTasks() tea.Cmd {
	a.loading = true
	filter := a.filter()
	return func() tea.Msg {
		tasks, err := a.client.ListTasks(filter)
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks}
	}
}

func (a *App) fetchTaskDetail(taskID string) tea.Cmd {
	return func() tea.Msg {
		detail, err := a.client.GetTask(taskID)
		if err != nil {
			return errMsg{err}
		}
		return taskDetailLoadedMsg{detail}
	}
}

func (a *App) fetchWorkers() tea.Cmd {
	return func() tea.Msg {
		workers, err := a.client.ListWorkers()
		if err != nil {
			return errMsg{err}
		}
		return workersLoadedMsg{workers}
	}
}

func (a *App) checkGateway() tea.Cmd {
	return func() tea.Msg {
		ok, err := a.client.CheckHealth()
		return gatewayStatusMsg{online: err == nil && ok}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// targetTask is the task a command acts on: the open detail view, else the
// list selection.
func (a *App) targetTask() string {
	if a.mode == modeDetail && a.currentTask != nil && a.currentTask.Task != nil {
		return a.currentTask.Task.ID
	}
	if t := a.selected(); t != nil {
		return t.ID
	}
	return ""
}

func (a *App) executeCommand(input string) tea.Cmd {
	input = strings.TrimLeft(input, "/!")
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}
	cmd, args := parts[0], parts[1:]
	target := a.targetTask()

	return func() tea.Msg {
		switch cmd {
		case "write":
			if len(args) < 3 {
				return commandResultMsg{"Usage: write <repo> <path> <content>"}
			}
			id, err := a.client.WriteFile(args[0], args[1], strings.Join(args[2:], " ")+"\n")
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("✓ Queued mutate %s", shortID(id))}

		case "delete":
			if len(args) != 2 {
				return commandResultMsg{"Usage: delete <repo> <path>"}
			}
			id, err := a.client.DeleteFile(args[0], args[1])
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("✓ Queued mutate %s", shortID(id))}

		case "exec":
			if len(args) < 2 {
				return commandResultMsg{"Usage: exec <repo> <command> [args...]"}
			}
			id, err := a.client.Exec(args[0], args[1], args[2:])
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("✓ Queued exec %s", shortID(id))}

		case "cancel":
			if len(args) > 0 {
				target = args[0]
			}
			if target == "" {
				return commandResultMsg{"No task selected"}
			}
			state, err := a.client.CancelTask(target)
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			if state == models.TaskStateCancelled {
				return commandResultMsg{"✓ Task cancelled"}
			}
			return commandResultMsg{fmt.Sprintf("✓ Cancel requested (task is %s)", state)}

		case "retry":
			if len(args) > 0 {
				target = args[0]
			}
			if target == "" {
				return commandResultMsg{"No task selected"}
			}
			id, err := a.client.Resubmit(target)
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("✓ Resubmitted as %s", shortID(id))}

		case "filter":
			want := "ALL"
			if len(args) > 0 {
				want = strings.ToUpper(args[0])
			}
			for i, name := range filterNames {
				if name == want {
					return filterMsg{i}
				}
			}
			return commandResultMsg{"Unknown state: " + want}

		case "pause", "resume":
			if len(args) != 1 {
				return commandResultMsg{fmt.Sprintf("Usage: %s <label>", cmd)}
			}
			changed, err := a.client.SetLabelPaused(args[0], cmd == "pause")
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			if !changed {
				return commandResultMsg{fmt.Sprintf("Label %s unchanged", args[0])}
			}
			return commandResultMsg{fmt.Sprintf("✓ %sd %s", cmd, args[0])}

		case "refresh":
			return commandResultMsg{"✓ Refreshed"}

		case "workers":
			return modeMsg{modeWorkers}

		case "tasks":
			return modeMsg{modeList}

		case "q", "quit", "exit":
			return tea.Quit()

		default:
			return commandResultMsg{fmt.Sprintf("Unknown: %s (try: write, exec, cancel, filter, pause, workers)", cmd)}
		}
	}
}

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

type tasksLoadedMsg struct {
	tasks []TaskItem
}

type taskDetailLoadedMsg struct {
	detail *TaskDetail
}

type workersLoadedMsg struct {
	workers []WorkerItem
}

type gatewayStatusMsg struct {
	online bool
}

type modeMsg struct {
	mode string
}

type filterMsg struct {
	idx int
}

type tickMsg time.Time
