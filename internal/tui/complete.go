package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// argKind says what a command argument position completes to.
type argKind int

const (
	argNone argKind = iota
	argRepo
	argTask
	argState
	argLabel
)

// command is one entry of the input line grammar.
type command struct {
	name string
	hint string
	args []argKind
	// quick commands act on the selected task and are offered after "!".
	quick bool
}

var commands = []command{
	{name: "write", hint: "<repo> <path> <content>  queue a mutate", args: []argKind{argRepo}},
	{name: "delete", hint: "<repo> <path>  queue a mutate", args: []argKind{argRepo}},
	{name: "exec", hint: "<repo> <cmd> [args]  queue an exec", args: []argKind{argRepo}},
	{name: "cancel", hint: "[task]  cancel a task", args: []argKind{argTask}, quick: true},
	{name: "retry", hint: "[task]  resubmit a task's spec", args: []argKind{argTask}, quick: true},
	{name: "refresh", hint: "reload tasks and workers", quick: true},
	{name: "filter", hint: "<state>  show one state", args: []argKind{argState}},
	{name: "pause", hint: "<label>  hold back labelled tasks", args: []argKind{argLabel}},
	{name: "resume", hint: "<label>  release a paused label", args: []argKind{argLabel}},
	{name: "workers", hint: "worker panel"},
	{name: "tasks", hint: "task list"},
	{name: "quit", hint: "leave the dashboard"},
}

func lookupCommand(name string) *command {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i]
		}
	}
	return nil
}

// Completion is one candidate for the word under the cursor.
type Completion struct {
	Text string
	Hint string
}

// Completer proposes completions for the input line from the command
// grammar and the tasks currently loaded.
type Completer struct {
	heading    string
	head       string // input kept in front of an accepted candidate
	candidates []Completion
	selected   int
}

// NewCompleter creates an empty completer.
func NewCompleter() *Completer {
	return &Completer{}
}

func (c *Completer) reset() {
	c.heading, c.head, c.candidates, c.selected = "", "", nil, 0
}

// Update recomputes the candidates for input. "/" and "!" complete command
// names and then their arguments; "@" completes repos and task ids.
func (c *Completer) Update(input string, tasks []TaskItem) {
	c.reset()
	if input == "" {
		return
	}
	marker, rest := input[:1], input[1:]
	switch marker {
	case "@":
		c.heading = "References"
		c.head = "@"
		c.offer(rest, repoCompletions(tasks), taskCompletions(tasks))
	case "/", "!":
		c.completeCommandLine(marker, rest, tasks)
	}
}

func (c *Completer) completeCommandLine(marker, rest string, tasks []TaskItem) {
	fields := strings.Fields(rest)
	trailing := strings.HasSuffix(rest, " ")
	if len(fields) == 0 || (len(fields) == 1 && !trailing) {
		word := ""
		if len(fields) == 1 {
			word = fields[0]
		}
		c.heading = "Commands"
		c.head = marker
		var names []Completion
		for _, cmd := range commands {
			if marker == "!" && !cmd.quick {
				continue
			}
			names = append(names, Completion{Text: cmd.name, Hint: cmd.hint})
		}
		c.offer(word, names)
		return
	}

	cmd := lookupCommand(fields[0])
	if cmd == nil {
		return
	}
	pos := len(fields) - 1 // index of the argument being typed
	word := ""
	if !trailing {
		pos--
		word = fields[len(fields)-1]
	}
	if pos >= len(cmd.args) {
		return
	}
	c.head = strings.TrimSuffix(marker+rest, word)
	switch cmd.args[pos] {
	case argRepo:
		c.heading = "Repos"
		c.offer(word, repoCompletions(tasks))
	case argTask:
		c.heading = "Tasks"
		c.offer(word, taskCompletions(tasks))
	case argState:
		c.heading = "States"
		var states []Completion
		for _, name := range filterNames {
			states = append(states, Completion{Text: strings.ToLower(name)})
		}
		c.offer(word, states)
	case argLabel:
		c.heading = "Labels"
		c.offer(word, labelCompletions(tasks))
	}
}

// offer keeps the candidates whose text starts with word, in group order.
func (c *Completer) offer(word string, groups ...[]Completion) {
	word = strings.ToLower(word)
	for _, group := range groups {
		for _, cand := range group {
			if strings.HasPrefix(strings.ToLower(cand.Text), word) {
				c.candidates = append(c.candidates, cand)
			}
		}
	}
}

func repoCompletions(tasks []TaskItem) []Completion {
	seen := map[string]int{}
	for _, t := range tasks {
		seen[t.Repo]++
	}
	repos := make([]string, 0, len(seen))
	for r := range seen {
		repos = append(repos, r)
	}
	sort.Strings(repos)
	out := make([]Completion, len(repos))
	for i, r := range repos {
		out[i] = Completion{Text: r, Hint: fmt.Sprintf("repo, %d task(s)", seen[r])}
	}
	return out
}

func taskCompletions(tasks []TaskItem) []Completion {
	out := make([]Completion, len(tasks))
	for i, t := range tasks {
		out[i] = Completion{Text: t.ID, Hint: fmt.Sprintf("%s %s %s", t.Action, t.Repo, t.State)}
	}
	return out
}

func labelCompletions(tasks []TaskItem) []Completion {
	seen := map[string]bool{}
	var labels []string
	for _, t := range tasks {
		for _, l := range t.Labels {
			if !seen[l] {
				seen[l] = true
				labels = append(labels, l)
			}
		}
	}
	sort.Strings(labels)
	out := make([]Completion, len(labels))
	for i, l := range labels {
		out[i] = Completion{Text: l, Hint: "label"}
	}
	return out
}

// Move shifts the selection by delta, wrapping around.
func (c *Completer) Move(delta int) {
	n := len(c.candidates)
	if n == 0 {
		return
	}
	c.selected = ((c.selected+delta)%n + n) % n
}

// Selected returns the highlighted candidate, or nil.
func (c *Completer) Selected() *Completion {
	if len(c.candidates) == 0 {
		return nil
	}
	return &c.candidates[c.selected]
}

// Accept returns the input line with the highlighted candidate filled in.
func (c *Completer) Accept() (string, bool) {
	sel := c.Selected()
	if sel == nil {
		return "", false
	}
	return c.head + sel.Text + " ", true
}

// IsVisible reports whether there is anything to show.
func (c *Completer) IsVisible() bool {
	return len(c.candidates) > 0
}

const maxCompletions = 5

// Render draws the dropdown below the input box.
func (c *Completer) Render(width int) string {
	if !c.IsVisible() {
		return ""
	}
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(primaryColor).
		Padding(0, 1).
		Width(width - 4)
	hint := lipgloss.NewStyle().Foreground(mutedColor).Italic(true)
	chosen := lipgloss.NewStyle().Background(primaryColor).Bold(true)

	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(c.heading) + "\n")

	// Keep the selection inside the window.
	start := 0
	if c.selected >= maxCompletions {
		start = c.selected - maxCompletions + 1
	}
	end := min(start+maxCompletions, len(c.candidates))
	for i := start; i < end; i++ {
		cand := c.candidates[i]
		if i == c.selected {
			b.WriteString(chosen.Render("▶ "+cand.Text) + " " + hint.Render(cand.Hint) + "\n")
		} else {
			b.WriteString("  " + cand.Text + " " + hint.Render(cand.Hint) + "\n")
		}
	}
	if more := len(c.candidates) - end; more > 0 {
		b.WriteString(hint.Render(fmt.Sprintf("  +%d more", more)))
	}
	return box.Render(b.String())
}
