package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/swarmauri/peagen/internal/gateway"
	"github.com/swarmauri/peagen/internal/models"
	"github.com/swarmauri/peagen/internal/tree"
)

var submitCmd = &cobra.Command{
	Use:   "submit <action> <repo> [spec-json]",
	Short: "Submit a task",
	Long: `Submit a task. The spec is a JSON document, read from stdin when the
argument is "-". For exec tasks, --cmd builds the spec instead.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runSubmit,
}

var mutateCmd = &cobra.Command{
	Use:   "mutate <repo>",
	Short: "Submit a mutate task",
	Long: `Submit a mutate task built from --write and --delete flags, or from a
JSON patch file given with --patch.`,
	Args: cobra.ExactArgs(1),
	RunE: runMutate,
}

var fanoutCmd = &cobra.Command{
	Use:   "fanout <parent-task-id> <specs-file>",
	Short: "Submit a fan-out set of sibling tasks",
	Long:  `The specs file holds a JSON array of task specs ({"action","repo","spec"}).`,
	Args:  cobra.ExactArgs(2),
	RunE:  runFanout,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show the status timeline of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var (
	taskPool    string
	taskLabels  []string
	taskID      string
	execCommand string
	writeOps    []string
	deleteOps   []string
	patchFile   string
	patchMsg    string
	listState   string
	listLimit   int
)

func init() {
	taskCmd.AddCommand(taskListCmd, taskShowCmd)

	for _, c := range []*cobra.Command{submitCmd, mutateCmd} {
		c.Flags().StringVar(&taskPool, "pool", "", "Pool to dispatch to")
		c.Flags().StringSliceVarP(&taskLabels, "label", "l", nil, "Label the task (repeatable or comma separated)")
	}
	submitCmd.Flags().StringVar(&taskID, "id", "", "Explicit task ID")
	submitCmd.Flags().StringVar(&execCommand, "cmd", "", "Command line for an exec task (e.g. 'go test ./...')")

	mutateCmd.Flags().StringArrayVar(&writeOps, "write", nil, "path=content to write (repeatable)")
	mutateCmd.Flags().StringArrayVar(&deleteOps, "delete", nil, "Path to delete (repeatable)")
	mutateCmd.Flags().StringVar(&patchFile, "patch", "", "JSON patch file")
	mutateCmd.Flags().StringVarP(&patchMsg, "message", "m", "", "Patch message")

	taskListCmd.Flags().StringVar(&listState, "state", "", "Filter by state (queued, assigned, running, committed, failed, rejected, cancelled)")
	taskListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum number of tasks")
}

func readSpec(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if arg == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("spec is not valid JSON")
	}
	return data, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	spec := models.TaskSpec{ID: taskID, Action: args[0], Repo: args[1], Pool: taskPool, Labels: taskLabels}
	switch {
	case execCommand != "":
		if spec.Action != models.ActionExec {
			return fmt.Errorf("--cmd only applies to exec tasks")
		}
		parts := strings.Fields(execCommand)
		if len(parts) == 0 {
			return fmt.Errorf("empty command")
		}
		raw, err := json.Marshal(models.ExecSpec{Command: parts[0], Args: parts[1:]})
		if err != nil {
			return err
		}
		spec.Spec = raw
	case len(args) == 3:
		raw, err := readSpec(args[2])
		if err != nil {
			return err
		}
		spec.Spec = raw
	default:
		return fmt.Errorf("a spec argument or --cmd is required")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := cmdContext(cmd)
	defer cancel()
	task, err := client.Submit(ctx, spec)
	if err != nil {
		return err
	}
	fmt.Printf("Submitted task: %s\n", task.ID)
	return nil
}

func buildPatch() (*tree.Patch, error) {
	if patchFile != "" {
		data, err := os.ReadFile(patchFile)
		if err != nil {
			return nil, err
		}
		p, err := tree.ParsePatch(data)
		if err != nil {
			return nil, err
		}
		if patchMsg != "" {
			p.Message = patchMsg
		}
		return p, nil
	}

	p := &tree.Patch{Message: patchMsg}
	for _, w := range writeOps {
		path, content, ok := strings.Cut(w, "=")
		if !ok {
			return nil, fmt.Errorf("--write wants path=content, got %q", w)
		}
		p.Ops = append(p.Ops, tree.Op{Op: tree.OpWrite, Path: path, Content: content})
	}
	for _, d := range deleteOps {
		p.Ops = append(p.Ops, tree.Op{Op: tree.OpDelete, Path: d})
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func runMutate(cmd *cobra.Command, args []string) error {
	patch, err := buildPatch()
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := cmdContext(cmd)
	defer cancel()
	task, err := client.Mutate(ctx, args[0], patch, taskPool, taskLabels...)
	if err != nil {
		return err
	}
	fmt.Printf("Submitted mutate task: %s (%d ops)\n", task.ID, len(patch.Ops))
	return nil
}

func runFanout(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	var specs []models.TaskSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return fmt.Errorf("decode specs: %w", err)
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := cmdContext(cmd)
	defer cancel()
	res, err := client.SubmitFanout(ctx, gateway.FanoutRequest{ParentTaskID: args[0], Expansion: data, Tasks: specs})
	if err != nil {
		return err
	}

	fmt.Printf("Fan-out set: %s\n", res.Fanout.ID)
	for _, t := range res.Tasks {
		fmt.Printf("  %s  %s %s\n", t.ID, t.Action, t.Repo)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := cmdContext(cmd)
	defer cancel()
	task, err := client.Cancel(ctx, args[0])
	if err != nil {
		return err
	}
	switch {
	case task.State == models.TaskStateCancelled:
		fmt.Printf("Cancelled task %s\n", task.ID)
	case task.State.IsTerminal():
		fmt.Printf("Task %s already %s\n", task.ID, task.State)
	default:
		fmt.Printf("Cancel requested for task %s (%s); the worker will stop at its next unit\n", task.ID, task.State)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := cmdContext(cmd)
	defer cancel()
	entries, err := client.Status(ctx, args[0])
	if err != nil {
		return err
	}
	printTimeline(entries)
	return nil
}

func printTimeline(entries []models.StatusEntry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSTATE\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", formatTime(e.Timestamp), e.State, truncate(e.Detail, 80))
	}
	w.Flush()
}

func runTaskList(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := cmdContext(cmd)
	defer cancel()
	tasks, err := client.ListTasks(ctx, models.TaskState(listState), listLimit)
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACTION\tREPO\tSTATE\tATTEMPTS\tUPDATED")
	for _, t := range tasks {
		state := string(t.State)
		if t.CancelRequested && !t.State.IsTerminal() {
			state += " (cancelling)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", truncateID(t.ID), t.Action, truncate(t.Repo, 30), state, t.Attempts, formatTime(t.UpdatedAt))
	}
	w.Flush()
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := cmdContext(cmd)
	defer cancel()
	d, err := client.Describe(ctx, args[0])
	if err != nil {
		return err
	}
	t := d.Task

	fmt.Printf("ID:        %s\n", t.ID)
	fmt.Printf("Action:    %s\n", t.Action)
	fmt.Printf("Repo:      %s\n", t.Repo)
	fmt.Printf("Pool:      %s\n", t.Pool)
	if len(t.Labels) > 0 {
		fmt.Printf("Labels:    %s\n", strings.Join(t.Labels, ", "))
	}
	fmt.Printf("State:     %s\n", t.State)
	fmt.Printf("Attempts:  %d\n", t.Attempts)
	fmt.Printf("Spec:      %s\n", truncate(string(t.Spec), 200))
	fmt.Printf("Spec hash: %s\n", t.SpecHash)
	if t.ParentTaskID != "" {
		fmt.Printf("Parent:    %s\n", t.ParentTaskID)
	}
	if t.FanoutID != "" {
		fmt.Printf("Fan-out:   %s\n", t.FanoutID)
	}
	if d.Lease != nil {
		fmt.Printf("Lease:     %s, attempt %d, expires %s\n", d.Lease.WorkerID, d.Lease.Attempt, formatTime(d.Lease.ExpiresAt))
	}
	fmt.Printf("Created:   %s\n", formatTime(t.CreatedAt))
	fmt.Printf("Updated:   %s\n", formatTime(t.UpdatedAt))

	fmt.Println("\n--- TIMELINE ---")
	printTimeline(d.Status)

	if len(d.Revisions) > 0 {
		fmt.Println("\n--- REVISIONS ---")
		printRevisions(d.Revisions)
	}
	return nil
}
