package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/swarmauri/peagen/internal/connectors"
	"github.com/swarmauri/peagen/internal/models"
	"github.com/swarmauri/peagen/internal/tree"
)

// Job is one claimed task being executed in a scratch working copy.
type Job struct {
	Task *models.Task
	// Dir holds the materialized base tree. Handlers mutate it in place.
	Dir string
	Log zerolog.Logger

	unit func(ctx context.Context, detail string) error
}

// Unit marks a unit boundary: it reports progress and returns an error if
// the task was cancelled or the lease was lost.
func (j *Job) Unit(ctx context.Context, detail string) error {
	if j.unit == nil {
		return ctx.Err()
	}
	return j.unit(ctx, detail)
}

// Handler executes one action.
type Handler func(ctx context.Context, job *Job) error

// Handlers is the static action table of a worker.
type Handlers map[string]Handler

// Names returns the advertised actions, sorted.
func (h Handlers) Names() []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Only keeps the named handlers. Unknown names are returned as an error.
func (h Handlers) Only(names []string) (Handlers, error) {
	if len(names) == 0 {
		return h, nil
	}
	out := make(Handlers, len(names))
	for _, name := range names {
		fn, ok := h[name]
		if !ok {
			return nil, fmt.Errorf("unknown handler %q", name)
		}
		out[name] = fn
	}
	return out, nil
}

// DefaultHandlers returns the built-in mutate and exec handlers. exec runs
// commands through conn.
func DefaultHandlers(conn connectors.Connector) Handlers {
	return Handlers{
		models.ActionMutate: MutateHandler,
		models.ActionExec:   ExecHandler(conn),
	}
}

// MutateHandler applies the task's patch, one unit per op.
func MutateHandler(ctx context.Context, job *Job) error {
	patch, err := tree.ParsePatch(job.Task.Spec)
	if err != nil {
		return err
	}
	return tree.Apply(job.Dir, patch, func(done, total int) error {
		return job.Unit(ctx, fmt.Sprintf("op %d/%d", done+1, total))
	})
}

// ExecHandler runs an allowlisted command in the working copy. A non-zero
// exit fails the task.
func ExecHandler(conn connectors.Connector) Handler {
	return func(ctx context.Context, job *Job) error {
		var spec models.ExecSpec
		if err := json.Unmarshal(job.Task.Spec, &spec); err != nil {
			return fmt.Errorf("decode exec spec: %w", err)
		}
		if err := job.Unit(ctx, "exec "+spec.Command); err != nil {
			return err
		}
		res, err := conn.Execute(ctx, job.Dir, spec.Command, spec.Args)
		if err != nil {
			return err
		}
		job.Log.Debug().Str("command", spec.Command).Int("exit_code", res.ExitCode).
			Int("stdout_bytes", len(res.Stdout)).Msg("command finished")
		if res.ExitCode != 0 {
			return fmt.Errorf("%s exited with %d: %s", spec.Command, res.ExitCode, tail(res.Stderr, 512))
		}
		return nil
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}
