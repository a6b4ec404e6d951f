// Package localexec provides a local command executor with an allowlist.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/swarmauri/peagen/internal/connectors"
)

// maxOutput caps captured stdout and stderr.
const maxOutput = 1 << 20

// ErrNotAllowed is returned for commands outside the allowlist.
var ErrNotAllowed = errors.New("command not allowed")

// LocalExec implements the Connector interface for local command execution.
type LocalExec struct {
	// allowed maps a command to its permitted subcommands. An empty list
	// permits any arguments.
	allowed map[string][]string
}

// New creates a LocalExec from allowlist entries. An entry is either a bare
// command ("make") or a command restricted to one subcommand ("git:status").
func New(allowlist []string) *LocalExec {
	allowed := make(map[string][]string)
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		cmd, sub, restricted := strings.Cut(entry, ":")
		if !restricted {
			allowed[cmd] = nil
			continue
		}
		if subs, ok := allowed[cmd]; ok && subs == nil {
			continue // already unrestricted
		}
		allowed[cmd] = append(allowed[cmd], sub)
	}
	return &LocalExec{allowed: allowed}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// Allowlist returns the configured entries in normalized form.
func (l *LocalExec) Allowlist() []string {
	var out []string
	for cmd, subs := range l.allowed {
		if subs == nil {
			out = append(out, cmd)
			continue
		}
		for _, sub := range subs {
			out = append(out, cmd+":"+sub)
		}
	}
	sort.Strings(out)
	return out
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	allowedSubcmds, ok := l.allowed[cmd]
	if !ok {
		return false
	}
	if allowedSubcmds == nil {
		return true
	}
	if len(args) == 0 {
		return false
	}

	subcmd := args[0]
	for _, allowed := range allowedSubcmds {
		if subcmd == allowed {
			return true
		}
	}
	return false
}

// Execute runs an allowlisted command in dir. A non-zero exit is reported
// through ExitCode, not as an error.
func (l *LocalExec) Execute(ctx context.Context, dir, cmd string, args []string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotAllowed, cmd, strings.Join(args, " "))
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	execCmd.Dir = dir

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &limitedWriter{buf: &stdout, n: maxOutput}
	execCmd.Stderr = &limitedWriter{buf: &stderr, n: maxOutput}

	err := execCmd.Run()

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) || ctx.Err() != nil {
			return nil, fmt.Errorf("exec error: %w", err)
		}
		exitCode = exitError.ExitCode()
	}

	return &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		Dir:      dir,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// limitedWriter keeps the first n bytes and discards the rest.
type limitedWriter struct {
	buf *bytes.Buffer
	n   int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.n - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

var _ connectors.Connector = (*LocalExec)(nil)
