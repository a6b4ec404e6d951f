package tree

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Patch operations.
const (
	OpWrite  = "write"
	OpDelete = "delete"
)

// Op is one file-level change.
type Op struct {
	Op       string `json:"op"`
	Path     string `json:"path"`
	Content  string `json:"content,omitempty"`
	Encoding string `json:"encoding,omitempty"` // "" or "base64"
	Mode     string `json:"mode,omitempty"`
}

// Patch is the payload of a mutate task.
type Patch struct {
	Ops     []Op   `json:"ops"`
	Message string `json:"message,omitempty"`
}

// ParsePatch decodes and validates a patch spec.
func ParsePatch(raw json.RawMessage) (*Patch, error) {
	var p Patch
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks ops and paths without touching the filesystem.
func (p *Patch) Validate() error {
	if len(p.Ops) == 0 {
		return fmt.Errorf("patch has no ops")
	}
	for i, op := range p.Ops {
		if _, err := CleanPath(op.Path); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
		switch op.Op {
		case OpWrite:
			if op.Encoding != "" && op.Encoding != "base64" {
				return fmt.Errorf("op %d: unknown encoding %q", i, op.Encoding)
			}
			if op.Mode != "" && op.Mode != ModeFile && op.Mode != ModeExecutable {
				return fmt.Errorf("op %d: unknown mode %q", i, op.Mode)
			}
		case OpDelete:
		default:
			return fmt.Errorf("op %d: unknown op %q", i, op.Op)
		}
	}
	return nil
}

func (op Op) bytes() ([]byte, error) {
	if op.Encoding == "base64" {
		return base64.StdEncoding.DecodeString(op.Content)
	}
	return []byte(op.Content), nil
}

// Apply performs the ops in order against dir. Between ops it calls unit,
// which may return an error to abort (cooperative cancellation).
func Apply(dir string, p *Patch, unit func(done, total int) error) error {
	if err := p.Validate(); err != nil {
		return err
	}
	for i, op := range p.Ops {
		if unit != nil {
			if err := unit(i, len(p.Ops)); err != nil {
				return err
			}
		}
		rel, _ := CleanPath(op.Path)
		target := filepath.Join(dir, filepath.FromSlash(rel))

		switch op.Op {
		case OpWrite:
			b, err := op.bytes()
			if err != nil {
				return fmt.Errorf("decode %s: %w", rel, err)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("create parent of %s: %w", rel, err)
			}
			perm := os.FileMode(0644)
			if op.Mode == ModeExecutable {
				perm = 0755
			}
			if err := os.WriteFile(target, b, perm); err != nil {
				return fmt.Errorf("write %s: %w", rel, err)
			}
			if err := os.Chmod(target, perm); err != nil {
				return fmt.Errorf("chmod %s: %w", rel, err)
			}
		case OpDelete:
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("delete %s: %w", rel, err)
			}
		}
	}
	return nil
}
