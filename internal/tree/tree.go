// Package tree snapshots working directories into CAF tree objects and
// materializes them back.
package tree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/swarmauri/peagen/internal/caf"
)

// MetaDir holds checkout markers inside a materialized directory. It is
// never part of a tree.
const MetaDir = ".peagen"

// File modes recorded in tree entries.
const (
	ModeFile       = "100644"
	ModeExecutable = "100755"
)

// ErrUnsafePath is returned for entries that would escape the target dir.
var ErrUnsafePath = errors.New("unsafe tree path")

// Entry is one file in a tree.
type Entry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	OID  string `json:"oid"`
}

// Tree is the canonical listing of a directory. Entries are sorted by path.
type Tree struct {
	Entries []Entry `json:"entries"`
}

// Encode returns the canonical bytes of t.
func (t *Tree) Encode() ([]byte, error) {
	entries := append([]Entry(nil), t.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	for i := 1; i < len(entries); i++ {
		if entries[i].Path == entries[i-1].Path {
			return nil, fmt.Errorf("duplicate tree path %q", entries[i].Path)
		}
	}
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(Tree{Entries: entries})
}

// Store writes the tree object through f and returns its oid.
func (t *Tree) Store(ctx context.Context, f caf.Filter) (string, error) {
	b, err := t.Encode()
	if err != nil {
		return "", err
	}
	return f.Clean(ctx, b)
}

// Lookup returns the entry at p, if any.
func (t *Tree) Lookup(p string) (Entry, bool) {
	i := sort.Search(len(t.Entries), func(i int) bool { return t.Entries[i].Path >= p })
	if i < len(t.Entries) && t.Entries[i].Path == p {
		return t.Entries[i], true
	}
	return Entry{}, false
}

// Load reads and decodes a tree object.
func Load(ctx context.Context, f caf.Filter, treeOID string) (*Tree, error) {
	b, err := f.Smudge(ctx, treeOID)
	if err != nil {
		return nil, fmt.Errorf("load tree %s: %w", treeOID, err)
	}
	var t Tree
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode tree %s: %w", treeOID, err)
	}
	sort.Slice(t.Entries, func(i, j int) bool { return t.Entries[i].Path < t.Entries[j].Path })
	return &t, nil
}

// CleanPath validates a slash-separated relative path and returns its
// cleaned form.
func CleanPath(p string) (string, error) {
	if p == "" || strings.Contains(p, "\\") || path.IsAbs(p) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, p)
	}
	if clean == MetaDir || strings.HasPrefix(clean, MetaDir+"/") {
		return "", fmt.Errorf("%w: %q is reserved", ErrUnsafePath, p)
	}
	return clean, nil
}

func skipDir(name string) bool {
	return name == MetaDir || name == ".git"
}

// Snapshot cleans every regular file under dir and stores the resulting
// tree. Symlinks and the metadata dir are not recorded.
func Snapshot(ctx context.Context, f caf.Filter, dir string) (string, *Tree, error) {
	t := &Tree{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		oid, err := f.Clean(ctx, b)
		if err != nil {
			return err
		}
		mode := ModeFile
		if info.Mode().Perm()&0111 != 0 {
			mode = ModeExecutable
		}
		t.Entries = append(t.Entries, Entry{Path: filepath.ToSlash(rel), Mode: mode, OID: oid})
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("snapshot %s: %w", dir, err)
	}
	sort.Slice(t.Entries, func(i, j int) bool { return t.Entries[i].Path < t.Entries[j].Path })

	oid, err := t.Store(ctx, f)
	if err != nil {
		return "", nil, fmt.Errorf("store tree: %w", err)
	}
	return oid, t, nil
}

// Materialize writes every entry of t into dir. Files listed in prev but
// absent from t are removed; untracked files are left alone.
func Materialize(ctx context.Context, f caf.Filter, t, prev *Tree, dir string) error {
	sort.Slice(t.Entries, func(i, j int) bool { return t.Entries[i].Path < t.Entries[j].Path })
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	if prev != nil {
		for _, e := range prev.Entries {
			if _, ok := t.Lookup(e.Path); ok {
				continue
			}
			rel, err := CleanPath(e.Path)
			if err != nil {
				return err
			}
			if err := os.Remove(filepath.Join(dir, filepath.FromSlash(rel))); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", rel, err)
			}
		}
	}
	for _, e := range t.Entries {
		rel, err := CleanPath(e.Path)
		if err != nil {
			return err
		}
		b, err := f.Smudge(ctx, e.OID)
		if err != nil {
			return fmt.Errorf("materialize %s: %w", rel, err)
		}
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("create parent of %s: %w", rel, err)
		}
		perm := os.FileMode(0644)
		if e.Mode == ModeExecutable {
			perm = 0755
		}
		if err := os.WriteFile(target, b, perm); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
		if err := os.Chmod(target, perm); err != nil {
			return fmt.Errorf("chmod %s: %w", rel, err)
		}
	}
	return nil
}
