package tree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/swarmauri/peagen/internal/caf"
)

const (
	headMarker = "HEAD"
	treeMarker = "TREE"
)

// Head returns the commit recorded in dir, or "" if dir holds no checkout.
func Head(dir string) (string, error) {
	return readMarker(dir, headMarker)
}

func readMarker(dir, name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, MetaDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func writeMarker(dir, name, value string) error {
	meta := filepath.Join(dir, MetaDir)
	if err := os.MkdirAll(meta, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(meta, name), []byte(value+"\n"), 0644)
}

// Checkout materializes treeOID into outDir and records commit as its head.
// It reports updated=true iff outDir previously held a different commit.
func Checkout(ctx context.Context, f caf.Filter, commit, treeOID, outDir string) (bool, error) {
	prevCommit, err := readMarker(outDir, headMarker)
	if err != nil {
		return false, fmt.Errorf("read head: %w", err)
	}
	if prevCommit == commit {
		return false, nil
	}

	t, err := Load(ctx, f, treeOID)
	if err != nil {
		return false, err
	}

	var prev *Tree
	if prevTree, _ := readMarker(outDir, treeMarker); prevTree != "" && prevTree != treeOID {
		// A prior tree that is no longer in the store only disables cleanup.
		prev, _ = Load(ctx, f, prevTree)
	}

	if err := Materialize(ctx, f, t, prev, outDir); err != nil {
		return false, err
	}
	if err := writeMarker(outDir, treeMarker, treeOID); err != nil {
		return false, fmt.Errorf("write tree marker: %w", err)
	}
	if err := writeMarker(outDir, headMarker, commit); err != nil {
		return false, fmt.Errorf("write head marker: %w", err)
	}
	return true, nil
}
