package caf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FSStore keeps objects on the local filesystem:
//
//	{Root}/objects/{oid[0:2]}/{oid}
type FSStore struct {
	root string
}

// NewFSStore creates (if needed) and returns a filesystem store rooted at root.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("caf root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, "objects"), 0755); err != nil {
		return nil, fmt.Errorf("create caf root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Root returns the store's root directory.
func (s *FSStore) Root() string {
	return s.root
}

func (s *FSStore) objectPath(oid string) string {
	return filepath.Join(s.root, "objects", oid[:2], oid)
}

// Clean stores b under its oid.
func (s *FSStore) Clean(ctx context.Context, b []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	oid := OID(b)
	path := s.objectPath(oid)
	if _, err := os.Stat(path); err == nil {
		return oid, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create shard dir: %w", err)
	}
	if err := writeFileAtomic(path, b, 0444); err != nil {
		return "", fmt.Errorf("write object %s: %w", oid, err)
	}
	return oid, nil
}

// Smudge reads the object and re-verifies its hash.
func (s *FSStore) Smudge(ctx context.Context, oid string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkOID(oid); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.objectPath(oid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(oid)
		}
		return nil, fmt.Errorf("read object %s: %w", oid, err)
	}
	if OID(b) != oid {
		return nil, fmt.Errorf("%w: %s", ErrCorruptObject, oid)
	}
	return b, nil
}

// Exists reports whether the object file is present.
func (s *FSStore) Exists(ctx context.Context, oid string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !ValidOID(oid) {
		return false, nil
	}
	_, err := os.Stat(s.objectPath(oid))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat object %s: %w", oid, err)
}

// writeFileAtomic writes into a temp file in the target directory and
// renames it into place, so readers never observe a partial object.
// Concurrent writers of the same oid race harmlessly on the rename.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
