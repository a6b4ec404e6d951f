// Package caf implements the content-addressable filter: immutable blobs
// keyed by the sha256 of their bytes.
package caf

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Sentinel errors for CAF operations.
var (
	ErrObjectNotFound    = errors.New("object not found")
	ErrInvalidOID        = errors.New("invalid object id")
	ErrCorruptObject     = errors.New("object content does not match its id")
	ErrUnsupportedScheme = errors.New("unsupported caf scheme")
)

// Filter is the clean/smudge/exists contract every backend satisfies.
type Filter interface {
	// Clean stores b and returns its oid. Storing the same bytes twice is a
	// no-op after the first write.
	Clean(ctx context.Context, b []byte) (string, error)

	// Smudge returns exactly the bytes that produced oid, or an error
	// wrapping ErrObjectNotFound.
	Smudge(ctx context.Context, oid string) ([]byte, error)

	// Exists reports whether oid is stored. Absence is (false, nil), never an error.
	Exists(ctx context.Context, oid string) (bool, error)
}

// OID computes the object id of b.
func OID(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ValidOID reports whether oid is 64 lowercase hex characters.
func ValidOID(oid string) bool {
	if len(oid) != sha256.Size*2 {
		return false
	}
	for _, c := range oid {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func checkOID(oid string) error {
	if !ValidOID(oid) {
		return fmt.Errorf("%w: %q", ErrInvalidOID, oid)
	}
	return nil
}

func notFound(oid string) error {
	return fmt.Errorf("%w: %s", ErrObjectNotFound, oid)
}

// opener builds a backend from a parsed URI.
type opener func(u *url.URL) (Filter, error)

// schemes is the static backend composition map.
var schemes = map[string]opener{
	"file": func(u *url.URL) (Filter, error) {
		return NewFSStore(u.Path)
	},
	"mem": func(u *url.URL) (Filter, error) {
		return NewMemStore(), nil
	},
	"http": func(u *url.URL) (Filter, error) {
		return NewRemoteStore(u.String(), nil), nil
	},
	"https": func(u *url.URL) (Filter, error) {
		return NewRemoteStore(u.String(), nil), nil
	},
}

// Open selects a backend by URI scheme. A bare path is treated as file://.
func Open(uri string) (Filter, error) {
	if uri == "" {
		return nil, fmt.Errorf("%w: empty uri", ErrUnsupportedScheme)
	}
	if !strings.Contains(uri, "://") {
		abs, err := filepath.Abs(uri)
		if err != nil {
			return nil, fmt.Errorf("resolve caf path: %w", err)
		}
		return NewFSStore(abs)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse caf uri: %w", err)
	}
	open, ok := schemes[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
	return open(u)
}
