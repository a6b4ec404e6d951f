package caf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns one fresh instance of every backend.
func backends(t *testing.T) map[string]Filter {
	t.Helper()

	fs, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	srv := httptest.NewServer(newObjectHandler(NewMemStore()))
	t.Cleanup(srv.Close)

	return map[string]Filter{
		"fs":     fs,
		"mem":    NewMemStore(),
		"remote": NewRemoteStore(srv.URL, srv.Client()),
	}
}

// newObjectHandler is a minimal /objects/{oid} server for exercising RemoteStore.
func newObjectHandler(backing Filter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		oid := strings.TrimPrefix(r.URL.Path, "/objects/")
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			if OID(body) != oid {
				http.Error(w, "oid mismatch", http.StatusBadRequest)
				return
			}
			backing.Clean(r.Context(), body)
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			b, err := backing.Smudge(r.Context(), oid)
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			w.Write(b)
		case http.MethodHead:
			ok, _ := backing.Exists(r.Context(), oid)
			if !ok {
				w.WriteHeader(http.StatusNotFound)
			}
		}
	})
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	inputs := [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0x00, 0xff}, 4096),
		[]byte("line one\nline two\r\n"),
	}

	for name, f := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, b := range inputs {
				oid, err := f.Clean(ctx, b)
				require.NoError(t, err)
				assert.Equal(t, OID(b), oid)

				got, err := f.Smudge(ctx, oid)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(b, got), "round trip of %d bytes", len(b))

				ok, err := f.Exists(ctx, oid)
				require.NoError(t, err)
				assert.True(t, ok)
			}
		})
	}
}

func TestSmudgeUnknown(t *testing.T) {
	ctx := context.Background()
	missing := OID([]byte("never stored"))

	for name, f := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := f.Smudge(ctx, missing)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrObjectNotFound), "got %v", err)

			ok, err := f.Exists(ctx, missing)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = f.Exists(ctx, "not-an-oid")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestCleanIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	a, err := m.Clean(ctx, []byte("same"))
	require.NoError(t, err)
	b, err := m.Clean(ctx, []byte("same"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, 1, m.Len())
}

func TestFSStoreDeterministicAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	first, err := NewFSStore(root)
	require.NoError(t, err)
	oid, err := first.Clean(ctx, []byte("persisted"))
	require.NoError(t, err)

	second, err := NewFSStore(root)
	require.NoError(t, err)
	again, err := second.Clean(ctx, []byte("persisted"))
	require.NoError(t, err)
	assert.Equal(t, oid, again)

	got, err := second.Smudge(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got))
}

func TestFSStoreShardsByPrefix(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFSStore(root)
	require.NoError(t, err)

	oid, err := s.Clean(ctx, []byte("sharded"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "objects", oid[:2], oid))
	assert.NoError(t, err)
}

func TestFSStoreDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFSStore(root)
	require.NoError(t, err)

	oid, err := s.Clean(ctx, []byte("original"))
	require.NoError(t, err)

	path := filepath.Join(root, "objects", oid[:2], oid)
	require.NoError(t, os.Chmod(path, 0644))
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0644))

	_, err = s.Smudge(ctx, oid)
	assert.True(t, errors.Is(err, ErrCorruptObject), "got %v", err)
}

func TestConcurrentCleanSameContent(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	oids := make([]string, 16)
	errs := make([]error, 16)
	for i := range oids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			oids[i], errs[i] = s.Clean(ctx, []byte("contended"))
		}(i)
	}
	wg.Wait()

	for i := range oids {
		require.NoError(t, errs[i])
		assert.Equal(t, oids[0], oids[i])
	}
	got, err := s.Smudge(ctx, oids[0])
	require.NoError(t, err)
	assert.Equal(t, "contended", string(got))
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		uri     string
		want    string
		wantErr error
	}{
		{"file://" + dir, "*caf.FSStore", nil},
		{dir, "*caf.FSStore", nil},
		{"mem://", "*caf.MemStore", nil},
		{"http://127.0.0.1:7466", "*caf.RemoteStore", nil},
		{"https://caf.example", "*caf.RemoteStore", nil},
		{"s3://bucket", "", ErrUnsupportedScheme},
		{"", "", ErrUnsupportedScheme},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			f, err := Open(tt.uri)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, fmt.Sprintf("%T", f))
		})
	}
}

func TestValidOID(t *testing.T) {
	assert.True(t, ValidOID(OID([]byte("x"))))
	assert.False(t, ValidOID("abc"))
	assert.False(t, ValidOID(strings.ToUpper(OID([]byte("x")))))
	assert.False(t, ValidOID("../../../../etc/passwd"))
}
