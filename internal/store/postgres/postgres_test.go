package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swarmauri/peagen/internal/models"
	"github.com/swarmauri/peagen/internal/store"
)

func TestRebind(t *testing.T) {
	got := Dialect{}.Rebind(`SELECT a FROM t WHERE x = ? AND y IN (?, ?)`)
	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)`, got)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("PEAGEN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PEAGEN_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(context.Background(), dsn, Options{MaxOpenConns: 8})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLedgerRejectsUpdateAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rev := &models.TaskRevision{
		RevHash:  models.RevHash([]byte(t.Name()), "tree", ""),
		TaskID:   "pg-task",
		Repo:     "pg-demo",
		TreeOID:  "tree",
		WorkerID: "w1",
	}
	err := s.InTx(ctx, func(tx *store.Tx) error { return tx.InsertTaskRevision(ctx, rev) })
	if err != nil {
		require.ErrorIs(t, err, store.ErrDuplicateRevision)
	}

	_, err = s.DB().ExecContext(ctx, `UPDATE task_revisions SET worker_id = 'x' WHERE rev_hash = $1`, rev.RevHash)
	require.Error(t, err)
	assert.True(t, Dialect{}.IsAppendOnlyViolation(err))

	_, err = s.DB().ExecContext(ctx, `DELETE FROM task_revisions WHERE rev_hash = $1`, rev.RevHash)
	require.Error(t, err)
	assert.True(t, Dialect{}.IsAppendOnlyViolation(err))

	_, err = s.DB().ExecContext(ctx, `TRUNCATE status_log`)
	require.Error(t, err)
}

func TestDuplicateRevisionDetected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rev := &models.TaskRevision{
		RevHash:  models.RevHash([]byte(t.Name()), "tree", ""),
		TaskID:   "pg-task",
		Repo:     "pg-demo",
		TreeOID:  "tree",
		WorkerID: "w1",
	}
	insert := func() error {
		return s.InTx(ctx, func(tx *store.Tx) error { return tx.InsertTaskRevision(ctx, rev) })
	}
	_ = insert()
	require.ErrorIs(t, insert(), store.ErrDuplicateRevision)
}
