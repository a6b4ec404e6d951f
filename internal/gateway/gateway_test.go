package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swarmauri/peagen/internal/apperr"
	"github.com/swarmauri/peagen/internal/audit"
	"github.com/swarmauri/peagen/internal/caf"
	"github.com/swarmauri/peagen/internal/logger"
	"github.com/swarmauri/peagen/internal/models"
	"github.com/swarmauri/peagen/internal/store"
	"github.com/swarmauri/peagen/internal/store/sqlite"
	"github.com/swarmauri/peagen/internal/tree"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeClock is a settable time source shared by service and store.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc   *Service
	store *store.Store
	caf   *caf.MemStore
	clock *fakeClock
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := newFakeClock()
	st.SetClock(clock.Now)
	opts := DefaultOptions()
	opts.LeaseTTL = time.Minute
	opts.Now = clock.Now
	if mutate != nil {
		mutate(&opts)
	}
	mem := caf.NewMemStore()
	log := logger.Nop()
	svc := NewService(st, mem, audit.NewRecorder(st, log), log, opts)
	return &harness{svc: svc, store: st, caf: mem, clock: clock}
}

func (h *harness) register(t *testing.T, id string) {
	t.Helper()
	_, err := h.svc.RegisterWorker(context.Background(), RegisterRequest{
		ID:       id,
		Handlers: []string{models.ActionMutate, models.ActionExec},
	})
	require.NoError(t, err)
}

func (h *harness) counts(t *testing.T) map[string]int {
	t.Helper()
	c, err := h.store.CountRows(context.Background())
	require.NoError(t, err)
	return c
}

func helloPatch() *tree.Patch {
	return &tree.Patch{Ops: []tree.Op{{Op: tree.OpWrite, Path: "hello.txt", Content: "hello\n"}}}
}

// storeTree cleans files into the CAF and returns the tree oid.
func storeTree(t *testing.T, f caf.Filter, files map[string]string) string {
	t.Helper()
	ctx := context.Background()
	tr := &tree.Tree{}
	for p, content := range files {
		oid, err := f.Clean(ctx, []byte(content))
		require.NoError(t, err)
		tr.Entries = append(tr.Entries, tree.Entry{Path: p, Mode: tree.ModeFile, OID: oid})
	}
	oid, err := tr.Store(ctx, f)
	require.NoError(t, err)
	return oid
}

func revHashFor(t *testing.T, task *models.Task, treeOID, parent string) string {
	t.Helper()
	canonical, err := models.CanonicalTaskSpec(task.Action, task.Repo, task.Spec)
	require.NoError(t, err)
	return models.RevHash(canonical, treeOID, parent)
}

func statesOf(entries []models.StatusEntry) []models.TaskState {
	out := make([]models.TaskState, len(entries))
	for i, e := range entries {
		out[i] = e.State
	}
	return out
}

// --- Submission ---

func TestSubmitRecordsQueuedStatus(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	task, err := h.svc.Mutate(ctx, "demo", helloPatch(), "")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateQueued, task.State)
	assert.Equal(t, models.DefaultPool, task.Pool)
	assert.NotEmpty(t, task.SpecHash)

	entries, err := h.svc.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.TaskState{models.TaskStateQueued}, statesOf(entries))
}

func TestSubmitRejectsBadSpecs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cases := []models.TaskSpec{
		{Action: models.ActionMutate, Repo: "", Spec: json.RawMessage(`{"ops":[{"op":"write","path":"a"}]}`)},
		{Action: models.ActionMutate, Repo: "demo", Spec: json.RawMessage(`{"ops":[]}`)},
		{Action: models.ActionMutate, Repo: "demo", Spec: json.RawMessage(`{"ops":[{"op":"write","path":"../x"}]}`)},
		{Action: models.ActionExec, Repo: "demo", Spec: json.RawMessage(`{"command":" "}`)},
		{Action: "teleport", Repo: "demo", Spec: json.RawMessage(`{}`)},
	}
	for i, spec := range cases {
		_, err := h.svc.Submit(ctx, spec)
		assert.ErrorIs(t, err, apperr.ErrInvalidArgument, "case %d", i)
	}
}

func TestSubmitReplacesTakenID(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	spec := models.TaskSpec{ID: "fixed", Action: models.ActionExec, Repo: "demo", Spec: json.RawMessage(`{"command":"true"}`)}

	first, err := h.svc.Submit(ctx, spec)
	require.NoError(t, err)
	second, err := h.svc.Submit(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, "fixed", first.ID)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestSpecIsStoredCanonical(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	a, err := h.svc.Submit(ctx, models.TaskSpec{Action: models.ActionExec, Repo: "demo",
		Spec: json.RawMessage(`{ "command": "ls", "args": ["-l"] }`)})
	require.NoError(t, err)
	b, err := h.svc.Submit(ctx, models.TaskSpec{Action: models.ActionExec, Repo: "demo",
		Spec: json.RawMessage(`{"args":["-l"],"command":"ls"}`)})
	require.NoError(t, err)
	assert.Equal(t, a.SpecHash, b.SpecHash)
	assert.JSONEq(t, string(a.Spec), string(b.Spec))
}

// --- Commit algorithm ---

func TestEndToEndMutateReportFetch(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.VerifyRevHash = false })
	ctx := context.Background()

	task, err := h.svc.Mutate(ctx, "demo", helloPatch(), "")
	require.NoError(t, err)
	treeOID := storeTree(t, h.caf, map[string]string{"hello.txt": "hello\n"})

	res, err := h.svc.Report(ctx, ReportRequest{TaskID: task.ID, WorkerID: "w1", RevHash: "abc123", TreeOID: treeOID})
	require.NoError(t, err)
	assert.Equal(t, "abc123", res.RevHash)
	assert.Empty(t, res.ParentHash)

	out := filepath.Join(t.TempDir(), "workspace")
	fetched, err := h.svc.Fetch(ctx, "demo", "HEAD", out)
	require.NoError(t, err)
	assert.Equal(t, &FetchResult{Workspace: out, Commit: "abc123", TreeOID: treeOID, Updated: true}, fetched)

	again, err := h.svc.Fetch(ctx, "demo", "HEAD", out)
	require.NoError(t, err)
	assert.False(t, again.Updated)
	assert.Equal(t, "abc123", again.Commit)

	got, err := h.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCommitted, got.State)
}

func TestReportVerifiesRevHash(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	task, err := h.svc.Mutate(ctx, "demo", helloPatch(), "")
	require.NoError(t, err)
	treeOID := storeTree(t, h.caf, map[string]string{"hello.txt": "hello\n"})
	want := revHashFor(t, task, treeOID, "")

	before := h.counts(t)
	_, err = h.svc.Report(ctx, ReportRequest{TaskID: task.ID, WorkerID: "w1", RevHash: "abc123", TreeOID: treeOID})
	require.ErrorIs(t, err, apperr.ErrHashMismatch)
	assert.Equal(t, before, h.counts(t), "a rejected report must not write ledger rows")

	res, err := h.svc.Report(ctx, ReportRequest{TaskID: task.ID, WorkerID: "w1", RevHash: want, TreeOID: treeOID})
	require.NoError(t, err)
	assert.Equal(t, want, res.RevHash)
}

func TestReportUnknownParentLeavesLedgerUnchanged(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	task, err := h.svc.Mutate(ctx, "demo", helloPatch(), "")
	require.NoError(t, err)
	treeOID := storeTree(t, h.caf, map[string]string{"hello.txt": "hello\n"})
	parent := "deadbeefdeadbeef"

	before := h.counts(t)
	_, err = h.svc.Report(ctx, ReportRequest{
		TaskID:     task.ID,
		WorkerID:   "w1",
		RevHash:    revHashFor(t, task, treeOID, parent),
		ParentHash: parent,
		TreeOID:    treeOID,
	})
	require.ErrorIs(t, err, apperr.ErrHashMismatch)
	assert.Equal(t, before, h.counts(t))

	entries, err := h.svc.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReportChainsOnParent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.svc.Mutate(ctx, "demo", helloPatch(), "")
	require.NoError(t, err)
	tree1 := storeTree(t, h.caf, map[string]string{"hello.txt": "hello\n"})
	rev1, err := h.svc.Report(ctx, ReportRequest{TaskID: first.ID, WorkerID: "w1",
		RevHash: revHashFor(t, first, tree1, ""), TreeOID: tree1})
	require.NoError(t, err)

	second, err := h.svc.Mutate(ctx, "demo", &tree.Patch{Ops: []tree.Op{{Op: tree.OpWrite, Path: "b.txt", Content: "b"}}}, "")
	require.NoError(t, err)
	tree2 := storeTree(t, h.caf, map[string]string{"hello.txt": "hello\n", "b.txt": "b"})
	rev2, err := h.svc.Report(ctx, ReportRequest{TaskID: second.ID, WorkerID: "w1",
		RevHash: revHashFor(t, second, tree2, rev1.RevHash), ParentHash: rev1.RevHash, TreeOID: tree2})
	require.NoError(t, err)
	assert.Equal(t, rev1.RevHash, rev2.ParentHash)

	head, err := h.svc.Resolve(ctx, "demo", "")
	require.NoError(t, err)
	assert.Equal(t, rev2.RevHash, head.RevHash)

	byPrefix, err := h.svc.Resolve(ctx, "demo", rev1.RevHash[:8])
	require.NoError(t, err)
	assert.Equal(t, rev1.RevHash, byPrefix.RevHash)

	log, err := h.svc.Revisions(ctx, "demo", 0)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, rev2.RevHash, log[0].RevHash)
}

func TestReportIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	task, err := h.svc.Mutate(ctx, "demo", helloPatch(), "")
	require.NoError(t, err)
	treeOID := storeTree(t, h.caf, map[string]string{"hello.txt": "hello\n"})
	blob, err := h.caf.Clean(ctx, []byte("hello\n"))
	require.NoError(t, err)

	req := ReportRequest{
		TaskID:    task.ID,
		WorkerID:  "w1",
		RevHash:   revHashFor(t, task, treeOID, ""),
		TreeOID:   treeOID,
		Artefacts: []models.Artefact{{OID: blob, Path: "hello.txt"}, {OID: blob, Path: "hello.txt"}},
	}
	first, err := h.svc.Report(ctx, req)
	require.NoError(t, err)
	after := h.counts(t)

	h.clock.Advance(time.Hour)
	second, err := h.svc.Report(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, after, h.counts(t))
	assert.Equal(t, 1, after["task_revisions"])
	assert.Equal(t, 1, after["artefact_lineage"])
}

func TestReportRequiresObjects(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	task, err := h.svc.Mutate(ctx, "demo", helloPatch(), "")
	require.NoError(t, err)
	missingTree := caf.OID([]byte("never stored"))

	_, err = h.svc.Report(ctx, ReportRequest{TaskID: task.ID, WorkerID: "w1",
		RevHash: revHashFor(t, task, missingTree, ""), TreeOID: missingTree})
	assert.ErrorIs(t, err, apperr.ErrObjectNotFound)

	treeOID := storeTree(t, h.caf, map[string]string{"hello.txt": "hello\n"})
	before := h.counts(t)
	_, err = h.svc.Report(ctx, ReportRequest{TaskID: task.ID, WorkerID: "w1",
		RevHash:   revHashFor(t, task, treeOID, ""),
		TreeOID:   treeOID,
		Artefacts: []models.Artefact{{OID: caf.OID([]byte("ghost")), Path: "ghost"}},
	})
	assert.ErrorIs(t, err, apperr.ErrObjectNotFound)
	assert.Equal(t, before, h.counts(t))
}

func TestLineageRecordsParentArtefact(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	task, err := h.svc.Mutate(ctx, "demo", helloPatch(), "")
	require.NoError(t, err)
	treeOID := storeTree(t, h.caf, map[string]string{"hello.txt": "hello\n"})
	old, _ := h.caf.Clean(ctx, []byte("hi\n"))
	blob, _ := h.caf.Clean(ctx, []byte("hello\n"))

	res, err := h.svc.Report(ctx, ReportRequest{TaskID: task.ID, WorkerID: "w1",
		RevHash:   revHashFor(t, task, treeOID, ""),
		TreeOID:   treeOID,
		Artefacts: []models.Artefact{{OID: blob, Path: "hello.txt", ParentOID: old}},
	})
	require.NoError(t, err)

	lin, err := h.svc.Lineage(ctx, res.RevHash)
	require.NoError(t, err)
	require.Len(t, lin.Artefacts, 1)
	assert.Equal(t, old, lin.Artefacts[0].ParentArtefactOID)
	assert.Equal(t, "w1", lin.Artefacts[0].ProducingWorker)
	assert.Equal(t, res.RevHash, lin.Artefacts[0].SourceRevHash)

	_, err = h.svc.Lineage(ctx, "0000000000")
	assert.ErrorIs(t, err, apperr.ErrObjectNotFound)
}

// --- Fan-out ---

func TestConcurrentFanoutConverges(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.VerifyRevHash = false })
	ctx := context.Background()
	const n = 8

	specs := make([]models.TaskSpec, n)
	for i := range specs {
		specs[i] = models.TaskSpec{Action: models.ActionExec, Repo: fmt.Sprintf("shard-%d", i),
			Spec: json.RawMessage(`{"command":"true"}`)}
	}
	fan, err := h.svc.SubmitFanout(ctx, FanoutRequest{ParentTaskID: "parent", Tasks: specs})
	require.NoError(t, err)
	require.Len(t, fan.Tasks, n)

	treeOID := storeTree(t, h.caf, map[string]string{"out.txt": "done"})
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i, task := range fan.Tasks {
		wg.Add(1)
		go func(i int, task models.Task) {
			defer wg.Done()
			_, err := h.svc.Report(ctx, ReportRequest{TaskID: task.ID, WorkerID: "w",
				RevHash: fmt.Sprintf("rev%04d", i), TreeOID: treeOID})
			errs <- err
		}(i, task)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	set, err := h.svc.Fanout(ctx, fan.Fanout.ID)
	require.NoError(t, err)
	assert.Len(t, set.MemberRevHashes, n)
	assert.Equal(t, "parent", set.ParentTaskID)
	assert.NotEmpty(t, set.ExpansionSpecHash)
}

// --- Leases ---

func TestLeaseRedispatchedExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.register(t, "w1")
	h.register(t, "w2")

	task, err := h.svc.Mutate(ctx, "demo", helloPatch(), "")
	require.NoError(t, err)

	a, err := h.svc.Claim(ctx, ClaimRequest{WorkerID: "w1"})
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, task.ID, a.Task.ID)
	assert.Equal(t, 1, a.Lease.Attempt)

	h.clock.Advance(2 * time.Minute)
	d := NewDispatcher(h.svc, time.Second)

	var wg sync.WaitGroup
	var mu sync.Mutex
	reclaimed := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			expired, err := d.ReapOnce(ctx)
			assert.NoError(t, err)
			mu.Lock()
			reclaimed += len(expired)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, reclaimed)
	assert.Equal(t, 1, d.Stats().Reclaimed)

	_, err = h.svc.Progress(ctx, ProgressRequest{TaskID: task.ID, WorkerID: "w1"})
	assert.ErrorIs(t, err, apperr.ErrLeaseExpired)

	b, err := h.svc.Claim(ctx, ClaimRequest{WorkerID: "w2"})
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, task.ID, b.Task.ID)
	assert.Equal(t, 2, b.Lease.Attempt)

	entries, err := h.svc.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.TaskState{
		models.TaskStateQueued,
		models.TaskStateAssigned,
		models.TaskStateLeaseExpired,
		models.TaskStateQueued,
		models.TaskStateAssigned,
	}, statesOf(entries))
}

func TestClaimRequiresRegisteredWorker(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Claim(context.Background(), ClaimRequest{WorkerID: "ghost"})
	assert.ErrorIs(t, err, apperr.ErrWorkerNotFound)
}

func TestClaimEmptyQueue(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "w1")
	a, err := h.svc.Claim(context.Background(), ClaimRequest{WorkerID: "w1"})
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestProgressRenewsAndStartsRunning(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.register(t, "w1")
	h.register(t, "w2")

	task, err := h.svc.Mutate(ctx, "demo", helloPatch(), "")
	require.NoError(t, err)
	_, err = h.svc.Claim(ctx, ClaimRequest{WorkerID: "w1"})
	require.NoError(t, err)

	h.clock.Advance(45 * time.Second)
	res, err := h.svc.Progress(ctx, ProgressRequest{TaskID: task.ID, WorkerID: "w1", Detail: "op 1/1"})
	require.NoError(t, err)
	assert.False(t, res.Cancel)
	assert.Equal(t, h.clock.Now().Add(time.Minute), res.ExpiresAt)

	// The renewed lease survives past the original expiry.
	h.clock.Advance(30 * time.Second)
	expired, err := h.svc.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	_, err = h.svc.Progress(ctx, ProgressRequest{TaskID: task.ID, WorkerID: "w2"})
	assert.ErrorIs(t, err, apperr.ErrLeaseNotHeld)

	got, err := h.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateRunning, got.State)
}

func TestFailMovesToFailedOrRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.register(t, "w1")

	failed, err := h.svc.Mutate(ctx, "demo", helloPatch(), "")
	require.NoError(t, err)
	_, err = h.svc.Claim(ctx, ClaimRequest{WorkerID: "w1"})
	require.NoError(t, err)
	task, err := h.svc.Fail(ctx, FailRequest{TaskID: failed.ID, WorkerID: "w1", Detail: "exit status 1"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateFailed, task.State)

	rejected, err := h.svc.Mutate(ctx, "demo", helloPatch(), "")
	require.NoError(t, err)
	_, err = h.svc.Claim(ctx, ClaimRequest{WorkerID: "w1"})
	require.NoError(t, err)
	task, err = h.svc.Fail(ctx, FailRequest{TaskID: rejected.ID, WorkerID: "w1", Code: apperr.CodeHashMismatch, Detail: "parent moved"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateRejected, task.State)

	entries, err := h.svc.Status(ctx, rejected.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, "HASH_MISMATCH: parent moved", last.Detail)

	counts := h.counts(t)
	assert.Zero(t, counts["task_revisions"])
	lease, err := h.store.GetLease(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Nil(t, lease)
}

func TestFailAfterLeaseLapseLeavesTrace(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.register(t, "w1")

	task, err := h.svc.Mutate(ctx, "demo", helloPatch(), "")
	require.NoError(t, err)
	_, err = h.svc.Claim(ctx, ClaimRequest{WorkerID: "w1"})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	_, err = h.svc.Fail(ctx, FailRequest{TaskID: task.ID, WorkerID: "w1", Detail: "boom"})
	assert.ErrorIs(t, err, apperr.ErrLeaseExpired)

	entries, err := h.svc.Status(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	last := entries[2]
	assert.Equal(t, models.TaskStateAssigned, last.State)
	assert.Contains(t, last.Detail, "WORKER_EXECUTION: boom")
	assert.Contains(t, last.Detail, "LEASE_EXPIRED")

	// The reaper still owns the requeue.
	expired, err := h.svc.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Len(t, expired, 1)
	got, err := h.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateQueued, got.State)
}

func TestFetchRequiresAbsoluteOutDir(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for _, dir := range []string{"", "checkout", "./demo", "../escape"} {
		_, err := h.svc.Fetch(ctx, "demo", "HEAD", dir)
		assert.ErrorIs(t, err, apperr.ErrInvalidArgument, "out_dir %q", dir)
	}
}

// --- Labels ---

func TestPausedLabelHoldsDispatch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.register(t, "w1")

	task, err := h.svc.Mutate(ctx, "demo", helloPatch(), "", " nightly ", "nightly", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"nightly"}, task.Labels)

	res, err := h.svc.PauseLabel(ctx, "nightly")
	require.NoError(t, err)
	assert.True(t, res.Changed)

	a, err := h.svc.Claim(ctx, ClaimRequest{WorkerID: "w1"})
	require.NoError(t, err)
	assert.Nil(t, a)

	paused, err := h.svc.PausedLabels(ctx)
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, "nightly", paused[0].Label)

	_, err = h.svc.ResumeLabel(ctx, "nightly")
	require.NoError(t, err)
	a, err = h.svc.Claim(ctx, ClaimRequest{WorkerID: "w1"})
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, task.ID, a.Task.ID)
	assert.Equal(t, []string{"nightly"}, a.Task.Labels)

	_, err = h.svc.PauseLabel(ctx, "  ")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestCancelLabel(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.register(t, "w1")

	leased, err := h.svc.Mutate(ctx, "demo", helloPatch(), "", "batch")
	require.NoError(t, err)
	_, err = h.svc.Claim(ctx, ClaimRequest{WorkerID: "w1"})
	require.NoError(t, err)
	queued, err := h.svc.Mutate(ctx, "demo", helloPatch(), "", "batch")
	require.NoError(t, err)
	done, err := h.svc.Mutate(ctx, "demo", helloPatch(), "", "batch")
	require.NoError(t, err)
	_, err = h.svc.Cancel(ctx, done.ID)
	require.NoError(t, err)
	other, err := h.svc.Mutate(ctx, "demo", helloPatch(), "")
	require.NoError(t, err)

	res, err := h.svc.CancelLabel(ctx, "batch")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{leased.ID, queued.ID}, res.Tasks)

	got, err := h.svc.GetTask(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCancelled, got.State)

	got, err = h.svc.GetTask(ctx, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateAssigned, got.State)
	assert.True(t, got.CancelRequested)

	got, err = h.svc.GetTask(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateQueued, got.State)
}

// --- Cancellation ---

func TestCancelQueuedTask(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	task, err := h.svc.Mutate(ctx, "demo", helloPatch(), "")
	require.NoError(t, err)
	got, err := h.svc.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCancelled, got.State)

	// Cancelling a terminal task is a no-op.
	again, err := h.svc.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCancelled, again.State)

	entries, err := h.svc.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, err = h.svc.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrTaskNotFound)
}

func TestCancelLeasedTaskIsCooperative(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.register(t, "w1")

	task, err := h.svc.Mutate(ctx, "demo", helloPatch(), "")
	require.NoError(t, err)
	_, err = h.svc.Claim(ctx, ClaimRequest{WorkerID: "w1"})
	require.NoError(t, err)

	got, err := h.svc.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, models.TaskStateAssigned, got.State)

	res, err := h.svc.Progress(ctx, ProgressRequest{TaskID: task.ID, WorkerID: "w1"})
	require.NoError(t, err)
	assert.True(t, res.Cancel)

	treeOID := storeTree(t, h.caf, map[string]string{"hello.txt": "hello\n"})
	_, err = h.svc.Report(ctx, ReportRequest{TaskID: task.ID, WorkerID: "w1",
		RevHash: revHashFor(t, task, treeOID, ""), TreeOID: treeOID})
	assert.ErrorIs(t, err, apperr.ErrTaskCancelled)

	done, err := h.svc.Cancelled(ctx, TaskWorkerRef{TaskID: task.ID, WorkerID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCancelled, done.State)
	assert.Zero(t, h.counts(t)["task_revisions"])
}

// --- Workers ---

func TestWorkerLiveness(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.WorkerTTL = 10 * time.Second })
	ctx := context.Background()
	h.register(t, "w1")

	err := h.svc.Heartbeat(ctx, "w1")
	require.NoError(t, err)
	workers, err := h.svc.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.True(t, workers[0].Live)

	h.clock.Advance(time.Minute)
	workers, err = h.svc.ListWorkers(ctx)
	require.NoError(t, err)
	assert.False(t, workers[0].Live)

	assert.ErrorIs(t, h.svc.Heartbeat(ctx, "ghost"), apperr.ErrWorkerNotFound)

	_, err = h.svc.RegisterWorker(ctx, RegisterRequest{ID: "w2"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestDescribe(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.register(t, "w1")

	task, err := h.svc.Mutate(ctx, "demo", helloPatch(), "")
	require.NoError(t, err)
	_, err = h.svc.Claim(ctx, ClaimRequest{WorkerID: "w1"})
	require.NoError(t, err)

	d, err := h.svc.Describe(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, d.Task.ID)
	require.NotNil(t, d.Lease)
	assert.Equal(t, "w1", d.Lease.WorkerID)
	assert.Len(t, d.Status, 2)
	assert.Empty(t, d.Revisions)

	pdr, err := h.store.ListPDR(ctx, task.ID, 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(pdr), 2)
}
