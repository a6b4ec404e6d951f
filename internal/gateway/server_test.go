package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swarmauri/peagen/internal/apperr"
	"github.com/swarmauri/peagen/internal/caf"
	"github.com/swarmauri/peagen/internal/logger"
	"github.com/swarmauri/peagen/internal/models"
	"github.com/swarmauri/peagen/internal/tree"
)

func newTestServer(t *testing.T, mutate func(*Options)) (*harness, *Server, *httptest.Server) {
	t.Helper()
	h := newHarness(t, mutate)
	srv := NewServer(h.svc, NewDispatcher(h.svc, 0), "127.0.0.1:0", logger.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return h, srv, ts
}

func TestHealthEndpoint_OK(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	health, err := NewClient(ts.URL).CheckHealth(context.Background())
	require.NoError(t, err)
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.DB)
	assert.Equal(t, Version, health.Version)
	assert.NotEmpty(t, health.Time)
	assert.NotNil(t, health.Dispatcher)
}

func TestHealthEndpoint_DBError(t *testing.T) {
	h, srv, _ := newTestServer(t, nil)
	h.store.Close()

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.False(t, health.OK)
	assert.NotEqual(t, "ok", health.DB)
}

func TestObjectsEndpoint(t *testing.T) {
	h, _, ts := newTestServer(t, nil)
	ctx := context.Background()
	remote := caf.NewRemoteStore(ts.URL, nil)

	oid, err := remote.Clean(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, caf.OID([]byte("payload")), oid)
	assert.Equal(t, 1, h.caf.Len())

	ok, err := remote.Exists(ctx, oid)
	require.NoError(t, err)
	assert.True(t, ok)

	b, err := remote.Smudge(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), b)

	_, err = remote.Smudge(ctx, caf.OID([]byte("absent")))
	assert.ErrorIs(t, err, caf.ErrObjectNotFound)
}

func TestObjectsEndpointRejectsWrongHash(t *testing.T) {
	_, srv, _ := newTestServer(t, nil)

	oid := caf.OID([]byte("one"))
	req := httptest.NewRequest(http.MethodPut, "/objects/"+oid, bytes.NewReader([]byte("two")))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/objects/not-an-oid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRPCParseAndUnknownMethod(t *testing.T) {
	_, srv, _ := newTestServer(t, nil)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte("{nope"))))
	var env struct {
		Error *jsonrpc.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.NotNil(t, env.Error)
	assert.Equal(t, int64(jsonrpc.CodeParseError), env.Error.Code)

	body := `{"jsonrpc":"2.0","id":1,"method":"Task.teleport","params":{}}`
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte(body))))
	msg, err := jsonrpc.DecodeMessage(w.Body.Bytes())
	require.NoError(t, err)
	resp, ok := msg.(*jsonrpc.Response)
	require.True(t, ok)
	require.Error(t, resp.Error)
	assert.True(t, errors.Is(resp.Error, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound}))

	body = `{"jsonrpc":"2.0","method":"Worker.list"}`
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte(body))))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestClientEndToEnd(t *testing.T) {
	_, _, ts := newTestServer(t, func(o *Options) { o.VerifyRevHash = false })
	ctx := context.Background()
	client := NewClient(ts.URL)
	remote := caf.NewRemoteStore(client.ObjectsURL(), nil)

	task, err := client.Mutate(ctx, "demo", helloPatch(), "")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateQueued, task.State)

	treeOID := storeTree(t, remote, map[string]string{"hello.txt": "hello\n"})
	res, err := client.Report(ctx, ReportRequest{TaskID: task.ID, WorkerID: "w1", RevHash: "abc123", TreeOID: treeOID})
	require.NoError(t, err)
	assert.Equal(t, "abc123", res.RevHash)

	out := filepath.Join(t.TempDir(), "workspace")
	fetched, err := Fetch(ctx, client, remote, "demo", "HEAD", out)
	require.NoError(t, err)
	assert.Equal(t, "abc123", fetched.Commit)
	assert.Equal(t, out, fetched.Workspace)
	assert.True(t, fetched.Updated)

	head, err := tree.Head(out)
	require.NoError(t, err)
	assert.Equal(t, "abc123", head)

	fetched, err = Fetch(ctx, client, remote, "demo", "HEAD", out)
	require.NoError(t, err)
	assert.False(t, fetched.Updated)

	_, err = client.RemoteFetch(ctx, "demo", "HEAD", "relative/out")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	onGateway := filepath.Join(t.TempDir(), "gateway-side")
	fetched, err = client.RemoteFetch(ctx, "demo", "HEAD", onGateway)
	require.NoError(t, err)
	assert.Equal(t, onGateway, fetched.Workspace)
	assert.FileExists(t, filepath.Join(onGateway, "hello.txt"))

	again, err := client.Report(ctx, ReportRequest{TaskID: task.ID, WorkerID: "w1", RevHash: "abc123", TreeOID: treeOID})
	require.NoError(t, err)
	assert.Equal(t, res, again)

	entries, err := client.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.TaskState{models.TaskStateQueued, models.TaskStateCommitted}, statesOf(entries))
}

func TestClientLabels(t *testing.T) {
	_, _, ts := newTestServer(t, nil)
	ctx := context.Background()
	client := NewClient(ts.URL)

	task, err := client.Mutate(ctx, "demo", helloPatch(), "", "batch")
	require.NoError(t, err)
	assert.Equal(t, []string{"batch"}, task.Labels)

	res, err := client.PauseLabel(ctx, "batch")
	require.NoError(t, err)
	assert.True(t, res.Paused)
	paused, err := client.PausedLabels(ctx)
	require.NoError(t, err)
	require.Len(t, paused, 1)

	res, err = client.CancelLabel(ctx, "batch")
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, res.Tasks)

	res, err = client.ResumeLabel(ctx, "batch")
	require.NoError(t, err)
	assert.True(t, res.Changed)
}

func TestClientErrorsKeepTheirCode(t *testing.T) {
	_, _, ts := newTestServer(t, nil)
	ctx := context.Background()
	client := NewClient(ts.URL)

	_, err := client.Describe(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrTaskNotFound)

	_, err = client.Resolve(ctx, "empty-repo", "HEAD")
	assert.ErrorIs(t, err, apperr.ErrObjectNotFound)

	_, err = client.Claim(ctx, "ghost")
	assert.ErrorIs(t, err, apperr.ErrWorkerNotFound)

	_, err = NewClient("http://127.0.0.1:1").ListTasks(ctx, "", 0)
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
}

func TestClientWorkLoop(t *testing.T) {
	h, _, ts := newTestServer(t, nil)
	ctx := context.Background()
	client := NewClient(ts.URL)

	w, err := client.RegisterWorker(ctx, RegisterRequest{ID: "w1", Handlers: []string{models.ActionMutate}})
	require.NoError(t, err)
	require.NoError(t, client.Heartbeat(ctx, w.ID))

	a, err := client.Claim(ctx, w.ID)
	require.NoError(t, err)
	assert.Nil(t, a)

	task, err := client.Mutate(ctx, "demo", helloPatch(), "")
	require.NoError(t, err)
	a, err = client.Claim(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, task.ID, a.Task.ID)
	assert.Empty(t, a.BaseRevHash)

	prog, err := client.Progress(ctx, ProgressRequest{TaskID: task.ID, WorkerID: w.ID})
	require.NoError(t, err)
	assert.False(t, prog.Cancel)

	treeOID := storeTree(t, h.caf, map[string]string{"hello.txt": "hello\n"})
	res, err := client.Report(ctx, ReportRequest{TaskID: task.ID, WorkerID: w.ID,
		RevHash: revHashFor(t, a.Task, treeOID, ""), TreeOID: treeOID})
	require.NoError(t, err)

	revs, err := client.Revisions(ctx, "demo", 10)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, res.RevHash, revs[0].RevHash)

	lin, err := client.Lineage(ctx, res.RevHash)
	require.NoError(t, err)
	assert.Equal(t, res.RevHash, lin.Revision.RevHash)

	workers, err := client.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.True(t, workers[0].Live)

	tasks, err := client.ListTasks(ctx, models.TaskStateCommitted, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)
}
