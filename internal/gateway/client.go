package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/swarmauri/peagen/internal/models"
	"github.com/swarmauri/peagen/internal/rpc"
	"github.com/swarmauri/peagen/internal/tree"
)

// DefaultClientTimeout is the default timeout for gateway requests.
const DefaultClientTimeout = 30 * time.Second

// Client is a typed gateway client used by workers, the CLI and the TUI.
type Client struct {
	baseURL    string
	rpc        *rpc.Client
	httpClient *http.Client
}

// NewClient creates a client for the gateway at baseURL.
func NewClient(baseURL string) *Client {
	httpClient := &http.Client{Timeout: DefaultClientTimeout}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL:    baseURL,
		rpc:        rpc.NewClient(baseURL, httpClient),
		httpClient: httpClient,
	}
}

// BaseURL returns the gateway address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ObjectsURL is the base of the gateway's content store, usable as a CAF URI.
func (c *Client) ObjectsURL() string {
	return c.baseURL
}

// --- Tasks ---

func (c *Client) Submit(ctx context.Context, spec models.TaskSpec) (*models.Task, error) {
	var task models.Task
	return &task, c.rpc.Call(ctx, MethodTaskSubmit, spec, &task)
}

func (c *Client) Mutate(ctx context.Context, repo string, patch *tree.Patch, pool string, labels ...string) (*models.Task, error) {
	var task models.Task
	return &task, c.rpc.Call(ctx, MethodTaskMutate, MutateParams{Repo: repo, Pool: pool, Patch: *patch, Labels: labels}, &task)
}

func (c *Client) SubmitFanout(ctx context.Context, req FanoutRequest) (*FanoutResult, error) {
	var res FanoutResult
	return &res, c.rpc.Call(ctx, MethodTaskFanout, req, &res)
}

func (c *Client) Cancel(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	return &task, c.rpc.Call(ctx, MethodTaskCancel, TaskRef{TaskID: taskID}, &task)
}

func (c *Client) Describe(ctx context.Context, taskID string) (*TaskDetail, error) {
	var d TaskDetail
	return &d, c.rpc.Call(ctx, MethodTaskGet, TaskRef{TaskID: taskID}, &d)
}

func (c *Client) ListTasks(ctx context.Context, state models.TaskState, limit int) ([]models.Task, error) {
	var tasks []models.Task
	err := c.rpc.Call(ctx, MethodTaskList, ListParams{State: state, Limit: limit}, &tasks)
	return tasks, err
}

func (c *Client) Status(ctx context.Context, taskID string) ([]models.StatusEntry, error) {
	var entries []models.StatusEntry
	err := c.rpc.Call(ctx, MethodTaskStatus, TaskRef{TaskID: taskID}, &entries)
	return entries, err
}

func (c *Client) Fanout(ctx context.Context, fanoutID string) (*models.FanoutSet, error) {
	var set models.FanoutSet
	return &set, c.rpc.Call(ctx, MethodFanoutGet, FanoutRef{FanoutID: fanoutID}, &set)
}

// --- Repositories ---

// Resolve implements Resolver.
func (c *Client) Resolve(ctx context.Context, repo, ref string) (*models.TaskRevision, error) {
	var rev models.TaskRevision
	if err := c.rpc.Call(ctx, MethodRepoResolve, FetchParams{Repo: repo, Ref: ref}, &rev); err != nil {
		return nil, err
	}
	return &rev, nil
}

// RemoteFetch asks the gateway to materialize ref into outDir on its own
// filesystem.
func (c *Client) RemoteFetch(ctx context.Context, repo, ref, outDir string) (*FetchResult, error) {
	var res FetchResult
	return &res, c.rpc.Call(ctx, MethodRepoFetch, FetchParams{Repo: repo, Ref: ref, OutDir: outDir}, &res)
}

func (c *Client) Revisions(ctx context.Context, repo string, limit int) ([]models.TaskRevision, error) {
	var revs []models.TaskRevision
	err := c.rpc.Call(ctx, MethodRepoLog, LogParams{Repo: repo, Limit: limit}, &revs)
	return revs, err
}

func (c *Client) Lineage(ctx context.Context, revHash string) (*LineageResult, error) {
	var res LineageResult
	return &res, c.rpc.Call(ctx, MethodRevisionLineage, RevisionRef{RevHash: revHash}, &res)
}

// --- Workers ---

func (c *Client) RegisterWorker(ctx context.Context, req RegisterRequest) (*models.Worker, error) {
	var w models.Worker
	return &w, c.rpc.Call(ctx, MethodWorkerRegister, req, &w)
}

func (c *Client) Heartbeat(ctx context.Context, workerID string) error {
	return c.rpc.Call(ctx, MethodWorkerHeartbeat, WorkerRef{WorkerID: workerID}, nil)
}

func (c *Client) ListWorkers(ctx context.Context) ([]models.Worker, error) {
	var workers []models.Worker
	err := c.rpc.Call(ctx, MethodWorkerList, nil, &workers)
	return workers, err
}

// --- Labels ---

func (c *Client) PauseLabel(ctx context.Context, label string) (*LabelResult, error) {
	var res LabelResult
	return &res, c.rpc.Call(ctx, MethodLabelPause, LabelRef{Label: label}, &res)
}

func (c *Client) ResumeLabel(ctx context.Context, label string) (*LabelResult, error) {
	var res LabelResult
	return &res, c.rpc.Call(ctx, MethodLabelResume, LabelRef{Label: label}, &res)
}

func (c *Client) CancelLabel(ctx context.Context, label string) (*LabelResult, error) {
	var res LabelResult
	return &res, c.rpc.Call(ctx, MethodLabelCancel, LabelRef{Label: label}, &res)
}

func (c *Client) PausedLabels(ctx context.Context) ([]models.LabelPause, error) {
	var labels []models.LabelPause
	err := c.rpc.Call(ctx, MethodLabelList, nil, &labels)
	return labels, err
}

// --- Work ---

// Claim returns nil when no task is queued for the worker.
func (c *Client) Claim(ctx context.Context, workerID string) (*Assignment, error) {
	var a *Assignment
	if err := c.rpc.Call(ctx, MethodWorkClaim, ClaimRequest{WorkerID: workerID}, &a); err != nil {
		return nil, err
	}
	return a, nil
}

func (c *Client) Progress(ctx context.Context, req ProgressRequest) (*ProgressResult, error) {
	var res ProgressResult
	return &res, c.rpc.Call(ctx, MethodWorkProgress, req, &res)
}

func (c *Client) Report(ctx context.Context, req ReportRequest) (*CommitResult, error) {
	var res CommitResult
	if err := c.rpc.Call(ctx, MethodWorkReport, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Fail(ctx context.Context, req FailRequest) error {
	return c.rpc.Call(ctx, MethodWorkFail, req, nil)
}

func (c *Client) Cancelled(ctx context.Context, taskID, workerID string) error {
	return c.rpc.Call(ctx, MethodWorkCancelled, TaskWorkerRef{TaskID: taskID, WorkerID: workerID}, nil)
}

// --- Health ---

// CheckHealth returns the parsed health payload even on non-200 responses.
func (c *Client) CheckHealth(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &health, fmt.Errorf("gateway unhealthy (%d): %s", resp.StatusCode, health.DB)
	}
	return &health, nil
}
