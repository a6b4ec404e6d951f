package gateway

import (
	"context"

	"github.com/swarmauri/peagen/internal/models"
	"github.com/swarmauri/peagen/internal/rpc"
	"github.com/swarmauri/peagen/internal/tree"
)

// RPC method names.
const (
	MethodTaskSubmit      = "Task.submit"
	MethodTaskMutate      = "Task.mutate"
	MethodTaskFanout      = "Task.fanout"
	MethodTaskCancel      = "Task.cancel"
	MethodTaskGet         = "Task.get"
	MethodTaskList        = "Task.list"
	MethodTaskStatus      = "Task.status"
	MethodFanoutGet       = "Fanout.get"
	MethodRepoFetch       = "Repo.fetch"
	MethodRepoResolve     = "Repo.resolve"
	MethodRepoLog         = "Repo.log"
	MethodRevisionLineage = "Revision.lineage"
	MethodWorkerRegister  = "Worker.register"
	MethodWorkerHeartbeat = "Worker.heartbeat"
	MethodWorkerList      = "Worker.list"
	MethodWorkClaim       = "Work.claim"
	MethodWorkProgress    = "Work.progress"
	MethodWorkReport      = "Work.report"
	MethodWorkFail        = "Work.fail"
	MethodWorkCancelled   = "Work.cancelled"
	MethodLabelPause      = "Label.pause"
	MethodLabelResume     = "Label.resume"
	MethodLabelCancel     = "Label.cancel"
	MethodLabelList       = "Label.list"
)

// MutateParams are the params of Task.mutate.
type MutateParams struct {
	Repo   string     `json:"repo"`
	Pool   string     `json:"pool,omitempty"`
	Patch  tree.Patch `json:"patch"`
	Labels []string   `json:"labels,omitempty"`
}

// TaskRef names a task.
type TaskRef struct {
	TaskID string `json:"task_id"`
}

// ListParams filter Task.list.
type ListParams struct {
	State models.TaskState `json:"state,omitempty"`
	Limit int              `json:"limit,omitempty"`
}

// FanoutRef names a fan-out set.
type FanoutRef struct {
	FanoutID string `json:"fanout_id"`
}

// FetchParams are the params of Repo.fetch and Repo.resolve.
type FetchParams struct {
	Repo   string `json:"repo"`
	Ref    string `json:"ref,omitempty"`
	OutDir string `json:"out_dir,omitempty"`
}

// LogParams are the params of Repo.log.
type LogParams struct {
	Repo  string `json:"repo"`
	Limit int    `json:"limit,omitempty"`
}

// RevisionRef names a revision.
type RevisionRef struct {
	RevHash string `json:"rev_hash"`
}

// LabelRef names a task label.
type LabelRef struct {
	Label string `json:"label"`
}

// WorkerRef names a worker.
type WorkerRef struct {
	WorkerID string `json:"worker_id"`
}

// Ack is an empty success result.
type Ack struct {
	OK bool `json:"ok"`
}

// NewRegistry builds the gateway's static method table.
func NewRegistry(s *Service) *rpc.Registry {
	r := rpc.NewRegistry()

	r.Register(MethodTaskSubmit, rpc.Method(s.Submit))
	r.Register(MethodTaskMutate, rpc.Method(func(ctx context.Context, p MutateParams) (*models.Task, error) {
		return s.Mutate(ctx, p.Repo, &p.Patch, p.Pool, p.Labels...)
	}))
	r.Register(MethodTaskFanout, rpc.Method(s.SubmitFanout))
	r.Register(MethodTaskCancel, rpc.Method(func(ctx context.Context, p TaskRef) (*models.Task, error) {
		return s.Cancel(ctx, p.TaskID)
	}))
	r.Register(MethodTaskGet, rpc.Method(func(ctx context.Context, p TaskRef) (*TaskDetail, error) {
		return s.Describe(ctx, p.TaskID)
	}))
	r.Register(MethodTaskList, rpc.Method(func(ctx context.Context, p ListParams) ([]models.Task, error) {
		return s.ListTasks(ctx, p.State, p.Limit)
	}))
	r.Register(MethodTaskStatus, rpc.Method(func(ctx context.Context, p TaskRef) ([]models.StatusEntry, error) {
		return s.Status(ctx, p.TaskID)
	}))
	r.Register(MethodFanoutGet, rpc.Method(func(ctx context.Context, p FanoutRef) (*models.FanoutSet, error) {
		return s.Fanout(ctx, p.FanoutID)
	}))

	r.Register(MethodRepoFetch, rpc.Method(func(ctx context.Context, p FetchParams) (*FetchResult, error) {
		return s.Fetch(ctx, p.Repo, p.Ref, p.OutDir)
	}))
	r.Register(MethodRepoResolve, rpc.Method(func(ctx context.Context, p FetchParams) (*models.TaskRevision, error) {
		return s.Resolve(ctx, p.Repo, p.Ref)
	}))
	r.Register(MethodRepoLog, rpc.Method(func(ctx context.Context, p LogParams) ([]models.TaskRevision, error) {
		return s.Revisions(ctx, p.Repo, p.Limit)
	}))
	r.Register(MethodRevisionLineage, rpc.Method(func(ctx context.Context, p RevisionRef) (*LineageResult, error) {
		return s.Lineage(ctx, p.RevHash)
	}))

	r.Register(MethodWorkerRegister, rpc.Method(s.RegisterWorker))
	r.Register(MethodWorkerHeartbeat, rpc.Method(func(ctx context.Context, p WorkerRef) (Ack, error) {
		return Ack{OK: true}, s.Heartbeat(ctx, p.WorkerID)
	}))
	r.Register(MethodWorkerList, rpc.Method(func(ctx context.Context, _ struct{}) ([]models.Worker, error) {
		return s.ListWorkers(ctx)
	}))

	r.Register(MethodWorkClaim, rpc.Method(s.Claim))
	r.Register(MethodWorkProgress, rpc.Method(s.Progress))
	r.Register(MethodWorkReport, rpc.Method(s.Report))
	r.Register(MethodWorkFail, rpc.Method(s.Fail))
	r.Register(MethodWorkCancelled, rpc.Method(s.Cancelled))

	r.Register(MethodLabelPause, rpc.Method(func(ctx context.Context, p LabelRef) (*LabelResult, error) {
		return s.PauseLabel(ctx, p.Label)
	}))
	r.Register(MethodLabelResume, rpc.Method(func(ctx context.Context, p LabelRef) (*LabelResult, error) {
		return s.ResumeLabel(ctx, p.Label)
	}))
	r.Register(MethodLabelCancel, rpc.Method(func(ctx context.Context, p LabelRef) (*LabelResult, error) {
		return s.CancelLabel(ctx, p.Label)
	}))
	r.Register(MethodLabelList, rpc.Method(func(ctx context.Context, _ struct{}) ([]models.LabelPause, error) {
		return s.PausedLabels(ctx)
	}))
	return r
}
