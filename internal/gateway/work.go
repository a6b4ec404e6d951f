package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/swarmauri/peagen/internal/apperr"
	"github.com/swarmauri/peagen/internal/audit"
	"github.com/swarmauri/peagen/internal/models"
	"github.com/swarmauri/peagen/internal/store"
)

// --- Lease Operations ---

// ClaimRequest asks for the next task a worker can run.
type ClaimRequest struct {
	WorkerID string `json:"worker_id"`
}

// Assignment is a claimed task with its lease and the revision it builds on.
type Assignment struct {
	Task        *models.Task  `json:"task"`
	Lease       *models.Lease `json:"lease"`
	BaseRevHash string        `json:"base_rev_hash,omitempty"`
	BaseTreeOID string        `json:"base_tree_oid,omitempty"`
}

// Claim assigns the oldest queued task matching the worker's pool and
// handlers. It returns nil when nothing is queued.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (*Assignment, error) {
	w, err := s.store.GetWorker(ctx, req.WorkerID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, workerNotFound(req.WorkerID)
	}
	now := s.now()
	if err := s.store.TouchWorker(ctx, w.ID, now); err != nil {
		return nil, err
	}

	task, lease, err := s.store.ClaimNext(ctx, store.ClaimParams{
		WorkerID: w.ID,
		Pool:     w.Pool,
		Actions:  w.Handlers,
		TTL:      s.opts.LeaseTTL,
		Now:      now,
	})
	if err != nil || task == nil {
		return nil, err
	}

	a := &Assignment{Task: task, Lease: lease}
	base, err := s.store.ResolveRef(ctx, task.Repo, "HEAD")
	if err != nil {
		return nil, err
	}
	if base != nil {
		a.BaseRevHash, a.BaseTreeOID = base.RevHash, base.TreeOID
	}

	s.audit.Record(ctx, audit.ActionTaskDispatch, map[string]any{
		"task_id":   task.ID,
		"worker_id": w.ID,
		"attempt":   lease.Attempt,
	}, audit.OutcomeSuccess, task.ID, fmt.Sprintf("dispatched to worker %s", w.ID))
	return a, nil
}

// checkLease verifies workerID holds a live lease on taskID.
func checkLease(ctx context.Context, tx *store.Tx, taskID, workerID string, now time.Time) (*models.Lease, error) {
	lease, err := tx.GetLease(ctx, taskID)
	if err != nil {
		return nil, err
	}
	meta := map[string]string{"task_id": taskID, "worker_id": workerID}
	if lease == nil {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task == nil {
			return nil, apperr.TaskNotFound(taskID)
		}
		return nil, apperr.WithMetadata(apperr.CodeLeaseExpired, "no live lease on task "+taskID, meta)
	}
	if lease.WorkerID != workerID {
		return nil, apperr.WithMetadata(apperr.CodeLeaseNotHeld, "lease on task "+taskID+" is held by another worker", meta)
	}
	if lease.Expired(now) {
		return nil, apperr.WithMetadata(apperr.CodeLeaseExpired, "lease on task "+taskID+" expired", meta)
	}
	return lease, nil
}

// ProgressRequest is a worker's between-units update.
type ProgressRequest struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Detail   string `json:"detail,omitempty"`
}

// ProgressResult tells the worker whether to keep going.
type ProgressResult struct {
	Cancel    bool      `json:"cancel"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Progress renews the worker's lease. The first call moves the task to
// running. Cancel is set once a cancel was requested.
func (s *Service) Progress(ctx context.Context, req ProgressRequest) (*ProgressResult, error) {
	now := s.now()
	res := &ProgressResult{}
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if _, err := checkLease(ctx, tx, req.TaskID, req.WorkerID, now); err != nil {
			return err
		}
		task, err := tx.GetTask(ctx, req.TaskID)
		if err != nil {
			return err
		}
		if task.State == models.TaskStateAssigned {
			if _, err := tx.TransitionTask(ctx, task.ID, models.TaskStateRunning, req.Detail); err != nil {
				return err
			}
		}
		res.ExpiresAt = now.Add(s.opts.LeaseTTL)
		res.Cancel = task.CancelRequested
		return tx.RenewLease(ctx, task.ID, req.WorkerID, res.ExpiresAt)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// FailRequest reports an execution failure. Code names the failure class;
// HASH_MISMATCH moves the task to rejected, anything else to failed.
type FailRequest struct {
	TaskID   string      `json:"task_id"`
	WorkerID string      `json:"worker_id"`
	Code     apperr.Code `json:"code,omitempty"`
	Detail   string      `json:"detail"`
}

// Fail is the status-only failure path: it appends the failure to the
// status log and releases the lease. It writes no revision rows.
//
// A worker whose lease lapsed or moved on still leaves its failure in the
// timeline: the row keeps the task's current state, the lease error is
// returned and requeueing stays with the reaper.
func (s *Service) Fail(ctx context.Context, req FailRequest) (*models.Task, error) {
	if req.Code == "" {
		req.Code = apperr.CodeWorkerExecution
	}
	target := models.TaskStateFailed
	if req.Code == apperr.CodeHashMismatch {
		target = models.TaskStateRejected
	}
	detail := string(req.Code)
	if req.Detail != "" {
		detail += ": " + req.Detail
	}

	var task *models.Task
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if _, err := checkLease(ctx, tx, req.TaskID, req.WorkerID, s.now()); err != nil {
			return err
		}
		t, err := tx.TransitionTask(ctx, req.TaskID, target, detail)
		if err != nil {
			return err
		}
		task = t
		return tx.DeleteLease(ctx, req.TaskID)
	})
	if code := apperr.CodeOf(err); code == apperr.CodeLeaseExpired || code == apperr.CodeLeaseNotHeld {
		s.recordOrphanFailure(ctx, req, detail, code)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	s.log.Warn().Str("task_id", req.TaskID).Str("worker_id", req.WorkerID).
		Str("code", string(req.Code)).Msg(req.Detail)
	s.audit.Record(ctx, audit.ActionTaskFail, map[string]string{
		"task_id":   req.TaskID,
		"worker_id": req.WorkerID,
		"code":      string(req.Code),
	}, string(target), req.TaskID, detail)
	return task, nil
}

// recordOrphanFailure appends a failure that arrived without a live lease.
// Terminal tasks are left alone.
func (s *Service) recordOrphanFailure(ctx context.Context, req FailRequest, detail string, lost apperr.Code) {
	var state models.TaskState
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		t, err := tx.GetTask(ctx, req.TaskID)
		if err != nil || t == nil || t.State.IsTerminal() {
			return err
		}
		state = t.State
		return tx.AppendStatusLog(ctx, &models.StatusEntry{
			TaskID: t.ID,
			State:  t.State,
			Detail: fmt.Sprintf("%s (%s, worker %s)", detail, lost, req.WorkerID),
		})
	})
	if err != nil {
		s.log.Error().Err(err).Str("task_id", req.TaskID).Msg("record failure without lease")
		return
	}
	if state == "" {
		return
	}
	s.log.Warn().Str("task_id", req.TaskID).Str("worker_id", req.WorkerID).
		Str("code", string(req.Code)).Str("lease", string(lost)).Msg(req.Detail)
	s.audit.Record(ctx, audit.ActionTaskFail, map[string]string{
		"task_id":   req.TaskID,
		"worker_id": req.WorkerID,
		"code":      string(req.Code),
	}, audit.OutcomeRejected, req.TaskID, detail+" ("+string(lost)+")")
}

// TaskWorkerRef names a task and the worker acting on it.
type TaskWorkerRef struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

// Cancelled records a worker's acknowledgement of a cooperative cancel.
// Nothing is committed for the task.
func (s *Service) Cancelled(ctx context.Context, ref TaskWorkerRef) (*models.Task, error) {
	var task *models.Task
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if _, err := checkLease(ctx, tx, ref.TaskID, ref.WorkerID, s.now()); err != nil {
			return err
		}
		t, err := tx.GetTask(ctx, ref.TaskID)
		if err != nil {
			return err
		}
		if !t.CancelRequested {
			return apperr.New(apperr.CodeInvalidArgument, "task "+ref.TaskID+" has no pending cancel")
		}
		t, err = tx.TransitionTask(ctx, ref.TaskID, models.TaskStateCancelled, "acknowledged by "+ref.WorkerID)
		if err != nil {
			return err
		}
		task = t
		return tx.DeleteLease(ctx, ref.TaskID)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}
