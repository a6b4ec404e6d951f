// Package worker runs claimed tasks: it materializes the base revision,
// executes the action handler, snapshots the result into the CAF and
// reports the new revision to the gateway.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/swarmauri/peagen/internal/apperr"
	"github.com/swarmauri/peagen/internal/caf"
	"github.com/swarmauri/peagen/internal/gateway"
	"github.com/swarmauri/peagen/internal/models"
	"github.com/swarmauri/peagen/internal/tree"
	"golang.org/x/sync/errgroup"
)

// Gateway is the subset of the gateway API a worker uses. *gateway.Client
// implements it.
type Gateway interface {
	RegisterWorker(ctx context.Context, req gateway.RegisterRequest) (*models.Worker, error)
	Heartbeat(ctx context.Context, workerID string) error
	Claim(ctx context.Context, workerID string) (*gateway.Assignment, error)
	Progress(ctx context.Context, req gateway.ProgressRequest) (*gateway.ProgressResult, error)
	Report(ctx context.Context, req gateway.ReportRequest) (*gateway.CommitResult, error)
	Fail(ctx context.Context, req gateway.FailRequest) error
	Cancelled(ctx context.Context, taskID, workerID string) error
}

// Options configures a worker runtime.
type Options struct {
	ID                string
	Pool              string
	Concurrency       int
	PollInterval      time.Duration
	ProgressInterval  time.Duration
	HeartbeatInterval time.Duration
	// WorkDir is where scratch working copies are created. Empty means the
	// system temp dir.
	WorkDir    string
	Advertises string
}

// errCancelled aborts a handler after the gateway asked for cancellation.
var errCancelled = errors.New("task cancelled")

// Stats summarises worker activity.
type Stats struct {
	Active    int `json:"active"`
	Committed int `json:"committed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Runtime claims and executes tasks.
type Runtime struct {
	gw       Gateway
	caf      caf.Filter
	handlers Handlers
	opts     Options
	log      zerolog.Logger

	mu    sync.Mutex
	id    string
	stats Stats
}

// New creates a worker runtime.
func New(gw Gateway, f caf.Filter, handlers Handlers, opts Options, log zerolog.Logger) *Runtime {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 10 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	return &Runtime{gw: gw, caf: f, handlers: handlers, opts: opts, log: log, id: opts.ID}
}

// ID returns the registered worker id.
func (r *Runtime) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// Stats returns a snapshot of the counters.
func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Runtime) count(fn func(*Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}

// Register announces the worker to the gateway.
func (r *Runtime) Register(ctx context.Context) error {
	w, err := r.gw.RegisterWorker(ctx, gateway.RegisterRequest{
		ID:         r.ID(),
		Pool:       r.opts.Pool,
		Handlers:   r.handlers.Names(),
		Advertises: r.opts.Advertises,
	})
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	r.mu.Lock()
	r.id = w.ID
	r.mu.Unlock()
	r.log.Info().Str("worker_id", w.ID).Str("pool", w.Pool).Strs("handlers", w.Handlers).Msg("worker registered")
	return nil
}

// Run registers the worker and runs the heartbeat loop and claim slots
// until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Register(ctx); err != nil {
		return err
	}
	r.log = r.log.With().Str("worker_id", r.ID()).Logger()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.heartbeatLoop(ctx)
		return nil
	})
	for slot := 0; slot < r.opts.Concurrency; slot++ {
		g.Go(func() error {
			r.slotLoop(ctx, slot)
			return nil
		})
	}
	err := g.Wait()
	r.log.Info().Msg("worker stopped")
	return err
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.gw.Heartbeat(ctx, r.ID())
			if errors.Is(err, apperr.ErrWorkerNotFound) {
				if err := r.Register(ctx); err != nil && ctx.Err() == nil {
					r.log.Error().Err(err).Msg("re-register")
				}
				continue
			}
			if err != nil && ctx.Err() == nil {
				r.log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (r *Runtime) slotLoop(ctx context.Context, slot int) {
	log := r.log.With().Int("slot", slot).Logger()
	for {
		worked, err := r.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("work loop")
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.opts.PollInterval):
		}
	}
}

// RunOnce claims at most one task and runs it to completion. It reports
// whether a task was claimed.
func (r *Runtime) RunOnce(ctx context.Context) (bool, error) {
	a, err := r.gw.Claim(ctx, r.ID())
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if a == nil {
		return false, nil
	}
	r.count(func(s *Stats) { s.Active++ })
	defer r.count(func(s *Stats) { s.Active-- })
	return true, r.execute(ctx, a)
}

// execute runs one assignment and settles it with exactly one of report,
// fail or cancelled.
func (r *Runtime) execute(ctx context.Context, a *gateway.Assignment) error {
	task := a.Task
	workerID := r.ID()
	log := r.log.With().Str("task_id", task.ID).Str("action", task.Action).Int("attempt", a.Lease.Attempt).Logger()
	log.Info().Str("base", a.BaseRevHash).Msg("task claimed")

	handler, ok := r.handlers[task.Action]
	if !ok {
		return r.fail(ctx, log, task.ID, apperr.CodeWorkerExecution, "no handler for action "+task.Action)
	}

	dir, err := os.MkdirTemp(r.opts.WorkDir, "peagen-"+task.ID+"-")
	if err != nil {
		return r.fail(ctx, log, task.ID, apperr.CodeWorkerExecution, "create working copy: "+err.Error())
	}
	defer os.RemoveAll(dir)

	var base *tree.Tree
	if a.BaseTreeOID != "" {
		base, err = tree.Load(ctx, r.caf, a.BaseTreeOID)
		if err == nil {
			err = tree.Materialize(ctx, r.caf, base, nil, dir)
		}
		if err != nil {
			return r.fail(ctx, log, task.ID, apperr.CodeWorkerExecution, "materialize base: "+err.Error())
		}
	}

	lease := newLeaseKeeper(r.gw, task.ID, workerID, log)
	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	go lease.keepAlive(runCtx, stop, r.opts.ProgressInterval)

	job := &Job{Task: task, Dir: dir, Log: log, unit: func(ctx context.Context, detail string) error {
		if err := lease.progress(ctx, detail); err != nil {
			stop(err)
			return err
		}
		return context.Cause(runCtx)
	}}

	if err := job.Unit(runCtx, "started"); err != nil {
		return r.settleAbort(ctx, log, task.ID, err)
	}
	if err := handler(runCtx, job); err != nil {
		if cause := context.Cause(runCtx); cause != nil && ctx.Err() == nil {
			err = cause
		}
		return r.settleAbort(ctx, log, task.ID, err)
	}
	stop(nil)

	req, err := r.buildReport(ctx, task, workerID, dir, a.BaseRevHash, a.BaseTreeOID, base)
	if err != nil {
		return r.fail(ctx, log, task.ID, apperr.CodeWorkerExecution, err.Error())
	}
	res, err := r.gw.Report(ctx, *req)
	switch {
	case err == nil:
		r.count(func(s *Stats) { s.Committed++ })
		log.Info().Str("rev_hash", res.RevHash).Str("parent_hash", res.ParentHash).Msg("revision committed")
		return nil
	case errors.Is(err, apperr.ErrHashMismatch):
		return r.fail(ctx, log, task.ID, apperr.CodeHashMismatch, err.Error())
	case errors.Is(err, apperr.ErrTaskCancelled):
		return r.cancelled(ctx, log, task.ID)
	case errors.Is(err, apperr.ErrLeaseExpired), errors.Is(err, apperr.ErrLeaseNotHeld):
		log.Warn().Err(err).Msg("lease lost before report")
		return nil
	default:
		return r.fail(ctx, log, task.ID, apperr.CodeWorkerExecution, "report: "+err.Error())
	}
}

// settleAbort handles a handler that stopped early.
func (r *Runtime) settleAbort(ctx context.Context, log zerolog.Logger, taskID string, err error) error {
	switch {
	case errors.Is(err, errCancelled):
		return r.cancelled(ctx, log, taskID)
	case errors.Is(err, apperr.ErrLeaseExpired), errors.Is(err, apperr.ErrLeaseNotHeld), errors.Is(err, apperr.ErrTaskNotFound):
		log.Warn().Err(err).Msg("lease lost, abandoning task")
		return nil
	case ctx.Err() != nil:
		// Shutting down: the lease lapses and the task is redispatched.
		log.Warn().Msg("interrupted, leaving task to lease expiry")
		return nil
	default:
		return r.fail(ctx, log, taskID, apperr.CodeWorkerExecution, err.Error())
	}
}

func (r *Runtime) fail(ctx context.Context, log zerolog.Logger, taskID string, code apperr.Code, detail string) error {
	r.count(func(s *Stats) { s.Failed++ })
	log.Warn().Str("code", string(code)).Msg(detail)
	err := r.gw.Fail(ctx, gateway.FailRequest{TaskID: taskID, WorkerID: r.ID(), Code: code, Detail: detail})
	if err != nil {
		return fmt.Errorf("report failure of %s: %w", taskID, err)
	}
	return nil
}

func (r *Runtime) cancelled(ctx context.Context, log zerolog.Logger, taskID string) error {
	r.count(func(s *Stats) { s.Cancelled++ })
	log.Info().Msg("task cancelled")
	if err := r.gw.Cancelled(ctx, taskID, r.ID()); err != nil {
		return fmt.Errorf("acknowledge cancel of %s: %w", taskID, err)
	}
	return nil
}

// buildReport snapshots dir and describes the new revision. Artefacts are
// the tree itself and every blob; a blob that replaced an earlier one at
// the same path names it as its parent.
func (r *Runtime) buildReport(ctx context.Context, task *models.Task, workerID, dir, parentHash, baseTreeOID string, base *tree.Tree) (*gateway.ReportRequest, error) {
	treeOID, snap, err := tree.Snapshot(ctx, r.caf, dir)
	if err != nil {
		return nil, err
	}
	canonical, err := models.CanonicalTaskSpec(task.Action, task.Repo, task.Spec)
	if err != nil {
		return nil, fmt.Errorf("canonical task spec: %w", err)
	}

	artefacts := make([]models.Artefact, 0, len(snap.Entries)+1)
	treeArtefact := models.Artefact{OID: treeOID}
	if baseTreeOID != treeOID {
		treeArtefact.ParentOID = baseTreeOID
	}
	artefacts = append(artefacts, treeArtefact)
	for _, e := range snap.Entries {
		a := models.Artefact{OID: e.OID, Path: e.Path}
		if base != nil {
			if prev, ok := base.Lookup(e.Path); ok && prev.OID != e.OID {
				a.ParentOID = prev.OID
			}
		}
		artefacts = append(artefacts, a)
	}

	return &gateway.ReportRequest{
		TaskID:     task.ID,
		WorkerID:   workerID,
		RevHash:    models.RevHash(canonical, treeOID, parentHash),
		ParentHash: parentHash,
		TreeOID:    treeOID,
		Artefacts:  artefacts,
	}, nil
}

// leaseKeeper serializes Work.progress calls for one task.
type leaseKeeper struct {
	gw       Gateway
	taskID   string
	workerID string
	log      zerolog.Logger

	mu sync.Mutex
}

func newLeaseKeeper(gw Gateway, taskID, workerID string, log zerolog.Logger) *leaseKeeper {
	return &leaseKeeper{gw: gw, taskID: taskID, workerID: workerID, log: log}
}

// progress renews the lease. It returns errCancelled once the gateway
// flags the task for cancellation.
func (k *leaseKeeper) progress(ctx context.Context, detail string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	res, err := k.gw.Progress(ctx, gateway.ProgressRequest{TaskID: k.taskID, WorkerID: k.workerID, Detail: detail})
	if err != nil {
		return err
	}
	if res.Cancel {
		return errCancelled
	}
	return nil
}

// keepAlive renews the lease on a ticker while a handler runs. Terminal
// answers (cancel, lost lease) stop the run.
func (k *leaseKeeper) keepAlive(ctx context.Context, stop context.CancelCauseFunc, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := k.progress(ctx, "")
			switch {
			case err == nil:
			case errors.Is(err, errCancelled), errors.Is(err, apperr.ErrLeaseExpired), errors.Is(err, apperr.ErrLeaseNotHeld):
				stop(err)
				return
			case ctx.Err() == nil:
				k.log.Warn().Err(err).Msg("lease renewal failed")
			}
		}
	}
}
