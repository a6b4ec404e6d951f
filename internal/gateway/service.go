// Package gateway implements the peagen gateway: task admission, lease
// dispatch, the provenance commit path and read-side queries.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/swarmauri/peagen/internal/apperr"
	"github.com/swarmauri/peagen/internal/audit"
	"github.com/swarmauri/peagen/internal/caf"
	"github.com/swarmauri/peagen/internal/models"
	"github.com/swarmauri/peagen/internal/store"
	"github.com/swarmauri/peagen/internal/tree"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Version is reported by /health.
const Version = "0.3.0"

const submitAttempts = 3

// Options tunes the service.
type Options struct {
	LeaseTTL      time.Duration
	WorkerTTL     time.Duration
	VerifyRevHash bool
	Now           func() time.Time
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		LeaseTTL:      5 * time.Minute,
		WorkerTTL:     30 * time.Second,
		VerifyRevHash: true,
		Now:           time.Now,
	}
}

// Service provides the gateway business logic.
type Service struct {
	store  *store.Store
	caf    caf.Filter
	audit  *audit.Recorder
	log    zerolog.Logger
	opts   Options
	tracer trace.Tracer
}

// NewService creates a gateway service.
func NewService(s *store.Store, f caf.Filter, rec *audit.Recorder, log zerolog.Logger, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultOptions().LeaseTTL
	}
	if opts.WorkerTTL <= 0 {
		opts.WorkerTTL = DefaultOptions().WorkerTTL
	}
	return &Service{
		store:  s,
		caf:    f,
		audit:  rec,
		log:    log,
		opts:   opts,
		tracer: otel.Tracer("github.com/swarmauri/peagen/internal/gateway"),
	}
}

// Store exposes the backing store.
func (s *Service) Store() *store.Store {
	return s.store
}

// CAF exposes the content store.
func (s *Service) CAF() caf.Filter {
	return s.caf
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

// --- Task Operations ---

// validateSpec checks the action-specific payload.
func validateSpec(action string, spec json.RawMessage) error {
	switch action {
	case models.ActionMutate:
		if _, err := tree.ParsePatch(spec); err != nil {
			return apperr.Wrap(apperr.CodeInvalidArgument, "invalid patch", err)
		}
	case models.ActionExec:
		var es models.ExecSpec
		if err := json.Unmarshal(spec, &es); err != nil {
			return apperr.Wrap(apperr.CodeInvalidArgument, "invalid exec spec", err)
		}
		if strings.TrimSpace(es.Command) == "" {
			return apperr.New(apperr.CodeInvalidArgument, "exec spec needs a command")
		}
	default:
		return apperr.WithMetadata(apperr.CodeInvalidArgument, "unknown action "+action,
			map[string]string{"action": action})
	}
	return nil
}

// newTask validates a submitted spec and builds its dispatch row.
func newTask(spec models.TaskSpec, fanoutID string) (*models.Task, error) {
	if strings.TrimSpace(spec.Repo) == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "repo is required")
	}
	if len(spec.Spec) == 0 {
		spec.Spec = json.RawMessage(`{}`)
	}
	if err := validateSpec(spec.Action, spec.Spec); err != nil {
		return nil, err
	}
	canonical, err := models.CanonicalJSON(spec.Spec)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "invalid spec", err)
	}
	specHash, err := models.SpecHash(spec.Action, spec.Repo, canonical)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "hash spec", err)
	}
	pool := spec.Pool
	if pool == "" {
		pool = models.DefaultPool
	}
	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	return &models.Task{
		ID:           id,
		Action:       spec.Action,
		Repo:         spec.Repo,
		Pool:         pool,
		Spec:         canonical,
		SpecHash:     specHash,
		ParentTaskID: spec.ParentTaskID,
		FanoutID:     fanoutID,
		State:        models.TaskStateQueued,
		Labels:       models.NormalizeLabels(spec.Labels),
	}, nil
}

// insertQueued stores task and its initial status row. An id already in use
// is replaced with a fresh one.
func insertQueued(ctx context.Context, tx *store.Tx, task *models.Task) error {
	for i := 0; i < submitAttempts; i++ {
		taken, err := tx.TaskExists(ctx, task.ID)
		if err != nil {
			return err
		}
		if !taken {
			break
		}
		task.ID = uuid.New().String()
	}
	if err := tx.InsertTask(ctx, task); err != nil {
		return err
	}
	return tx.AppendStatusLog(ctx, &models.StatusEntry{TaskID: task.ID, State: models.TaskStateQueued})
}

// Submit admits a new task with an initial queued status entry.
func (s *Service) Submit(ctx context.Context, spec models.TaskSpec) (*models.Task, error) {
	task, err := newTask(spec, "")
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		err = s.store.InTx(ctx, func(tx *store.Tx) error {
			return insertQueued(ctx, tx, task)
		})
		if !errors.Is(err, store.ErrStateConflict) || attempt == submitAttempts {
			break
		}
		task.ID = uuid.New().String()
	}
	if err != nil {
		return nil, err
	}

	if spec.ID != "" && spec.ID != task.ID {
		s.log.Warn().Str("requested_id", spec.ID).Str("task_id", task.ID).Msg("task id in use, assigned a new one")
	}
	s.audit.Record(ctx, audit.ActionTaskSubmit, map[string]string{
		"action":    task.Action,
		"repo":      task.Repo,
		"spec_hash": task.SpecHash,
	}, audit.OutcomeSuccess, task.ID, "queued")
	return task, nil
}

// Mutate submits a repository mutation task.
func (s *Service) Mutate(ctx context.Context, repo string, patch *tree.Patch, pool string, labels ...string) (*models.Task, error) {
	if patch == nil {
		return nil, apperr.New(apperr.CodeInvalidArgument, "patch is required")
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	return s.Submit(ctx, models.TaskSpec{Action: models.ActionMutate, Repo: repo, Pool: pool, Spec: raw, Labels: labels})
}

// FanoutRequest expands one parent task into sibling tasks.
type FanoutRequest struct {
	ParentTaskID string            `json:"parent_task_id"`
	Expansion    json.RawMessage   `json:"expansion,omitempty"`
	Tasks        []models.TaskSpec `json:"tasks"`
}

// FanoutResult is the created set and its tasks.
type FanoutResult struct {
	Fanout *models.FanoutSet `json:"fanout"`
	Tasks  []models.Task     `json:"tasks"`
}

// SubmitFanout records a FanoutSet and queues one task per spec, all bound
// to the set. Each sibling's revision joins the set when it commits.
func (s *Service) SubmitFanout(ctx context.Context, req FanoutRequest) (*FanoutResult, error) {
	if req.ParentTaskID == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "parent_task_id is required")
	}
	if len(req.Tasks) == 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "fanout needs at least one task")
	}

	expansion := req.Expansion
	if len(expansion) == 0 {
		raw, err := json.Marshal(req.Tasks)
		if err != nil {
			return nil, fmt.Errorf("encode expansion: %w", err)
		}
		expansion = raw
	}
	canonical, err := models.CanonicalJSON(expansion)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "invalid expansion", err)
	}

	set := &models.FanoutSet{
		ID:                uuid.New().String(),
		ParentTaskID:      req.ParentTaskID,
		ExpansionSpecHash: audit.HashInputs(json.RawMessage(canonical)),
		MemberRevHashes:   []string{},
	}
	tasks := make([]*models.Task, 0, len(req.Tasks))
	for i, spec := range req.Tasks {
		if spec.ParentTaskID == "" {
			spec.ParentTaskID = req.ParentTaskID
		}
		task, err := newTask(spec, set.ID)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		tasks = append(tasks, task)
	}

	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.CreateFanoutSet(ctx, set); err != nil {
			return err
		}
		for _, task := range tasks {
			if err := insertQueued(ctx, tx, task); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &FanoutResult{Fanout: set, Tasks: make([]models.Task, 0, len(tasks))}
	for _, task := range tasks {
		result.Tasks = append(result.Tasks, *task)
		s.audit.Record(ctx, audit.ActionTaskSubmit, map[string]string{
			"fanout_id": set.ID,
			"spec_hash": task.SpecHash,
		}, audit.OutcomeSuccess, task.ID, "queued in fanout "+set.ID)
	}
	s.log.Info().Str("fanout_id", set.ID).Str("parent_task_id", set.ParentTaskID).
		Int("tasks", len(tasks)).Msg("fanout submitted")
	return result, nil
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, apperr.TaskNotFound(id)
	}
	return task, nil
}

// ListTasks returns tasks newest first, optionally filtered by state.
func (s *Service) ListTasks(ctx context.Context, state models.TaskState, limit int) ([]models.Task, error) {
	if state != "" && !state.Valid() {
		return nil, apperr.New(apperr.CodeInvalidArgument, "unknown state "+string(state))
	}
	return s.store.ListTasks(ctx, state, limit)
}

// Status returns the full status timeline of a task.
func (s *Service) Status(ctx context.Context, taskID string) ([]models.StatusEntry, error) {
	entries, err := s.store.StatusLog(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperr.TaskNotFound(taskID)
	}
	return entries, nil
}

// TaskDetail bundles a task with its timeline, revisions and lease.
type TaskDetail struct {
	Task      *models.Task          `json:"task"`
	Status    []models.StatusEntry  `json:"status"`
	Revisions []models.TaskRevision `json:"revisions"`
	Lease     *models.Lease         `json:"lease,omitempty"`
}

// Describe returns everything known about one task.
func (s *Service) Describe(ctx context.Context, taskID string) (*TaskDetail, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	status, err := s.store.StatusLog(ctx, taskID)
	if err != nil {
		return nil, err
	}
	revs, err := s.store.RevisionsForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	lease, err := s.store.GetLease(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &TaskDetail{Task: task, Status: status, Revisions: revs, Lease: lease}, nil
}

// Cancel cancels a queued task outright, flags a leased task for
// cooperative cancellation, and leaves terminal tasks untouched.
func (s *Service) Cancel(ctx context.Context, taskID string) (*models.Task, error) {
	var task *models.Task
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		t, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if t == nil {
			return apperr.TaskNotFound(taskID)
		}
		switch {
		case t.State.IsTerminal():
		case t.State == models.TaskStateQueued:
			t, err = tx.TransitionTask(ctx, taskID, models.TaskStateCancelled, "cancelled before dispatch")
			if err != nil {
				return err
			}
		default:
			if err := tx.RequestCancel(ctx, taskID); err != nil {
				return err
			}
			t.CancelRequested = true
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.ActionTaskCancel, map[string]string{"task_id": taskID},
		audit.OutcomeSuccess, taskID, string(task.State))
	return task, nil
}

// --- Ledger reads ---

// Lineage returns a revision with the artefacts it produced.
func (s *Service) Lineage(ctx context.Context, revHash string) (*LineageResult, error) {
	rev, err := s.store.GetRevision(ctx, revHash)
	if err != nil {
		return nil, err
	}
	if rev == nil {
		return nil, apperr.WithMetadata(apperr.CodeObjectNotFound, "revision "+revHash+" not found",
			map[string]string{"rev_hash": revHash})
	}
	artefacts, err := s.store.Lineage(ctx, revHash)
	if err != nil {
		return nil, err
	}
	if artefacts == nil {
		artefacts = []models.ArtefactLineage{}
	}
	return &LineageResult{Revision: rev, Artefacts: artefacts}, nil
}

// LineageResult is a revision and its lineage rows.
type LineageResult struct {
	Revision  *models.TaskRevision     `json:"revision"`
	Artefacts []models.ArtefactLineage `json:"artefacts"`
}

// Revisions returns the newest revisions of repo first.
func (s *Service) Revisions(ctx context.Context, repo string, limit int) ([]models.TaskRevision, error) {
	revs, err := s.store.ListRevisions(ctx, repo, limit)
	if err != nil {
		return nil, err
	}
	if revs == nil {
		revs = []models.TaskRevision{}
	}
	return revs, nil
}

// Fanout returns a fan-out set with its committed members.
func (s *Service) Fanout(ctx context.Context, fanoutID string) (*models.FanoutSet, error) {
	set, err := s.store.GetFanout(ctx, fanoutID)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return nil, apperr.WithMetadata(apperr.CodeInvalidArgument, "fanout "+fanoutID+" not found",
			map[string]string{"fanout_id": fanoutID})
	}
	return set, nil
}
