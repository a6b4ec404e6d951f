package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/swarmauri/peagen/internal/apperr"
	"github.com/swarmauri/peagen/internal/audit"
	"github.com/swarmauri/peagen/internal/caf"
	"github.com/swarmauri/peagen/internal/models"
	"github.com/swarmauri/peagen/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ReportRequest is a worker's finished unit of work.
type ReportRequest struct {
	TaskID     string            `json:"task_id"`
	WorkerID   string            `json:"worker_id"`
	RevHash    string            `json:"rev_hash"`
	ParentHash string            `json:"parent_hash,omitempty"`
	TreeOID    string            `json:"tree_oid"`
	Artefacts  []models.Artefact `json:"artefacts"`
}

// CommitResult acknowledges a committed revision. Repeated reports of the
// same rev_hash return identical results.
type CommitResult struct {
	RevHash     string    `json:"rev_hash"`
	ParentHash  string    `json:"parent_hash,omitempty"`
	TaskID      string    `json:"task_id"`
	Repo        string    `json:"repo"`
	TreeOID     string    `json:"tree_oid"`
	CommittedAt time.Time `json:"committed_at"`
}

func resultFrom(rev *models.TaskRevision) *CommitResult {
	return &CommitResult{
		RevHash:     rev.RevHash,
		ParentHash:  rev.ParentHash,
		TaskID:      rev.TaskID,
		Repo:        rev.Repo,
		TreeOID:     rev.TreeOID,
		CommittedAt: rev.CreatedAt,
	}
}

func (r *ReportRequest) validate() error {
	switch {
	case r.TaskID == "":
		return apperr.New(apperr.CodeInvalidArgument, "task_id is required")
	case r.RevHash == "":
		return apperr.New(apperr.CodeInvalidArgument, "rev_hash is required")
	case !caf.ValidOID(r.TreeOID):
		return apperr.New(apperr.CodeInvalidArgument, "tree_oid is not a valid object id")
	}
	for i, a := range r.Artefacts {
		if !caf.ValidOID(a.OID) {
			return apperr.New(apperr.CodeInvalidArgument, fmt.Sprintf("artefact %d: invalid oid", i))
		}
	}
	return nil
}

// dedupeArtefacts drops repeated (oid, path) pairs.
func dedupeArtefacts(in []models.Artefact) []models.Artefact {
	seen := make(map[[2]string]bool, len(in))
	out := make([]models.Artefact, 0, len(in))
	for _, a := range in {
		key := [2]string{a.OID, a.Path}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	return out
}

// requireObject fails with OBJECT_NOT_FOUND unless oid is in the CAF.
func (s *Service) requireObject(ctx context.Context, oid string) error {
	ok, err := s.caf.Exists(ctx, oid)
	if err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, "check content store", err)
	}
	if !ok {
		return apperr.ObjectNotFound(oid)
	}
	return nil
}

// Report runs the commit algorithm for a worker report. Within one
// transaction it returns the stored result for a known rev_hash, checks the
// parent revision, inserts the revision and its lineage rows (each artefact
// must exist in the CAF), joins the task's fan-out set and records the
// committed status. Nothing is written unless every step succeeds.
func (s *Service) Report(ctx context.Context, req ReportRequest) (*CommitResult, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.Report")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", req.TaskID), attribute.String("rev.hash", req.RevHash))

	if err := req.validate(); err != nil {
		return nil, err
	}
	artefacts := dedupeArtefacts(req.Artefacts)

	var result *CommitResult
	duplicate := false
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		existing, err := tx.GetRevision(ctx, req.RevHash)
		if err != nil {
			return err
		}
		if existing != nil {
			result, duplicate = resultFrom(existing), true
			return nil
		}

		task, err := tx.GetTask(ctx, req.TaskID)
		if err != nil {
			return err
		}
		if task == nil {
			return apperr.TaskNotFound(req.TaskID)
		}
		if task.CancelRequested || task.State == models.TaskStateCancelled {
			return apperr.WithMetadata(apperr.CodeTaskCancelled, "task "+task.ID+" was cancelled",
				map[string]string{"task_id": task.ID})
		}

		if req.ParentHash != "" {
			parent, err := tx.GetRevision(ctx, req.ParentHash)
			if err != nil {
				return err
			}
			if parent == nil || parent.Status != models.RevisionCommitted {
				return apperr.HashMismatch(req.ParentHash)
			}
		}

		if s.opts.VerifyRevHash {
			canonical, err := models.CanonicalTaskSpec(task.Action, task.Repo, task.Spec)
			if err != nil {
				return fmt.Errorf("canonical task spec: %w", err)
			}
			if want := models.RevHash(canonical, req.TreeOID, req.ParentHash); want != req.RevHash {
				return apperr.WithMetadata(apperr.CodeHashMismatch, "rev_hash does not match task spec, tree and parent",
					map[string]string{"rev_hash": req.RevHash, "expected": want})
			}
		}

		if err := s.requireObject(ctx, req.TreeOID); err != nil {
			return err
		}

		rev := &models.TaskRevision{
			RevHash:    req.RevHash,
			ParentHash: req.ParentHash,
			TaskID:     task.ID,
			Repo:       task.Repo,
			TreeOID:    req.TreeOID,
			WorkerID:   req.WorkerID,
			Status:     models.RevisionCommitted,
			CreatedAt:  s.now().Truncate(time.Microsecond),
		}
		if err := tx.InsertTaskRevision(ctx, rev); err != nil {
			return err
		}

		for _, a := range artefacts {
			if err := s.requireObject(ctx, a.OID); err != nil {
				return err
			}
			if err := tx.InsertArtefactLineage(ctx, &models.ArtefactLineage{
				ArtefactOID:       a.OID,
				Path:              a.Path,
				SourceRevHash:     rev.RevHash,
				ProducingWorker:   req.WorkerID,
				ParentArtefactOID: a.ParentOID,
				CreatedAt:         rev.CreatedAt,
			}); err != nil {
				return err
			}
		}

		if task.FanoutID != "" {
			if err := tx.AppendFanoutMember(ctx, task.FanoutID, rev.RevHash); err != nil {
				return err
			}
		}

		if _, err := tx.TransitionTask(ctx, task.ID, models.TaskStateCommitted, "rev "+rev.RevHash); err != nil {
			return err
		}
		if err := tx.DeleteLease(ctx, task.ID); err != nil {
			return err
		}
		result = resultFrom(rev)
		return nil
	})

	// A concurrent report of the same rev_hash won the unique constraint.
	if errors.Is(err, store.ErrDuplicateRevision) {
		rev, getErr := s.store.GetRevision(ctx, req.RevHash)
		if getErr == nil && rev != nil {
			result, duplicate, err = resultFrom(rev), true, nil
		}
	}

	inputs := map[string]any{
		"task_id":     req.TaskID,
		"rev_hash":    req.RevHash,
		"parent_hash": req.ParentHash,
		"tree_oid":    req.TreeOID,
		"artefacts":   len(artefacts),
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, apperr.ErrHashMismatch) {
			s.audit.Record(ctx, audit.ActionRevisionRejected, inputs, audit.OutcomeRejected, req.TaskID, err.Error())
		} else {
			s.log.Warn().Err(err).Str("task_id", req.TaskID).Str("rev_hash", req.RevHash).Msg("report failed")
		}
		return nil, err
	case duplicate:
		span.SetAttributes(attribute.Bool("rev.duplicate", true))
		s.audit.Record(ctx, audit.ActionRevisionDuplicate, inputs, audit.OutcomeDuplicate, req.TaskID,
			"revision already committed")
	default:
		s.audit.Record(ctx, audit.ActionRevisionCommit, inputs, audit.OutcomeSuccess, req.TaskID,
			fmt.Sprintf("committed by %s", req.WorkerID))
	}
	return result, nil
}
