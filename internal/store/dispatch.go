package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/swarmauri/peagen/internal/apperr"
	"github.com/swarmauri/peagen/internal/models"
)

// --- Task Operations ---

const taskColumns = `id, action, repo, pool, spec, spec_hash, parent_task_id, fanout_id, state, attempts, cancel_requested, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	task := &models.Task{}
	var spec string
	var parentTask, fanout sql.NullString
	var cancel int
	var created, updated int64
	err := row.Scan(&task.ID, &task.Action, &task.Repo, &task.Pool, &spec, &task.SpecHash, &parentTask, &fanout,
		&task.State, &task.Attempts, &cancel, &created, &updated)
	if err != nil {
		return nil, err
	}
	task.Spec = []byte(spec)
	task.ParentTaskID = parentTask.String
	task.FanoutID = fanout.String
	task.CancelRequested = cancel != 0
	task.CreatedAt = fromMicros(created)
	task.UpdatedAt = fromMicros(updated)
	return task, nil
}

func getTask(ctx context.Context, q querier, d Dialect, id string) (*models.Task, error) {
	task, err := scanTask(q.QueryRowContext(ctx, d.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	if err := loadLabels(ctx, q, d, task); err != nil {
		return nil, err
	}
	return task, nil
}

// InsertTask stores a new dispatch row. The caller appends the initial
// status entry in the same transaction.
func (t *Tx) InsertTask(ctx context.Context, task *models.Task) error {
	now := t.s.now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt
	_, err := t.tx.ExecContext(ctx, t.s.rebind(
		`INSERT INTO tasks (id, action, repo, pool, spec, spec_hash, parent_task_id, fanout_id, state, attempts, cancel_requested, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		task.ID, task.Action, task.Repo, task.Pool, string(task.Spec), task.SpecHash,
		nullString(task.ParentTaskID), nullString(task.FanoutID), task.State, task.Attempts,
		boolInt(task.CancelRequested), toMicros(task.CreatedAt), toMicros(task.UpdatedAt),
	)
	if err != nil {
		if t.s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("insert task %s: %w", task.ID, ErrStateConflict)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return t.insertLabels(ctx, task.ID, task.Labels)
}

// TaskExists reports whether a task id is taken.
func (t *Tx) TaskExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, t.s.rebind(`SELECT COUNT(*) FROM tasks WHERE id = ?`), id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query task: %w", err)
	}
	return n > 0, nil
}

// GetTask reads a task inside the transaction.
func (t *Tx) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return getTask(ctx, t.tx, t.s.dialect, id)
}

// TransitionTask validates and applies a state change and appends the
// matching status entry. It fails with INVALID_TRANSITION for illegal
// moves and ErrStateConflict if the row changed underneath.
func (t *Tx) TransitionTask(ctx context.Context, taskID string, to models.TaskState, detail string) (*models.Task, error) {
	task, err := t.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, apperr.TaskNotFound(taskID)
	}
	if err := models.ValidateTransition(task.State, to); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidTransition, "task "+taskID, err)
	}

	now := t.s.now().UTC()
	res, err := t.tx.ExecContext(ctx, t.s.rebind(
		`UPDATE tasks SET state = ?, updated_at = ? WHERE id = ? AND state = ?`),
		to, toMicros(now), taskID, task.State,
	)
	if err != nil {
		return nil, fmt.Errorf("update task state: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("transition %s to %s: %w", taskID, to, ErrStateConflict)
	}
	if err := t.AppendStatusLog(ctx, &models.StatusEntry{TaskID: taskID, State: to, Detail: detail}); err != nil {
		return nil, err
	}
	task.State = to
	task.UpdatedAt = now
	return task, nil
}

// RequestCancel sets the cooperative cancel flag.
func (t *Tx) RequestCancel(ctx context.Context, taskID string) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(
		`UPDATE tasks SET cancel_requested = 1, updated_at = ? WHERE id = ?`),
		toMicros(t.s.now()), taskID,
	)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID, or nil if absent.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := getTask(ctx, s.db, s.dialect, id)
	return task, s.classify(err)
}

// ListTasks returns tasks newest first, optionally filtered by state.
func (s *Store) ListTasks(ctx context.Context, state models.TaskState, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.classify(fmt.Errorf("query tasks: %w", err))
	}
	defer rows.Close()

	var scanned []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		scanned = append(scanned, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if err := loadLabels(ctx, s.db, s.dialect, scanned...); err != nil {
		return nil, s.classify(err)
	}

	tasks := make([]models.Task, 0, len(scanned))
	for _, task := range scanned {
		tasks = append(tasks, *task)
	}
	return tasks, nil
}

// --- Lease Operations ---

func getLease(ctx context.Context, q querier, d Dialect, taskID string) (*models.Lease, error) {
	l := &models.Lease{}
	var expires, created int64
	err := q.QueryRowContext(ctx, d.Rebind(
		`SELECT task_id, worker_id, attempt, expires_at, created_at FROM leases WHERE task_id = ?`), taskID,
	).Scan(&l.TaskID, &l.WorkerID, &l.Attempt, &expires, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lease: %w", err)
	}
	l.ExpiresAt = fromMicros(expires)
	l.CreatedAt = fromMicros(created)
	return l, nil
}

// GetLease reads the lease on a task inside the transaction.
func (t *Tx) GetLease(ctx context.Context, taskID string) (*models.Lease, error) {
	return getLease(ctx, t.tx, t.s.dialect, taskID)
}

// DeleteLease drops the lease on a task, if any.
func (t *Tx) DeleteLease(ctx context.Context, taskID string) error {
	if _, err := t.tx.ExecContext(ctx, t.s.rebind(`DELETE FROM leases WHERE task_id = ?`), taskID); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return nil
}

// RenewLease extends a lease held by workerID.
func (t *Tx) RenewLease(ctx context.Context, taskID, workerID string, expiresAt time.Time) error {
	res, err := t.tx.ExecContext(ctx, t.s.rebind(
		`UPDATE leases SET expires_at = ? WHERE task_id = ? AND worker_id = ?`),
		toMicros(expiresAt), taskID, workerID,
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrLeaseNotFound
	}
	return nil
}

// GetLease returns the active lease on a task, or nil.
func (s *Store) GetLease(ctx context.Context, taskID string) (*models.Lease, error) {
	l, err := getLease(ctx, s.db, s.dialect, taskID)
	return l, s.classify(err)
}

// ClaimParams selects which queued task a worker may take.
type ClaimParams struct {
	WorkerID string
	Pool     string
	Actions  []string
	TTL      time.Duration
	Now      time.Time
}

// ClaimNext atomically assigns the oldest matching queued task to a worker,
// creates its lease and records the assignment. Tasks carrying a paused
// label are skipped. It returns nil, nil when nothing is queued.
func (s *Store) ClaimNext(ctx context.Context, p ClaimParams) (*models.Task, *models.Lease, error) {
	if len(p.Actions) == 0 {
		return nil, nil, nil
	}
	if p.Now.IsZero() {
		p.Now = s.now()
	}

	var task *models.Task
	var lease *models.Lease
	err := s.InTx(ctx, func(tx *Tx) error {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(p.Actions)), ", ")
		args := []any{models.TaskStateQueued, p.Pool}
		for _, a := range p.Actions {
			args = append(args, a)
		}
		var id string
		err := tx.tx.QueryRowContext(ctx, s.rebind(
			`SELECT id FROM tasks
			 WHERE state = ? AND pool = ? AND cancel_requested = 0 AND action IN (`+placeholders+`)`+pausedFilter+`
			 ORDER BY created_at, id LIMIT 1`+s.dialect.ClaimSuffix()), args...,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select queued task: %w", err)
		}

		if _, err := tx.tx.ExecContext(ctx, s.rebind(
			`UPDATE tasks SET attempts = attempts + 1 WHERE id = ?`), id); err != nil {
			return fmt.Errorf("bump attempts: %w", err)
		}
		claimed, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		claimed, err = tx.TransitionTask(ctx, id, models.TaskStateAssigned,
			fmt.Sprintf("worker %s attempt %d", p.WorkerID, claimed.Attempts))
		if err != nil {
			return err
		}

		l := &models.Lease{
			TaskID:    id,
			WorkerID:  p.WorkerID,
			Attempt:   claimed.Attempts,
			ExpiresAt: p.Now.Add(p.TTL).UTC(),
			CreatedAt: p.Now.UTC(),
		}
		if _, err := tx.tx.ExecContext(ctx, s.rebind(
			`INSERT INTO leases (task_id, worker_id, attempt, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`),
			l.TaskID, l.WorkerID, l.Attempt, toMicros(l.ExpiresAt), toMicros(l.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert lease: %w", err)
		}
		task, lease = claimed, l
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return task, lease, nil
}

// ExpiredLease describes one reclaimed lease.
type ExpiredLease struct {
	TaskID   string
	WorkerID string
	Attempt  int
	Outcome  models.TaskState // queued, or cancelled if a cancel was pending
}

// ExpireLeases reclaims every lease that lapsed at or before now. Each
// reclaimed task records lease_expired followed by queued (or cancelled when
// a cancel was requested); a lease is reclaimed at most once because it is
// deleted in the same transaction.
func (s *Store) ExpireLeases(ctx context.Context, now time.Time) ([]ExpiredLease, error) {
	var out []ExpiredLease
	err := s.InTx(ctx, func(tx *Tx) error {
		rows, err := tx.tx.QueryContext(ctx, s.rebind(
			`SELECT task_id, worker_id, attempt FROM leases WHERE expires_at <= ? ORDER BY expires_at`), toMicros(now))
		if err != nil {
			return fmt.Errorf("query expired leases: %w", err)
		}
		var expired []ExpiredLease
		for rows.Next() {
			var e ExpiredLease
			if err := rows.Scan(&e.TaskID, &e.WorkerID, &e.Attempt); err != nil {
				rows.Close()
				return fmt.Errorf("scan lease: %w", err)
			}
			expired = append(expired, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range expired {
			if err := tx.DeleteLease(ctx, e.TaskID); err != nil {
				return err
			}
			task, err := tx.GetTask(ctx, e.TaskID)
			if err != nil {
				return err
			}
			if task == nil || !task.State.Leased() {
				continue
			}
			detail := fmt.Sprintf("worker %s attempt %d", e.WorkerID, e.Attempt)
			if _, err := tx.TransitionTask(ctx, e.TaskID, models.TaskStateLeaseExpired, detail); err != nil {
				return err
			}
			e.Outcome = models.TaskStateQueued
			next := "redispatch after attempt " + fmt.Sprint(e.Attempt)
			if task.CancelRequested {
				e.Outcome = models.TaskStateCancelled
				next = "cancel requested while leased"
			}
			if _, err := tx.TransitionTask(ctx, e.TaskID, e.Outcome, next); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
