package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/swarmauri/peagen/internal/models"
)

// --- Label Operations ---

// pausedFilter excludes tasks carrying any paused label from a tasks query.
const pausedFilter = ` AND NOT EXISTS (
	SELECT 1 FROM task_labels tl JOIN paused_labels pl ON pl.label = tl.label
	WHERE tl.task_id = tasks.id)`

func (t *Tx) insertLabels(ctx context.Context, taskID string, labels []string) error {
	for _, label := range labels {
		if _, err := t.tx.ExecContext(ctx, t.s.rebind(
			`INSERT INTO task_labels (task_id, label) VALUES (?, ?)`), taskID, label); err != nil {
			return fmt.Errorf("insert label %s: %w", label, err)
		}
	}
	return nil
}

// loadLabels fills Labels on each task. Rows from a previous query must be
// closed before calling it.
func loadLabels(ctx context.Context, q querier, d Dialect, tasks ...*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	byID := make(map[string]*models.Task, len(tasks))
	args := make([]any, 0, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		args = append(args, t.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
	rows, err := q.QueryContext(ctx, d.Rebind(
		`SELECT task_id, label FROM task_labels WHERE task_id IN (`+placeholders+`) ORDER BY task_id, label`), args...)
	if err != nil {
		return fmt.Errorf("query labels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, label string
		if err := rows.Scan(&id, &label); err != nil {
			return fmt.Errorf("scan label: %w", err)
		}
		if t := byID[id]; t != nil {
			t.Labels = append(t.Labels, label)
		}
	}
	return rows.Err()
}

// PauseLabel holds back queued tasks carrying label. It reports false if
// the label was already paused.
func (s *Store) PauseLabel(ctx context.Context, label string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO paused_labels (label, paused_at) VALUES (?, ?) ON CONFLICT (label) DO NOTHING`),
		label, toMicros(s.now()))
	if err != nil {
		return false, s.classify(fmt.Errorf("pause label: %w", err))
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ResumeLabel releases a paused label. It reports false if it was not paused.
func (s *Store) ResumeLabel(ctx context.Context, label string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM paused_labels WHERE label = ?`), label)
	if err != nil {
		return false, s.classify(fmt.Errorf("resume label: %w", err))
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// PausedLabels lists paused labels in name order.
func (s *Store) PausedLabels(ctx context.Context) ([]models.LabelPause, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT label, paused_at FROM paused_labels ORDER BY label`)
	if err != nil {
		return nil, s.classify(fmt.Errorf("query paused labels: %w", err))
	}
	defer rows.Close()

	out := []models.LabelPause{}
	for rows.Next() {
		var p models.LabelPause
		var ts int64
		if err := rows.Scan(&p.Label, &ts); err != nil {
			return nil, fmt.Errorf("scan paused label: %w", err)
		}
		p.PausedAt = fromMicros(ts)
		out = append(out, p)
	}
	return out, rows.Err()
}

// TaskIDsWithLabel returns the ids of tasks carrying label, oldest first.
func (s *Store) TaskIDsWithLabel(ctx context.Context, label string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT t.id FROM tasks t JOIN task_labels tl ON tl.task_id = t.id
		 WHERE tl.label = ? ORDER BY t.created_at, t.id`), label)
	if err != nil {
		return nil, s.classify(fmt.Errorf("query labelled tasks: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
