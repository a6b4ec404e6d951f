package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/swarmauri/peagen/internal/models"
)

// --- PDR Operations ---

// WritePDR writes a Process Decision Record entry.
func (s *Store) WritePDR(ctx context.Context, action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error) {
	entry := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  s.now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, task_id, details, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.Action, entry.InputsHash, entry.Outcome, entry.TaskID, entry.Details, toMicros(entry.Timestamp),
	)
	if err != nil {
		return nil, s.classify(fmt.Errorf("insert pdr: %w", err))
	}
	return entry, nil
}

// ListPDR returns decision records newest first, optionally for one task.
func (s *Store) ListPDR(ctx context.Context, taskID string, limit int) ([]models.PDREntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, action, inputs_hash, outcome, task_id, details, ts FROM pdr`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY ts DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.classify(fmt.Errorf("query pdr: %w", err))
	}
	defer rows.Close()

	entries := []models.PDREntry{}
	for rows.Next() {
		var e models.PDREntry
		var ts int64
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &e.TaskID, &e.Details, &ts); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.Timestamp = fromMicros(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
