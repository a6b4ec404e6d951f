package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/swarmauri/peagen/internal/models"
)

// --- Worker Registry ---

// UpsertWorker registers a worker or refreshes its registration.
func (s *Store) UpsertWorker(ctx context.Context, w *models.Worker) error {
	handlers, err := json.Marshal(w.Handlers)
	if err != nil {
		return fmt.Errorf("encode handlers: %w", err)
	}
	now := s.now().UTC()
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = now
	}
	w.LastHeartbeat = now
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO workers (id, pool, handlers, advertises, registered_at, last_heartbeat)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET pool = excluded.pool, handlers = excluded.handlers,
		   advertises = excluded.advertises, last_heartbeat = excluded.last_heartbeat`),
		w.ID, w.Pool, string(handlers), w.Advertises, toMicros(w.RegisteredAt), toMicros(w.LastHeartbeat),
	)
	if err != nil {
		return s.classify(fmt.Errorf("upsert worker: %w", err))
	}
	return nil
}

// TouchWorker records a heartbeat.
func (s *Store) TouchWorker(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE workers SET last_heartbeat = ? WHERE id = ?`), toMicros(at), id)
	if err != nil {
		return s.classify(fmt.Errorf("touch worker: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	return nil
}

func scanWorker(row interface{ Scan(...any) error }) (*models.Worker, error) {
	w := &models.Worker{}
	var handlers string
	var advertises sql.NullString
	var registered, beat int64
	if err := row.Scan(&w.ID, &w.Pool, &handlers, &advertises, &registered, &beat); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(handlers), &w.Handlers); err != nil {
		return nil, fmt.Errorf("decode handlers: %w", err)
	}
	w.Advertises = advertises.String
	w.RegisteredAt = fromMicros(registered)
	w.LastHeartbeat = fromMicros(beat)
	return w, nil
}

// GetWorker returns a registered worker, or nil.
func (s *Store) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	w, err := scanWorker(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, pool, handlers, advertises, registered_at, last_heartbeat FROM workers WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.classify(fmt.Errorf("query worker: %w", err))
	}
	return w, nil
}

// ListWorkers returns every registered worker, most recently seen first.
func (s *Store) ListWorkers(ctx context.Context) ([]models.Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pool, handlers, advertises, registered_at, last_heartbeat FROM workers ORDER BY last_heartbeat DESC`)
	if err != nil {
		return nil, s.classify(fmt.Errorf("query workers: %w", err))
	}
	defer rows.Close()

	workers := []models.Worker{}
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}
