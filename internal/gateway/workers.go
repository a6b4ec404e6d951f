package gateway

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/swarmauri/peagen/internal/apperr"
	"github.com/swarmauri/peagen/internal/audit"
	"github.com/swarmauri/peagen/internal/models"
	"github.com/swarmauri/peagen/internal/store"
)

// --- Worker Registry ---

// RegisterRequest announces a worker.
type RegisterRequest struct {
	ID         string   `json:"id,omitempty"`
	Pool       string   `json:"pool,omitempty"`
	Handlers   []string `json:"handlers"`
	Advertises string   `json:"advertises,omitempty"`
}

func workerNotFound(id string) error {
	return apperr.WithMetadata(apperr.CodeWorkerNotFound, "worker "+id+" is not registered",
		map[string]string{"worker_id": id})
}

// RegisterWorker registers a worker or refreshes an existing registration.
func (s *Service) RegisterWorker(ctx context.Context, req RegisterRequest) (*models.Worker, error) {
	if len(req.Handlers) == 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "worker must advertise at least one handler")
	}
	w := &models.Worker{
		ID:         req.ID,
		Pool:       req.Pool,
		Handlers:   req.Handlers,
		Advertises: req.Advertises,
		Live:       true,
	}
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Pool == "" {
		w.Pool = models.DefaultPool
	}
	if err := s.store.UpsertWorker(ctx, w); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.ActionWorkerRegister, req, audit.OutcomeSuccess, "", "worker "+w.ID+" in pool "+w.Pool)
	return w, nil
}

// Heartbeat records that a worker is alive.
func (s *Service) Heartbeat(ctx context.Context, workerID string) error {
	err := s.store.TouchWorker(ctx, workerID, s.now())
	if errors.Is(err, store.ErrWorkerNotFound) {
		return workerNotFound(workerID)
	}
	return err
}

// ListWorkers returns registered workers; Live is set for those whose last
// heartbeat falls within the worker TTL.
func (s *Service) ListWorkers(ctx context.Context) ([]models.Worker, error) {
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range workers {
		workers[i].Live = now.Sub(workers[i].LastHeartbeat) <= s.opts.WorkerTTL
	}
	return workers, nil
}
