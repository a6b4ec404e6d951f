package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/swarmauri/peagen/internal/audit"
	"github.com/swarmauri/peagen/internal/models"
	"github.com/swarmauri/peagen/internal/store"
	"go.opentelemetry.io/otel/attribute"
)

// Dispatcher runs the lease reaper on a ticker.
type Dispatcher struct {
	svc      *Service
	interval time.Duration

	mu        sync.Mutex
	passes    int
	reclaimed int
	lastPass  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DispatcherStats summarises reaper activity.
type DispatcherStats struct {
	Passes    int       `json:"passes"`
	Reclaimed int       `json:"reclaimed"`
	LastPass  time.Time `json:"last_pass"`
}

// NewDispatcher creates a dispatcher for svc.
func NewDispatcher(svc *Service, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		svc:      svc,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the reaper loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.loop()
	d.svc.log.Info().Dur("interval", d.interval).Msg("dispatcher started")
}

// Stop stops the loop and waits for the current pass.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
	d.svc.log.Info().Msg("dispatcher stopped")
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.ReapOnce(d.ctx); err != nil && d.ctx.Err() == nil {
				d.svc.log.Error().Err(err).Msg("reap expired leases")
			}
		}
	}
}

// ReapOnce reclaims every lapsed lease once and returns what it reclaimed.
func (d *Dispatcher) ReapOnce(ctx context.Context) ([]store.ExpiredLease, error) {
	expired, err := d.svc.ReapExpired(ctx)

	d.mu.Lock()
	d.passes++
	d.reclaimed += len(expired)
	d.lastPass = d.svc.now()
	d.mu.Unlock()
	return expired, err
}

// Stats returns reaper counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DispatcherStats{Passes: d.passes, Reclaimed: d.reclaimed, LastPass: d.lastPass}
}

// ReapExpired reclaims lapsed leases: each task records lease_expired and
// returns to the queue (or is cancelled if a cancel was pending).
func (s *Service) ReapExpired(ctx context.Context) ([]store.ExpiredLease, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.Reap")
	defer span.End()

	expired, err := s.store.ExpireLeases(ctx, s.now())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("leases.reclaimed", len(expired)))

	for _, e := range expired {
		outcome := "requeued"
		if e.Outcome == models.TaskStateCancelled {
			outcome = "cancelled"
		}
		s.log.Warn().Str("task_id", e.TaskID).Str("worker_id", e.WorkerID).
			Int("attempt", e.Attempt).Str("outcome", outcome).Msg("lease expired")
		s.audit.Record(ctx, audit.ActionTaskRedispatch, map[string]any{
			"task_id":   e.TaskID,
			"worker_id": e.WorkerID,
			"attempt":   e.Attempt,
		}, outcome, e.TaskID, fmt.Sprintf("lease of %s expired", e.WorkerID))
	}
	return expired, nil
}
