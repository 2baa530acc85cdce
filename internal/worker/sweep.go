package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/audioscribe/audioscribe-backend/internal/queue"
	"github.com/audioscribe/audioscribe-backend/internal/storage"
)

// SweepResult counts what a supervisory re-scan recovered.
type SweepResult struct {
	Released int // processing jobs whose worker went away
	Requeued int // pending jobs that never reached the queue
}

// Sweep is the supervisory re-scan: it releases processing jobs that have
// not been touched within staleProcessing (their worker presumably crashed
// between claim and terminal write) and republishes pending jobs older than
// stalePending (their enqueue presumably failed after row creation). It is
// an operator action, not part of the executor loop.
func Sweep(ctx context.Context, store storage.Storage, q queue.Queue, staleProcessing, stalePending time.Duration, log *slog.Logger) (SweepResult, error) {
	var res SweepResult
	now := time.Now().UTC()

	stuck, err := store.ListStaleProcessing(now.Add(-staleProcessing))
	if err != nil {
		return res, err
	}
	for _, j := range stuck {
		if err := store.ReleaseClaim(j.ID, now); err != nil {
			log.Error("release failed", "job_id", j.ID, "err", err)
			continue
		}
		if err := q.Publish(ctx, j.ID, 0); err != nil {
			log.Error("requeue failed", "job_id", j.ID, "err", err)
			continue
		}
		log.Info("released stale claim", "job_id", j.ID, "handle", j.WorkerHandle)
		res.Released++
	}

	orphaned, err := store.ListStalePending(now.Add(-stalePending))
	if err != nil {
		return res, err
	}
	for _, j := range orphaned {
		if err := q.Publish(ctx, j.ID, 0); err != nil {
			log.Error("requeue failed", "job_id", j.ID, "err", err)
			continue
		}
		log.Info("requeued orphaned job", "job_id", j.ID)
		res.Requeued++
	}
	return res, nil
}
