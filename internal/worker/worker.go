package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audioscribe/audioscribe-backend/internal/job"
	"github.com/audioscribe/audioscribe-backend/internal/queue"
	"github.com/audioscribe/audioscribe-backend/internal/storage"
)

// Transcriber is the adapter the executor awaits for each job.
type Transcriber interface {
	Transcribe(ctx context.Context, sourceURL string, flags job.FeatureFlags) (*job.Result, error)
}

// Config for executor behavior.
type Config struct {
	// MaxAttempts bounds total executions of one job, first try included.
	MaxAttempts int
	// RetryBackoff is the delay unit; a job that failed attempt n is
	// re-enqueued after RetryBackoff * n.
	RetryBackoff time.Duration
}

// Outcome is the tagged result of one execution attempt. Exactly one of
// Result and Err is set; Fatal marks errors that must not be retried.
type Outcome struct {
	Result *job.Result
	Err    error
	Fatal  bool
}

// Worker claims jobs delivered on the queue and drives each through the
// processing state machine to a terminal state.
type Worker struct {
	id     int
	store  storage.Storage
	queue  queue.Queue
	tc     Transcriber
	cfg    *Config
	log    *slog.Logger
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(id int, store storage.Storage, q queue.Queue, tc Transcriber, cfg *Config, log *slog.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		id:     id,
		store:  store,
		queue:  q,
		tc:     tc,
		cfg:    cfg,
		log:    log.With("worker", id),
		now:    func() time.Time { return time.Now().UTC() },
		ctx:    ctx,
		cancel: cancel,
	}
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			w.log.Info("shutting down")
			return
		default:
		}
		msg, err := w.queue.Receive(w.ctx)
		if err != nil {
			if w.ctx.Err() != nil {
				w.log.Info("shutting down")
				return
			}
			w.log.Error("receive failed", "err", err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}
		w.process(msg)
	}
}

func (w *Worker) process(msg *queue.Message) {
	// Retries are re-published as fresh messages, so the delivery is
	// acknowledged regardless of how the attempt ends.
	defer func() {
		if err := w.queue.Delete(w.ctx, msg); err != nil {
			w.log.Error("ack failed", "job_id", msg.JobID, "err", err)
		}
	}()

	handle := uuid.New().String()
	j, err := w.store.Claim(msg.JobID, handle, w.cfg.MaxAttempts, w.now())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Deleted before we got to it; never resurrect.
		w.log.Info("job vanished before claim", "job_id", msg.JobID)
		return
	case errors.Is(err, storage.ErrNotClaimable):
		w.log.Info("job not claimable", "job_id", msg.JobID)
		return
	case err != nil:
		// Store unreachable; the row stays pending for the sweep.
		w.log.Error("claim failed", "job_id", msg.JobID, "err", err)
		return
	}
	w.log.Info("claimed job", "job_id", j.ID, "attempt", j.Attempts, "handle", handle)

	started := w.now()
	out := w.execute(j)
	finished := w.now()

	if out.Err == nil {
		out.Result.ProcessingTime = finished.Sub(started).Seconds()
		if err := w.store.Complete(j.ID, out.Result, finished); err != nil {
			w.log.Error("persist result failed", "job_id", j.ID, "err", err)
			return
		}
		w.log.Info("job completed", "job_id", j.ID, "seconds", out.Result.ProcessingTime)
		return
	}

	// The failure record is written before any retry decision so the
	// history is durable even if a later retry succeeds.
	if err := w.store.Fail(j.ID, out.Err.Error(), finished); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			w.log.Info("job vanished during execution", "job_id", j.ID)
			return
		}
		w.log.Error("persist failure failed", "job_id", j.ID, "err", err)
		return
	}
	w.log.Warn("job failed", "job_id", j.ID, "attempt", j.Attempts, "err", out.Err)

	if out.Fatal || j.Attempts >= w.cfg.MaxAttempts {
		w.log.Warn("job permanently failed", "job_id", j.ID, "attempts", j.Attempts)
		return
	}
	delay := w.cfg.RetryBackoff * time.Duration(j.Attempts)
	if err := w.queue.Publish(w.ctx, j.ID, delay); err != nil {
		w.log.Error("retry publish failed", "job_id", j.ID, "err", err)
		return
	}
	w.log.Info("retry scheduled", "job_id", j.ID, "delay", delay)
}

// execute runs one attempt and reports the tagged outcome. Provider and
// transport errors are retryable; only a vanished job is fatal, and that is
// detected by the claim and the failure write rather than here.
func (w *Worker) execute(j *job.Job) Outcome {
	res, err := w.tc.Transcribe(w.ctx, j.SourceURL, j.Flags)
	if err != nil {
		return Outcome{Err: err}
	}
	return Outcome{Result: res}
}

func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
}
