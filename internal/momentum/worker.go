package momentum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/dealsync/internal/storage"
)

// JobType is the job queue type for deferred recomputation.
const JobType = "momentum_recompute"

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) (bool, error)
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

type recomputePayload struct {
	DealID string `json:"deal_id"`
}

// Queue is a Trigger that defers recomputation to the durable job queue.
// At most one pending job exists per deal; since the worker rereads the
// full history, coalescing loses nothing.
type Queue struct {
	store JobStore
}

func NewQueue(store JobStore) *Queue {
	return &Queue{store: store}
}

func (q *Queue) Trigger(_ context.Context, dealID string) error {
	payload, err := json.Marshal(recomputePayload{DealID: dealID})
	if err != nil {
		return err
	}
	_, err = q.store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		DedupeKey:   "momentum:" + dealID,
		PayloadJSON: string(payload),
	})
	if err != nil {
		return fmt.Errorf("queueing momentum job: %w", err)
	}
	return nil
}

// Recomputing is what the Worker runs per job.
type Recomputing interface {
	Recompute(ctx context.Context, dealID string) (storage.Momentum, error)
}

// Worker processes momentum_recompute jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	rc     Recomputing
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, rc Recomputing, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		rc:     rc,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("momentum worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. It reports whether a job was
// claimed, regardless of its outcome.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.process(ctx, job); err != nil {
		w.logger.Warn("momentum job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *storage.Job) error {
	var p recomputePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	_, err := w.rc.Recompute(ctx, p.DealID)
	if errors.Is(err, storage.ErrNotFound) {
		w.logger.Info("dropping momentum job for deleted deal", "deal_id", p.DealID)
		return nil
	}
	return err
}
