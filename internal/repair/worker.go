package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/memex/internal/storage"
)

const defaultPollInterval = 2 * time.Second

// JobStore abstracts the job queue operations the worker needs.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// MirrorSyncer copies one primary entry into the mirror.
type MirrorSyncer interface {
	SyncMirror(ctx context.Context, id string) error
}

// Worker processes mirror_sync jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	syncer MirrorSyncer
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 2s.
func NewWorker(store JobStore, syncer MirrorSyncer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Worker{
		store:  store,
		syncer: syncer,
		poll:   pollInterval,
		logger: slog.Default().With("component", "repair"),
	}
}

// Run polls for jobs until ctx is cancelled. Jobs are drained back to back;
// the worker sleeps only when the queue is empty.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single mirror_sync job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.process(ctx, job); err != nil {
		w.logger.Warn("mirror repair failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *storage.Job) error {
	var p payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if p.EntryID == "" {
		return fmt.Errorf("payload has no entry_id")
	}
	if err := w.syncer.SyncMirror(ctx, p.EntryID); err != nil {
		return err
	}
	w.logger.Info("mirror repaired", "entry_id", p.EntryID)
	return nil
}
