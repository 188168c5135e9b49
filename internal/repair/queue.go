// Package repair carries deferred mirror repairs: entries whose mirror write
// failed at capture time are queued as jobs and copied over later.
package repair

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kalambet/memex/internal/storage"
)

// JobType is the queue type of a mirror repair job.
const JobType = "mirror_sync"

type payload struct {
	EntryID string `json:"entry_id"`
}

// JobEnqueuer is the write side of the job queue.
type JobEnqueuer interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	CountJobs(ctx context.Context, jobType, status string) (int, error)
}

// Queue schedules mirror repairs on the job queue.
type Queue struct {
	store JobEnqueuer
}

func NewQueue(store JobEnqueuer) *Queue {
	return &Queue{store: store}
}

// EnqueueMirrorSync schedules a copy of the primary entry id into the mirror.
func (q *Queue) EnqueueMirrorSync(ctx context.Context, id string) error {
	data, err := json.Marshal(payload{EntryID: id})
	if err != nil {
		return fmt.Errorf("encoding repair payload: %w", err)
	}
	return q.store.EnqueueJob(ctx, storage.Job{
		ID:          uuid.NewString(),
		Type:        JobType,
		PayloadJSON: string(data),
	})
}

// Pending returns the number of repairs waiting to run.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	return q.store.CountJobs(ctx, JobType, storage.JobPending)
}
