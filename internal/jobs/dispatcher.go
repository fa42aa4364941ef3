// Package jobs provides the single entry point for admitting side-effect
// work into the async queue: persist the job row (deduped by idempotency
// key), then enqueue its id into the Redis lane.
package jobs

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"auction-engine/internal/models"
	"auction-engine/internal/queue"
	"auction-engine/internal/store"
	"auction-engine/internal/telemetry"
)

// Dispatcher couples durable job rows with the Redis queue. Enqueueing is
// fire-and-forget from the producer's perspective.
type Dispatcher struct {
	store          *store.Store
	queue          *queue.RedisQueue
	maxAttempts    int
	idempotencyTTL time.Duration
}

// NewDispatcher builds a dispatcher with the queue-wide retry defaults.
func NewDispatcher(st *store.Store, q *queue.RedisQueue, maxAttempts int, idempotencyTTL time.Duration) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Dispatcher{
		store:          st,
		queue:          q,
		maxAttempts:    maxAttempts,
		idempotencyTTL: idempotencyTTL,
	}
}

// Dispatch persists and enqueues one job. A duplicate dedupe key returns the
// already-admitted job with reused=true and enqueues nothing, which is what
// makes client retries safe.
func (d *Dispatcher) Dispatch(ctx context.Context, jobType, lane string, payload map[string]any, dedupeKey string) (models.Job, bool, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	job, reused, err := d.store.CreateJob(ctx, store.CreateJobParams{
		Type:           jobType,
		Lane:           lane,
		Payload:        payload,
		IdempotencyKey: dedupeKey,
		RunAt:          time.Now(),
		MaxAttempts:    d.maxAttempts,
		IdempotencyTTL: d.idempotencyTTL,
	})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("create job: %w", err)
	}
	if reused {
		return job, true, nil
	}

	if err := d.queue.Enqueue(ctx, job.ID, job.Lane, job.NextRunAt); err != nil {
		msg := err.Error()
		_ = d.store.UpdateJobStatus(ctx, job.ID, models.JobFailed, job.Attempts, job.NextRunAt, &msg)
		return models.Job{}, false, fmt.Errorf("enqueue job: %w", err)
	}
	_ = d.store.AppendAudit(ctx, job.ID, "enqueued", fmt.Sprintf("type=%s lane=%s", job.Type, job.Lane))
	telemetry.EnqueueCounter.Inc()

	log.WithFields(log.Fields{
		"job_id": job.ID,
		"type":   job.Type,
		"lane":   job.Lane,
	}).Debug("job dispatched")
	return job, false, nil
}

// GetJob reads one job row.
func (d *Dispatcher) GetJob(ctx context.Context, id string) (models.Job, error) {
	return d.store.GetJob(ctx, id)
}

// CancelJob marks the durable row cancelled; the caller removes it from the
// Redis sets separately.
func (d *Dispatcher) CancelJob(ctx context.Context, id string) error {
	if err := d.store.MarkCancelled(ctx, id); err != nil {
		return err
	}
	return d.store.AppendAudit(ctx, id, "cancelled", "cancel requested via API")
}
