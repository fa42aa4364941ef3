// Package worker drives the async job queue consumers: lane groups with
// bounded concurrency, retry with exponential backoff, and dead-lettering
// after exhausted attempts.
package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"auction-engine/internal/config"
	"auction-engine/internal/models"
	"auction-engine/internal/queue"
	"auction-engine/internal/telemetry"
)

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job models.Job) error

// JobStore is the durable side of job processing. The pgx store satisfies it.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJobStatus(ctx context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error
	UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	MarkSuccess(ctx context.Context, id string) error
	MarkDeadLetter(ctx context.Context, id string, lastError string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Processor runs worker loops against the queue. General lanes share one
// pool in precedence order; the notifications lane gets its own wider pool so
// notices are not starved behind stats recomputes during a bid storm.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    JobStore
	handlers map[string]Handler
}

// NewProcessor creates a processor; handlers are registered before Run.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, st JobStore) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run starts housekeeping plus all worker pools and blocks until the context
// is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.housekeeping(ctx)
	}()

	laneConc := p.cfg.LaneConcurrency
	if laneConc <= 0 {
		laneConc = 4
	}
	for i := 0; i < laneConc; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workLoop(ctx, p.cfg.Lanes)
		}()
	}

	notifyConc := p.cfg.NotifyConcurrency
	if notifyConc <= 0 {
		notifyConc = 8
	}
	if p.cfg.NotificationsLane != "" {
		for i := 0; i < notifyConc; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.workLoop(ctx, []string{p.cfg.NotificationsLane})
			}()
		}
	}

	wg.Wait()
	return ctx.Err()
}

// housekeeping promotes due scheduled jobs, reclaims expired leases, and
// keeps the depth gauge current.
func (p *Processor) housekeeping(ctx context.Context) {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			for _, id := range reclaimed {
				if job, err := p.store.GetJob(ctx, id); err == nil {
					_ = p.store.UpdateJobStatus(ctx, id, models.JobQueued, job.Attempts, time.Now(), job.LastError)
				}
			}
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func (p *Processor) workLoop(ctx context.Context, lanes []string) {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := p.queue.DequeueWithLease(ctx, lanes...)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			continue
		}

		p.process(ctx, jobID)
	}
}

func (p *Processor) process(ctx context.Context, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if job.Status == models.JobCancelled {
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	_ = p.store.UpdateJobStatus(ctx, job.ID, models.JobInProgress, job.Attempts, job.NextRunAt, nil)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	err = p.runJob(ctx, job)
	if err == nil {
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.store.MarkSuccess(ctx, job.ID)
		_ = p.store.AppendAudit(ctx, job.ID, "succeeded", "worker completed job")
		telemetry.WorkerSuccess.Inc()
		return
	}

	attempts := job.Attempts + 1
	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	nextRun := time.Now().Add(backoff)
	_ = p.store.UpdateAttempts(ctx, job.ID, attempts, nextRun, err.Error())

	if attempts >= job.MaxAttempts {
		_ = p.store.MarkDeadLetter(ctx, job.ID, err.Error())
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.queue.DLQPush(ctx, job.ID)
		_ = p.store.AppendAudit(ctx, job.ID, "dead_letter", err.Error())
		telemetry.WorkerDeadLetter.Inc()
		log.WithFields(log.Fields{
			"job_id": job.ID,
			"type":   job.Type,
			"error":  err.Error(),
		}).Error("job exhausted attempts, moved to dead-letter queue")
		return
	}

	_ = p.queue.Ack(ctx, job.ID)
	_ = p.queue.Schedule(ctx, job.ID, job.Lane, nextRun)
	_ = p.store.AppendAudit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.WorkerFailures.Inc()
}

func (p *Processor) runJob(ctx context.Context, job models.Job) error {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for type %q", job.Type)
	}
	return handler(ctx, job)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
