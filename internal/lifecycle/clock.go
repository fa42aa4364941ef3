// Package lifecycle advances auction status on wall-clock time. Transitions
// are conditional bulk updates, so concurrent sweeps are idempotent and a
// terminal status is never resurrected.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"auction-engine/internal/models"
	"auction-engine/internal/telemetry"
)

// Store is the storage collaborator the clock sweeps against.
type Store interface {
	ActivateDue(ctx context.Context, now time.Time) ([]string, error)
	EndExpired(ctx context.Context, now time.Time) ([]string, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Publisher accepts update events for real-time fanout.
type Publisher interface {
	Publish(event models.UpdateEvent)
}

// JobDispatcher admits end-of-auction side-effect jobs.
type JobDispatcher interface {
	Dispatch(ctx context.Context, jobType, lane string, payload map[string]any, dedupeKey string) (models.Job, bool, error)
}

// SweepResult reports what one sweep changed.
type SweepResult struct {
	Activated []string  `json:"activated"`
	Ended     []string  `json:"ended"`
	SweptAt   time.Time `json:"swept_at"`
}

// Clock is an explicitly constructed sweep service with a start/stop
// lifecycle; no ambient global state survives it.
type Clock struct {
	store      Store
	bus        Publisher
	dispatcher JobDispatcher
	interval   time.Duration
	now        func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewClock builds a clock sweeping at the given interval. The cadence is a
// tuning knob, not a correctness requirement.
func NewClock(st Store, bus Publisher, dispatcher JobDispatcher, interval time.Duration) *Clock {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Clock{
		store:      st,
		bus:        bus,
		dispatcher: dispatcher,
		interval:   interval,
		now:        time.Now,
	}
}

// Start launches the periodic sweep loop. It returns immediately.
func (c *Clock) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = make(chan struct{})

	go func() {
		defer close(c.stopped)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := c.Sweep(loopCtx); err != nil {
					log.WithField("error", err.Error()).Error("lifecycle sweep failed")
				}
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (c *Clock) Stop() {
	c.mu.Lock()
	cancel, stopped := c.cancel, c.stopped
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-stopped
	}
}

// Sweep runs both bulk transitions once. Running it twice in immediate
// succession is a no-op the second time.
func (c *Clock) Sweep(ctx context.Context) (SweepResult, error) {
	now := c.now()
	result := SweepResult{SweptAt: now}

	activated, err := c.store.ActivateDue(ctx, now)
	if err != nil {
		return result, fmt.Errorf("activate due: %w", err)
	}
	result.Activated = activated

	ended, err := c.store.EndExpired(ctx, now)
	if err != nil {
		return result, fmt.Errorf("end expired: %w", err)
	}
	result.Ended = ended

	for _, id := range activated {
		telemetry.SweepTransitions.WithLabelValues(models.AuctionActive).Inc()
		c.publish(models.EventAuction, id, models.AuctionActive, now)
	}
	for _, id := range ended {
		telemetry.SweepTransitions.WithLabelValues(models.AuctionEnded).Inc()
		c.publish(models.EventAuctionEnd, id, models.AuctionEnded, now)
		c.dispatchEndJobs(ctx, id)
	}

	if len(activated) > 0 || len(ended) > 0 {
		log.WithFields(log.Fields{
			"activated": len(activated),
			"ended":     len(ended),
		}).Info("lifecycle sweep applied transitions")
	}
	return result, nil
}

// Status reports auction counts per lifecycle state; the admin probe serves
// this read-only view.
func (c *Clock) Status(ctx context.Context) (map[string]int64, error) {
	return c.store.CountByStatus(ctx)
}

func (c *Clock) publish(eventType, auctionID, status string, now time.Time) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(models.UpdateEvent{
		Type:  eventType,
		Topic: models.AuctionTopic(auctionID),
		Payload: map[string]any{
			"auction_id": auctionID,
			"status":     status,
		},
		Timestamp: now,
	})
}

// dispatchEndJobs enqueues the end-of-auction side effects. The dedupe key is
// time-independent so a sweep racing another instance enqueues each job once.
func (c *Clock) dispatchEndJobs(ctx context.Context, auctionID string) {
	if c.dispatcher == nil {
		return
	}
	payload := map[string]any{"auction_id": auctionID}
	jobsToRun := []struct {
		jobType string
		lane    string
	}{
		{models.JobStatsRecompute, models.LaneMedium},
		{models.JobCacheInvalidate, models.LaneHigh},
		{models.JobNotifyEnd, models.LaneNotifications},
	}
	for _, j := range jobsToRun {
		dedupe := fmt.Sprintf("%s:end:%s", j.jobType, auctionID)
		if _, _, err := c.dispatcher.Dispatch(ctx, j.jobType, j.lane, payload, dedupe); err != nil {
			log.WithFields(log.Fields{
				"auction_id": auctionID,
				"job_type":   j.jobType,
				"error":      err.Error(),
			}).Error("failed to dispatch auction-end job")
		}
	}
}
