package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"auction-engine/internal/config"
	"auction-engine/internal/models"
	"auction-engine/internal/queue"
)

// fakeJobStore holds job rows in memory for process-path tests.
type fakeJobStore struct {
	mu    sync.Mutex
	jobs  map[string]models.Job
	audit []string
}

func newFakeJobStore(jobs ...models.Job) *fakeJobStore {
	s := &fakeJobStore{jobs: map[string]models.Job{}}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeJobStore) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, errors.New("job not found")
	}
	return j, nil
}

func (s *fakeJobStore) UpdateJobStatus(_ context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Status = status
	j.Attempts = attempts
	j.NextRunAt = nextRun
	j.LastError = lastError
	s.jobs[id] = j
	return nil
}

func (s *fakeJobStore) UpdateAttempts(_ context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Attempts = attempts
	j.NextRunAt = nextRun
	j.LastError = &lastErr
	s.jobs[id] = j
	return nil
}

func (s *fakeJobStore) MarkSuccess(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Status = models.JobSucceeded
	s.jobs[id] = j
	return nil
}

func (s *fakeJobStore) MarkDeadLetter(_ context.Context, id string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Status = models.JobDeadLetter
	j.LastError = &lastError
	s.jobs[id] = j
	return nil
}

func (s *fakeJobStore) AppendAudit(_ context.Context, _, event, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, event)
	return nil
}

func newProcessorFixture(t *testing.T, st JobStore) (*Processor, *queue.RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		Lanes:             []string{"high", "medium", "low"},
		NotificationsLane: "notifications",
		VisibilityTimeout: 30 * time.Second,
		DLQName:           "queue:dlq",
		BackoffInitial:    10 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
	}
	q := queue.NewRedisQueue(client, cfg)
	return NewProcessor(cfg, q, st), q
}

func TestBackoffWithJitter(t *testing.T) {
	t.Parallel()
	base := time.Second
	max := 8 * time.Second

	for attempt := 1; attempt <= 6; attempt++ {
		got := backoffWithJitter(base, max, attempt)
		require.GreaterOrEqual(t, got, base/2, "attempt %d below floor", attempt)
		require.LessOrEqual(t, got, max, "attempt %d above cap", attempt)
	}

	// Attempt 0 falls back to the base without jitter.
	require.Equal(t, base, backoffWithJitter(base, max, 0))

	// Deep attempts stay pinned at the cap window.
	deep := backoffWithJitter(base, max, 30)
	require.GreaterOrEqual(t, deep, max/2)
	require.LessOrEqual(t, deep, max)
}

func TestRunJobDispatchesByType(t *testing.T) {
	t.Parallel()

	p := NewProcessor(config.Config{}, nil, nil)
	var handled []string
	p.RegisterHandler(models.JobStatsRecompute, func(_ context.Context, job models.Job) error {
		handled = append(handled, job.ID)
		return nil
	})
	failErr := errors.New("downstream unavailable")
	p.RegisterHandler(models.JobNotifyOutbid, func(context.Context, models.Job) error {
		return failErr
	})

	err := p.runJob(context.Background(), models.Job{ID: "j1", Type: models.JobStatsRecompute})
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, handled)

	err = p.runJob(context.Background(), models.Job{ID: "j2", Type: models.JobNotifyOutbid})
	require.ErrorIs(t, err, failErr)
}

func TestRunJobUnknownType(t *testing.T) {
	t.Parallel()

	p := NewProcessor(config.Config{}, nil, nil)
	err := p.runJob(context.Background(), models.Job{ID: "j1", Type: "bogus:type"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no handler registered")
}

func TestProcessSuccessAcksAndMarks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := newFakeJobStore(models.Job{ID: "j1", Type: models.JobStatsRecompute, Lane: "low", Status: models.JobQueued, MaxAttempts: 3})
	p, q := newProcessorFixture(t, st)
	p.RegisterHandler(models.JobStatsRecompute, func(context.Context, models.Job) error { return nil })

	require.NoError(t, q.Enqueue(ctx, "j1", "low", time.Now()))
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	p.process(ctx, id)

	job, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, models.JobSucceeded, job.Status)
	require.Contains(t, st.audit, "succeeded")
}

func TestProcessRetriesThenDeadLetters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := newFakeJobStore(models.Job{ID: "j1", Type: models.JobNotifyOutbid, Lane: "notifications", Status: models.JobQueued, MaxAttempts: 2})
	p, q := newProcessorFixture(t, st)
	p.RegisterHandler(models.JobNotifyOutbid, func(context.Context, models.Job) error {
		return errors.New("smtp unavailable")
	})

	// First failure schedules a retry.
	require.NoError(t, q.Enqueue(ctx, "j1", "notifications", time.Now()))
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	p.process(ctx, id)

	job, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, 1, job.Attempts)
	require.NotEqual(t, models.JobDeadLetter, job.Status)
	require.Contains(t, st.audit, "retry_scheduled")

	// The retry lives in the scheduled set until its backoff elapses.
	n, err := q.PromoteScheduled(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Second failure exhausts attempts and dead-letters.
	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "j1", id)
	p.process(ctx, id)

	job, err = st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, models.JobDeadLetter, job.Status)
	require.Contains(t, *job.LastError, "smtp unavailable")

	dlq, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, dlq)
}

func TestProcessCancelledJobIsDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := newFakeJobStore(models.Job{ID: "j1", Type: models.JobStatsRecompute, Lane: "low", Status: models.JobCancelled, MaxAttempts: 3})
	p, q := newProcessorFixture(t, st)
	var ran bool
	p.RegisterHandler(models.JobStatsRecompute, func(context.Context, models.Job) error {
		ran = true
		return nil
	})

	require.NoError(t, q.Enqueue(ctx, "j1", "low", time.Now()))
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	p.process(ctx, id)

	require.False(t, ran, "cancelled job must not execute")
	job, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, models.JobCancelled, job.Status)
}

func TestRegisterHandlerIgnoresInvalid(t *testing.T) {
	t.Parallel()

	p := NewProcessor(config.Config{}, nil, nil)
	p.RegisterHandler("", func(context.Context, models.Job) error { return nil })
	p.RegisterHandler(models.JobStatsRecompute, nil)
	require.Empty(t, p.handlers)
}
