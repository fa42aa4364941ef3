package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"auction-engine/internal/models"
)

// sweepStore hands out one batch of transitions, then nothing, mirroring the
// conditional bulk updates in Postgres.
type sweepStore struct {
	mu        sync.Mutex
	toActive  []string
	toEnded   []string
	sweeps    int
	statusMap map[string]int64
}

func (s *sweepStore) ActivateDue(_ context.Context, _ time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.toActive
	s.toActive = nil
	return out, nil
}

func (s *sweepStore) EndExpired(_ context.Context, _ time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps++
	out := s.toEnded
	s.toEnded = nil
	return out, nil
}

func (s *sweepStore) CountByStatus(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusMap, nil
}

type captureBus struct {
	mu     sync.Mutex
	events []models.UpdateEvent
}

func (b *captureBus) Publish(event models.UpdateEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *captureBus) all() []models.UpdateEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.UpdateEvent(nil), b.events...)
}

type captureDispatcher struct {
	mu    sync.Mutex
	calls []string
	keys  []string
}

func (d *captureDispatcher) Dispatch(_ context.Context, jobType, _ string, _ map[string]any, dedupeKey string) (models.Job, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, jobType)
	d.keys = append(d.keys, dedupeKey)
	return models.Job{Type: jobType}, false, nil
}

func TestSweep_PublishesTransitions(t *testing.T) {
	t.Parallel()

	st := &sweepStore{toActive: []string{"a1"}, toEnded: []string{"a2"}}
	bus := &captureBus{}
	clock := NewClock(st, bus, nil, time.Minute)

	result, err := clock.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a1"}, result.Activated)
	require.Equal(t, []string{"a2"}, result.Ended)

	events := bus.all()
	require.Len(t, events, 2)
	require.Equal(t, models.EventAuction, events[0].Type)
	require.Equal(t, "auction:a1", events[0].Topic)
	require.Equal(t, models.AuctionActive, events[0].Payload["status"])
	require.Equal(t, models.EventAuctionEnd, events[1].Type)
	require.Equal(t, "auction:a2", events[1].Topic)
}

func TestSweep_SecondSweepIsNoop(t *testing.T) {
	t.Parallel()

	st := &sweepStore{toEnded: []string{"a1"}}
	bus := &captureBus{}
	clock := NewClock(st, bus, nil, time.Minute)
	ctx := context.Background()

	first, err := clock.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, first.Ended, 1)

	second, err := clock.Sweep(ctx)
	require.NoError(t, err)
	require.Empty(t, second.Activated)
	require.Empty(t, second.Ended)
	require.Len(t, bus.all(), 1, "no events for a sweep that changed nothing")
}

func TestSweep_DispatchesEndJobsWithStableKeys(t *testing.T) {
	t.Parallel()

	st := &sweepStore{toEnded: []string{"a1"}}
	dispatcher := &captureDispatcher{}
	clock := NewClock(st, nil, dispatcher, time.Minute)

	_, err := clock.Sweep(context.Background())
	require.NoError(t, err)

	require.ElementsMatch(t, []string{
		models.JobStatsRecompute,
		models.JobCacheInvalidate,
		models.JobNotifyEnd,
	}, dispatcher.calls)
	// Keys must not embed the sweep time, so a racing sweep on another
	// instance dedupes to the same jobs.
	require.Contains(t, dispatcher.keys, models.JobNotifyEnd+":end:a1")
}

func TestClock_StartSweepsOnInterval(t *testing.T) {
	t.Parallel()

	st := &sweepStore{toEnded: []string{"a1"}}
	clock := NewClock(st, nil, nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock.Start(ctx)
	defer clock.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st.mu.Lock()
		n := st.sweeps
		st.mu.Unlock()
		if n >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sweep loop never ran")
}

func TestClock_StopIsIdempotentAndWaits(t *testing.T) {
	t.Parallel()

	clock := NewClock(&sweepStore{}, nil, nil, 5*time.Millisecond)
	clock.Start(context.Background())
	clock.Stop()
	clock.Stop() // second stop must not panic or block
}

func TestClock_Status(t *testing.T) {
	t.Parallel()

	st := &sweepStore{statusMap: map[string]int64{
		models.AuctionActive: 3,
		models.AuctionEnded:  7,
	}}
	clock := NewClock(st, nil, nil, time.Minute)

	counts, err := clock.Status(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, counts[models.AuctionActive])
	require.EqualValues(t, 7, counts[models.AuctionEnded])
}
