package bidding

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"auction-engine/internal/config"
	"auction-engine/internal/lock"
	"auction-engine/internal/models"
	"auction-engine/internal/store"
)

// memStore is an in-memory Store used for pipeline tests.
type memStore struct {
	mu       sync.Mutex
	auctions map[string]models.Auction
	bids     map[string][]models.Bid
}

func newMemStore(auctions ...models.Auction) *memStore {
	s := &memStore{
		auctions: make(map[string]models.Auction),
		bids:     make(map[string][]models.Bid),
	}
	for _, a := range auctions {
		s.auctions[a.ID] = a
	}
	return s
}

func (s *memStore) GetAuction(_ context.Context, id string) (models.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return models.Auction{}, store.ErrAuctionNotFound
	}
	return a, nil
}

func (s *memStore) FreshenAuction(_ context.Context, id string, now time.Time) (models.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return models.Auction{}, store.ErrAuctionNotFound
	}
	if a.Status == models.AuctionUpcoming && !a.StartDate.After(now) && a.EndDate.After(now) {
		a.Status = models.AuctionActive
	}
	if a.Status == models.AuctionActive && !a.EndDate.After(now) {
		a.Status = models.AuctionEnded
	}
	s.auctions[id] = a
	return a, nil
}

func (s *memStore) MaxBidAmount(_ context.Context, auctionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, b := range s.bids[auctionID] {
		if b.Amount > max {
			max = b.Amount
		}
	}
	return max, nil
}

func (s *memStore) CommitBid(_ context.Context, bid models.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[bid.AuctionID]
	if !ok {
		return store.ErrAuctionNotFound
	}
	if a.CurrentPrice >= bid.Amount {
		return store.ErrCommitConflict
	}
	s.bids[bid.AuctionID] = append(s.bids[bid.AuctionID], bid)
	a.CurrentPrice = bid.Amount
	s.auctions[bid.AuctionID] = a
	return nil
}

func (s *memStore) ListBids(_ context.Context, auctionID string) ([]models.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]models.Bid(nil), s.bids[auctionID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Amount > out[j].Amount })
	return out, nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []models.UpdateEvent
}

func (b *recordingBus) Publish(event models.UpdateEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []string
	keys map[string]bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, jobType, _ string, _ map[string]any, dedupeKey string) (models.Job, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keys == nil {
		d.keys = make(map[string]bool)
	}
	if d.keys[dedupeKey] {
		return models.Job{Type: jobType}, true, nil
	}
	d.keys[dedupeKey] = true
	d.jobs = append(d.jobs, jobType)
	return models.Job{Type: jobType}, false, nil
}

func activeAuction(id string) models.Auction {
	now := time.Now()
	return models.Auction{
		ID:               id,
		SellerID:         "seller-1",
		CarID:            "car-1",
		StartPrice:       10000,
		CurrentPrice:     10000,
		MinimumIncrement: 500,
		StartDate:        now.Add(-time.Hour),
		EndDate:          now.Add(time.Hour),
		Status:           models.AuctionActive,
	}
}

func newTestService(t *testing.T, st Store) (*Service, *recordingBus, *recordingDispatcher) {
	t.Helper()
	bus := &recordingBus{}
	dispatcher := &recordingDispatcher{}
	svc := NewService(config.Load(), st, lock.NewMemoryLocker(time.Second), bus, dispatcher)
	return svc, bus, dispatcher
}

func TestPlaceBid_Admission(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name     string
		input    PlaceBidInput
		wantKind Kind
	}{
		{
			name:  "recommended_minimum_is_accepted",
			input: PlaceBidInput{AuctionID: "a1", BidderID: "bidder-1", Amount: 10500},
		},
		{
			name:     "below_recommended_minimum",
			input:    PlaceBidInput{AuctionID: "a1", BidderID: "bidder-1", Amount: 10400},
			wantKind: KindBidTooLow,
		},
		{
			name:     "zero_amount",
			input:    PlaceBidInput{AuctionID: "a1", BidderID: "bidder-1", Amount: 0},
			wantKind: KindInvalidAmount,
		},
		{
			name:     "negative_amount",
			input:    PlaceBidInput{AuctionID: "a1", BidderID: "bidder-1", Amount: -500},
			wantKind: KindInvalidAmount,
		},
		{
			name:     "seller_cannot_bid",
			input:    PlaceBidInput{AuctionID: "a1", BidderID: "seller-1", Amount: 10500},
			wantKind: KindOwnerCannotBid,
		},
		{
			name:     "unknown_auction",
			input:    PlaceBidInput{AuctionID: "missing", BidderID: "bidder-1", Amount: 10500},
			wantKind: KindAuctionNotFound,
		},
		{
			name:     "triple_current_price_needs_confirmation",
			input:    PlaceBidInput{AuctionID: "a1", BidderID: "bidder-1", Amount: 30000},
			wantKind: KindHighBidConfirmationRequired,
		},
		{
			name:  "triple_current_price_confirmed",
			input: PlaceBidInput{AuctionID: "a1", BidderID: "bidder-1", Amount: 30000, ConfirmHighBid: true},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			svc, _, _ := newTestService(t, newMemStore(activeAuction("a1")))
			bid, err := svc.PlaceBid(ctx, tc.input)

			if tc.wantKind != "" {
				require.Error(t, err)
				require.Equal(t, tc.wantKind, KindOf(err))
				return
			}
			require.NoError(t, err)
			require.NotEmpty(t, bid.ID)
			require.Equal(t, tc.input.Amount, bid.Amount)
			require.Equal(t, tc.input.BidderID, bid.BidderID)
		})
	}
}

func TestPlaceBid_TooLowCarriesHints(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, newMemStore(activeAuction("a1")))
	_, err := svc.PlaceBid(context.Background(), PlaceBidInput{AuctionID: "a1", BidderID: "b", Amount: 10001})

	var rejection *Error
	require.ErrorAs(t, err, &rejection)
	require.Equal(t, KindBidTooLow, rejection.Kind)
	require.EqualValues(t, 10500, rejection.RecommendedMin)
	require.EqualValues(t, 500, rejection.MinIncrement)
	require.False(t, rejection.Retryable())
}

func TestPlaceBid_AfterEndDateFailsEvenIfUnswept(t *testing.T) {
	t.Parallel()

	// Status still says ACTIVE, but the end date is in the past; the
	// pre-validation freshen must end it and reject the bid.
	a := activeAuction("a1")
	a.EndDate = time.Now().Add(-time.Minute)
	svc, _, _ := newTestService(t, newMemStore(a))

	_, err := svc.PlaceBid(context.Background(), PlaceBidInput{AuctionID: "a1", BidderID: "b", Amount: 10500})
	require.Equal(t, KindAuctionNotActive, KindOf(err))
}

func TestPlaceBid_UpcomingAuctionWhoseWindowOpenedIsBiddable(t *testing.T) {
	t.Parallel()

	a := activeAuction("a1")
	a.Status = models.AuctionUpcoming // sweep has not run yet
	svc, _, _ := newTestService(t, newMemStore(a))

	_, err := svc.PlaceBid(context.Background(), PlaceBidInput{AuctionID: "a1", BidderID: "b", Amount: 10500})
	require.NoError(t, err)
}

func TestPlaceBid_CancelledAuctionRejects(t *testing.T) {
	t.Parallel()

	a := activeAuction("a1")
	a.Status = models.AuctionCancelled
	svc, _, _ := newTestService(t, newMemStore(a))

	_, err := svc.PlaceBid(context.Background(), PlaceBidInput{AuctionID: "a1", BidderID: "b", Amount: 10500})
	require.Equal(t, KindAuctionNotActive, KindOf(err))
}

func TestPlaceBid_PublishesAndEnqueuesSideEffects(t *testing.T) {
	t.Parallel()

	st := newMemStore(activeAuction("a1"))
	svc, bus, dispatcher := newTestService(t, st)

	_, err := svc.PlaceBid(context.Background(), PlaceBidInput{AuctionID: "a1", BidderID: "b", Amount: 10500})
	require.NoError(t, err)

	require.Len(t, bus.events, 1)
	require.Equal(t, models.EventBid, bus.events[0].Type)
	require.Equal(t, "auction:a1", bus.events[0].Topic)
	require.EqualValues(t, 10500, bus.events[0].Payload["current_price"])

	require.ElementsMatch(t, []string{
		models.JobPricePropagate,
		models.JobCacheInvalidate,
		models.JobStatsRecompute,
		models.JobNotifyOutbid,
	}, dispatcher.jobs)
}

func TestPlaceBid_LockTimeoutMapsToKind(t *testing.T) {
	t.Parallel()

	st := newMemStore(activeAuction("a1"))
	svc, _, _ := newTestService(t, st)
	svc.locker = stuckLocker{}

	_, err := svc.PlaceBid(context.Background(), PlaceBidInput{AuctionID: "a1", BidderID: "b", Amount: 10500})
	require.Equal(t, KindLockTimeout, KindOf(err))

	var rejection *Error
	require.ErrorAs(t, err, &rejection)
	require.True(t, rejection.Retryable())
}

type stuckLocker struct{}

func (stuckLocker) WithLock(context.Context, string, func() error) error {
	return lock.ErrLockTimeout
}

func TestPlaceBid_ConcurrentEqualBidsOneWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := newMemStore(activeAuction("a1"))
	svc, _, _ := newTestService(t, st)

	const bidders = 8
	results := make(chan error, bidders)
	var wg sync.WaitGroup
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.PlaceBid(ctx, PlaceBidInput{
				AuctionID: "a1",
				BidderID:  "bidder",
				Amount:    10500, // everyone bids the same recommended minimum
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var successes, tooLow int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case KindOf(err) == KindBidTooLow:
			tooLow++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, successes, "exactly one of the equal bids must win")
	require.Equal(t, bidders-1, tooLow, "the rest must recompute against the post-commit price")
}

func TestPlaceBid_SerializedCommitsKeepLedgerMonotonic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := newMemStore(activeAuction("a1"))
	svc, _, _ := newTestService(t, st)

	// Fire a storm of increasing bids concurrently; only some are admitted,
	// but the ledger must stay strictly increasing and currentPrice must
	// equal the max persisted bid.
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = svc.PlaceBid(ctx, PlaceBidInput{
				AuctionID: "a1",
				BidderID:  "bidder",
				Amount:    10000 + int64(n)*500,
			})
		}(i)
	}
	wg.Wait()

	st.mu.Lock()
	defer st.mu.Unlock()
	bids := st.bids["a1"]
	require.NotEmpty(t, bids)
	var max int64
	for i := 1; i < len(bids); i++ {
		require.Greater(t, bids[i].Amount, bids[i-1].Amount, "ledger must be strictly increasing in commit order")
	}
	for _, b := range bids {
		if b.Amount > max {
			max = b.Amount
		}
	}
	require.Equal(t, max, st.auctions["a1"].CurrentPrice, "currentPrice must equal the max persisted bid")
}

func TestListBids_AnnotatesWinning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := newMemStore(activeAuction("a1"))
	svc, _, _ := newTestService(t, st)

	for _, amount := range []int64{10500, 11000, 12000} {
		_, err := svc.PlaceBid(ctx, PlaceBidInput{AuctionID: "a1", BidderID: "b", Amount: amount})
		require.NoError(t, err)
	}

	bids, err := svc.ListBids(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, bids, 3)

	// Sorted by amount descending, only the top one winning.
	require.EqualValues(t, 12000, bids[0].Amount)
	require.True(t, bids[0].IsWinning)
	require.False(t, bids[1].IsWinning)
	require.False(t, bids[2].IsWinning)
}

func TestListBids_UnknownAuction(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, newMemStore())
	_, err := svc.ListBids(context.Background(), "missing")
	require.Equal(t, KindAuctionNotFound, KindOf(err))
}
