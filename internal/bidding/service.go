// Package bidding implements the bid admission pipeline: validate, lock,
// price, commit, publish. It is the only writer of an auction's current
// price, and the per-auction serializer is the only synchronization point.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"auction-engine/internal/config"
	"auction-engine/internal/lock"
	"auction-engine/internal/models"
	"auction-engine/internal/pricing"
	"auction-engine/internal/store"
	"auction-engine/internal/telemetry"
)

// Store is the durable collaborator the pipeline needs. The pgx store
// satisfies it; tests use an in-memory fake.
type Store interface {
	GetAuction(ctx context.Context, id string) (models.Auction, error)
	FreshenAuction(ctx context.Context, id string, now time.Time) (models.Auction, error)
	MaxBidAmount(ctx context.Context, auctionID string) (int64, error)
	CommitBid(ctx context.Context, bid models.Bid) error
	ListBids(ctx context.Context, auctionID string) ([]models.Bid, error)
}

// Publisher accepts update events for real-time fanout.
type Publisher interface {
	Publish(event models.UpdateEvent)
}

// JobDispatcher admits side-effect jobs into the async queue.
type JobDispatcher interface {
	Dispatch(ctx context.Context, jobType, lane string, payload map[string]any, dedupeKey string) (models.Job, bool, error)
}

// PlaceBidInput is one bid submission.
type PlaceBidInput struct {
	AuctionID      string
	BidderID       string
	Amount         int64
	ConfirmHighBid bool
}

// AnnotatedBid is a ledger row plus the winning marker for listings.
type AnnotatedBid struct {
	models.Bid
	IsWinning bool `json:"is_winning"`
}

// Service is the bid admission pipeline.
type Service struct {
	store      Store
	locker     lock.Locker
	policy     *pricing.Policy
	guard      *pricing.Guard
	bus        Publisher
	dispatcher JobDispatcher
	ceiling    int64
	now        func() time.Time
}

// NewService wires the pipeline. bus and dispatcher may be nil in tests that
// only exercise admission logic.
func NewService(cfg config.Config, st Store, locker lock.Locker, bus Publisher, dispatcher JobDispatcher) *Service {
	return &Service{
		store:      st,
		locker:     locker,
		policy:     pricing.NewPolicy(cfg),
		guard:      pricing.NewGuard(cfg),
		bus:        bus,
		dispatcher: dispatcher,
		ceiling:    cfg.BidCeiling,
		now:        time.Now,
	}
}

// PlaceBid runs the admission state machine for one request:
// Received -> Validated -> Locked -> Priced -> Committed | Rejected.
func (s *Service) PlaceBid(ctx context.Context, in PlaceBidInput) (models.Bid, error) {
	bid, err := s.placeBid(ctx, in)
	if err != nil {
		if kind := KindOf(err); kind != "" {
			telemetry.BidsRejected.WithLabelValues(string(kind)).Inc()
			log.WithFields(log.Fields{
				"auction_id": in.AuctionID,
				"bidder_id":  in.BidderID,
				"amount":     in.Amount,
				"reason":     string(kind),
			}).Info("bid rejected")
		}
		return models.Bid{}, err
	}

	telemetry.BidsCommitted.Inc()
	log.WithFields(log.Fields{
		"auction_id": bid.AuctionID,
		"bidder_id":  bid.BidderID,
		"amount":     bid.Amount,
		"bid_id":     bid.ID,
	}).Info("bid committed")
	return bid, nil
}

func (s *Service) placeBid(ctx context.Context, in PlaceBidInput) (models.Bid, error) {
	// Fast-fail validation; no lock is taken until the request is plausible.
	if in.Amount <= 0 || (s.ceiling > 0 && in.Amount > s.ceiling) {
		return models.Bid{}, reject(KindInvalidAmount)
	}

	now := s.now()

	// Synchronous lifecycle freshen closes the race between "just ended" and
	// "about to be admitted".
	auction, err := s.store.FreshenAuction(ctx, in.AuctionID, now)
	if err != nil {
		if errors.Is(err, store.ErrAuctionNotFound) {
			return models.Bid{}, reject(KindAuctionNotFound)
		}
		return models.Bid{}, fmt.Errorf("freshen auction: %w", err)
	}

	if !models.StatusIsActive(auction.Status) {
		return models.Bid{}, reject(KindAuctionNotActive)
	}
	// Wall clock wins over a stale status even right after the freshen.
	if !now.Before(auction.EndDate) {
		return models.Bid{}, reject(KindAuctionNotActive)
	}
	if in.BidderID == auction.SellerID {
		return models.Bid{}, reject(KindOwnerCannotBid)
	}

	var committed models.Bid
	err = s.locker.WithLock(ctx, in.AuctionID, func() error {
		bid, lockErr := s.priceAndCommit(ctx, in, auction.MinimumIncrement)
		if lockErr != nil {
			return lockErr
		}
		committed = bid
		return nil
	})
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			telemetry.LockTimeouts.Inc()
			return models.Bid{}, reject(KindLockTimeout)
		}
		if errors.Is(err, store.ErrCommitConflict) {
			return models.Bid{}, reject(KindConflict)
		}
		return models.Bid{}, err
	}

	s.afterCommit(ctx, committed)
	return committed, nil
}

// priceAndCommit runs under the per-auction lock: re-read the authoritative
// price, apply the increment policy and outlier guard, and commit atomically.
func (s *Service) priceAndCommit(ctx context.Context, in PlaceBidInput, configuredIncrement int64) (models.Bid, error) {
	current, err := s.authoritativePrice(ctx, in.AuctionID)
	if err != nil {
		return models.Bid{}, err
	}

	recommendedMin, increment := s.policy.MinimumNextBid(current, configuredIncrement)
	if in.Amount < recommendedMin {
		return models.Bid{}, rejectWithHint(KindBidTooLow, recommendedMin, increment)
	}
	if s.guard.IsOutlier(in.Amount, current, recommendedMin, increment) && !in.ConfirmHighBid {
		return models.Bid{}, rejectWithHint(KindHighBidConfirmationRequired, recommendedMin, increment)
	}

	bid := models.Bid{
		ID:        uuid.New().String(),
		AuctionID: in.AuctionID,
		BidderID:  in.BidderID,
		Amount:    in.Amount,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CommitBid(ctx, bid); err != nil {
		return models.Bid{}, err
	}
	return bid, nil
}

// authoritativePrice is the highest of the stored current price and the max
// of all persisted bids; any drift between the two resolves upward.
func (s *Service) authoritativePrice(ctx context.Context, auctionID string) (int64, error) {
	auction, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return 0, fmt.Errorf("re-read auction: %w", err)
	}
	maxBid, err := s.store.MaxBidAmount(ctx, auctionID)
	if err != nil {
		return 0, fmt.Errorf("read max bid: %w", err)
	}
	price := auction.CurrentPrice
	if maxBid > price {
		price = maxBid
	}
	return price, nil
}

// afterCommit publishes the update event and enqueues side-effect jobs. Both
// are fire-and-forget; the bid is already durable.
func (s *Service) afterCommit(ctx context.Context, bid models.Bid) {
	if s.bus != nil {
		s.bus.Publish(models.UpdateEvent{
			Type:  models.EventBid,
			Topic: models.AuctionTopic(bid.AuctionID),
			Payload: map[string]any{
				"auction_id":    bid.AuctionID,
				"current_price": bid.Amount,
				"bidder_id":     bid.BidderID,
			},
			Timestamp: bid.CreatedAt,
		})
	}

	if s.dispatcher == nil {
		return
	}
	dedupe := fmt.Sprintf("%s:%s:%d:%d", bid.AuctionID, bid.BidderID, bid.Amount, bid.CreatedAt.Unix())
	sideEffects := []struct {
		jobType string
		lane    string
		payload map[string]any
	}{
		{models.JobPricePropagate, models.LaneHigh, map[string]any{"auction_id": bid.AuctionID, "current_price": bid.Amount}},
		{models.JobCacheInvalidate, models.LaneHigh, map[string]any{"auction_id": bid.AuctionID}},
		{models.JobStatsRecompute, models.LaneLow, map[string]any{"auction_id": bid.AuctionID}},
		{models.JobNotifyOutbid, models.LaneNotifications, map[string]any{"auction_id": bid.AuctionID, "amount": bid.Amount, "bidder_id": bid.BidderID}},
	}
	for _, se := range sideEffects {
		if _, _, err := s.dispatcher.Dispatch(ctx, se.jobType, se.lane, se.payload, se.jobType+":"+dedupe); err != nil {
			log.WithFields(log.Fields{
				"auction_id": bid.AuctionID,
				"job_type":   se.jobType,
				"error":      err.Error(),
			}).Error("failed to dispatch side-effect job")
		}
	}
}

// ListBids returns an auction's bids sorted by amount descending, each
// annotated with whether it is the current winning bid.
func (s *Service) ListBids(ctx context.Context, auctionID string) ([]AnnotatedBid, error) {
	if _, err := s.store.GetAuction(ctx, auctionID); err != nil {
		if errors.Is(err, store.ErrAuctionNotFound) {
			return nil, reject(KindAuctionNotFound)
		}
		return nil, fmt.Errorf("get auction: %w", err)
	}

	bids, err := s.store.ListBids(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}

	annotated := make([]AnnotatedBid, 0, len(bids))
	var top int64
	for _, b := range bids {
		if b.Amount > top {
			top = b.Amount
		}
	}
	for _, b := range bids {
		annotated = append(annotated, AnnotatedBid{Bid: b, IsWinning: b.Amount == top && top > 0})
	}
	return annotated, nil
}
