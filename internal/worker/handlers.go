package worker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"auction-engine/internal/models"
	"auction-engine/internal/store"
)

// Publisher accepts update events for real-time fanout.
type Publisher interface {
	Publish(event models.UpdateEvent)
}

// Handlers implements the engine's side-effect job types. Email and SMS
// delivery are external collaborators; the notification handlers record the
// dispatch and hand off.
type Handlers struct {
	store          *store.Store
	redis          *redis.Client
	bus            Publisher
	cacheKeyPrefix string
}

// NewHandlers wires the side-effect handlers.
func NewHandlers(st *store.Store, client *redis.Client, bus Publisher, cacheKeyPrefix string) *Handlers {
	if cacheKeyPrefix == "" {
		cacheKeyPrefix = "cache:auction:"
	}
	return &Handlers{store: st, redis: client, bus: bus, cacheKeyPrefix: cacheKeyPrefix}
}

// RegisterAll binds every engine handler to its job type.
func (h *Handlers) RegisterAll(p *Processor) {
	p.RegisterHandler(models.JobStatsRecompute, h.StatsRecompute)
	p.RegisterHandler(models.JobCacheInvalidate, h.CacheInvalidate)
	p.RegisterHandler(models.JobPricePropagate, h.PricePropagate)
	p.RegisterHandler(models.JobNotifyOutbid, h.NotifyOutbid)
	p.RegisterHandler(models.JobNotifyEnd, h.NotifyAuctionEnd)
}

func auctionIDFrom(job models.Job) (string, error) {
	id, ok := job.Payload["auction_id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("job %s missing auction_id payload", job.ID)
	}
	return id, nil
}

// StatsRecompute rebuilds the aggregate stats row from the bid ledger.
func (h *Handlers) StatsRecompute(ctx context.Context, job models.Job) error {
	auctionID, err := auctionIDFrom(job)
	if err != nil {
		return err
	}
	stats, err := h.store.RecomputeAuctionStats(ctx, auctionID)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"auction_id":   auctionID,
		"bid_count":    stats.BidCount,
		"highest":      stats.HighestAmount,
		"unique_users": stats.UniqueBidders,
	}).Debug("auction stats recomputed")
	return nil
}

// CacheInvalidate drops the cached listing entries for an auction.
func (h *Handlers) CacheInvalidate(ctx context.Context, job models.Job) error {
	auctionID, err := auctionIDFrom(job)
	if err != nil {
		return err
	}
	keys := []string{
		h.cacheKeyPrefix + auctionID,
		h.cacheKeyPrefix + auctionID + ":bids",
	}
	return h.redis.Del(ctx, keys...).Err()
}

// PricePropagate re-announces a committed price through the fanout bus so
// late-joining instances and viewers converge.
func (h *Handlers) PricePropagate(ctx context.Context, job models.Job) error {
	auctionID, err := auctionIDFrom(job)
	if err != nil {
		return err
	}
	price, _ := job.Payload["current_price"].(float64)
	h.bus.Publish(models.UpdateEvent{
		Type:  models.EventAuction,
		Topic: models.AuctionTopic(auctionID),
		Payload: map[string]any{
			"auction_id":    auctionID,
			"current_price": int64(price),
		},
		Timestamp: job.UpdatedAt,
	})
	return nil
}

// NotifyOutbid records an outbid notification dispatch. The actual channel
// (email, push) is an external consumer of the audit trail.
func (h *Handlers) NotifyOutbid(ctx context.Context, job models.Job) error {
	auctionID, err := auctionIDFrom(job)
	if err != nil {
		return err
	}
	bidder, _ := job.Payload["bidder_id"].(string)
	amount, _ := job.Payload["amount"].(float64)
	detail := fmt.Sprintf("auction=%s new_high_bidder=%s amount=%d", auctionID, bidder, int64(amount))
	return h.store.AppendAudit(ctx, job.ID, "notify_outbid", detail)
}

// NotifyAuctionEnd records the end-of-auction notification dispatch.
func (h *Handlers) NotifyAuctionEnd(ctx context.Context, job models.Job) error {
	auctionID, err := auctionIDFrom(job)
	if err != nil {
		return err
	}
	return h.store.AppendAudit(ctx, job.ID, "notify_auction_end", "auction="+auctionID)
}
