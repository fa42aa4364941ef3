package models

import (
	"fmt"
	"strings"
	"time"
)

// AuctionStatus enumerates lifecycle states persisted in Postgres.
// Transitions are monotonic: an auction never returns to an earlier state,
// and the terminal states are never overwritten.
const (
	AuctionUpcoming  = "UPCOMING"
	AuctionActive    = "ACTIVE"
	AuctionEnded     = "ENDED"
	AuctionSold      = "SOLD"
	AuctionCancelled = "CANCELLED"
)

// Auction is a timed sell order with a rising price. currentPrice is mutated
// only by the bid pipeline under the per-auction lock; status is mutated only
// by the lifecycle sweeps.
type Auction struct {
	ID               string    `json:"id"`
	SellerID         string    `json:"seller_id"`
	CarID            string    `json:"car_id"`
	StartPrice       int64     `json:"start_price"`
	CurrentPrice     int64     `json:"current_price"`
	MinimumIncrement int64     `json:"minimum_increment"`
	StartDate        time.Time `json:"start_date"`
	EndDate          time.Time `json:"end_date"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// StatusIsActive reports whether a status string admits bidding. "LIVE" is
// the UI-facing synonym for ACTIVE and is accepted case-insensitively.
func StatusIsActive(status string) bool {
	switch strings.ToUpper(status) {
	case AuctionActive, "LIVE":
		return true
	}
	return false
}

// IsTerminal reports whether a status can never transition again.
func IsTerminal(status string) bool {
	switch strings.ToUpper(status) {
	case AuctionEnded, AuctionSold, AuctionCancelled:
		return true
	}
	return false
}

// Bid is one row of the append-only bid ledger. Bids are immutable once
// committed; for a given auction they are strictly increasing in amount.
type Bid struct {
	ID        string    `json:"id"`
	AuctionID string    `json:"auction_id"`
	BidderID  string    `json:"bidder_id"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// AuctionTopic builds the fanout routing key for one auction.
func AuctionTopic(auctionID string) string {
	return fmt.Sprintf("auction:%s", auctionID)
}

// AuctionStats is the recomputed per-auction aggregate written by the
// stats job after commits and at auction end.
type AuctionStats struct {
	AuctionID     string    `json:"auction_id"`
	BidCount      int64     `json:"bid_count"`
	HighestAmount int64     `json:"highest_amount"`
	UniqueBidders int64     `json:"unique_bidders"`
	ComputedAt    time.Time `json:"computed_at"`
}
