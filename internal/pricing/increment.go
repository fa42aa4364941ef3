// Package pricing holds the pure bid pricing rules: the minimum-next-bid
// increment policy and the outlier guard for suspiciously large bids.
package pricing

import (
	"sort"

	"auction-engine/internal/config"
)

// Policy computes the minimum acceptable next bid for a price. It is
// deterministic and side-effect free; thresholds come from configuration so
// product can retune the bands without a code change.
type Policy struct {
	tiers []config.PriceTier // sorted highest threshold first
	floor int64
}

// NewPolicy builds a policy from the configured tier table and global floor.
func NewPolicy(cfg config.Config) *Policy {
	tiers := make([]config.PriceTier, len(cfg.Tiers))
	copy(tiers, cfg.Tiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Threshold > tiers[j].Threshold })
	floor := cfg.BidFloor
	if floor <= 0 {
		floor = 500
	}
	return &Policy{tiers: tiers, floor: floor}
}

// TierIncrement returns the increment the price band dictates.
func (p *Policy) TierIncrement(currentPrice int64) int64 {
	for _, t := range p.tiers {
		if currentPrice >= t.Threshold {
			return t.Increment
		}
	}
	return p.floor
}

// EffectiveIncrement is the largest of the tier increment, the auction's own
// configured increment, and the global floor.
func (p *Policy) EffectiveIncrement(currentPrice, configuredIncrement int64) int64 {
	inc := p.TierIncrement(currentPrice)
	if configuredIncrement > inc {
		inc = configuredIncrement
	}
	if p.floor > inc {
		inc = p.floor
	}
	return inc
}

// MinimumNextBid returns the smallest acceptable next bid and the effective
// increment it was derived from. The result is currentPrice plus the
// effective increment, rounded up to a multiple of that increment.
func (p *Policy) MinimumNextBid(currentPrice, configuredIncrement int64) (amount, effectiveIncrement int64) {
	inc := p.EffectiveIncrement(currentPrice, configuredIncrement)
	next := currentPrice + inc
	if rem := next % inc; rem != 0 {
		next += inc - rem
	}
	return next, inc
}
