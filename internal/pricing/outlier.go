package pricing

import "auction-engine/internal/config"

// Guard flags bids that look like fat-finger entry errors. A flagged bid is
// rejected unless the caller explicitly confirms it, so legitimate large
// jumps still get through.
type Guard struct {
	incrementFactor int64 // flagged at recommendedMin + increment*factor
	priceMultiple   int64 // flagged at currentPrice*multiple
	roundStep       int64 // round-number heuristic step
	roundFactor     int64 // flagged when a round multiple reaches recommendedMin*factor
}

// NewGuard builds a guard from configured thresholds.
func NewGuard(cfg config.Config) *Guard {
	g := &Guard{
		incrementFactor: cfg.OutlierIncrementFactor,
		priceMultiple:   cfg.OutlierPriceMultiple,
		roundStep:       cfg.OutlierRoundStep,
		roundFactor:     cfg.OutlierRoundFactor,
	}
	if g.incrementFactor <= 0 {
		g.incrementFactor = 20
	}
	if g.priceMultiple <= 0 {
		g.priceMultiple = 3
	}
	if g.roundStep <= 0 {
		g.roundStep = 1000
	}
	if g.roundFactor <= 0 {
		g.roundFactor = 5
	}
	return g
}

// IsOutlier reports whether the proposed amount trips any heuristic:
// far above the recommended minimum, a multiple of the current price, or a
// suspiciously round number well past the recommendation.
func (g *Guard) IsOutlier(proposed, currentPrice, recommendedMin, effectiveIncrement int64) bool {
	if proposed >= recommendedMin+effectiveIncrement*g.incrementFactor {
		return true
	}
	if currentPrice > 0 && proposed >= currentPrice*g.priceMultiple {
		return true
	}
	if proposed%g.roundStep == 0 && proposed >= recommendedMin*g.roundFactor {
		return true
	}
	return false
}
