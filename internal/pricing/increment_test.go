package pricing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"auction-engine/internal/config"
)

func testConfig() config.Config {
	cfg := config.Load()
	return cfg
}

func TestPolicy_MinimumNextBid(t *testing.T) {
	t.Parallel()

	policy := NewPolicy(testConfig())

	tests := []struct {
		name       string
		current    int64
		configured int64
		wantAmount int64
		wantInc    int64
	}{
		{name: "zero_price_floor", current: 0, configured: 500, wantAmount: 500, wantInc: 500},
		{name: "mid_tier", current: 60000, configured: 500, wantAmount: 61000, wantInc: 1000},
		{name: "top_tier", current: 150000, configured: 500, wantAmount: 152000, wantInc: 2000},
		{name: "below_first_tier", current: 10000, configured: 500, wantAmount: 10500, wantInc: 500},
		{name: "configured_overrides_tier", current: 10000, configured: 2500, wantAmount: 12500, wantInc: 2500},
		{name: "floor_overrides_tiny_configured", current: 100, configured: 1, wantAmount: 1000, wantInc: 500},
		{name: "tier_boundary_exact", current: 50000, configured: 500, wantAmount: 51000, wantInc: 1000},
		{name: "rounds_up_to_increment_multiple", current: 50300, configured: 500, wantAmount: 52000, wantInc: 1000},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			amount, inc := policy.MinimumNextBid(tc.current, tc.configured)
			require.Equal(t, tc.wantAmount, amount)
			require.Equal(t, tc.wantInc, inc)
			require.Zero(t, amount%inc, "minimum next bid must be a multiple of the effective increment")
			require.Greater(t, amount, tc.current)
		})
	}
}

func TestPolicy_CustomTiers(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Tiers = []config.PriceTier{
		{Threshold: 1000, Increment: 50},
		{Threshold: 10000, Increment: 700},
	}
	cfg.BidFloor = 10
	policy := NewPolicy(cfg)

	// Tiers get sorted; highest matching threshold wins.
	require.Equal(t, int64(700), policy.TierIncrement(20000))
	require.Equal(t, int64(50), policy.TierIncrement(1500))
	require.Equal(t, int64(10), policy.TierIncrement(500))
}
