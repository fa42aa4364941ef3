package pricing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGuard_IsOutlier(t *testing.T) {
	t.Parallel()

	guard := NewGuard(testConfig())

	tests := []struct {
		name           string
		proposed       int64
		current        int64
		recommendedMin int64
		increment      int64
		want           bool
	}{
		{name: "recommended_min_is_fine", proposed: 10500, current: 10000, recommendedMin: 10500, increment: 500, want: false},
		{name: "one_increment_above", proposed: 11000, current: 10000, recommendedMin: 10500, increment: 500, want: false},
		{name: "twenty_increments_above_min", proposed: 20500, current: 10000, recommendedMin: 10500, increment: 500, want: true},
		{name: "just_below_increment_threshold", proposed: 20400, current: 10000, recommendedMin: 10500, increment: 500, want: false},
		{name: "triple_current_price", proposed: 30000, current: 10000, recommendedMin: 10500, increment: 500, want: true},
		{name: "price_multiple_ignored_at_zero_price", proposed: 1500, current: 0, recommendedMin: 500, increment: 500, want: false},
		{name: "round_thousand_far_past_min", proposed: 4000, current: 0, recommendedMin: 500, increment: 500, want: true},
		{name: "round_thousand_close_to_min", proposed: 2000, current: 0, recommendedMin: 500, increment: 500, want: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := guard.IsOutlier(tc.proposed, tc.current, tc.recommendedMin, tc.increment)
			require.Equal(t, tc.want, got)
		})
	}
}
