package abtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/broadcast-engine/internal/domain"
)

func TestPartition_ThirtyTwentyOfHundred(t *testing.T) {
	plan, err := Partition([]Weighted{{ID: "A", Weight: 30}, {ID: "B", Weight: 20}}, 100)
	require.NoError(t, err)

	assert.Equal(t, []Assignment{
		{VariantID: "A", Range: Range{0, 30}},
		{VariantID: "B", Range: Range{30, 50}},
	}, plan.Variants)
	assert.Equal(t, Range{50, 100}, plan.FinalSample)
}

func TestPartition_FloorsAndKeepsRangesContiguous(t *testing.T) {
	weights := [][]int{{33, 33, 33}, {10, 0, 45}, {50, 50}, {1}, {0}, {7, 13, 17}}
	for _, n := range []int{0, 1, 7, 99, 101, 1234} {
		for _, ws := range weights {
			variants := make([]Weighted, len(ws))
			for i, w := range ws {
				variants[i] = Weighted{ID: string(rune('A' + i)), Weight: w}
			}
			plan, err := Partition(variants, n)
			require.NoError(t, err)

			offset, sum := 0, 0
			for i, a := range plan.Variants {
				assert.Equal(t, offset, a.Range.Start)
				assert.Equal(t, ws[i]*n/100, a.Range.Len())
				offset = a.Range.End
				sum += a.Range.Len()
			}
			assert.Equal(t, Range{offset, n}, plan.FinalSample)
			assert.Equal(t, n-sum, plan.FinalSample.Len())
		}
	}
}

func TestPartition_RejectsBadWeights(t *testing.T) {
	_, err := Partition([]Weighted{{ID: "A", Weight: 60}, {ID: "B", Weight: 50}}, 10)
	assert.ErrorIs(t, err, ErrWeightSum)

	_, err = Partition([]Weighted{{ID: "A", Weight: -1}}, 10)
	assert.ErrorIs(t, err, ErrWeightRange)

	_, err = Partition(nil, 10)
	assert.ErrorIs(t, err, ErrNoVariants)
}

func TestPickWinner(t *testing.T) {
	stats := []domain.VariantStats{
		{VariantID: "A", Sent: 100, Opens: 20, Clicks: 9},
		{VariantID: "B", Sent: 100, Opens: 25, Clicks: 3},
		{VariantID: "C", Sent: 0},
	}
	assert.Equal(t, "B", PickWinner(stats, MetricOpenRate))
	assert.Equal(t, "A", PickWinner(stats, MetricClickRate))
}

func TestPickWinner_TieGoesToFirst(t *testing.T) {
	stats := []domain.VariantStats{
		{VariantID: "A", Sent: 50, Opens: 10},
		{VariantID: "B", Sent: 100, Opens: 20},
	}
	assert.Equal(t, "A", PickWinner(stats, MetricOpenRate))
}

func TestPickWinner_NoData(t *testing.T) {
	stats := []domain.VariantStats{{VariantID: "A"}, {VariantID: "B"}}
	assert.Equal(t, "A", PickWinner(stats, MetricOpenRate))
	assert.Equal(t, "", PickWinner(nil, MetricOpenRate))
}
