package abtest

import "github.com/ignite/broadcast-engine/internal/domain"

// Metric selects what PickWinner ranks by.
type Metric string

const (
	MetricOpenRate  Metric = "open_rate"
	MetricClickRate Metric = "click_rate"
)

func rate(s domain.VariantStats, m Metric) float64 {
	if s.Sent == 0 {
		return 0
	}
	if m == MetricClickRate {
		return float64(s.Clicks) / float64(s.Sent)
	}
	return float64(s.Opens) / float64(s.Sent)
}

// PickWinner returns the variant with the highest rate among those that
// were sent. Ties go to the earlier variant. With no sends at all the first
// variant wins. It returns "" only for an empty input.
func PickWinner(stats []domain.VariantStats, m Metric) string {
	if len(stats) == 0 {
		return ""
	}
	best := -1
	bestRate := -1.0
	for i, s := range stats {
		if s.Sent == 0 {
			continue
		}
		if r := rate(s, m); r > bestRate {
			best, bestRate = i, r
		}
	}
	if best < 0 {
		return stats[0].VariantID
	}
	return stats[best].VariantID
}
