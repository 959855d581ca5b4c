package stress

import (
	"math"
	"sort"
)

// percentile computes the nearest-rank percentile: the input is sorted
// ascending first, then index = ceil(p*n)-1 clamped to valid bounds.
// Deterministic for any input order.
func percentile(latencies []float64, p float64) float64 {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]float64, len(latencies))
	copy(sorted, latencies)
	sort.Float64s(sorted)

	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
