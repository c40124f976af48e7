package rollup

import (
	"math"
	"sort"
)

// Percentile computes the p-th percentile (0 <= p <= 1) of values using
// continuous-distribution interpolation: sort ascending, then interpolate
// linearly between the two nearest ranks.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}

func percentileSorted(sorted []float64, p float64) float64 {
	index := p * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// StdDevPop computes the population standard deviation.
func StdDevPop(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}

// summarize computes the full aggregate set for one bucket's values.
func summarize(values []float64) (count int, sum, avg, min, max, p50, p95, p99, stddev float64) {
	count = len(values)
	if count == 0 {
		return
	}
	sorted := make([]float64, count)
	copy(sorted, values)
	sort.Float64s(sorted)

	min = sorted[0]
	max = sorted[count-1]
	for _, v := range sorted {
		sum += v
	}
	avg = sum / float64(count)
	p50 = percentileSorted(sorted, 0.50)
	p95 = percentileSorted(sorted, 0.95)
	p99 = percentileSorted(sorted, 0.99)
	stddev = StdDevPop(sorted, avg)
	return
}
