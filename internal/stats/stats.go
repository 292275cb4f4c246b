// Package stats holds the pure statistical helpers shared by every analyzer.
//
// Every function returns a defined value for empty or single-element input
// and never produces NaN or Inf, so callers can feed results straight into
// JSON documents and score formulas.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Trend labels returned by ClassifyTrend.
const (
	TrendImproving = "improving"
	TrendDegrading = "degrading"
	TrendStable    = "stable"
)

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return finite(stat.Mean(values, nil))
}

// StdDev returns the population standard deviation of values.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	_, sd := stat.PopMeanStdDev(values, nil)
	return finite(sd)
}

func Median(values []float64) float64 {
	return Percentile(values, 50)
}

// Percentile returns the p-th percentile (0-100) using linear interpolation
// between closest ranks. The input is not modified.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}

	p = clamp(p, 0, 100)
	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	frac := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*frac
}

// Correlation returns the Pearson correlation coefficient of x and y over
// their common prefix. Zero variance on either side yields 0.
func Correlation(x, y []float64) float64 {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	if n < 2 {
		return 0
	}
	x, y = x[:n], y[:n]

	if floats.Min(x) == floats.Max(x) || floats.Min(y) == floats.Max(y) {
		return 0
	}
	return clamp(stat.Correlation(x, y, nil), -1, 1)
}

// Fit is a least-squares line against the sample index.
type Fit struct {
	Slope     float64
	Intercept float64
	R2        float64
}

func (f Fit) At(x float64) float64 {
	return f.Intercept + f.Slope*x
}

// LinearFit fits y = intercept + slope*i over the sample indices 0..n-1.
func LinearFit(values []float64) Fit {
	n := len(values)
	if n == 0 {
		return Fit{}
	}
	if n == 1 {
		return Fit{Intercept: values[0]}
	}

	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}

	intercept, slope := stat.LinearRegression(xs, values, nil, false)
	fit := Fit{
		Slope:     finite(slope),
		Intercept: finite(intercept),
	}
	if floats.Min(values) == floats.Max(values) {
		// a flat series is perfectly explained by a flat line
		fit.R2 = 1
	} else {
		fit.R2 = clamp(stat.RSquared(xs, values, nil, intercept, slope), 0, 1)
	}
	return fit
}

// LinearTrend returns the least-squares slope per sample.
func LinearTrend(values []float64) float64 {
	return LinearFit(values).Slope
}

// TrendStrength returns the slope normalized by the spread of the sample
// index and divided by the standard deviation of the values, clamped to
// [-1, 1]. A perfectly linear series has strength ±1.
func TrendStrength(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	sd := StdDev(values)
	if sd == 0 {
		return 0
	}

	n := float64(len(values))
	indexSD := math.Sqrt((n*n - 1) / 12)
	return clamp(LinearTrend(values)*indexSD/sd, -1, 1)
}

// ClassifyTrend maps a signed trend value to a label. Positive is treated as
// improving.
func ClassifyTrend(trend float64) string {
	switch {
	case trend > 0.1:
		return TrendImproving
	case trend < -0.1:
		return TrendDegrading
	default:
		return TrendStable
	}
}

// AnomalyScore returns the z-score of value against baseline.
func AnomalyScore(value float64, baseline []float64) float64 {
	if len(baseline) < 2 {
		return 0
	}

	sd := StdDev(baseline)
	if sd == 0 {
		return 0
	}
	return (value - Mean(baseline)) / sd
}

// IsOutlier reports whether value deviates from the dataset mean by more than
// threshold standard deviations.
func IsOutlier(value float64, dataset []float64, threshold float64) bool {
	if len(dataset) < 2 {
		return false
	}
	return math.Abs(value-Mean(dataset)) > threshold*StdDev(dataset)
}

// FindOutliers returns the indices of values that are outliers with respect
// to the whole slice.
func FindOutliers(values []float64, threshold float64) []int {
	if len(values) < 3 {
		return nil
	}

	mean := Mean(values)
	sd := StdDev(values)

	var idx []int
	for i, v := range values {
		if math.Abs(v-mean) > threshold*sd {
			idx = append(idx, i)
		}
	}
	return idx
}

// RemoveOutliers returns a copy of values without the outliers.
func RemoveOutliers(values []float64, threshold float64) []float64 {
	outliers := FindOutliers(values, threshold)
	skip := make(map[int]struct{}, len(outliers))
	for _, i := range outliers {
		skip[i] = struct{}{}
	}

	result := make([]float64, 0, len(values)-len(outliers))
	for i, v := range values {
		if _, ok := skip[i]; !ok {
			result = append(result, v)
		}
	}
	return result
}

// Smooth returns a trailing moving average with the given window.
func Smooth(values []float64, window int) []float64 {
	if window <= 1 || len(values) == 0 {
		result := make([]float64, len(values))
		copy(result, values)
		return result
	}

	result := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		count := window
		if i+1 < window {
			count = i + 1
		}
		result[i] = sum / float64(count)
	}
	return result
}

// Normalize rescales values to [0, 1]. A flat series maps to zeros.
func Normalize(values []float64) []float64 {
	result := make([]float64, len(values))
	if len(values) == 0 {
		return result
	}

	lo, hi := floats.Min(values), floats.Max(values)
	if hi == lo {
		return result
	}

	for i, v := range values {
		result[i] = (v - lo) / (hi - lo)
	}
	return result
}

// Similarity compares two shapes after min-max normalization and returns a
// score in [0, 1], where 1 means identical.
func Similarity(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}

	na, nb := Normalize(a[:n]), Normalize(b[:n])
	var dist float64
	for i := 0; i < n; i++ {
		dist += math.Abs(na[i] - nb[i])
	}
	return clamp(1-dist/float64(n), 0, 1)
}

// Diffs returns the first differences of values.
func Diffs(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}

	result := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		result[i-1] = values[i] - values[i-1]
	}
	return result
}

// finite maps NaN and Inf to 0.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Clamp limits v to [lo, hi] and maps NaN to lo.
func Clamp(v, lo, hi float64) float64 {
	return clamp(v, lo, hi)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
