package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmptyAndSingleInput(t *testing.T) {
	inputs := [][]float64{nil, {}, {42}}

	for _, in := range inputs {
		assert.NotPanics(t, func() {
			results := []float64{
				Mean(in),
				StdDev(in),
				Median(in),
				Percentile(in, 95),
				Correlation(in, in),
				LinearTrend(in),
				TrendStrength(in),
				AnomalyScore(1, in),
			}
			for _, r := range results {
				assert.False(t, math.IsNaN(r))
				assert.False(t, math.IsInf(r, 0))
			}
		})
	}

	assert.Equal(t, 0.0, Mean(nil))
	assert.Equal(t, 42.0, Mean([]float64{42}))
	assert.Equal(t, 0.0, StdDev([]float64{42}))
	assert.Nil(t, FindOutliers(nil, 2))
}

func TestMeanStdDev(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}

	assert.InDelta(t, 5.0, Mean(values), 1e-9)
	assert.InDelta(t, 2.0, StdDev(values), 1e-9)
}

func TestPercentile(t *testing.T) {
	values := []float64{15, 20, 35, 40, 50}

	tests := []struct {
		p    float64
		want float64
	}{
		{0, 15},
		{25, 20},
		{50, 35},
		{75, 40},
		{100, 50},
		{40, 29},
		{150, 50},
		{-5, 15},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.want, Percentile(values, tt.p), 1e-9, "p=%v", tt.p)
	}

	// input must not be reordered
	unsorted := []float64{3, 1, 2}
	assert.Equal(t, 2.0, Median(unsorted))
	assert.Equal(t, []float64{3, 1, 2}, unsorted)
}

func TestCorrelation(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}

	assert.InDelta(t, 1.0, Correlation(x, []float64{2, 4, 6, 8, 10}), 1e-9)
	assert.InDelta(t, -1.0, Correlation(x, []float64{10, 8, 6, 4, 2}), 1e-9)
	assert.Equal(t, 0.0, Correlation(x, []float64{3, 3, 3, 3, 3}))
}

func TestLinearFit(t *testing.T) {
	fit := LinearFit([]float64{10, 12, 14, 16, 18})

	assert.InDelta(t, 2.0, fit.Slope, 1e-9)
	assert.InDelta(t, 10.0, fit.Intercept, 1e-9)
	assert.InDelta(t, 1.0, fit.R2, 1e-9)
	assert.InDelta(t, 20.0, fit.At(5), 1e-9)

	noisy := LinearFit([]float64{1, 3, 2, 5, 4})
	assert.InDelta(t, 0.8, noisy.Slope, 1e-9)
	assert.InDelta(t, 1.4, noisy.Intercept, 1e-9)
	assert.InDelta(t, 0.64, noisy.R2, 1e-9)

	flat := LinearFit([]float64{7, 7, 7})
	assert.Equal(t, 0.0, flat.Slope)
	assert.Equal(t, 1.0, flat.R2)
}

func TestTrendStrength(t *testing.T) {
	up := make([]float64, 20)
	down := make([]float64, 20)
	wave := make([]float64, 40)
	for i := range up {
		up[i] = float64(i) * 3
		down[i] = 100 - float64(i)
	}
	for i := range wave {
		wave[i] = 50 + 10*math.Sin(2*math.Pi*float64(i)/10)
	}

	assert.InDelta(t, 1.0, TrendStrength(up), 1e-9)
	assert.InDelta(t, -1.0, TrendStrength(down), 1e-9)
	assert.Less(t, math.Abs(TrendStrength(wave)), 0.3)
	assert.Equal(t, 0.0, TrendStrength([]float64{5, 5, 5}))
}

func TestOutliers(t *testing.T) {
	values := []float64{10, 11, 10, 12, 11, 10, 95, 11}

	assert.Equal(t, []int{6}, FindOutliers(values, 2))
	assert.NotContains(t, RemoveOutliers(values, 2), 95.0)
	assert.True(t, IsOutlier(95, []float64{10, 11, 10, 12}, 2))
	assert.False(t, IsOutlier(11, []float64{10, 11, 10, 12}, 2))
}

func TestSmoothNormalizeSimilarity(t *testing.T) {
	assert.Equal(t, []float64{1, 1.5, 2.5, 3.5}, Smooth([]float64{1, 2, 3, 4}, 2))
	assert.Equal(t, []float64{0, 0.5, 1}, Normalize([]float64{10, 15, 20}))
	assert.Equal(t, []float64{0, 0}, Normalize([]float64{7, 7}))
	assert.InDelta(t, 1.0, Similarity([]float64{1, 2, 3}, []float64{10, 20, 30}), 1e-9)
}

func TestClassifyTrend(t *testing.T) {
	assert.Equal(t, TrendImproving, ClassifyTrend(0.5))
	assert.Equal(t, TrendDegrading, ClassifyTrend(-0.5))
	assert.Equal(t, TrendStable, ClassifyTrend(0.01))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(math.NaN(), 0, 100))
	assert.Equal(t, 100.0, Clamp(120, 0, 100))
	assert.Equal(t, 0.0, Clamp(-3, 0, 100))
}
