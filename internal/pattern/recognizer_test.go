package pattern

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"perf-analytics/internal/models"
)

func linear(n int, start, step float64) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = start + step*float64(i)
	}
	return values
}

func sine(n int, mean, amplitude, period float64) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = mean + amplitude*math.Sin(2*math.Pi*(float64(i)+0.25)/period)
	}
	return values
}

func TestClassify_Increasing(t *testing.T) {
	r := New(DefaultOptions())

	for n := 10; n <= 60; n += 5 {
		res := r.Classify(linear(n, 20, 1.5))
		assert.Equal(t, models.PatternIncreasing, res.Name, "n=%d", n)
		assert.Greater(t, res.Confidence, 0.5, "n=%d", n)
	}
}

func TestClassify_IncreasingWithNoise(t *testing.T) {
	r := New(DefaultOptions())

	values := linear(30, 100, 2)
	for i := range values {
		if i%3 == 0 {
			values[i] -= 1.5
		}
	}

	res := r.Classify(values)
	assert.Equal(t, models.PatternIncreasing, res.Name)
	assert.Greater(t, res.Confidence, 0.5)
}

func TestClassify_Decreasing(t *testing.T) {
	r := New(DefaultOptions())

	res := r.Classify(linear(20, 60, -1))
	assert.Equal(t, models.PatternDecreasing, res.Name)
	assert.Greater(t, res.Confidence, 0.5)
}

func TestClassify_Oscillating(t *testing.T) {
	r := New(DefaultOptions())

	tests := []struct {
		name      string
		mean      float64
		amplitude float64
		period    float64
	}{
		{"wide period 8", 50, 10, 8},
		{"wide period 10", 50, 10, 10},
		{"wide period 12", 50, 10, 12},
		{"narrow around frame rate", 60, 2, 10},
		{"narrow short period", 60, 2.5, 8},
		{"tiny over a high level", 1000, 0.5, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Classify(sine(50, tt.mean, tt.amplitude, tt.period))
			assert.Equal(t, models.PatternOscillating, res.Name)
			assert.Greater(t, res.Confidence, 0.5)
		})
	}
}

func TestClassify_Stable(t *testing.T) {
	r := New(DefaultOptions())

	values := make([]float64, 50)
	for i := range values {
		values[i] = 60
		if i%2 == 0 {
			values[i] = 60.3
		}
	}

	res := r.Classify(values)
	assert.Equal(t, models.PatternStable, res.Name)
	assert.Greater(t, res.Confidence, 0.0)

	flat := r.Classify([]float64{5, 5, 5, 5, 5})
	assert.Equal(t, models.PatternStable, flat.Name)
	assert.Equal(t, 1.0, flat.Confidence)
}

func TestClassify_ChaoticGrowingAmplitude(t *testing.T) {
	r := New(DefaultOptions())

	values := make([]float64, 50)
	for i := range values {
		values[i] = 50 + float64(i)*math.Sin(2*math.Pi*(float64(i)+0.25)/10)
	}

	res := r.Classify(values)
	assert.Equal(t, models.PatternChaotic, res.Name)
}

func TestClassify_InsufficientData(t *testing.T) {
	r := New(DefaultOptions())

	for _, window := range [][]float64{nil, {1}, {1, 2}} {
		res := r.Classify(window)
		assert.Equal(t, models.PatternStable, res.Name)
		assert.Equal(t, 0.0, res.Confidence)
	}
}

func TestCustomDetectors(t *testing.T) {
	r := New(DefaultOptions())

	r.Register("flatline", func(window []float64) (bool, float64) {
		for _, v := range window {
			if v != window[0] {
				return false, 0
			}
		}
		return true, 1
	})
	r.Register("weak", func(window []float64) (bool, float64) { return true, 0.1 })
	r.Register("broken", func(window []float64) (bool, float64) { panic("boom") })

	// ties go to the custom detector
	res := r.Classify([]float64{7, 7, 7, 7})
	assert.Equal(t, "flatline", res.Name)
	assert.True(t, res.Custom)

	// a weaker custom match does not override a confident built-in
	res = r.Classify(linear(20, 0, 1))
	assert.Equal(t, models.PatternIncreasing, res.Name)

	assert.Equal(t, []string{"stable", "increasing", "decreasing", "oscillating", "chaotic", "flatline", "weak", "broken"},
		r.KnownPatterns())

	r.Unregister("weak")
	assert.NotContains(t, r.KnownPatterns(), "weak")
}

func TestPredicate(t *testing.T) {
	r := New(DefaultOptions())
	r.Register("spike", Predicate(func(window []float64) bool {
		return len(window) > 0 && window[len(window)-1] > 1000
	}))

	res := r.Classify([]float64{10, 11, 10, 5000})
	assert.Equal(t, "spike", res.Name)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestDominant(t *testing.T) {
	results := map[string]models.PatternResult{
		"cpuUsage":   {Metric: "cpuUsage", Name: models.PatternStable, Confidence: 0.9},
		"frameRate":  {Metric: "frameRate", Name: models.PatternDecreasing, Confidence: 0.6},
		"renderTime": {Metric: "renderTime", Name: models.PatternOscillating, Confidence: 0.7},
	}

	dom := Dominant(results)
	assert.Equal(t, models.PatternOscillating, dom.Name)
	assert.Equal(t, "renderTime", dom.Metric)

	dom = Dominant(map[string]models.PatternResult{
		"cpuUsage": {Metric: "cpuUsage", Name: models.PatternStable, Confidence: 0.4},
	})
	assert.Equal(t, models.PatternStable, dom.Name)
	assert.Equal(t, 0.4, dom.Confidence)

	assert.Equal(t, models.PatternStable, Dominant(nil).Name)
}
