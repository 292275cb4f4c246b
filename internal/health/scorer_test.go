package health

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"perf-analytics/internal/models"
)

func repeat(v float64, n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = v
	}
	return values
}

func TestScore_Healthy(t *testing.T) {
	scores := Score(Input{
		AnomalySeverities: repeat(0, 20),
		Predictions: map[string]models.PredictionResult{
			"cpuUsage":  {Confidence: 0.9},
			"frameRate": {Confidence: 0.9},
		},
		FrameRates:      repeat(60, 20),
		RenderTimes:     repeat(8, 20),
		CPU:             repeat(10, 20),
		TargetFrameRate: 60,
	})

	assert.Equal(t, 100.0, scores.Stability)
	assert.InDelta(t, 90, scores.Reliability, 1e-9)
	assert.Equal(t, 100.0, scores.UserExperience)
	assert.InDelta(t, 90, scores.Energy, 1e-9)
	assert.Equal(t, models.StateOptimal, Classify(scores.Overall()))
}

func TestScore_Clamped(t *testing.T) {
	scores := Score(Input{
		AnomalySeverities: repeat(1, 10),
		Predictions:       map[string]models.PredictionResult{"cpuUsage": {Confidence: 3}},
		FrameRates:        repeat(500, 5),
		RenderTimes:       repeat(1e9, 5),
		CPU:               []float64{10, 60, 120},
	})

	for _, v := range []float64{scores.Stability, scores.Reliability, scores.UserExperience, scores.Energy} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 100.0)
	}
	assert.Equal(t, 0.0, scores.Stability)
	assert.Equal(t, 100.0, scores.Reliability)
}

func TestStability_WeightedBySeverity(t *testing.T) {
	mild := append(repeat(0, 9), 0.1)
	severe := append(repeat(0, 9), 1)

	assert.Greater(t, stability(mild), stability(severe))
	assert.InDelta(t, 90, stability(severe), 1e-9)
}

func TestUserExperience_LowFrameRateAndSlowRender(t *testing.T) {
	ux := userExperience(repeat(30, 10), repeat(33.3, 10), 60)
	assert.Less(t, ux, 60.0)
	assert.Greater(t, ux, 40.0)
}

func TestRenderP95(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i + 1)
	}
	assert.InDelta(t, 95, RenderP95(values), 0.5)
	assert.Equal(t, 0.0, RenderP95(nil))
}

func TestEnergy_RisingUsageScoresLower(t *testing.T) {
	flat := repeat(40, 20)
	rising := make([]float64, 20)
	for i := range rising {
		rising[i] = 30 + float64(i)
	}
	assert.Greater(t, energy(flat), energy(rising))
}

func TestAssess(t *testing.T) {
	tests := []struct {
		name    string
		prev    Assessment
		overall float64
		want    string
	}{
		{"optimal", Assessment{}, 85, models.StateOptimal},
		{"degraded", Assessment{}, 60, models.StateDegraded},
		{"critical", Assessment{}, 30, models.StateCritical},
		{"recovering from critical", Assessment{Status: models.StateCritical, Overall: 30}, 45, models.StateRecovery},
		{"recovering from degraded", Assessment{Status: models.StateDegraded, Overall: 55}, 70, models.StateRecovery},
		{"recovered", Assessment{Status: models.StateRecovery, Overall: 75}, 90, models.StateOptimal},
		{"getting worse", Assessment{Status: models.StateDegraded, Overall: 70}, 60, models.StateDegraded},
		{"optimal does not recover", Assessment{Status: models.StateOptimal, Overall: 60}, 70, models.StateDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scores := models.HealthScores{
				Stability:      tt.overall,
				Reliability:    tt.overall,
				UserExperience: tt.overall,
				Energy:         tt.overall,
			}
			got := Assess(tt.prev, scores)
			assert.Equal(t, tt.want, got.Status)
			assert.InDelta(t, tt.overall, got.Overall, 1e-9)
		})
	}
}

func TestWorkload(t *testing.T) {
	assert.Equal(t, models.WorkloadLight, Workload(10))
	assert.Equal(t, models.WorkloadNormal, Workload(25))
	assert.Equal(t, models.WorkloadHeavy, Workload(60))
	assert.Equal(t, models.WorkloadExtreme, Workload(85))
}
