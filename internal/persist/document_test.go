package persist

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perf-analytics/internal/config"
	"perf-analytics/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func history() []models.AdvancedMetrics {
	return []models.AdvancedMetrics{
		{
			Sample: models.BaseSample{
				Timestamp:   t0,
				FrameRate:   59.5,
				CPUUsage:    31.25,
				MemoryUsage: 512 << 20,
				RenderTime:  12345678 * time.Nanosecond,
			},
			Predicted:         map[string]float64{"cpuUsage": 33.1},
			Trends:            map[string]float64{"cpuUsage": 0.125},
			Pattern:           models.PatternStable,
			PatternConfidence: 0.8,
			MetricPatterns: map[string]models.PatternResult{
				"cpuUsage": {Metric: "cpuUsage", Name: models.PatternStable, Confidence: 0.8},
			},
			Health:        models.HealthScores{Stability: 100, Reliability: 72.5, UserExperience: 98, Energy: 68.75},
			SystemState:   models.StateOptimal,
			Workload:      models.WorkloadNormal,
			Optimization:  map[string]float64{"cpu": 0, "memory": 3.5},
			CustomMetrics: map[string]float64{},
			SessionID:     "session-1",
			SampleCount:   1,
		},
		{
			Sample: models.BaseSample{
				Timestamp:        t0.Add(100 * time.Millisecond),
				FrameRate:        24,
				CPUUsage:         91,
				MemoryUsage:      530 << 20,
				RenderTime:       48 * time.Millisecond,
				ActiveAnimations: 7,
				SkippedFrames:    3,
			},
			Predicted:         map[string]float64{"cpuUsage": 95.5},
			Trends:            map[string]float64{"cpuUsage": 2.5},
			Pattern:           models.PatternIncreasing,
			PatternConfidence: 0.66,
			MetricPatterns:    map[string]models.PatternResult{},
			Anomalies: []models.AnomalyRecord{{
				Metric:      "context:cpu-high-framerate-low",
				Kind:        models.AnomalyContextual,
				Description: "CPU usage is high while frame rate is low",
				Value:       91,
				Severity:    0.8,
				Timestamp:   t0.Add(100 * time.Millisecond),
			}},
			AnomalySeverity:      0.8,
			Health:               models.HealthScores{Stability: 96, Reliability: 40, UserExperience: 31.5, Energy: 9},
			SystemState:          models.StateCritical,
			Workload:             models.WorkloadExtreme,
			Optimization:         map[string]float64{"cpu": 68.2},
			Recommendations:      []string{"Lower CPU load"},
			EstimatedImprovement: 68.2,
			CustomMetrics:        map[string]float64{"queueDepth": 4},
			SessionID:            "session-1",
			SampleCount:          2,
		},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, name := range []string{"export.json", "export.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			doc := NewDocument("session-1", history(), config.DefaultAnalytics(), t0)

			require.NoError(t, Write(path, doc, ""))

			got, err := Read(path)
			require.NoError(t, err)

			assert.Equal(t, "session-1", got.SessionID)
			assert.True(t, t0.Equal(got.Timestamp))
			assert.Equal(t, history(), got.History())
			assert.Equal(t, config.DefaultAnalytics(), got.Config)
		})
	}
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatFromPath("a/b.YML"))
	assert.Equal(t, FormatYAML, FormatFromPath("b.yaml"))
	assert.Equal(t, FormatJSON, FormatFromPath("b.json"))
	assert.Equal(t, FormatJSON, FormatFromPath("b"))
}

func TestErrors(t *testing.T) {
	_, err := Marshal(Document{}, "xml")
	assert.True(t, errors.Is(err, ErrUnknownFormat))

	_, err = Read(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Unmarshal([]byte("{not json"), FormatJSON)
	assert.Error(t, err)

	err = Write(filepath.Join(t.TempDir(), "out.json"), Document{}, "xml")
	assert.True(t, errors.Is(err, ErrUnknownFormat))
}
