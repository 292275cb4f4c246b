// Package health turns anomaly frequency, prediction confidence and the raw
// frame and CPU series into four 0-100 health scores and a system status.
package health

import (
	"math"

	"github.com/HdrHistogram/hdrhistogram-go"

	"perf-analytics/internal/models"
	"perf-analytics/internal/stats"
)

// Histogram bounds for render latency, in microseconds.
const (
	histogramMin     = 1
	histogramMax     = 10_000_000
	histogramSigFigs = 3
)

// Status thresholds on the overall score.
const (
	OptimalScore  = 80.0
	DegradedScore = 50.0
)

// recoveryMargin is the improvement over the previous overall score needed
// to report recovery.
const recoveryMargin = 1.0

// Input carries the windows the scorer looks at.
type Input struct {
	// AnomalySeverities holds the highest anomaly severity of each recent
	// tick, 0 for ticks without anomalies.
	AnomalySeverities []float64
	Predictions       map[string]models.PredictionResult
	FrameRates        []float64
	RenderTimes       []float64 // milliseconds
	CPU               []float64
	TargetFrameRate   float64
}

// Score computes the four health scores.
func Score(in Input) models.HealthScores {
	if in.TargetFrameRate <= 0 {
		in.TargetFrameRate = 60
	}

	return models.HealthScores{
		Stability:      stability(in.AnomalySeverities),
		Reliability:    reliability(in.Predictions),
		UserExperience: userExperience(in.FrameRates, in.RenderTimes, in.TargetFrameRate),
		Energy:         energy(in.CPU),
	}
}

func stability(severities []float64) float64 {
	if len(severities) == 0 {
		return 100
	}

	var weighted float64
	for _, s := range severities {
		if s > 0 {
			weighted += 0.5 + 0.5*stats.Clamp(s, 0, 1)
		}
	}
	return stats.Clamp(100-weighted/float64(len(severities))*100, 0, 100)
}

func reliability(predictions map[string]models.PredictionResult) float64 {
	if len(predictions) == 0 {
		return 0
	}

	var sum float64
	for _, p := range predictions {
		sum += p.Confidence
	}
	return stats.Clamp(sum/float64(len(predictions))*100, 0, 100)
}

func userExperience(fps, renderMillis []float64, target float64) float64 {
	adequacy := 100.0
	if len(fps) > 0 {
		adequacy = stats.Clamp(stats.Mean(fps)/target*100, 0, 100)
	}

	latency := 100.0
	if len(renderMillis) > 0 {
		budget := 1000 / target
		if p95 := RenderP95(renderMillis); p95 > budget {
			latency = stats.Clamp(budget/p95*100, 0, 100)
		}
	}

	return stats.Clamp(0.6*adequacy+0.4*latency, 0, 100)
}

// RenderP95 returns the 95th percentile of render latencies in milliseconds.
func RenderP95(renderMillis []float64) float64 {
	if len(renderMillis) == 0 {
		return 0
	}

	hist := hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs)
	for _, ms := range renderMillis {
		micros := int64(math.Round(ms * 1000))
		if micros < histogramMin {
			micros = histogramMin
		}
		if micros > histogramMax {
			micros = histogramMax
		}
		// values are clamped into range, so recording cannot fail
		_ = hist.RecordValue(micros)
	}
	return float64(hist.ValueAtQuantile(95)) / 1000
}

func energy(cpu []float64) float64 {
	if len(cpu) == 0 {
		return 100
	}

	mean := stats.Mean(cpu)
	var rise float64
	if len(cpu) >= 3 {
		rise = math.Max(0, stats.LinearTrend(cpu)*float64(len(cpu)-1))
	}
	return stats.Clamp(100-mean-rise/2, 0, 100)
}

// Assessment is a status together with the overall score it was derived
// from.
type Assessment struct {
	Status  string  `json:"status"`
	Overall float64 `json:"overall"`
}

// Classify maps an overall score to optimal, degraded or critical.
func Classify(overall float64) string {
	switch {
	case overall >= OptimalScore:
		return models.StateOptimal
	case overall >= DegradedScore:
		return models.StateDegraded
	default:
		return models.StateCritical
	}
}

// Assess derives the status for scores given the previous assessment. A
// system that was degraded, critical or recovering and is improving without
// having reached optimal is in recovery.
func Assess(prev Assessment, scores models.HealthScores) Assessment {
	overall := scores.Overall()
	status := Classify(overall)

	if status != models.StateOptimal && overall > prev.Overall+recoveryMargin {
		switch prev.Status {
		case models.StateCritical, models.StateDegraded, models.StateRecovery:
			status = models.StateRecovery
		}
	}

	return Assessment{Status: status, Overall: overall}
}

// Workload labels the CPU load.
func Workload(cpu float64) string {
	switch {
	case cpu < 25:
		return models.WorkloadLight
	case cpu < 60:
		return models.WorkloadNormal
	case cpu < 85:
		return models.WorkloadHeavy
	default:
		return models.WorkloadExtreme
	}
}
