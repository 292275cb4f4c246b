// Package optimize scores subsystems for improvement potential and ranks
// the matching recommendations.
package optimize

import (
	"fmt"
	"math"
	"sort"

	"perf-analytics/internal/config"
	"perf-analytics/internal/models"
	"perf-analytics/internal/stats"
	"perf-analytics/internal/timeseries"
)

// Subsystem names.
const (
	Memory    = "memory"
	CPU       = "cpu"
	Rendering = "rendering"
	Animation = "animation"
)

// Subsystems lists every scored subsystem.
var Subsystems = []string{Memory, CPU, Rendering, Animation}

const minSamples = 3

// Options configure the analysis.
type Options struct {
	Threshold       float64
	TargetFrameRate float64
	Window          int
}

// OptionsFrom extracts the optimization options from the engine
// configuration.
func OptionsFrom(cfg config.Analytics) Options {
	return Options{
		Threshold:       cfg.OptimizationThreshold,
		TargetFrameRate: cfg.TargetFrameRate,
		Window:          cfg.PatternAnalysisWindow,
	}
}

// Recommendation is one surfaced improvement.
type Recommendation struct {
	Subsystem string  `json:"subsystem"`
	Potential float64 `json:"potential"`
	Message   string  `json:"message"`
}

// Report is the result of one analysis.
type Report struct {
	Potentials           map[string]float64 `json:"potentials"`
	Recommendations      []Recommendation   `json:"recommendations"`
	EstimatedImprovement float64            `json:"estimated_improvement"`
}

// Messages returns the recommendation strings in rank order.
func (r Report) Messages() []string {
	msgs := make([]string, len(r.Recommendations))
	for i, rec := range r.Recommendations {
		msgs[i] = rec.Message
	}
	return msgs
}

// Analyze scores every subsystem from the recent window of series.
// Subsystems without enough data score 0.
func Analyze(series timeseries.Reader, opts Options) Report {
	if opts.TargetFrameRate <= 0 {
		opts.TargetFrameRate = 60
	}

	report := Report{
		Potentials: map[string]float64{
			Memory:    memoryPotential(series.Values(models.MetricMemoryUsage, opts.Window)),
			CPU:       cpuPotential(series.Values(models.MetricCPUUsage, opts.Window)),
			Rendering: renderingPotential(
				series.Values(models.MetricRenderTime, opts.Window),
				series.Values(models.MetricFrameRate, opts.Window),
				opts.TargetFrameRate,
			),
			Animation: animationPotential(
				series.Values(models.MetricActiveAnimations, opts.Window),
				series.Values(models.MetricSkippedFrames, opts.Window),
				opts.TargetFrameRate,
			),
		},
	}

	for _, name := range Subsystems {
		potential := report.Potentials[name]
		if potential <= 0 || potential < opts.Threshold {
			continue
		}
		report.Recommendations = append(report.Recommendations, Recommendation{
			Subsystem: name,
			Potential: potential,
			Message:   message(name, potential),
		})
	}

	sort.SliceStable(report.Recommendations, func(i, j int) bool {
		return report.Recommendations[i].Potential > report.Recommendations[j].Potential
	})

	if len(report.Recommendations) > 0 {
		var sum float64
		for _, rec := range report.Recommendations {
			sum += rec.Potential
		}
		report.EstimatedImprovement = sum / float64(len(report.Recommendations))
	}

	return report
}

func memoryPotential(values []float64) float64 {
	if len(values) < minSamples {
		return 0
	}

	baseline := stats.Mean(values)
	if baseline <= 0 {
		return 0
	}

	recent := stats.Mean(values[len(values)-quarter(len(values)):])
	excess := math.Max(0, recent-baseline) / baseline * 100

	fit := stats.LinearFit(values)
	growth := math.Max(0, fit.Slope*float64(len(values)-1)) / baseline * 100

	return stats.Clamp(excess+growth/2, 0, 100)
}

func cpuPotential(values []float64) float64 {
	if len(values) < minSamples {
		return 0
	}

	mean := stats.Mean(values)
	load := math.Max(0, mean-40) / 60 * 80

	var volatility float64
	if mean > 0 {
		volatility = stats.Clamp(stats.StdDev(values)/mean, 0, 1) * 20
	}

	return stats.Clamp(load+volatility, 0, 100)
}

func renderingPotential(render, fps []float64, target float64) float64 {
	if len(render) < minSamples && len(fps) < minSamples {
		return 0
	}

	budget := 1000 / target
	var overBudget, deficit float64
	if len(render) >= minSamples {
		p95 := stats.Percentile(render, 95)
		overBudget = stats.Clamp((p95-budget)/budget*100, 0, 100)
	}
	if len(fps) >= minSamples {
		deficit = stats.Clamp((target-stats.Mean(fps))/target*100, 0, 100)
	}

	return stats.Clamp(0.6*overBudget+0.4*deficit, 0, 100)
}

func animationPotential(active, skipped []float64, target float64) float64 {
	if len(active) < minSamples && len(skipped) < minSamples {
		return 0
	}

	var skipRate, load float64
	if len(skipped) >= minSamples {
		skipRate = stats.Clamp(stats.Mean(skipped)/target*100, 0, 100)
	}
	if len(active) >= minSamples {
		load = stats.Clamp((stats.Mean(active)-10)*2, 0, 100)
	}

	return stats.Clamp(skipRate+load/2, 0, 100)
}

func quarter(n int) int {
	q := n / 4
	if q < 1 {
		q = 1
	}
	return q
}

func message(subsystem string, potential float64) string {
	switch subsystem {
	case Memory:
		return fmt.Sprintf("Reduce memory growth: release caches and pooled buffers (%.0f%% potential)", potential)
	case CPU:
		return fmt.Sprintf("Lower CPU load: batch work and move heavy computation off the hot path (%.0f%% potential)", potential)
	case Rendering:
		return fmt.Sprintf("Shorten render time to fit the frame budget (%.0f%% potential)", potential)
	case Animation:
		return fmt.Sprintf("Limit concurrent animations to avoid skipped frames (%.0f%% potential)", potential)
	default:
		return fmt.Sprintf("Optimize %s (%.0f%% potential)", subsystem, potential)
	}
}
