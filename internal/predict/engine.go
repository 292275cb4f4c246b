// Package predict produces short-horizon forecasts for a metric from its
// recent history.
package predict

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"perf-analytics/internal/config"
	"perf-analytics/internal/models"
	"perf-analytics/internal/timeseries"
)

// Options configure an Engine.
type Options struct {
	Model               string
	Window              int
	ConfidenceThreshold float64
	SmoothingFactor     float64
	SamplingInterval    time.Duration
}

func OptionsFrom(cfg config.Analytics) Options {
	return Options{
		Model:               cfg.PredictionModel,
		Window:              cfg.HistorySizeForPrediction,
		ConfidenceThreshold: cfg.PredictionConfidenceThreshold,
		SmoothingFactor:     cfg.SmoothingFactor,
		SamplingInterval:    cfg.SamplingInterval.Std(),
	}
}

// Engine selects a model by name and applies it to a metric window.
type Engine struct {
	mu     sync.RWMutex
	opts   Options
	custom map[string]Model
}

func NewEngine(opts Options) *Engine {
	return &Engine{
		opts:   opts,
		custom: make(map[string]Model),
	}
}

func (e *Engine) SetOptions(opts Options) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts = opts
}

func (e *Engine) Register(name string, fn ModelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custom[name] = Custom{ModelName: name, Fn: fn}
}

func (e *Engine) Models() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := []string{config.ModelLinear, config.ModelExponential, config.ModelEnsemble}
	custom := make([]string, 0, len(e.custom))
	for name := range e.custom {
		custom = append(custom, name)
	}
	sort.Strings(custom)
	return append(names, custom...)
}

func (e *Engine) model(name string, alpha float64) Model {
	switch name = config.CanonicalModel(name); name {
	case config.ModelLinear:
		return Linear{}
	case config.ModelExponential:
		return ExponentialSmoothing{Alpha: alpha}
	case config.ModelEnsemble:
	default:
		if m, ok := e.custom[name]; ok {
			return m
		}
	}
	return Ensemble{Members: []Model{Linear{}, ExponentialSmoothing{Alpha: alpha}}}
}

// Predict forecasts metric horizon ahead with the configured model. Fewer
// than two samples yield a zero-confidence, unreliable result.
func (e *Engine) Predict(series timeseries.Reader, metric string, horizon time.Duration) models.PredictionResult {
	e.mu.RLock()
	name := e.opts.Model
	e.mu.RUnlock()
	return e.PredictWith(name, series, metric, horizon)
}

func (e *Engine) PredictWith(name string, series timeseries.Reader, metric string, horizon time.Duration) models.PredictionResult {
	e.mu.RLock()
	opts := e.opts
	m := e.model(name, opts.SmoothingFactor)
	e.mu.RUnlock()

	points := series.Points(metric, opts.Window)
	result := models.PredictionResult{
		Metric:  metric,
		Horizon: horizon,
		Model:   m.Name(),
	}

	if len(points) < 2 {
		if len(points) == 1 {
			result.Value = points[0].Value
		}
		result.Explanation = fmt.Sprintf("not enough data: %d samples", len(points))
		return result
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}

	steps := Steps(points, horizon, opts.SamplingInterval)
	f := m.Forecast(values, steps)

	result.Value = f.Value
	result.Confidence = f.Confidence
	result.Parameters = f.Parameters
	result.Explanation = f.Explanation
	result.IsReliable = f.Confidence >= opts.ConfidenceThreshold
	return result
}

func (e *Engine) PredictAll(series timeseries.Reader, metrics []string, horizon time.Duration) map[string]models.PredictionResult {
	results := make(map[string]models.PredictionResult, len(metrics))
	for _, metric := range metrics {
		results[metric] = e.Predict(series, metric, horizon)
	}
	return results
}

// Steps converts horizon into a sample count using the average interval of
// the window, or fallback when the window carries no usable spacing.
func Steps(points []timeseries.Point, horizon, fallback time.Duration) float64 {
	if horizon <= 0 {
		return 0
	}

	interval := fallback
	if n := len(points); n >= 2 {
		span := points[n-1].Timestamp.Sub(points[0].Timestamp)
		if avg := span / time.Duration(n-1); avg > 0 {
			interval = avg
		}
	}
	if interval <= 0 {
		interval = time.Second
	}

	return float64(horizon) / float64(interval)
}
