package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"
)

// Errors returned by the benchmark registry.
var (
	ErrUnknownBenchmark = errors.New("unknown benchmark")
	ErrNoBenchmarkRun   = errors.New("benchmark has not been run")
)

// MetricCollector samples a custom metric once per tick.
type MetricCollector func() float64

// AddCustomMetric registers a collector sampled every tick and pushed into
// the metric store under name.
func (e *Engine) AddCustomMetric(name string, collector MetricCollector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.customMetrics[name] = collector
}

// RemoveCustomMetric stops sampling name. Already collected values age out
// of the store.
func (e *Engine) RemoveCustomMetric(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.customMetrics, name)
}

// collectCustom samples every custom metric. A collector that panics or
// returns NaN or Inf is skipped for this tick.
func (e *Engine) collectCustom() map[string]float64 {
	e.mu.Lock()
	collectors := make(map[string]MetricCollector, len(e.customMetrics))
	for name, c := range e.customMetrics {
		collectors[name] = c
	}
	e.mu.Unlock()

	values := make(map[string]float64, len(collectors))
	for _, name := range sortedKeys(collectors) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Warn("custom metric collector panicked", zap.String("metric", name), zap.Any("panic", r))
				}
			}()
			v := collectors[name]()
			if math.IsNaN(v) || math.IsInf(v, 0) {
				e.logger.Warn("custom metric collector returned a non-finite value", zap.String("metric", name), zap.Float64("value", v))
				return
			}
			values[name] = v
		}()
	}
	return values
}

// BenchmarkFunc is one iteration of a custom benchmark.
type BenchmarkFunc func(ctx context.Context) error

// BenchmarkResult summarizes a benchmark run.
type BenchmarkResult struct {
	Name       string        `json:"name"`
	Iterations int           `json:"iterations"`
	Failures   int           `json:"failures"`
	Total      time.Duration `json:"total"`
	Mean       time.Duration `json:"mean"`
	Min        time.Duration `json:"min"`
	Max        time.Duration `json:"max"`
	P95        time.Duration `json:"p95"`
	Completed  time.Time     `json:"completed"`
}

// BenchmarkComparison compares the mean iteration time of two benchmarks.
type BenchmarkComparison struct {
	Baseline  string  `json:"baseline"`
	Candidate string  `json:"candidate"`
	Speedup   float64 `json:"speedup"` // baseline mean / candidate mean
	Faster    string  `json:"faster"`
}

// RegisterBenchmark adds or replaces a named benchmark.
func (e *Engine) RegisterBenchmark(name string, fn BenchmarkFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.benchmarks[name] = fn
}

// RunBenchmark runs a registered benchmark for iterations rounds in the
// calling goroutine, stores the result and emits benchmarkCompleted.
func (e *Engine) RunBenchmark(ctx context.Context, name string, iterations int) (BenchmarkResult, error) {
	e.mu.Lock()
	fn, ok := e.benchmarks[name]
	e.mu.Unlock()
	if !ok {
		return BenchmarkResult{}, fmt.Errorf("%w: %s", ErrUnknownBenchmark, name)
	}
	if iterations <= 0 {
		iterations = 1
	}

	hist := hdrhistogram.New(1, int64(time.Hour/time.Microsecond), 3)
	result := BenchmarkResult{Name: name}

	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return BenchmarkResult{}, fmt.Errorf("benchmark %s cancelled: %w", name, err)
		}

		start := time.Now()
		err := fn(ctx)
		elapsed := time.Since(start)

		result.Iterations++
		if err != nil {
			result.Failures++
			e.logger.Debug("benchmark iteration failed", zap.String("benchmark", name), zap.Error(err))
		}

		result.Total += elapsed
		if result.Min == 0 || elapsed < result.Min {
			result.Min = elapsed
		}
		if elapsed > result.Max {
			result.Max = elapsed
		}
		micros := elapsed.Microseconds()
		if micros < 1 {
			micros = 1
		}
		_ = hist.RecordValue(micros)
	}

	result.Mean = result.Total / time.Duration(result.Iterations)
	result.P95 = time.Duration(hist.ValueAtQuantile(95)) * time.Microsecond
	result.Completed = e.now()

	e.mu.Lock()
	e.benchResults[name] = result
	e.mu.Unlock()

	res := result
	e.emitMu.Lock()
	e.emit([]Event{{Kind: EventBenchmarkCompleted, Timestamp: result.Completed, Benchmark: &res}})
	e.emitMu.Unlock()
	return result, nil
}

// BenchmarkResults returns the latest result of every benchmark that ran.
func (e *Engine) BenchmarkResults() map[string]BenchmarkResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	results := make(map[string]BenchmarkResult, len(e.benchResults))
	for k, v := range e.benchResults {
		results[k] = v
	}
	return results
}

// CompareBenchmarks compares the last runs of baseline and candidate.
func (e *Engine) CompareBenchmarks(baseline, candidate string) (BenchmarkComparison, error) {
	e.mu.Lock()
	a, okA := e.benchResults[baseline]
	b, okB := e.benchResults[candidate]
	e.mu.Unlock()

	if !okA {
		return BenchmarkComparison{}, fmt.Errorf("%w: %s", ErrNoBenchmarkRun, baseline)
	}
	if !okB {
		return BenchmarkComparison{}, fmt.Errorf("%w: %s", ErrNoBenchmarkRun, candidate)
	}

	cmp := BenchmarkComparison{Baseline: baseline, Candidate: candidate, Speedup: 1, Faster: baseline}
	if b.Mean > 0 {
		cmp.Speedup = float64(a.Mean) / float64(b.Mean)
	}
	if cmp.Speedup > 1 {
		cmp.Faster = candidate
	}
	return cmp, nil
}
