package analytics

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"perf-analytics/internal/models"
	"perf-analytics/internal/persist"
	"perf-analytics/internal/stats"
)

// lowerIsBetter lists metrics whose rising values mean degradation.
var lowerIsBetter = map[string]bool{
	models.MetricCPUUsage:      true,
	models.MetricMemoryUsage:   true,
	models.MetricRenderTime:    true,
	models.MetricSkippedFrames: true,
}

// History returns a copy of the published snapshots, oldest first.
func (e *Engine) History() []models.AdvancedMetrics {
	return e.historySlice()
}

func (e *Engine) historySlice() []models.AdvancedMetrics {
	e.histMu.RLock()
	defer e.histMu.RUnlock()
	return e.history.Slice()
}

// Current returns the latest snapshot.
func (e *Engine) Current() (models.AdvancedMetrics, bool) {
	e.histMu.RLock()
	defer e.histMu.RUnlock()
	return e.history.Last()
}

// HistorySince returns the snapshots no older than d before the newest one.
func (e *Engine) HistorySince(d time.Duration) []models.AdvancedMetrics {
	e.histMu.RLock()
	defer e.histMu.RUnlock()

	newest, ok := e.history.Last()
	if !ok {
		return nil
	}
	cutoff := newest.Timestamp().Add(-d)

	var out []models.AdvancedMetrics
	for i := 0; i < e.history.Len(); i++ {
		if m := e.history.At(i); !m.Timestamp().Before(cutoff) {
			out = append(out, m)
		}
	}
	return out
}

// SetDataRetention drops snapshots older than d relative to the newest one,
// now and after every tick. Zero keeps everything up to the capacity.
func (e *Engine) SetDataRetention(d time.Duration) {
	if d < 0 {
		d = 0
	}

	e.histMu.Lock()
	defer e.histMu.Unlock()
	e.retention = d
	e.trimLocked()
}

// trimLocked applies the retention window. Caller holds histMu.
func (e *Engine) trimLocked() {
	if e.retention <= 0 {
		return
	}
	newest, ok := e.history.Last()
	if !ok {
		return
	}

	cutoff := newest.Timestamp().Add(-e.retention)
	if n := e.history.DropWhile(func(m models.AdvancedMetrics) bool { return m.Timestamp().Before(cutoff) }); n > 0 {
		e.logger.Debug("history trimmed", zap.Int("dropped", n))
	}
}

// Clear forgets the history, the metric series and every derived state.
// Registrations and configuration are kept.
func (e *Engine) Clear() {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	e.resetLocked()

	e.histMu.Lock()
	e.history.Reset()
	e.histMu.Unlock()

	e.logger.Info("analytics history cleared", zap.String("session", e.sessionID))
}

// resetLocked resets the tick-owned state. Caller holds tickMu.
func (e *Engine) resetLocked() {
	e.store.Reset()
	e.ingestor.Reset()
	e.detector.Reset()
	e.pool.Drain()
	e.derived = newDerivedState()

	e.mu.Lock()
	e.lastAlert = make(map[string]time.Time)
	e.mu.Unlock()
}

// Export writes the history and the active configuration to path. An empty
// format is derived from the file extension.
func (e *Engine) Export(path, format string) error {
	doc := persist.NewDocument(e.sessionID, e.historySlice(), e.Config(), e.now())
	if err := persist.Write(path, doc, format); err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}

	e.logger.Info("analytics exported", zap.String("path", path), zap.Int("snapshots", len(doc.Metrics)))
	return nil
}

// Import replaces the history with the snapshots stored at path and
// rebuilds the metric series from them. The configuration is unchanged.
func (e *Engine) Import(path string) error {
	doc, err := persist.Read(path)
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	history := doc.History()

	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	e.resetLocked()

	e.histMu.Lock()
	e.history.Reset()
	for _, m := range history {
		e.history.Push(m)
	}
	e.trimLocked()
	kept := e.history.Slice()
	e.histMu.Unlock()

	for _, m := range kept {
		ts := m.Timestamp()
		for name, value := range m.Sample.Values() {
			e.store.Push(name, value, ts)
		}
		for name, value := range m.CustomMetrics {
			e.store.Push(name, value, ts)
		}
	}
	if n := len(kept); n > 0 {
		last := kept[n-1]
		e.ingestor.Restore(last.Sample, last.SampleCount)
		e.derived.dominant = models.PatternResult{Name: last.Pattern, Confidence: last.PatternConfidence}
	}

	e.logger.Info("analytics imported",
		zap.String("path", path),
		zap.String("importedSession", doc.SessionID),
		zap.Int("snapshots", len(kept)),
	)
	return nil
}

// Predict forecasts metric horizon ahead with the configured model.
func (e *Engine) Predict(metric string, horizon time.Duration) models.PredictionResult {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return e.predictor.Predict(e.store, metric, horizon)
}

// PredictAll forecasts every tracked metric horizon ahead.
func (e *Engine) PredictAll(horizon time.Duration) map[string]models.PredictionResult {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return e.predictor.PredictAll(e.store, models.TrackedMetrics, horizon)
}

// Trend returns the least-squares slope per sample over the last window
// values of metric. A window <= 0 uses the pattern analysis window.
func (e *Engine) Trend(metric string, window int) float64 {
	if window <= 0 {
		window = e.Config().PatternAnalysisWindow
	}

	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return stats.LinearTrend(e.store.Values(metric, window))
}

// TrendDirection labels the trend of metric as improving, degrading or
// stable, taking into account whether lower values are better.
func (e *Engine) TrendDirection(metric string) string {
	e.tickMu.Lock()
	strength := stats.TrendStrength(e.store.Values(metric, e.Config().PatternAnalysisWindow))
	e.tickMu.Unlock()

	if lowerIsBetter[metric] {
		strength = -strength
	}
	return stats.ClassifyTrend(strength)
}

// Patterns returns the latest per-metric pattern classification.
func (e *Engine) Patterns() map[string]models.PatternResult {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return copyPatterns(e.derived.patterns)
}

// Series returns the last window values of a metric series.
func (e *Engine) Series(metric string, window int) []float64 {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return e.store.Values(metric, window)
}
