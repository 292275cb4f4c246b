package analytics

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"perf-analytics/internal/anomaly"
	"perf-analytics/internal/config"
	"perf-analytics/internal/health"
	"perf-analytics/internal/models"
	"perf-analytics/internal/optimize"
	"perf-analytics/internal/pattern"
	"perf-analytics/internal/persist"
	"perf-analytics/internal/stats"
)

// Background job names.
const (
	jobOptimization = "optimization"
	jobSink         = "sink"
	jobPersist      = "persist"
)

// Analyzer names used for interval gating.
const (
	runPattern      = "pattern"
	runAnomaly      = "anomaly"
	runPrediction   = "prediction"
	runOptimization = "optimization"
)

// Process runs one tick for sample synchronously and returns the published
// snapshot. A rejected sample produces no snapshot and no event.
func (e *Engine) Process(sample models.BaseSample) (models.AdvancedMetrics, error) {
	snapshot, events, alerts, callbacks, err := e.tick(sample)
	if err != nil {
		return models.AdvancedMetrics{}, err
	}
	defer e.emitMu.Unlock()

	e.notify(alerts, callbacks)
	e.emit(events)
	return snapshot, nil
}

func (e *Engine) tick(sample models.BaseSample) (models.AdvancedMetrics, []Event, []Alert, []AlertCallback, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	e.applyPending()
	cfg := e.cfg

	freshReport := e.drainResults()

	accepted, err := e.ingestor.Ingest(sample)
	if err != nil {
		e.rejected.Add(1)
		return models.AdvancedMetrics{}, nil, nil, nil, err
	}
	e.accepted.Add(1)
	ts := accepted.Timestamp

	custom := e.collectCustom()
	for name, value := range custom {
		e.store.Push(name, value, ts)
	}

	var events []Event
	d := &e.derived

	if cfg.EnablePatternRecognition && e.due(runPattern, cfg.PatternInterval.Std(), ts) {
		windows := make(map[string][]float64, len(models.TrackedMetrics))
		for _, metric := range models.TrackedMetrics {
			windows[metric] = e.store.Values(metric, cfg.PatternAnalysisWindow)
		}
		d.patterns = e.recognizer.ClassifyMetrics(windows)

		dominant := pattern.Dominant(d.patterns)
		if dominant.Name != d.dominant.Name {
			p := dominant
			events = append(events, Event{Kind: EventPatternRecognized, Timestamp: ts, Pattern: &p})
		}
		d.dominant = dominant
	}

	var detected anomaly.Result
	if cfg.EnableAnomalyDetection && e.due(runAnomaly, cfg.AnomalyInterval.Std(), ts) {
		detected = e.detector.Detect(anomaly.Input{
			Timestamp: ts,
			Series:    e.store,
			Metrics:   models.TrackedMetrics,
			Patterns:  d.patterns,
		})
		if n := len(detected.All); n > 0 {
			e.totalAnomalies.Add(int64(n))
			e.lastAnomaly.Store(ts.UnixNano())
		}
		for i := range detected.Alerts {
			rec := detected.Alerts[i]
			events = append(events, Event{Kind: EventAnomalyDetected, Timestamp: ts, Anomaly: &rec})
		}
	}

	if e.due(runPrediction, cfg.PredictionInterval.Std(), ts) {
		d.predictions = e.predictor.PredictAll(e.store, models.TrackedMetrics, cfg.PredictionHorizon.Std())
		for _, metric := range models.TrackedMetrics {
			p := d.predictions[metric]
			p.Parameters = copyFloats(p.Parameters)
			events = append(events, Event{Kind: EventPredictionUpdated, Timestamp: ts, Prediction: &p})
		}
	}

	if cfg.EnableOptimizationAnalysis && e.due(runOptimization, cfg.OptimizationAnalysisInterval.Std(), ts) {
		e.submitOptimization(cfg)
	}
	if freshReport {
		for _, rec := range d.report.Recommendations {
			if rec.Potential > cfg.OptimizationThreshold {
				events = append(events, Event{
					Kind:      EventOptimizationOpportunityFound,
					Timestamp: ts,
					Subsystem: rec.Subsystem,
					Potential: rec.Potential,
				})
			}
		}
	}

	scores := health.Score(health.Input{
		AnomalySeverities: e.recentSeverities(cfg.AnomalyWindowSize-1, detected.MaxSeverity()),
		Predictions:       d.predictions,
		FrameRates:        e.store.Values(models.MetricFrameRate, cfg.AnomalyWindowSize),
		RenderTimes:       e.store.Values(models.MetricRenderTime, cfg.AnomalyWindowSize),
		CPU:               e.store.Values(models.MetricCPUUsage, cfg.AnomalyWindowSize),
		TargetFrameRate:   cfg.TargetFrameRate,
	})
	assessment := health.Assess(d.assessment, scores)
	if assessment.Status != d.assessment.Status {
		events = append(events, Event{
			Kind:      EventSystemHealthChanged,
			Timestamp: ts,
			Status:    assessment.Status,
			Score:     assessment.Overall,
		})
	}
	d.assessment = assessment

	snapshot := models.AdvancedMetrics{
		Sample:               accepted,
		Predicted:            make(map[string]float64, len(d.predictions)),
		Trends:               make(map[string]float64, len(models.TrackedMetrics)),
		Pattern:              d.dominant.Name,
		PatternConfidence:    d.dominant.Confidence,
		MetricPatterns:       copyPatterns(d.patterns),
		Anomalies:            nilIfEmpty(detected.All),
		AnomalySeverity:      detected.MaxSeverity(),
		Health:               scores,
		SystemState:          assessment.Status,
		Workload:             health.Workload(accepted.CPUUsage),
		Optimization:         copyFloats(d.report.Potentials),
		Recommendations:      nilIfEmpty(d.report.Messages()),
		EstimatedImprovement: d.report.EstimatedImprovement,
		CustomMetrics:        custom,
		SessionID:            e.sessionID,
		SampleCount:          e.ingestor.Accepted(),
	}
	for metric, p := range d.predictions {
		snapshot.Predicted[metric] = p.Value
	}
	for _, metric := range models.TrackedMetrics {
		snapshot.Trends[metric] = stats.LinearTrend(e.store.Values(metric, cfg.PatternAnalysisWindow))
	}

	e.histMu.Lock()
	e.history.Push(snapshot)
	e.trimLocked()
	e.histMu.Unlock()

	if e.sink != nil {
		e.submitSink(snapshot)
	}
	if cfg.DataStoragePath != "" && cfg.PersistInterval > 0 && e.persistDue(cfg.PersistInterval.Std(), ts) {
		e.submitPersist(cfg)
	}

	var alerts []Alert
	var callbacks []AlertCallback
	if cfg.EnablePerformanceAlerts {
		alerts, callbacks = e.checkAlerts(e.store, ts, cfg.AlertCooldown.Std())
		for i := range alerts {
			a := alerts[i]
			events = append(events, Event{Kind: EventPerformanceAlert, Timestamp: ts, Alert: &a})
		}
	}

	published := snapshot.Clone()
	events = append([]Event{{Kind: EventAnalyticsUpdated, Timestamp: ts, Metrics: &published}}, events...)

	// released by Process once the events are delivered
	e.emitMu.Lock()
	return snapshot.Clone(), events, alerts, callbacks, nil
}

// due reports whether the analyzer's interval has elapsed in sample time,
// and records the run when it has.
func (e *Engine) due(name string, interval time.Duration, ts time.Time) bool {
	last, ran := e.derived.lastRun[name]
	if ran && interval > 0 && ts.Sub(last) < interval {
		return false
	}
	e.derived.lastRun[name] = ts
	return true
}

func (e *Engine) persistDue(interval time.Duration, ts time.Time) bool {
	if e.derived.lastPersist.IsZero() {
		// first snapshot starts the clock
		e.derived.lastPersist = ts
		return false
	}
	if ts.Sub(e.derived.lastPersist) < interval {
		return false
	}
	e.derived.lastPersist = ts
	return true
}

// drainResults applies the background results queued since the previous
// tick and reports whether a new optimization report arrived.
func (e *Engine) drainResults() bool {
	fresh := false
	for _, res := range e.pool.Drain() {
		switch v := res.Value.(type) {
		case optimize.Report:
			e.derived.report = v
			fresh = true
		default:
			e.logger.Debug("background job finished", zap.String("job", res.Name))
		}
	}
	return fresh
}

func (e *Engine) submitOptimization(cfg config.Analytics) {
	opts := optimize.OptionsFrom(cfg)
	snap := e.store.Snapshot(opts.Window)

	e.pool.Submit(jobOptimization, func(ctx context.Context) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return optimize.Analyze(snap, opts), nil
	})
}

func (e *Engine) submitSink(snapshot models.AdvancedMetrics) {
	sink := e.sink
	e.pool.Submit(jobSink, func(ctx context.Context) (any, error) {
		if err := sink.StoreSnapshot(ctx, snapshot); err != nil {
			return nil, err
		}
		return jobSink, nil
	})
}

func (e *Engine) submitPersist(cfg config.Analytics) {
	path := storagePath(cfg.DataStoragePath)
	doc := persist.NewDocument(e.sessionID, e.historySlice(), cfg, e.now())

	e.pool.Submit(jobPersist, func(ctx context.Context) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := persist.Write(path, doc, ""); err != nil {
			return nil, fmt.Errorf("failed to persist history: %w", err)
		}
		return path, nil
	})
}

// storagePath treats an extension-less path as a directory.
func storagePath(path string) string {
	if filepath.Ext(path) == "" {
		return filepath.Join(path, "analytics.json")
	}
	return path
}

// recentSeverities returns the anomaly severity of the last n published
// snapshots followed by current.
func (e *Engine) recentSeverities(n int, current float64) []float64 {
	e.histMu.RLock()
	defer e.histMu.RUnlock()

	tail := e.history.Tail(n)
	severities := make([]float64, 0, len(tail)+1)
	for _, m := range tail {
		severities = append(severities, m.AnomalySeverity)
	}
	return append(severities, current)
}

func copyPatterns(m map[string]models.PatternResult) map[string]models.PatternResult {
	out := make(map[string]models.PatternResult, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyFloats(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func nilIfEmpty[T any](s []T) []T {
	if len(s) == 0 {
		return nil
	}
	return s
}
