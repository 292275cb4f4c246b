// Package anomaly flags out-of-band samples with statistical, pattern and
// contextual rules, and applies the per-metric alert cooldown.
package anomaly

import (
	"fmt"
	"math"
	"sync"
	"time"

	"perf-analytics/internal/config"
	"perf-analytics/internal/models"
	"perf-analytics/internal/stats"
	"perf-analytics/internal/timeseries"
)

// minBaseline is the smallest baseline that can produce an anomaly.
const minBaseline = 3

// Options configure a Detector.
type Options struct {
	Threshold  float64
	WindowSize int
	Retention  int
	Cooldown   time.Duration
	Rules      []config.ContextRule
}

// OptionsFrom extracts the detector options from the engine configuration.
func OptionsFrom(cfg config.Analytics) Options {
	return Options{
		Threshold:  cfg.AnomalyThreshold,
		WindowSize: cfg.AnomalyWindowSize,
		Retention:  cfg.AnomalyRetention,
		Cooldown:   cfg.AlertCooldown.Std(),
		Rules:      cfg.ContextRules,
	}
}

// Input is everything one detection pass looks at. The last value of every
// series in Series is the current reading.
type Input struct {
	Timestamp time.Time
	Series    timeseries.Reader
	Metrics   []string
	Patterns  map[string]models.PatternResult
}

// Result holds every record detected in one pass and the subset that
// survived the cooldown.
type Result struct {
	All    []models.AnomalyRecord
	Alerts []models.AnomalyRecord
}

// MaxSeverity returns the highest severity across all records.
func (r Result) MaxSeverity() float64 {
	var max float64
	for _, rec := range r.All {
		max = math.Max(max, rec.Severity)
	}
	return max
}

// Stats summarizes the detector activity.
type Stats struct {
	Checks          int64     `json:"checks"`
	TotalAnomalies  int64     `json:"total_anomalies"`
	Suppressed      int64     `json:"suppressed"`
	AnomalyRate     float64   `json:"anomaly_rate"`
	LastAnomalyTime time.Time `json:"last_anomaly_time,omitempty"`
	Threshold       float64   `json:"threshold"`
	WindowSize      int       `json:"window_size"`
}

// Detector runs the three rule classes over the time series store.
type Detector struct {
	mu sync.RWMutex

	opts  Options
	extra []config.ContextRule

	records   *timeseries.Ring[models.AnomalyRecord]
	lastAlert map[string]time.Time
	stats     Stats
}

// New creates a detector.
func New(opts Options) *Detector {
	opts = sanitize(opts)
	return &Detector{
		opts:      opts,
		records:   timeseries.NewRing[models.AnomalyRecord](opts.Retention),
		lastAlert: make(map[string]time.Time),
		stats: Stats{
			Threshold:  opts.Threshold,
			WindowSize: opts.WindowSize,
		},
	}
}

func sanitize(opts Options) Options {
	if opts.WindowSize < minBaseline {
		opts.WindowSize = minBaseline
	}
	if opts.Retention <= 0 {
		opts.Retention = 20
	}
	if opts.Threshold < 0 || math.IsNaN(opts.Threshold) {
		opts.Threshold = 0
	}
	return opts
}

// SetOptions replaces the options. Rules added with AddRule are kept.
func (d *Detector) SetOptions(opts Options) {
	opts = sanitize(opts)

	d.mu.Lock()
	defer d.mu.Unlock()

	if opts.Retention != d.opts.Retention {
		d.records.Resize(opts.Retention)
	}
	d.opts = opts
	d.stats.Threshold = opts.Threshold
	d.stats.WindowSize = opts.WindowSize
}

// AddRule registers an extra contextual rule.
func (d *Detector) AddRule(rule config.ContextRule) {
	rule.Severity = stats.Clamp(rule.Severity, 0, 1)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.extra = append(d.extra, rule)
}

// Rules returns the configured rules followed by the added ones.
func (d *Detector) Rules() []config.ContextRule {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rules := make([]config.ContextRule, 0, len(d.opts.Rules)+len(d.extra))
	rules = append(rules, d.opts.Rules...)
	return append(rules, d.extra...)
}

// Detect evaluates every rule class against the current readings. Every
// record is retained; records for a metric whose last alert is inside the
// cooldown are left out of Alerts.
func (d *Detector) Detect(in Input) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	var found []models.AnomalyRecord
	for _, metric := range in.Metrics {
		values := in.Series.Values(metric, d.opts.WindowSize+1)
		if rec, ok := d.statistical(metric, values, in.Timestamp); ok {
			found = append(found, rec)
		}
		if pat, ok := in.Patterns[metric]; ok {
			if rec, ok := d.contradiction(metric, values, pat, in.Timestamp); ok {
				found = append(found, rec)
			}
		}
	}

	for _, rule := range d.opts.Rules {
		if rec, ok := contextual(rule, in.Series, in.Timestamp); ok {
			found = append(found, rec)
		}
	}
	for _, rule := range d.extra {
		if rec, ok := contextual(rule, in.Series, in.Timestamp); ok {
			found = append(found, rec)
		}
	}

	d.stats.Checks++
	result := Result{All: found}
	for _, rec := range found {
		d.records.Push(rec)
		d.stats.TotalAnomalies++
		d.stats.LastAnomalyTime = rec.Timestamp

		if last, seen := d.lastAlert[rec.Metric]; seen && d.opts.Cooldown > 0 && rec.Timestamp.Sub(last) < d.opts.Cooldown {
			d.stats.Suppressed++
			continue
		}
		d.lastAlert[rec.Metric] = rec.Timestamp
		result.Alerts = append(result.Alerts, rec)
	}
	d.stats.AnomalyRate = float64(d.stats.TotalAnomalies) / float64(d.stats.Checks)

	return result
}

func (d *Detector) statistical(metric string, values []float64, ts time.Time) (models.AnomalyRecord, bool) {
	if len(values) < minBaseline+1 {
		return models.AnomalyRecord{}, false
	}

	current := values[len(values)-1]
	baseline := values[:len(values)-1]
	mean := stats.Mean(baseline)
	sd := stats.StdDev(baseline)

	deviation := math.Abs(current - mean)
	if deviation <= d.opts.Threshold*sd {
		return models.AnomalyRecord{}, false
	}

	severity := 1.0
	if sd > 0 && d.opts.Threshold > 0 {
		severity = stats.Clamp(deviation/sd/(2*d.opts.Threshold), 0, 1)
	}

	return models.AnomalyRecord{
		Metric:      metric,
		Kind:        models.AnomalyStatistical,
		Description: fmt.Sprintf("%s %.2f deviates from baseline mean %.2f (σ %.2f)", metric, current, mean, sd),
		Value:       current,
		Severity:    severity,
		Timestamp:   ts,
	}, true
}

func (d *Detector) contradiction(metric string, values []float64, pat models.PatternResult, ts time.Time) (models.AnomalyRecord, bool) {
	if pat.Name != models.PatternIncreasing && pat.Name != models.PatternDecreasing {
		return models.AnomalyRecord{}, false
	}

	steps := stats.Diffs(values)
	if len(steps) < minBaseline+1 {
		return models.AnomalyRecord{}, false
	}

	step := steps[len(steps)-1]
	baseline := steps[:len(steps)-1]
	if pat.Name == models.PatternIncreasing && step >= 0 ||
		pat.Name == models.PatternDecreasing && step <= 0 {
		return models.AnomalyRecord{}, false
	}

	mean := stats.Mean(baseline)
	sd := stats.StdDev(baseline)
	deviation := math.Abs(step - mean)
	if deviation <= d.opts.Threshold*sd {
		return models.AnomalyRecord{}, false
	}

	sharpness := 1.0
	if sd > 0 && d.opts.Threshold > 0 {
		sharpness = stats.Clamp(deviation/sd/(2*d.opts.Threshold), 0, 1)
	}

	direction := "drop"
	if step > 0 {
		direction = "rise"
	}
	current := values[len(values)-1]

	return models.AnomalyRecord{
		Metric:      metric,
		Kind:        models.AnomalyPattern,
		Description: fmt.Sprintf("sharp %s of %.2f in %s while pattern is %s", direction, math.Abs(step), metric, pat.Name),
		Value:       current,
		Severity:    stats.Clamp(sharpness*math.Max(pat.Confidence, 0.5), 0, 1),
		Timestamp:   ts,
	}, true
}

func contextual(rule config.ContextRule, series timeseries.Reader, ts time.Time) (models.AnomalyRecord, bool) {
	if len(rule.Conditions) == 0 {
		return models.AnomalyRecord{}, false
	}

	var first float64
	for i, cond := range rule.Conditions {
		value, ok := series.Latest(cond.Metric)
		if !ok || !cond.Holds(value) {
			return models.AnomalyRecord{}, false
		}
		if i == 0 {
			first = value
		}
	}

	description := rule.Description
	if description == "" {
		description = "contextual rule " + rule.Name + " matched"
	}

	return models.AnomalyRecord{
		Metric:      "context:" + rule.Name,
		Kind:        models.AnomalyContextual,
		Description: description,
		Value:       first,
		Severity:    stats.Clamp(rule.Severity, 0, 1),
		Timestamp:   ts,
	}, true
}

// Recent returns up to limit of the most recent records, oldest first.
func (d *Detector) Recent(limit int) []models.AnomalyRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if limit <= 0 || limit > d.records.Len() {
		limit = d.records.Len()
	}
	return d.records.Tail(limit)
}

// Stats returns a copy of the running counters.
func (d *Detector) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stats
}

// Reset forgets retained records, cooldown bookkeeping and counters.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.records.Reset()
	d.lastAlert = make(map[string]time.Time)
	d.stats = Stats{
		Threshold:  d.opts.Threshold,
		WindowSize: d.opts.WindowSize,
	}
}
