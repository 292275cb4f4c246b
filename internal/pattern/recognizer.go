// Package pattern classifies a window of metric history into a named
// behavioural pattern with a confidence score.
package pattern

import (
	"math"
	"sort"
	"sync"

	"perf-analytics/internal/models"
	"perf-analytics/internal/stats"
)

const (
	// minSamples is the smallest window that gets classified at all.
	minSamples = 3
	// minConsistency is the share of steps that must follow the trend sign.
	minConsistency = 0.6
	// minCrossingRate separates oscillation from slow drift.
	minCrossingRate = 0.1
	// maxIntervalCV is the crossing-interval irregularity above which the
	// signal is chaotic rather than oscillating.
	maxIntervalCV = 0.5
	// maxGrowth is the amplitude ratio between window halves above which the
	// signal is considered unbounded.
	maxGrowth = 2.0
	// minHalfPeriod is the shortest mean gap between crossings, in samples,
	// that counts as a cycle.
	minHalfPeriod = 2.0
)

// Detector is a user-supplied classifier over a raw window. It reports
// whether the pattern matches and with which confidence (0-1).
type Detector func(window []float64) (bool, float64)

// Predicate adapts a plain boolean predicate into a Detector that reports
// full confidence on a match.
func Predicate(fn func(window []float64) bool) Detector {
	return func(window []float64) (bool, float64) {
		if fn(window) {
			return true, 1
		}
		return false, 0
	}
}

// Options tune the built-in classification.
type Options struct {
	TrendThreshold     float64
	StabilityTolerance float64
}

// DefaultOptions returns the built-in thresholds.
func DefaultOptions() Options {
	return Options{
		TrendThreshold:     0.5,
		StabilityTolerance: 0.05,
	}
}

// Recognizer classifies windows and keeps a registry of custom detectors.
// It is safe for concurrent use.
type Recognizer struct {
	mu      sync.RWMutex
	opts    Options
	custom  map[string]Detector
	ordered []string
}

// New creates a recognizer with the given options.
func New(opts Options) *Recognizer {
	return &Recognizer{
		opts:   opts,
		custom: make(map[string]Detector),
	}
}

// SetOptions replaces the classification thresholds.
func (r *Recognizer) SetOptions(opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts = opts
}

// Register adds or replaces a custom detector under name.
func (r *Recognizer) Register(name string, detector Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.custom[name]; !exists {
		r.ordered = append(r.ordered, name)
	}
	r.custom[name] = detector
}

// Unregister removes a custom detector.
func (r *Recognizer) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.custom[name]; !exists {
		return
	}
	delete(r.custom, name)
	for i, n := range r.ordered {
		if n == name {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			break
		}
	}
}

// KnownPatterns lists the built-in patterns followed by the custom ones in
// registration order.
func (r *Recognizer) KnownPatterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := []string{
		models.PatternStable,
		models.PatternIncreasing,
		models.PatternDecreasing,
		models.PatternOscillating,
		models.PatternChaotic,
	}
	return append(names, r.ordered...)
}

// Classify returns the pattern of window. Custom detectors run after the
// built-in classification and win when they match with at least the same
// confidence.
func (r *Recognizer) Classify(window []float64) models.PatternResult {
	r.mu.RLock()
	opts := r.opts
	names := make([]string, len(r.ordered))
	copy(names, r.ordered)
	detectors := make([]Detector, len(names))
	for i, name := range names {
		detectors[i] = r.custom[name]
	}
	r.mu.RUnlock()

	result := classify(window, opts)

	for i, detect := range detectors {
		matched, confidence := safeDetect(detect, window)
		if !matched {
			continue
		}
		confidence = stats.Clamp(confidence, 0, 1)
		if confidence >= result.Confidence {
			result = models.PatternResult{
				Name:       names[i],
				Confidence: confidence,
				Custom:     true,
			}
		}
	}

	return result
}

// ClassifyMetrics classifies every metric in windows and returns the
// results keyed by metric name.
func (r *Recognizer) ClassifyMetrics(windows map[string][]float64) map[string]models.PatternResult {
	results := make(map[string]models.PatternResult, len(windows))
	for metric, window := range windows {
		res := r.Classify(window)
		res.Metric = metric
		results[metric] = res
	}
	return results
}

// Dominant picks the headline pattern across metrics: the most confident
// non-stable pattern, or stable with the highest stable confidence.
func Dominant(results map[string]models.PatternResult) models.PatternResult {
	metrics := make([]string, 0, len(results))
	for m := range results {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)

	best := models.PatternResult{Name: models.PatternStable}
	bestStable := models.PatternResult{Name: models.PatternStable}
	found := false
	for _, m := range metrics {
		res := results[m]
		if res.Name == models.PatternStable {
			if res.Confidence > bestStable.Confidence {
				bestStable = res
			}
			continue
		}
		if !found || res.Confidence > best.Confidence {
			best = res
			found = true
		}
	}

	if found {
		return best
	}
	return bestStable
}

func safeDetect(detect Detector, window []float64) (matched bool, confidence float64) {
	defer func() {
		if recover() != nil {
			matched, confidence = false, 0
		}
	}()

	cp := make([]float64, len(window))
	copy(cp, window)
	return detect(cp)
}

func classify(window []float64, opts Options) models.PatternResult {
	if len(window) < minSamples {
		return models.PatternResult{Name: models.PatternStable}
	}

	strength := stats.TrendStrength(window)
	consistency := stepConsistency(window, strength)

	if math.Abs(strength) >= opts.TrendThreshold && consistency >= minConsistency {
		name := models.PatternIncreasing
		if strength < 0 {
			name = models.PatternDecreasing
		}
		return models.PatternResult{
			Name:       name,
			Confidence: stats.Clamp(math.Abs(strength)*consistency, 0, 1),
		}
	}

	fit := stats.LinearFit(window)
	residuals := make([]float64, len(window))
	for i, v := range window {
		residuals[i] = v - fit.At(float64(i))
	}

	crossings := zeroCrossings(residuals)
	rate := float64(len(crossings)) / float64(len(residuals)-1)
	irregularity := intervalCV(crossings)
	growth := amplitudeGrowth(residuals)
	cyclic := rate >= minCrossingRate && irregularity <= maxIntervalCV && growth <= maxGrowth

	// a regular cycle is oscillation at any amplitude; sample-to-sample
	// flicker is left to the spread tolerance
	if cyclic && meanGap(crossings) >= minHalfPeriod && hasSignal(window, residuals) {
		return oscillating(irregularity, growth)
	}

	spread := relativeSpread(window, residuals)
	if spread <= opts.StabilityTolerance {
		confidence := 1.0
		if opts.StabilityTolerance > 0 {
			confidence = 1 - spread/opts.StabilityTolerance
		}
		confidence *= 1 - math.Abs(strength)
		return models.PatternResult{
			Name:       models.PatternStable,
			Confidence: stats.Clamp(confidence, 0, 1),
		}
	}

	if rate < minCrossingRate {
		// noisy drift without a consistent direction and without cycles
		return models.PatternResult{
			Name:       models.PatternStable,
			Confidence: stats.Clamp(0.5*(1-math.Abs(strength)), 0, 1),
		}
	}

	if cyclic {
		return oscillating(irregularity, growth)
	}

	chaos := math.Max(
		stats.Clamp((irregularity-maxIntervalCV)/maxIntervalCV, 0, 1),
		stats.Clamp((growth-maxGrowth)/maxGrowth, 0, 1),
	)
	return models.PatternResult{
		Name:       models.PatternChaotic,
		Confidence: stats.Clamp(0.5+0.5*chaos, 0, 1),
	}
}

func oscillating(irregularity, growth float64) models.PatternResult {
	regularity := 1 - irregularity/maxIntervalCV
	boundedness := 1 - math.Max(0, growth-1)/(maxGrowth-1)
	return models.PatternResult{
		Name:       models.PatternOscillating,
		Confidence: stats.Clamp(0.5+0.5*regularity*boundedness, 0, 1),
	}
}

func stepConsistency(window []float64, strength float64) float64 {
	var agree, total int
	for _, d := range stats.Diffs(window) {
		if d == 0 {
			continue
		}
		total++
		if (d > 0) == (strength > 0) {
			agree++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(agree) / float64(total)
}

func relativeSpread(window, residuals []float64) float64 {
	sd := stats.StdDev(residuals)
	if sd == 0 {
		return 0
	}

	level := math.Abs(stats.Mean(window))
	if level < 1e-9 {
		return math.Inf(1)
	}
	return sd / level
}

func hasSignal(window, residuals []float64) bool {
	level := math.Max(1, math.Abs(stats.Mean(window)))
	return stats.StdDev(residuals) > 1e-9*level
}

func meanGap(crossings []int) float64 {
	if len(crossings) < 2 {
		return 0
	}
	return float64(crossings[len(crossings)-1]-crossings[0]) / float64(len(crossings)-1)
}

func zeroCrossings(residuals []float64) []int {
	var idx []int
	prev := 0.0
	for i, r := range residuals {
		if r == 0 {
			continue
		}
		if prev != 0 && (r > 0) != (prev > 0) {
			idx = append(idx, i)
		}
		prev = r
	}
	return idx
}

func intervalCV(crossings []int) float64 {
	if len(crossings) < 3 {
		return math.Inf(1)
	}

	gaps := make([]float64, len(crossings)-1)
	for i := 1; i < len(crossings); i++ {
		gaps[i-1] = float64(crossings[i] - crossings[i-1])
	}

	mean := stats.Mean(gaps)
	if mean == 0 {
		return math.Inf(1)
	}
	return stats.StdDev(gaps) / mean
}

func amplitudeGrowth(residuals []float64) float64 {
	half := len(residuals) / 2
	older := stats.StdDev(residuals[:half])
	newer := stats.StdDev(residuals[half:])
	if older == 0 {
		if newer == 0 {
			return 1
		}
		return math.Inf(1)
	}
	return newer / older
}
