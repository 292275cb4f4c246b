package analytics

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"perf-analytics/internal/models"
)

// EventKind names an engine notification.
type EventKind string

// Event kinds.
const (
	EventAnalyticsUpdated             EventKind = "analyticsUpdated"
	EventAnomalyDetected              EventKind = "anomalyDetected"
	EventPatternRecognized            EventKind = "patternRecognized"
	EventOptimizationOpportunityFound EventKind = "optimizationOpportunityFound"
	EventSystemHealthChanged          EventKind = "systemHealthChanged"
	EventPredictionUpdated            EventKind = "predictionUpdated"
	EventPerformanceAlert             EventKind = "performanceAlert"
	EventBenchmarkCompleted           EventKind = "benchmarkCompleted"
)

// Event is delivered to subscribers. Only the fields relevant to Kind are
// set.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	Metrics    *models.AdvancedMetrics  `json:"metrics,omitempty"`
	Anomaly    *models.AnomalyRecord    `json:"anomaly,omitempty"`
	Pattern    *models.PatternResult    `json:"pattern,omitempty"`
	Prediction *models.PredictionResult `json:"prediction,omitempty"`
	Alert      *Alert                   `json:"alert,omitempty"`
	Benchmark  *BenchmarkResult         `json:"benchmark,omitempty"`

	Subsystem string  `json:"subsystem,omitempty"`
	Potential float64 `json:"potential,omitempty"`
	Status    string  `json:"status,omitempty"`
	Score     float64 `json:"score,omitempty"`
}

// Subscribe registers fn for every event and returns its id. Events are
// delivered synchronously, in tick order, from the goroutine that produced
// them. Every event carries its own copy of the snapshot. fn must not call
// Process or RunBenchmark.
func (e *Engine) Subscribe(fn func(Event)) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextSubscriber++
	e.subscribers[e.nextSubscriber] = fn
	return e.nextSubscriber
}

// Unsubscribe removes a subscriber.
func (e *Engine) Unsubscribe(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subscribers, id)
}

func (e *Engine) emit(events []Event) {
	if len(events) == 0 {
		return
	}

	e.mu.Lock()
	ids := make([]int, 0, len(e.subscribers))
	for id := range e.subscribers {
		ids = append(ids, id)
	}
	subs := make([]func(Event), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		subs = append(subs, e.subscribers[id])
	}
	e.mu.Unlock()

	for _, ev := range events {
		for _, fn := range subs {
			e.deliver(fn, ev)
		}
	}
}

func (e *Engine) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event subscriber panicked",
				zap.String("event", string(ev.Kind)),
				zap.Any("panic", r),
			)
		}
	}()
	fn(ev)
}
