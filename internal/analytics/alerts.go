package analytics

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"perf-analytics/internal/timeseries"
)

// Direction tells on which side of a threshold an alert fires.
type Direction string

// Threshold directions.
const (
	Above Direction = "above"
	Below Direction = "below"
)

// AlertThreshold is a per-metric alert limit.
type AlertThreshold struct {
	Metric    string    `json:"metric"`
	Threshold float64   `json:"threshold"`
	Direction Direction `json:"direction"`
}

func (t AlertThreshold) breached(value float64) bool {
	if t.Direction == Below {
		return value < t.Threshold
	}
	return value > t.Threshold
}

// Alert is raised when a metric crosses its threshold.
type Alert struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Direction Direction `json:"direction"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertCallback receives every alert that survived the cooldown.
type AlertCallback func(Alert)

func (e *Engine) SetAlertThreshold(metric string, threshold float64, direction Direction) {
	if direction != Below {
		direction = Above
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.thresholds[metric] = AlertThreshold{Metric: metric, Threshold: threshold, Direction: direction}
}

func (e *Engine) RemoveAlertThreshold(metric string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.thresholds, metric)
}

func (e *Engine) AlertThresholds() []AlertThreshold {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := make([]AlertThreshold, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Metric < list[j].Metric })
	return list
}

func (e *Engine) AddAlertCallback(cb AlertCallback) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextCallback++
	e.callbacks[e.nextCallback] = cb
	return e.nextCallback
}

func (e *Engine) RemoveAlertCallback(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.callbacks, id)
}

// checkAlerts compares the latest value of every thresholded metric and
// returns the alerts outside the per-metric cooldown. Called from the tick.
func (e *Engine) checkAlerts(series timeseries.Reader, ts time.Time, cooldown time.Duration) ([]Alert, []AlertCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var alerts []Alert
	for _, metric := range sortedKeys(e.thresholds) {
		t := e.thresholds[metric]
		value, ok := series.Latest(metric)
		if !ok || !t.breached(value) {
			continue
		}

		if last, seen := e.lastAlert[metric]; seen && cooldown > 0 && ts.Sub(last) < cooldown {
			continue
		}
		e.lastAlert[metric] = ts

		alerts = append(alerts, Alert{
			Metric:    metric,
			Value:     value,
			Threshold: t.Threshold,
			Direction: t.Direction,
			Message:   fmt.Sprintf("%s is %.2f, %s threshold %.2f", metric, value, t.Direction, t.Threshold),
			Timestamp: ts,
		})
	}

	if len(alerts) == 0 {
		return nil, nil
	}

	ids := make([]int, 0, len(e.callbacks))
	for id := range e.callbacks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	callbacks := make([]AlertCallback, len(ids))
	for i, id := range ids {
		callbacks[i] = e.callbacks[id]
	}
	return alerts, callbacks
}

func (e *Engine) notify(alerts []Alert, callbacks []AlertCallback) {
	for _, alert := range alerts {
		for _, cb := range callbacks {
			func() {
				defer func() {
					if r := recover(); r != nil {
						e.logger.Error("alert callback panicked", zap.String("metric", alert.Metric), zap.Any("panic", r))
					}
				}()
				cb(alert)
			}()
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
