package models

import "time"

// Metric names pushed into the time series store for every accepted sample.
const (
	MetricFrameRate        = "frameRate"
	MetricCPUUsage         = "cpuUsage"
	MetricMemoryUsage      = "memoryUsage" // MiB
	MetricRenderTime       = "renderTime"  // milliseconds
	MetricActiveAnimations = "activeAnimations"
	MetricSkippedFrames    = "skippedFrames"
)

// TrackedMetrics are the metrics every analyzer looks at by default.
var TrackedMetrics = []string{
	MetricFrameRate,
	MetricCPUUsage,
	MetricMemoryUsage,
	MetricRenderTime,
}

// BaseSample is one telemetry reading pushed by the metric source.
type BaseSample struct {
	Timestamp        time.Time     `json:"timestamp"`
	FrameRate        float64       `json:"frame_rate"`
	CPUUsage         float64       `json:"cpu_usage"`
	MemoryUsage      uint64        `json:"memory_usage"`
	RenderTime       time.Duration `json:"render_time"`
	ActiveAnimations int           `json:"active_animations,omitempty"`
	SkippedFrames    int           `json:"skipped_frames,omitempty"`
}

func (s BaseSample) MemoryMiB() float64 {
	return float64(s.MemoryUsage) / (1024 * 1024)
}

func (s BaseSample) RenderMillis() float64 {
	return float64(s.RenderTime) / float64(time.Millisecond)
}

func (s BaseSample) Values() map[string]float64 {
	return map[string]float64{
		MetricFrameRate:        s.FrameRate,
		MetricCPUUsage:         s.CPUUsage,
		MetricMemoryUsage:      s.MemoryMiB(),
		MetricRenderTime:       s.RenderMillis(),
		MetricActiveAnimations: float64(s.ActiveAnimations),
		MetricSkippedFrames:    float64(s.SkippedFrames),
	}
}

// Pattern names produced by the built-in recognizer.
const (
	PatternStable      = "stable"
	PatternIncreasing  = "increasing"
	PatternDecreasing  = "decreasing"
	PatternOscillating = "oscillating"
	PatternChaotic     = "chaotic"
)

// PatternResult is the classification of one metric window.
type PatternResult struct {
	Metric     string  `json:"metric"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Custom     bool    `json:"custom,omitempty"`
}

// AnomalyKind tells which rule class produced an anomaly.
type AnomalyKind string

const (
	AnomalyStatistical AnomalyKind = "statistical"
	AnomalyPattern     AnomalyKind = "pattern"
	AnomalyContextual  AnomalyKind = "contextual"
)

// AnomalyRecord describes one detected anomaly.
type AnomalyRecord struct {
	Metric      string      `json:"metric"`
	Kind        AnomalyKind `json:"kind"`
	Description string      `json:"description"`
	Value       float64     `json:"value"`
	Severity    float64     `json:"severity"`
	Timestamp   time.Time   `json:"timestamp"`
}

// PredictionResult is a forecast for one metric.
type PredictionResult struct {
	Metric      string             `json:"metric"`
	Value       float64            `json:"value"`
	Confidence  float64            `json:"confidence"`
	Horizon     time.Duration      `json:"horizon"`
	Model       string             `json:"model"`
	Parameters  map[string]float64 `json:"parameters,omitempty"`
	Explanation string             `json:"explanation"`
	IsReliable  bool               `json:"is_reliable"`
}

// HealthScores are the four 0-100 health indicators.
type HealthScores struct {
	Stability      float64 `json:"stability"`
	Reliability    float64 `json:"reliability"`
	UserExperience float64 `json:"user_experience"`
	Energy         float64 `json:"energy_efficiency"`
}

func (h HealthScores) Overall() float64 {
	return (h.Stability + h.Reliability + h.UserExperience + h.Energy) / 4
}

// System states reported by the health assessment.
const (
	StateOptimal  = "optimal"
	StateDegraded = "degraded"
	StateCritical = "critical"
	StateRecovery = "recovery"
)

// Workload labels derived from CPU usage.
const (
	WorkloadLight   = "light"
	WorkloadNormal  = "normal"
	WorkloadHeavy   = "heavy"
	WorkloadExtreme = "extreme"
)

// AdvancedMetrics is the analytics snapshot published once per tick.
type AdvancedMetrics struct {
	Sample BaseSample `json:"sample"`

	Predicted map[string]float64 `json:"predicted"`
	Trends    map[string]float64 `json:"trends"`

	Pattern           string                   `json:"pattern"`
	PatternConfidence float64                  `json:"pattern_confidence"`
	MetricPatterns    map[string]PatternResult `json:"metric_patterns,omitempty"`

	Anomalies       []AnomalyRecord `json:"anomalies,omitempty"`
	AnomalySeverity float64         `json:"anomaly_severity"`

	Health      HealthScores `json:"health"`
	SystemState string       `json:"system_state"`
	Workload    string       `json:"workload"`

	Optimization         map[string]float64 `json:"optimization"`
	Recommendations      []string           `json:"recommendations,omitempty"`
	EstimatedImprovement float64            `json:"estimated_improvement"`

	CustomMetrics map[string]float64 `json:"custom_metrics,omitempty"`

	SessionID   string `json:"session_id"`
	SampleCount int64  `json:"sample_count"`
}

func (m AdvancedMetrics) Clone() AdvancedMetrics {
	c := m
	c.Predicted = cloneMap(m.Predicted)
	c.Trends = cloneMap(m.Trends)
	c.MetricPatterns = cloneMap(m.MetricPatterns)
	c.Optimization = cloneMap(m.Optimization)
	c.CustomMetrics = cloneMap(m.CustomMetrics)
	c.Anomalies = cloneSlice(m.Anomalies)
	c.Recommendations = cloneSlice(m.Recommendations)
	return c
}

func cloneMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}

func (m AdvancedMetrics) HasAnomalies() bool {
	return len(m.Anomalies) > 0
}

func (m AdvancedMetrics) Timestamp() time.Time {
	return m.Sample.Timestamp
}

// Stats is a running summary of the engine, modeled after the service
// counters exposed to dashboards.
type Stats struct {
	SamplesAccepted int64     `json:"samples_accepted"`
	SamplesRejected int64     `json:"samples_rejected"`
	TotalAnomalies  int64     `json:"total_anomalies"`
	AnomalyRate     float64   `json:"anomaly_rate"`
	LastAnomalyTime time.Time `json:"last_anomaly_time,omitempty"`
	HistorySize     int       `json:"history_size"`
	Running         bool      `json:"running"`
}
