// Package config holds the analytics engine options and the service
// configuration around them.
//
// Example YAML:
//
//	analytics:
//	  predictionModel: ensemble
//	  predictionHorizon: 60s
//	  anomalyThreshold: 2.0
//	  samplingInterval: 100ms
//	server:
//	  addr: ":8080"
//	redis:
//	  addr: "localhost:6379"
//	log:
//	  level: info
package config

import (
	"strings"
	"time"

	"perf-analytics/internal/logging"
)

// Prediction model names.
const (
	ModelLinear      = "linear"
	ModelExponential = "exponential"
	ModelEnsemble    = "ensemble"
)

// CanonicalModel maps the accepted spellings of the built-in models, such as
// "Linear" or "ExponentialSmoothing", to their canonical names. An empty name
// selects the ensemble. Other names are returned unchanged.
func CanonicalModel(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return ModelEnsemble
	case ModelLinear:
		return ModelLinear
	case ModelExponential, "exponentialsmoothing", "exponential_smoothing", "exponential-smoothing":
		return ModelExponential
	case ModelEnsemble:
		return ModelEnsemble
	default:
		return name
	}
}

// Config is the root service configuration.
type Config struct {
	Analytics Analytics      `json:"analytics" yaml:"analytics"`
	Server    Server         `json:"server" yaml:"server"`
	Redis     Redis          `json:"redis" yaml:"redis"`
	Log       logging.Config `json:"log" yaml:"log"`
}

// Server configures the HTTP API.
type Server struct {
	Addr         string   `json:"addr" yaml:"addr"`
	ReadTimeout  Duration `json:"readTimeout,omitempty" yaml:"readTimeout,omitempty"`
	WriteTimeout Duration `json:"writeTimeout,omitempty" yaml:"writeTimeout,omitempty"`
	IdleTimeout  Duration `json:"idleTimeout,omitempty" yaml:"idleTimeout,omitempty"`
}

// Redis configures the optional snapshot sink. An empty Addr disables it.
type Redis struct {
	Addr     string   `json:"addr" yaml:"addr"`
	Password string   `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int      `json:"db,omitempty" yaml:"db,omitempty"`
	TTL      Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// Condition is one clause of a contextual anomaly rule.
type Condition struct {
	Metric string  `json:"metric" yaml:"metric"`
	Op     string  `json:"op" yaml:"op"` // ">", ">=", "<", "<="
	Value  float64 `json:"value" yaml:"value"`
}

// Holds reports whether value satisfies the condition. Unknown operators
// never hold.
func (c Condition) Holds(value float64) bool {
	switch c.Op {
	case ">":
		return value > c.Value
	case ">=":
		return value >= c.Value
	case "<":
		return value < c.Value
	case "<=":
		return value <= c.Value
	default:
		return false
	}
}

// ContextRule flags an anomaly when every condition holds at once.
type ContextRule struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Conditions  []Condition `json:"conditions" yaml:"conditions"`
	Severity    float64     `json:"severity" yaml:"severity"`
}

// Analytics holds the engine options. It is a value type: replacing it on
// the engine takes effect at the next tick.
type Analytics struct {
	// Prediction
	PredictionModel               string   `json:"predictionModel" yaml:"predictionModel"`
	PredictionHorizon             Duration `json:"predictionHorizon" yaml:"predictionHorizon"`
	HistorySizeForPrediction      int      `json:"historySizeForPrediction" yaml:"historySizeForPrediction"`
	PredictionConfidenceThreshold float64  `json:"predictionConfidenceThreshold" yaml:"predictionConfidenceThreshold"`
	SmoothingFactor               float64  `json:"smoothingFactor" yaml:"smoothingFactor"`
	PredictionInterval            Duration `json:"predictionInterval,omitempty" yaml:"predictionInterval,omitempty"`

	// Anomaly detection
	EnableAnomalyDetection bool          `json:"enableAnomalyDetection" yaml:"enableAnomalyDetection"`
	AnomalyThreshold       float64       `json:"anomalyThreshold" yaml:"anomalyThreshold"`
	AnomalyWindowSize      int           `json:"anomalyWindowSize" yaml:"anomalyWindowSize"`
	AnomalyRetention       int           `json:"anomalyRetention" yaml:"anomalyRetention"`
	AnomalyInterval        Duration      `json:"anomalyInterval,omitempty" yaml:"anomalyInterval,omitempty"`
	ContextRules           []ContextRule `json:"contextRules,omitempty" yaml:"contextRules,omitempty"`

	// Pattern recognition
	EnablePatternRecognition  bool     `json:"enablePatternRecognition" yaml:"enablePatternRecognition"`
	PatternAnalysisWindow     int      `json:"patternAnalysisWindow" yaml:"patternAnalysisWindow"`
	PatternTrendThreshold     float64  `json:"patternTrendThreshold" yaml:"patternTrendThreshold"`
	PatternStabilityTolerance float64  `json:"patternStabilityTolerance" yaml:"patternStabilityTolerance"`
	PatternInterval           Duration `json:"patternInterval,omitempty" yaml:"patternInterval,omitempty"`

	// Optimization analysis
	EnableOptimizationAnalysis   bool     `json:"enableOptimizationAnalysis" yaml:"enableOptimizationAnalysis"`
	OptimizationAnalysisInterval Duration `json:"optimizationAnalysisInterval" yaml:"optimizationAnalysisInterval"`
	OptimizationThreshold        float64  `json:"optimizationThreshold" yaml:"optimizationThreshold"`
	TargetFrameRate              float64  `json:"targetFrameRate" yaml:"targetFrameRate"`

	// Data collection
	SamplingInterval Duration `json:"samplingInterval" yaml:"samplingInterval"`
	MaxHistorySize   int      `json:"maxHistorySize" yaml:"maxHistorySize"`
	MaxSeriesSize    int      `json:"maxSeriesSize" yaml:"maxSeriesSize"`
	MaxMemoryJump    uint64   `json:"maxMemoryJump,omitempty" yaml:"maxMemoryJump,omitempty"`
	InboxSize        int      `json:"inboxSize" yaml:"inboxSize"`
	DataRetention    Duration `json:"dataRetention,omitempty" yaml:"dataRetention,omitempty"`
	DataStoragePath  string   `json:"dataStoragePath,omitempty" yaml:"dataStoragePath,omitempty"`
	PersistInterval  Duration `json:"persistInterval,omitempty" yaml:"persistInterval,omitempty"`
	Workers          int      `json:"workers" yaml:"workers"`

	// Alerts
	EnablePerformanceAlerts bool     `json:"enablePerformanceAlerts" yaml:"enablePerformanceAlerts"`
	AlertCooldown           Duration `json:"alertCooldown" yaml:"alertCooldown"`
}

// DefaultContextRules are the contextual anomaly rules enabled out of the box.
func DefaultContextRules() []ContextRule {
	return []ContextRule{
		{
			Name:        "cpu-high-framerate-low",
			Description: "CPU usage is high while frame rate is low",
			Conditions: []Condition{
				{Metric: "cpuUsage", Op: ">", Value: 80},
				{Metric: "frameRate", Op: "<", Value: 30},
			},
			Severity: 0.8,
		},
		{
			Name:        "render-stall",
			Description: "Render latency is high while frame rate collapses",
			Conditions: []Condition{
				{Metric: "renderTime", Op: ">", Value: 50},
				{Metric: "frameRate", Op: "<", Value: 20},
			},
			Severity: 0.9,
		},
	}
}

// DefaultAnalytics returns the engine defaults.
func DefaultAnalytics() Analytics {
	return Analytics{
		PredictionModel:               ModelEnsemble,
		PredictionHorizon:             Duration(60 * time.Second),
		HistorySizeForPrediction:      100,
		PredictionConfidenceThreshold: 0.7,
		SmoothingFactor:               0.3,

		EnableAnomalyDetection: true,
		AnomalyThreshold:       2.0,
		AnomalyWindowSize:      20,
		AnomalyRetention:       20,
		ContextRules:           DefaultContextRules(),

		EnablePatternRecognition:  true,
		PatternAnalysisWindow:     50,
		PatternTrendThreshold:     0.5,
		PatternStabilityTolerance: 0.05,

		EnableOptimizationAnalysis:   true,
		OptimizationAnalysisInterval: Duration(30 * time.Second),
		OptimizationThreshold:        5.0,
		TargetFrameRate:              60,

		SamplingInterval: Duration(100 * time.Millisecond),
		MaxHistorySize:   1000,
		MaxSeriesSize:    1000,
		InboxSize:        256,
		Workers:          4,

		EnablePerformanceAlerts: true,
		AlertCooldown:           Duration(5 * time.Minute),
	}
}

// Default returns the full service defaults.
func Default() Config {
	return Config{
		Analytics: DefaultAnalytics(),
		Server: Server{
			Addr:         ":8080",
			ReadTimeout:  Duration(10 * time.Second),
			WriteTimeout: Duration(10 * time.Second),
			IdleTimeout:  Duration(30 * time.Second),
		},
		Redis: Redis{
			TTL: Duration(time.Hour),
		},
		Log: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Normalize returns a copy of a with every out-of-range option clamped to
// its nearest valid bound. Options are never rejected.
func (a Analytics) Normalize() Analytics {
	// custom model names pass through; the prediction engine falls back to
	// the ensemble when they are unknown
	a.PredictionModel = CanonicalModel(a.PredictionModel)

	a.PredictionHorizon = clampDuration(a.PredictionHorizon, 0, 24*time.Hour)
	a.HistorySizeForPrediction = clampInt(a.HistorySizeForPrediction, 2, 10000)
	a.PredictionConfidenceThreshold = clampFloat(a.PredictionConfidenceThreshold, 0, 1)
	a.SmoothingFactor = clampFloat(a.SmoothingFactor, 0.01, 1)
	a.PredictionInterval = clampDuration(a.PredictionInterval, 0, time.Hour)

	a.AnomalyThreshold = clampFloat(a.AnomalyThreshold, 0, 100)
	a.AnomalyWindowSize = clampInt(a.AnomalyWindowSize, 3, 10000)
	a.AnomalyRetention = clampInt(a.AnomalyRetention, 1, 10000)
	a.AnomalyInterval = clampDuration(a.AnomalyInterval, 0, time.Hour)
	rules := make([]ContextRule, len(a.ContextRules))
	copy(rules, a.ContextRules)
	for i := range rules {
		rules[i].Severity = clampFloat(rules[i].Severity, 0, 1)
	}
	a.ContextRules = rules

	a.PatternAnalysisWindow = clampInt(a.PatternAnalysisWindow, 3, 10000)
	a.PatternTrendThreshold = clampFloat(a.PatternTrendThreshold, 0, 1)
	a.PatternStabilityTolerance = clampFloat(a.PatternStabilityTolerance, 0, 10)
	a.PatternInterval = clampDuration(a.PatternInterval, 0, time.Hour)

	a.OptimizationAnalysisInterval = clampDuration(a.OptimizationAnalysisInterval, 0, 24*time.Hour)
	a.OptimizationThreshold = clampFloat(a.OptimizationThreshold, 0, 100)
	a.TargetFrameRate = clampFloat(a.TargetFrameRate, 1, 1000)

	a.SamplingInterval = clampDuration(a.SamplingInterval, time.Millisecond, time.Hour)
	a.MaxHistorySize = clampInt(a.MaxHistorySize, 1, 1000000)
	a.MaxSeriesSize = clampInt(a.MaxSeriesSize, 3, 1000000)
	a.InboxSize = clampInt(a.InboxSize, 1, 1000000)
	a.DataRetention = clampDuration(a.DataRetention, 0, 365*24*time.Hour)
	a.PersistInterval = clampDuration(a.PersistInterval, 0, 24*time.Hour)
	a.Workers = clampInt(a.Workers, 1, 256)

	a.AlertCooldown = clampDuration(a.AlertCooldown, 0, 24*time.Hour)

	if a.MaxSeriesSize < a.HistorySizeForPrediction {
		a.MaxSeriesSize = a.HistorySizeForPrediction
	}
	if a.MaxSeriesSize < a.PatternAnalysisWindow {
		a.MaxSeriesSize = a.PatternAnalysisWindow
	}
	if a.MaxSeriesSize <= a.AnomalyWindowSize {
		a.MaxSeriesSize = a.AnomalyWindowSize + 1
	}

	return a
}

// Normalize clamps every section of c.
func (c Config) Normalize() Config {
	c.Analytics = c.Analytics.Normalize()
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	c.Server.ReadTimeout = Duration(c.Server.ReadTimeout.GetDuration(10 * time.Second))
	c.Server.WriteTimeout = Duration(c.Server.WriteTimeout.GetDuration(10 * time.Second))
	c.Server.IdleTimeout = Duration(c.Server.IdleTimeout.GetDuration(30 * time.Second))
	c.Redis.TTL = Duration(c.Redis.TTL.GetDuration(time.Hour))
	return c
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v != v || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(d Duration, lo, hi time.Duration) Duration {
	if time.Duration(d) < lo {
		return Duration(lo)
	}
	if time.Duration(d) > hi {
		return Duration(hi)
	}
	return d
}
