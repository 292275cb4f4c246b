// Package persist reads and writes the analytics export document.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"perf-analytics/internal/config"
	"perf-analytics/internal/models"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// ErrUnknownFormat is returned for formats other than json and yaml.
var ErrUnknownFormat = errors.New("unknown export format")

// Document is the export/import schema.
type Document struct {
	Timestamp time.Time        `json:"timestamp" yaml:"timestamp"`
	SessionID string           `json:"sessionId" yaml:"sessionId"`
	Metrics   []Record         `json:"metrics" yaml:"metrics"`
	Config    config.Analytics `json:"config" yaml:"config"`
}

// Record is one analytics snapshot flattened for export.
type Record struct {
	Timestamp        time.Time `json:"timestamp" yaml:"timestamp"`
	FrameRate        float64   `json:"frameRate" yaml:"frameRate"`
	CPUUsage         float64   `json:"cpuUsage" yaml:"cpuUsage"`
	MemoryUsage      uint64    `json:"memoryUsage" yaml:"memoryUsage"`
	RenderTimeNanos  int64     `json:"renderTimeNs" yaml:"renderTimeNs"`
	ActiveAnimations int       `json:"activeAnimations" yaml:"activeAnimations"`
	SkippedFrames    int       `json:"skippedFrames" yaml:"skippedFrames"`

	Predicted map[string]float64 `json:"predicted" yaml:"predicted"`
	Trends    map[string]float64 `json:"trends" yaml:"trends"`

	Pattern           string                          `json:"pattern" yaml:"pattern"`
	PatternConfidence float64                         `json:"patternConfidence" yaml:"patternConfidence"`
	MetricPatterns    map[string]models.PatternResult `json:"metricPatterns" yaml:"metricPatterns"`

	Anomalies       []models.AnomalyRecord `json:"anomalies" yaml:"anomalies"`
	AnomalySeverity float64                `json:"anomalySeverity" yaml:"anomalySeverity"`

	Stability        float64 `json:"stability" yaml:"stability"`
	Reliability      float64 `json:"reliability" yaml:"reliability"`
	UserExperience   float64 `json:"userExperience" yaml:"userExperience"`
	EnergyEfficiency float64 `json:"energyEfficiency" yaml:"energyEfficiency"`
	SystemState      string  `json:"systemState" yaml:"systemState"`
	Workload         string  `json:"workload" yaml:"workload"`

	Optimization         map[string]float64 `json:"optimization" yaml:"optimization"`
	Recommendations      []string           `json:"recommendations" yaml:"recommendations"`
	EstimatedImprovement float64            `json:"estimatedImprovement" yaml:"estimatedImprovement"`

	CustomMetrics map[string]float64 `json:"customMetrics" yaml:"customMetrics"`

	SessionID   string `json:"sessionId" yaml:"sessionId"`
	SampleCount int64  `json:"sampleCount" yaml:"sampleCount"`
}

// ToRecord flattens a snapshot.
func ToRecord(m models.AdvancedMetrics) Record {
	return Record{
		Timestamp:            m.Sample.Timestamp,
		FrameRate:            m.Sample.FrameRate,
		CPUUsage:             m.Sample.CPUUsage,
		MemoryUsage:          m.Sample.MemoryUsage,
		RenderTimeNanos:      int64(m.Sample.RenderTime),
		ActiveAnimations:     m.Sample.ActiveAnimations,
		SkippedFrames:        m.Sample.SkippedFrames,
		Predicted:            m.Predicted,
		Trends:               m.Trends,
		Pattern:              m.Pattern,
		PatternConfidence:    m.PatternConfidence,
		MetricPatterns:       m.MetricPatterns,
		Anomalies:            m.Anomalies,
		AnomalySeverity:      m.AnomalySeverity,
		Stability:            m.Health.Stability,
		Reliability:          m.Health.Reliability,
		UserExperience:       m.Health.UserExperience,
		EnergyEfficiency:     m.Health.Energy,
		SystemState:          m.SystemState,
		Workload:             m.Workload,
		Optimization:         m.Optimization,
		Recommendations:      m.Recommendations,
		EstimatedImprovement: m.EstimatedImprovement,
		CustomMetrics:        m.CustomMetrics,
		SessionID:            m.SessionID,
		SampleCount:          m.SampleCount,
	}
}

// FromRecord rebuilds a snapshot. Maps are never nil and empty slices are
// nil, matching the snapshots the engine builds.
func FromRecord(r Record) models.AdvancedMetrics {
	return models.AdvancedMetrics{
		Sample: models.BaseSample{
			Timestamp:        r.Timestamp,
			FrameRate:        r.FrameRate,
			CPUUsage:         r.CPUUsage,
			MemoryUsage:      r.MemoryUsage,
			RenderTime:       time.Duration(r.RenderTimeNanos),
			ActiveAnimations: r.ActiveAnimations,
			SkippedFrames:    r.SkippedFrames,
		},
		Predicted:         orEmpty(r.Predicted),
		Trends:            orEmpty(r.Trends),
		Pattern:           r.Pattern,
		PatternConfidence: r.PatternConfidence,
		MetricPatterns:    orEmptyPatterns(r.MetricPatterns),
		Anomalies:         orNil(r.Anomalies),
		AnomalySeverity:   r.AnomalySeverity,
		Health: models.HealthScores{
			Stability:      r.Stability,
			Reliability:    r.Reliability,
			UserExperience: r.UserExperience,
			Energy:         r.EnergyEfficiency,
		},
		SystemState:          r.SystemState,
		Workload:             r.Workload,
		Optimization:         orEmpty(r.Optimization),
		Recommendations:      orNil(r.Recommendations),
		EstimatedImprovement: r.EstimatedImprovement,
		CustomMetrics:        orEmpty(r.CustomMetrics),
		SessionID:            r.SessionID,
		SampleCount:          r.SampleCount,
	}
}

func orEmpty(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func orEmptyPatterns(m map[string]models.PatternResult) map[string]models.PatternResult {
	if m == nil {
		return map[string]models.PatternResult{}
	}
	return m
}

func orNil[T any](s []T) []T {
	if len(s) == 0 {
		return nil
	}
	return s
}

// NewDocument builds an export document from history.
func NewDocument(sessionID string, history []models.AdvancedMetrics, cfg config.Analytics, now time.Time) Document {
	records := make([]Record, len(history))
	for i, m := range history {
		records[i] = ToRecord(m)
	}

	return Document{
		Timestamp: now,
		SessionID: sessionID,
		Metrics:   records,
		Config:    cfg,
	}
}

// History rebuilds the snapshots carried by the document, in order.
func (d Document) History() []models.AdvancedMetrics {
	history := make([]models.AdvancedMetrics, len(d.Metrics))
	for i, r := range d.Metrics {
		history[i] = FromRecord(r)
	}
	return history
}

// FormatFromPath picks yaml for .yaml and .yml files and json otherwise.
func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Marshal encodes doc in format. An empty format means json.
func Marshal(doc Document, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", FormatJSON:
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal document: %w", err)
		}
		return data, nil
	case FormatYAML, "yml":
		data, err := yaml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal document: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Unmarshal decodes a document in format.
func Unmarshal(data []byte, format string) (Document, error) {
	var doc Document
	switch strings.ToLower(format) {
	case "", FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return Document{}, fmt.Errorf("failed to unmarshal document: %w", err)
		}
	case FormatYAML, "yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Document{}, fmt.Errorf("failed to unmarshal document: %w", err)
		}
	default:
		return Document{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return doc, nil
}

// Write encodes doc and replaces path atomically. An empty format is
// derived from the file extension.
func Write(path string, doc Document, format string) error {
	if format == "" {
		format = FormatFromPath(path)
	}

	data, err := Marshal(doc, format)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace export file: %w", err)
	}
	return nil
}

// Read loads a document, choosing the format from the file extension.
func Read(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("failed to read export file: %w", err)
	}
	return Unmarshal(data, FormatFromPath(path))
}
