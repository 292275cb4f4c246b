// Package ingest validates telemetry samples and decomposes them into the
// metric time series store.
package ingest

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"perf-analytics/internal/models"
	"perf-analytics/internal/timeseries"
)

// Validation errors. They are returned wrapped so callers can use errors.Is.
var (
	ErrNegativeFrameRate = errors.New("frame rate is negative")
	ErrInvalidValue      = errors.New("sample carries a non-finite value")
	ErrNonMonotonicTime  = errors.New("timestamp is not after the previous sample")
	ErrMemoryJump        = errors.New("implausible memory jump")
)

// Ingestor validates samples and pushes their components into a store.
type Ingestor struct {
	store  *timeseries.Store
	logger *zap.Logger

	maxMemoryJump uint64

	last     models.BaseSample
	hasLast  bool
	accepted int64
	rejected int64
}

// New creates an ingestor writing into store. maxMemoryJump of 0 disables
// the memory jump check.
func New(store *timeseries.Store, maxMemoryJump uint64, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Ingestor{
		store:         store,
		logger:        logger,
		maxMemoryJump: maxMemoryJump,
	}
}

func (in *Ingestor) SetMaxMemoryJump(limit uint64) {
	in.maxMemoryJump = limit
}

// Validate checks a sample against the previously accepted one without
// changing any state.
func (in *Ingestor) Validate(sample models.BaseSample) error {
	if math.IsNaN(sample.FrameRate) || math.IsInf(sample.FrameRate, 0) ||
		math.IsNaN(sample.CPUUsage) || math.IsInf(sample.CPUUsage, 0) {
		return ErrInvalidValue
	}
	if sample.FrameRate < 0 {
		return fmt.Errorf("%w: %.2f", ErrNegativeFrameRate, sample.FrameRate)
	}
	if !in.hasLast {
		return nil
	}

	if !sample.Timestamp.After(in.last.Timestamp) {
		return fmt.Errorf("%w: %s <= %s", ErrNonMonotonicTime,
			sample.Timestamp.Format("15:04:05.000"), in.last.Timestamp.Format("15:04:05.000"))
	}

	if in.maxMemoryJump > 0 {
		var delta uint64
		if sample.MemoryUsage > in.last.MemoryUsage {
			delta = sample.MemoryUsage - in.last.MemoryUsage
		} else {
			delta = in.last.MemoryUsage - sample.MemoryUsage
		}
		if delta > in.maxMemoryJump {
			return fmt.Errorf("%w: %d bytes", ErrMemoryJump, delta)
		}
	}

	return nil
}

// Ingest validates the sample and, on success, pushes each named component
// into the store. CPU usage is clamped to [0, 100] and negative render
// times to zero rather than rejected. Rejected samples leave the store and
// previous state untouched.
func (in *Ingestor) Ingest(sample models.BaseSample) (models.BaseSample, error) {
	if err := in.Validate(sample); err != nil {
		in.rejected++
		in.logger.Warn("sample rejected",
			zap.Time("timestamp", sample.Timestamp),
			zap.Error(err),
		)
		return models.BaseSample{}, err
	}

	sample.CPUUsage = math.Max(0, math.Min(100, sample.CPUUsage))
	if sample.RenderTime < 0 {
		sample.RenderTime = 0
	}
	if sample.ActiveAnimations < 0 {
		sample.ActiveAnimations = 0
	}
	if sample.SkippedFrames < 0 {
		sample.SkippedFrames = 0
	}

	for name, value := range sample.Values() {
		in.store.Push(name, value, sample.Timestamp)
	}

	in.last = sample
	in.hasLast = true
	in.accepted++
	return sample, nil
}

// Accepted returns the number of accepted samples. It drives the snapshot
// sample counter.
func (in *Ingestor) Accepted() int64 {
	return in.accepted
}

func (in *Ingestor) Rejected() int64 {
	return in.rejected
}

func (in *Ingestor) Last() (models.BaseSample, bool) {
	return in.last, in.hasLast
}

func (in *Ingestor) Restore(last models.BaseSample, accepted int64) {
	in.last = last
	in.hasLast = true
	in.accepted = accepted
}

func (in *Ingestor) Reset() {
	in.last = models.BaseSample{}
	in.hasLast = false
	in.accepted = 0
	in.rejected = 0
}
