// Package analytics coordinates the tick cycle: it ingests samples, runs
// the analyzers, publishes one snapshot per tick into the bounded history
// and notifies subscribers.
package analytics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"perf-analytics/internal/anomaly"
	"perf-analytics/internal/config"
	"perf-analytics/internal/health"
	"perf-analytics/internal/ingest"
	"perf-analytics/internal/models"
	"perf-analytics/internal/optimize"
	"perf-analytics/internal/pattern"
	"perf-analytics/internal/predict"
	"perf-analytics/internal/timeseries"
	"perf-analytics/internal/workers"
)

// ErrInboxFull is returned by Ingest when the sample inbox is full.
var ErrInboxFull = errors.New("sample inbox is full")

// Sink receives every published snapshot, off the tick goroutine.
type Sink interface {
	StoreSnapshot(ctx context.Context, m models.AdvancedMetrics) error
}

// Option customizes an Engine.
type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithSink(sink Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

func WithSessionID(id string) Option {
	return func(e *Engine) { e.sessionID = id }
}

// WithClock overrides the wall clock used for export and benchmark
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the analytics coordinator. Construct it with New; the zero
// value is not usable.
type Engine struct {
	logger    *zap.Logger
	sink      Sink
	sessionID string
	now       func() time.Time

	// cfgMu guards cfg writes and the pending replacement.
	cfgMu   sync.Mutex
	cfg     config.Analytics
	pending *config.Analytics

	// tickMu serializes ticks with every operation touching tick-owned state.
	tickMu     sync.Mutex
	store      *timeseries.Store
	ingestor   *ingest.Ingestor
	detector   *anomaly.Detector
	recognizer *pattern.Recognizer
	predictor  *predict.Engine
	pool       *workers.Pool
	derived    derivedState

	histMu    sync.RWMutex
	history   *timeseries.Ring[models.AdvancedMetrics]
	retention time.Duration

	// mu guards the registries below and is never held across computation.
	mu             sync.Mutex
	subscribers    map[int]func(Event)
	nextSubscriber int
	thresholds     map[string]AlertThreshold
	callbacks      map[int]AlertCallback
	nextCallback   int
	lastAlert      map[string]time.Time
	customMetrics  map[string]MetricCollector
	benchmarks     map[string]BenchmarkFunc
	benchResults   map[string]BenchmarkResult

	// emitMu is taken before tickMu is released so that events reach
	// subscribers in tick order.
	emitMu sync.Mutex

	inbox chan models.BaseSample

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	accepted       atomic.Int64
	rejected       atomic.Int64
	totalAnomalies atomic.Int64
	lastAnomaly    atomic.Int64 // unix nanos
}

// derivedState is the tick-owned carry-over between ticks.
type derivedState struct {
	lastRun     map[string]time.Time
	patterns    map[string]models.PatternResult
	dominant    models.PatternResult
	predictions map[string]models.PredictionResult
	report      optimize.Report
	assessment  health.Assessment
	lastPersist time.Time
}

func newDerivedState() derivedState {
	potentials := make(map[string]float64, len(optimize.Subsystems))
	for _, name := range optimize.Subsystems {
		potentials[name] = 0
	}

	return derivedState{
		lastRun:     make(map[string]time.Time),
		patterns:    make(map[string]models.PatternResult),
		dominant:    models.PatternResult{Name: models.PatternStable},
		predictions: make(map[string]models.PredictionResult),
		report:      optimize.Report{Potentials: potentials},
	}
}

// New creates an engine for cfg. Out-of-range options are clamped.
func New(cfg config.Analytics, opts ...Option) *Engine {
	cfg = cfg.Normalize()

	e := &Engine{
		logger: zap.NewNop(),
		now:    time.Now,
		cfg:    cfg,

		subscribers:   make(map[int]func(Event)),
		thresholds:    make(map[string]AlertThreshold),
		callbacks:     make(map[int]AlertCallback),
		lastAlert:     make(map[string]time.Time),
		customMetrics: make(map[string]MetricCollector),
		benchmarks:    make(map[string]BenchmarkFunc),
		benchResults:  make(map[string]BenchmarkResult),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sessionID == "" {
		e.sessionID = uuid.New().String()
	}

	e.store = timeseries.NewStore(cfg.MaxSeriesSize)
	e.ingestor = ingest.New(e.store, cfg.MaxMemoryJump, e.logger)
	e.detector = anomaly.New(anomaly.OptionsFrom(cfg))
	e.recognizer = pattern.New(patternOptions(cfg))
	e.predictor = predict.NewEngine(predict.OptionsFrom(cfg))
	e.pool = workers.New(cfg.Workers, e.logger)
	e.derived = newDerivedState()

	e.history = timeseries.NewRing[models.AdvancedMetrics](cfg.MaxHistorySize)
	e.retention = cfg.DataRetention.Std()
	e.inbox = make(chan models.BaseSample, cfg.InboxSize)

	return e
}

func patternOptions(cfg config.Analytics) pattern.Options {
	return pattern.Options{
		TrendThreshold:     cfg.PatternTrendThreshold,
		StabilityTolerance: cfg.PatternStabilityTolerance,
	}
}

func (e *Engine) SessionID() string {
	return e.sessionID
}

func (e *Engine) Config() config.Analytics {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()

	if e.pending != nil {
		return *e.pending
	}
	return e.cfg
}

// SetConfig replaces the configuration. It takes effect at the next tick;
// in-flight computations keep the old values.
func (e *Engine) SetConfig(cfg config.Analytics) {
	cfg = cfg.Normalize()

	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.pending = &cfg
}

func (e *Engine) applyPending() {
	e.cfgMu.Lock()
	pending := e.pending
	e.pending = nil
	if pending != nil {
		e.cfg = *pending
	}
	e.cfgMu.Unlock()

	if pending == nil {
		return
	}
	cfg := *pending

	e.store.Resize(cfg.MaxSeriesSize)
	e.ingestor.SetMaxMemoryJump(cfg.MaxMemoryJump)
	e.detector.SetOptions(anomaly.OptionsFrom(cfg))
	e.recognizer.SetOptions(patternOptions(cfg))
	e.predictor.SetOptions(predict.OptionsFrom(cfg))

	e.histMu.Lock()
	e.history.Resize(cfg.MaxHistorySize)
	e.retention = cfg.DataRetention.Std()
	e.trimLocked()
	e.histMu.Unlock()

	e.logger.Info("configuration applied",
		zap.String("predictionModel", cfg.PredictionModel),
		zap.Float64("anomalyThreshold", cfg.AnomalyThreshold),
		zap.Duration("samplingInterval", cfg.SamplingInterval.Std()),
		zap.Int("maxHistorySize", cfg.MaxHistorySize),
	)
}

func (e *Engine) RegisterPattern(name string, detector pattern.Detector) {
	e.recognizer.Register(name, detector)
}

func (e *Engine) KnownPatterns() []string {
	return e.recognizer.KnownPatterns()
}

func (e *Engine) RegisterModel(name string, fn predict.ModelFunc) {
	e.predictor.Register(name, fn)
}

func (e *Engine) AddContextRule(rule config.ContextRule) {
	e.detector.AddRule(rule)
}

func (e *Engine) RecentAnomalies(limit int) []models.AnomalyRecord {
	return e.detector.Recent(limit)
}

// Start launches the tick loop. It is idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	go e.loop(ctx, e.done)
	e.logger.Info("analytics engine started", zap.String("session", e.sessionID))
}

// Stop ends the tick loop, cancels background work and clears pending
// results and queued samples. History is kept.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if !e.running {
		return
	}

	e.cancel()
	<-e.done
	e.pool.Stop()
	e.running = false

	for {
		select {
		case <-e.inbox:
		default:
			e.logger.Info("analytics engine stopped", zap.String("session", e.sessionID))
			return
		}
	}
}

func (e *Engine) Running() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running
}

// Ingest queues a sample for the next timer tick. It never blocks.
func (e *Engine) Ingest(sample models.BaseSample) error {
	select {
	case e.inbox <- sample:
		return nil
	default:
		return ErrInboxFull
	}
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := e.Config().SamplingInterval.Std()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case sample := <-e.inbox:
				// rejections are logged and counted by Process
				_, _ = e.Process(sample)
			default:
			}

			if next := e.Config().SamplingInterval.Std(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (e *Engine) Stats() models.Stats {
	e.histMu.RLock()
	size := e.history.Len()
	e.histMu.RUnlock()

	st := models.Stats{
		SamplesAccepted: e.accepted.Load(),
		SamplesRejected: e.rejected.Load(),
		TotalAnomalies:  e.totalAnomalies.Load(),
		HistorySize:     size,
		Running:         e.Running(),
	}
	if st.SamplesAccepted > 0 {
		st.AnomalyRate = float64(st.TotalAnomalies) / float64(st.SamplesAccepted)
	}
	if ns := e.lastAnomaly.Load(); ns > 0 {
		st.LastAnomalyTime = time.Unix(0, ns).UTC()
	}
	return st
}

// Flush blocks until every background job submitted so far has returned.
// Their results are applied by the next tick.
func (e *Engine) Flush() {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	e.pool.Wait()
}

func (e *Engine) WorkerStats() workers.Stats {
	return e.pool.Stats()
}
