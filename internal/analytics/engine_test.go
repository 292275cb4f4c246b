package analytics

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"perf-analytics/internal/config"
	"perf-analytics/internal/ingest"
	"perf-analytics/internal/models"
	"perf-analytics/internal/optimize"
	"perf-analytics/internal/stats"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const mib = 1024 * 1024

func newTestEngine(t *testing.T, mutate func(*config.Analytics)) *Engine {
	t.Helper()

	cfg := config.DefaultAnalytics()
	if mutate != nil {
		mutate(&cfg)
	}
	e := New(cfg,
		WithLogger(zaptest.NewLogger(t)),
		WithSessionID("test-session"),
		WithClock(func() time.Time { return t0 }),
	)
	t.Cleanup(func() {
		e.Stop()
		e.Flush()
	})
	return e
}

// lean disables the analyzers that are not under test.
func lean(cfg *config.Analytics) {
	cfg.EnablePatternRecognition = false
	cfg.EnableAnomalyDetection = false
	cfg.EnableOptimizationAnalysis = false
	cfg.PredictionInterval = config.Duration(time.Hour)
}

func sampleAt(i int, fps, cpu float64) models.BaseSample {
	return models.BaseSample{
		Timestamp:   t0.Add(time.Duration(i) * 100 * time.Millisecond),
		FrameRate:   fps,
		CPUUsage:    cpu,
		MemoryUsage: 256 * mib,
		RenderTime:  10 * time.Millisecond,
	}
}

func processN(t *testing.T, e *Engine, from, n int, fps, cpu float64) {
	t.Helper()
	for i := from; i < from+n; i++ {
		_, err := e.Process(sampleAt(i, fps, cpu))
		require.NoError(t, err)
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestProcess_HistoryIsBounded(t *testing.T) {
	e := newTestEngine(t, lean)

	processN(t, e, 0, 10000, 60, 20)

	history := e.History()
	require.Len(t, history, 1000)
	assert.Equal(t, int64(9001), history[0].SampleCount)
	assert.Equal(t, int64(10000), history[len(history)-1].SampleCount)
	for i := 1; i < len(history); i++ {
		require.True(t, history[i].Timestamp().After(history[i-1].Timestamp()))
	}

	st := e.Stats()
	assert.Equal(t, int64(10000), st.SamplesAccepted)
	assert.Equal(t, 1000, st.HistorySize)
}

func TestProcess_Snapshot(t *testing.T) {
	e := newTestEngine(t, nil)

	processN(t, e, 0, 30, 60, 20)
	snap, ok := e.Current()
	require.True(t, ok)

	assert.Equal(t, "test-session", snap.SessionID)
	assert.Equal(t, int64(30), snap.SampleCount)
	assert.Equal(t, models.WorkloadLight, snap.Workload)
	assert.Equal(t, models.PatternStable, snap.Pattern)
	assert.Empty(t, snap.Anomalies)
	assert.NotNil(t, snap.Predicted)
	assert.NotNil(t, snap.Optimization)
	assert.InDelta(t, 60, snap.Predicted[models.MetricFrameRate], 1e-9)
	assert.InDelta(t, 0, snap.Trends[models.MetricCPUUsage], 1e-9)
	for _, v := range []float64{snap.Health.Stability, snap.Health.Reliability, snap.Health.UserExperience, snap.Health.Energy} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 100.0)
	}
}

func TestProcess_RejectsInvalidSample(t *testing.T) {
	e := newTestEngine(t, lean)
	rec := &recorder{}
	e.Subscribe(rec.record)

	processN(t, e, 0, 5, 60, 20)

	_, err := e.Process(sampleAt(2, 60, 20))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ingest.ErrNonMonotonicTime))

	_, err = e.Process(sampleAt(10, -5, 20))
	assert.True(t, errors.Is(err, ingest.ErrNegativeFrameRate))

	assert.Len(t, e.History(), 5)
	assert.Len(t, rec.ofKind(EventAnalyticsUpdated), 5)
	assert.Equal(t, int64(2), e.Stats().SamplesRejected)
}

func TestProcess_AnalyticsUpdatedFirstEveryTick(t *testing.T) {
	e := newTestEngine(t, nil)

	var perTick [][]EventKind
	e.Subscribe(func(ev Event) {
		if ev.Kind == EventAnalyticsUpdated {
			perTick = append(perTick, nil)
		}
		require.NotEmpty(t, perTick, "analyticsUpdated must open every tick")
		perTick[len(perTick)-1] = append(perTick[len(perTick)-1], ev.Kind)
	})

	processN(t, e, 0, 12, 60, 20)

	require.Len(t, perTick, 12)
	for _, kinds := range perTick {
		assert.Equal(t, EventAnalyticsUpdated, kinds[0])
	}
}

func TestProcess_DetectsInjectedOutlier(t *testing.T) {
	e := newTestEngine(t, nil)
	rec := &recorder{}
	e.Subscribe(rec.record)

	for i := 0; i < 30; i++ {
		fps := 59.0
		if i%2 == 1 {
			fps = 61
		}
		_, err := e.Process(sampleAt(i, fps, 20))
		require.NoError(t, err)
	}
	require.Empty(t, rec.ofKind(EventAnomalyDetected))

	snap, err := e.Process(sampleAt(30, 5, 20))
	require.NoError(t, err)

	require.NotEmpty(t, snap.Anomalies)
	found := false
	for _, a := range snap.Anomalies {
		if a.Metric == models.MetricFrameRate && a.Kind == models.AnomalyStatistical {
			found = true
		}
	}
	assert.True(t, found)
	assert.Greater(t, snap.AnomalySeverity, 0.0)
	assert.NotEmpty(t, rec.ofKind(EventAnomalyDetected))
	assert.NotEmpty(t, e.RecentAnomalies(0))

	st := e.Stats()
	assert.Positive(t, st.TotalAnomalies)
	assert.True(t, sampleAt(30, 0, 0).Timestamp.Equal(st.LastAnomalyTime))
}

func TestProcess_PatternRecognizedOnChange(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Analytics) {
		cfg.EnableAnomalyDetection = false
		cfg.EnableOptimizationAnalysis = false
	})
	rec := &recorder{}
	e.Subscribe(rec.record)

	for i := 0; i < 40; i++ {
		_, err := e.Process(sampleAt(i, 60, 10+float64(i)))
		require.NoError(t, err)
	}

	snap, ok := e.Current()
	require.True(t, ok)
	assert.Equal(t, models.PatternIncreasing, snap.Pattern)
	assert.Equal(t, models.PatternIncreasing, e.Patterns()[models.MetricCPUUsage].Name)

	events := rec.ofKind(EventPatternRecognized)
	require.NotEmpty(t, events)
	assert.Equal(t, models.PatternIncreasing, events[len(events)-1].Pattern.Name)

	// the pattern is unchanged, so no further events
	before := len(events)
	_, err := e.Process(sampleAt(40, 60, 50))
	require.NoError(t, err)
	assert.Len(t, rec.ofKind(EventPatternRecognized), before)

	assert.Equal(t, stats.TrendDegrading, e.TrendDirection(models.MetricCPUUsage))
	assert.InDelta(t, 1, e.Trend(models.MetricCPUUsage, 10), 1e-9)
}

func TestProcess_HealthEventsFollowStatusChanges(t *testing.T) {
	e := newTestEngine(t, nil)
	rec := &recorder{}
	e.Subscribe(rec.record)

	processN(t, e, 0, 40, 60, 15)
	for i := 40; i < 80; i++ {
		s := sampleAt(i, 8, 97)
		s.RenderTime = 120 * time.Millisecond
		_, err := e.Process(s)
		require.NoError(t, err)
	}

	changes := 0
	prev := ""
	for _, m := range e.History() {
		if m.SystemState != prev {
			changes++
		}
		prev = m.SystemState
	}

	events := rec.ofKind(EventSystemHealthChanged)
	assert.Len(t, events, changes)
	require.NotEmpty(t, events)
	assert.NotEqual(t, models.StateOptimal, prev)
}

func TestProcess_OptimizationOpportunity(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Analytics) {
		cfg.OptimizationAnalysisInterval = 0
		cfg.EnableAnomalyDetection = false
	})
	rec := &recorder{}
	e.Subscribe(rec.record)

	for i := 0; i < 6; i++ {
		_, err := e.Process(sampleAt(i, 60, 95))
		require.NoError(t, err)
		e.Flush()
	}

	snap, ok := e.Current()
	require.True(t, ok)
	assert.InDelta(t, 55.0/60*80, snap.Optimization[optimize.CPU], 1e-9)
	assert.NotEmpty(t, snap.Recommendations)
	assert.Positive(t, snap.EstimatedImprovement)

	var cpu []Event
	for _, ev := range rec.ofKind(EventOptimizationOpportunityFound) {
		if ev.Subsystem == optimize.CPU {
			cpu = append(cpu, ev)
		}
	}
	require.NotEmpty(t, cpu)
	assert.Greater(t, cpu[0].Potential, e.Config().OptimizationThreshold)
}

func TestAlerts_CooldownAndCallbacks(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Analytics) {
		lean(cfg)
		cfg.AlertCooldown = config.Duration(time.Second)
	})
	rec := &recorder{}
	e.Subscribe(rec.record)

	e.SetAlertThreshold(models.MetricCPUUsage, 80, Above)
	e.SetAlertThreshold(models.MetricFrameRate, 30, Below)

	var got []Alert
	e.AddAlertCallback(func(Alert) { panic("broken callback") })
	id := e.AddAlertCallback(func(a Alert) { got = append(got, a) })

	processN(t, e, 0, 15, 60, 90)

	require.Len(t, got, 2, "alerts at 0s and 1s, the rest are inside the cooldown")
	assert.Equal(t, models.MetricCPUUsage, got[0].Metric)
	assert.Equal(t, 90.0, got[0].Value)
	assert.Equal(t, t0.Add(time.Second), got[1].Timestamp)
	assert.Len(t, rec.ofKind(EventPerformanceAlert), 2)

	e.RemoveAlertCallback(id)
	e.RemoveAlertThreshold(models.MetricCPUUsage)
	processN(t, e, 15, 20, 60, 90)
	assert.Len(t, got, 2)
	assert.Len(t, e.AlertThresholds(), 1)
}

func TestAlerts_Disabled(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Analytics) {
		lean(cfg)
		cfg.EnablePerformanceAlerts = false
	})
	rec := &recorder{}
	e.Subscribe(rec.record)
	e.SetAlertThreshold(models.MetricCPUUsage, 10, Above)

	processN(t, e, 0, 3, 60, 90)
	assert.Empty(t, rec.ofKind(EventPerformanceAlert))
}

func TestCustomMetrics(t *testing.T) {
	e := newTestEngine(t, lean)

	depth := 0.0
	e.AddCustomMetric("queueDepth", func() float64 {
		depth++
		return depth
	})
	e.AddCustomMetric("broken", func() float64 { panic("boom") })

	processN(t, e, 0, 3, 60, 20)

	snap, ok := e.Current()
	require.True(t, ok)
	assert.Equal(t, map[string]float64{"queueDepth": 3}, snap.CustomMetrics)
	assert.Equal(t, []float64{1, 2, 3}, e.Series("queueDepth", 0))

	e.RemoveCustomMetric("queueDepth")
	processN(t, e, 3, 1, 60, 20)
	snap, _ = e.Current()
	assert.Empty(t, snap.CustomMetrics)
}

func TestCustomMetrics_NonFiniteValuesDropped(t *testing.T) {
	e := newTestEngine(t, lean)
	e.AddCustomMetric("gpu", func() float64 { return math.NaN() })
	e.AddCustomMetric("fan", func() float64 { return math.Inf(1) })
	e.AddCustomMetric("threads", func() float64 { return 8 })

	processN(t, e, 0, 3, 60, 20)

	snap, ok := e.Current()
	require.True(t, ok)
	assert.Equal(t, map[string]float64{"threads": 8}, snap.CustomMetrics)
	assert.Empty(t, e.Series("gpu", 0))
	assert.Empty(t, e.Series("fan", 0))

	require.NoError(t, e.Export(filepath.Join(t.TempDir(), "history.json"), ""))
}

func TestConcurrentProcess_EventsInTickOrder(t *testing.T) {
	e := newTestEngine(t, lean)

	var mu sync.Mutex
	var counts []int64
	e.Subscribe(func(ev Event) {
		if ev.Kind != EventAnalyticsUpdated {
			return
		}
		mu.Lock()
		counts = append(counts, ev.Metrics.SampleCount)
		mu.Unlock()
	})

	var next atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				i := int(next.Add(1))
				// samples that lose the race are rejected as out of order
				_, _ = e.Process(sampleAt(i, 60, 20))
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, counts)
	assert.Equal(t, e.Stats().SamplesAccepted, int64(len(counts)))
	for i := 1; i < len(counts); i++ {
		require.Less(t, counts[i-1], counts[i], "event %d delivered out of tick order", i)
	}
}

func TestSubscriberGetsOwnSnapshot(t *testing.T) {
	e := newTestEngine(t, lean)
	e.Subscribe(func(ev Event) {
		if ev.Kind != EventAnalyticsUpdated {
			return
		}
		ev.Metrics.Predicted[models.MetricFrameRate] = -1
		ev.Metrics.Optimization["memory"] = -1
		ev.Metrics.MetricPatterns = nil
	})

	snap, err := e.Process(sampleAt(0, 60, 20))
	require.NoError(t, err)
	snap.Trends[models.MetricFrameRate] = -1

	stored, ok := e.Current()
	require.True(t, ok)
	assert.NotEqual(t, -1.0, stored.Predicted[models.MetricFrameRate])
	assert.Equal(t, 0.0, stored.Optimization["memory"])
	assert.NotNil(t, stored.MetricPatterns)
	assert.Equal(t, 0.0, stored.Trends[models.MetricFrameRate])
}

func TestSubscriberPanicDoesNotStopDelivery(t *testing.T) {
	e := newTestEngine(t, lean)

	e.Subscribe(func(Event) { panic("bad subscriber") })
	rec := &recorder{}
	id := e.Subscribe(rec.record)

	processN(t, e, 0, 2, 60, 20)
	assert.Len(t, rec.ofKind(EventAnalyticsUpdated), 2)

	e.Unsubscribe(id)
	processN(t, e, 2, 1, 60, 20)
	assert.Len(t, rec.ofKind(EventAnalyticsUpdated), 2)
}

func TestBenchmarks(t *testing.T) {
	e := newTestEngine(t, lean)
	rec := &recorder{}
	e.Subscribe(rec.record)

	calls := 0
	e.RegisterBenchmark("fast", func(context.Context) error {
		calls++
		if calls%2 == 0 {
			return errors.New("flaky")
		}
		return nil
	})
	e.RegisterBenchmark("slow", func(context.Context) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	})

	res, err := e.RunBenchmark(context.Background(), "fast", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Iterations)
	assert.Equal(t, 5, res.Failures)
	assert.Equal(t, t0, res.Completed)
	assert.LessOrEqual(t, res.Min, res.Max)

	_, err = e.CompareBenchmarks("slow", "fast")
	assert.ErrorIs(t, err, ErrNoBenchmarkRun)

	_, err = e.RunBenchmark(context.Background(), "slow", 3)
	require.NoError(t, err)

	cmp, err := e.CompareBenchmarks("slow", "fast")
	require.NoError(t, err)
	assert.Equal(t, "fast", cmp.Faster)
	assert.Greater(t, cmp.Speedup, 1.0)

	_, err = e.RunBenchmark(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, ErrUnknownBenchmark)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.RunBenchmark(ctx, "fast", 1)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Len(t, rec.ofKind(EventBenchmarkCompleted), 2)
	assert.Len(t, e.BenchmarkResults(), 2)
}

func TestSetConfig_AppliedAtNextTick(t *testing.T) {
	e := newTestEngine(t, lean)
	processN(t, e, 0, 20, 60, 20)

	cfg := e.Config()
	cfg.MaxHistorySize = 5
	cfg.AnomalyThreshold = -3
	e.SetConfig(cfg)

	assert.Equal(t, 5, e.Config().MaxHistorySize)
	assert.Equal(t, 0.0, e.Config().AnomalyThreshold, "out-of-range values are clamped")
	assert.Len(t, e.History(), 20, "pending until the next tick")

	processN(t, e, 20, 1, 60, 20)
	history := e.History()
	require.Len(t, history, 5)
	assert.Equal(t, int64(21), history[4].SampleCount)
}

func TestRetention(t *testing.T) {
	e := newTestEngine(t, lean)
	processN(t, e, 0, 50, 60, 20)

	assert.Len(t, e.HistorySince(500*time.Millisecond), 6)

	e.SetDataRetention(time.Second)
	history := e.History()
	require.Len(t, history, 11)
	assert.Equal(t, sampleAt(39, 0, 0).Timestamp, history[0].Timestamp())

	processN(t, e, 50, 5, 60, 20)
	assert.Len(t, e.History(), 11)
}

func TestExportClearImport(t *testing.T) {
	for _, name := range []string{"history.json", "history.yaml"} {
		t.Run(name, func(t *testing.T) {
			e := newTestEngine(t, nil)
			e.AddCustomMetric("queueDepth", func() float64 { return 4 })

			for i := 0; i < 30; i++ {
				fps := 59.0
				if i%2 == 1 {
					fps = 61
				}
				_, err := e.Process(sampleAt(i, fps, 20+float64(i%3)))
				require.NoError(t, err)
			}
			_, err := e.Process(sampleAt(30, 5, 20))
			require.NoError(t, err)

			before := e.History()
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, e.Export(path, ""))

			e.Clear()
			assert.Empty(t, e.History())
			_, ok := e.Current()
			assert.False(t, ok)
			assert.Empty(t, e.Series(models.MetricFrameRate, 0))

			require.NoError(t, e.Import(path))
			assert.Equal(t, before, e.History())
			assert.Len(t, e.Series(models.MetricFrameRate, 0), 31)
			assert.Len(t, e.Series("queueDepth", 0), 31)

			snap, err := e.Process(sampleAt(31, 60, 20))
			require.NoError(t, err)
			assert.Equal(t, int64(32), snap.SampleCount)

			_, err = e.Process(sampleAt(31, 60, 20))
			assert.ErrorIs(t, err, ingest.ErrNonMonotonicTime)
		})
	}
}

func TestImport_MissingFile(t *testing.T) {
	e := newTestEngine(t, lean)
	processN(t, e, 0, 3, 60, 20)

	err := e.Import(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Len(t, e.History(), 3, "a failed import leaves the history untouched")
}

type fakeSink struct {
	mu    sync.Mutex
	count int
}

func (s *fakeSink) StoreSnapshot(_ context.Context, _ models.AdvancedMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return nil
}

func (s *fakeSink) stored() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func TestSinkAndPeriodicPersistence(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeSink{}

	cfg := config.DefaultAnalytics()
	lean(&cfg)
	cfg.DataStoragePath = dir
	cfg.PersistInterval = config.Duration(time.Second)
	cfg.Workers = 2

	e := New(cfg, WithLogger(zaptest.NewLogger(t)), WithSink(sink))
	t.Cleanup(e.Flush)

	for i := 0; i < 12; i++ {
		_, err := e.Process(sampleAt(i, 60, 20))
		require.NoError(t, err)
		e.Flush()
	}

	assert.Equal(t, 12, sink.stored())

	data, err := os.ReadFile(filepath.Join(dir, "analytics.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), e.SessionID())
}

func TestStartStop(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Analytics) {
		lean(cfg)
		cfg.SamplingInterval = config.Duration(time.Millisecond)
	})

	e.Start(context.Background())
	e.Start(context.Background())
	assert.True(t, e.Running())

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Ingest(sampleAt(i, 60, 20)))
	}
	require.Eventually(t, func() bool { return len(e.History()) == 5 }, 2*time.Second, 5*time.Millisecond)

	e.Stop()
	e.Stop()
	assert.False(t, e.Running())
	assert.Len(t, e.History(), 5, "stop keeps the history")
	assert.True(t, e.Stats().SamplesAccepted == 5)
}

func TestIngest_InboxFull(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Analytics) {
		cfg.InboxSize = 1
	})

	require.NoError(t, e.Ingest(sampleAt(0, 60, 20)))
	assert.ErrorIs(t, e.Ingest(sampleAt(1, 60, 20)), ErrInboxFull)
}

func TestRegistries(t *testing.T) {
	e := newTestEngine(t, nil)

	e.RegisterPattern("spiky", func(window []float64) (bool, float64) { return false, 0 })
	assert.Contains(t, e.KnownPatterns(), "spiky")

	e.RegisterModel("flat", func(values []float64, steps float64) (float64, float64) {
		return 42, 1
	})
	cfg := e.Config()
	cfg.PredictionModel = "flat"
	e.SetConfig(cfg)

	processN(t, e, 0, 5, 60, 20)
	p := e.Predict(models.MetricCPUUsage, time.Second)
	assert.Equal(t, 42.0, p.Value)
	assert.Equal(t, "flat", p.Model)
	assert.Len(t, e.PredictAll(time.Second), len(models.TrackedMetrics))

	e.AddContextRule(config.ContextRule{
		Name:       "cpu-busy",
		Conditions: []config.Condition{{Metric: models.MetricCPUUsage, Op: ">=", Value: 20}},
		Severity:   0.4,
	})
	snap, err := e.Process(sampleAt(5, 60, 20))
	require.NoError(t, err)
	require.NotEmpty(t, snap.Anomalies)
	assert.Equal(t, "context:cpu-busy", snap.Anomalies[len(snap.Anomalies)-1].Metric)
}
