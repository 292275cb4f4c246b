package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"perf-analytics/internal/analytics"
)

type serverMetrics struct {
	httpRequestsTotal *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec

	snapshotsPublished prometheus.Counter
	anomaliesDetected  *prometheus.CounterVec
	alertsRaised       *prometheus.CounterVec
	healthScore        *prometheus.GaugeVec
	optimization       *prometheus.GaugeVec
	wsClients          prometheus.Gauge
}

// newServerMetrics registers the collectors on reg. Engine counters are
// read on scrape.
func newServerMetrics(reg prometheus.Registerer, engine *analytics.Engine) *serverMetrics {
	factory := promauto.With(reg)

	m := &serverMetrics{
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),

		snapshotsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "analytics_snapshots_total",
			Help: "Total number of analytics snapshots published",
		}),

		anomaliesDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "anomalies_detected_total",
			Help: "Total number of anomalies reported to subscribers",
		}, []string{"kind"}),

		alertsRaised: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "performance_alerts_total",
			Help: "Total number of threshold alerts",
		}, []string{"metric"}),

		healthScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "health_score",
			Help: "Latest health indicator, 0-100",
		}, []string{"indicator"}),

		optimization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optimization_potential",
			Help: "Latest optimization potential per subsystem, 0-100",
		}, []string{"subsystem"}),

		wsClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_clients",
			Help: "Connected event stream clients",
		}),
	}

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "samples_accepted_total",
		Help: "Total number of accepted samples",
	}, func() float64 { return float64(engine.Stats().SamplesAccepted) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "samples_rejected_total",
		Help: "Total number of rejected samples",
	}, func() float64 { return float64(engine.Stats().SamplesRejected) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "history_size",
		Help: "Snapshots currently held in history",
	}, func() float64 { return float64(engine.Stats().HistorySize) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "background_jobs_skipped_total",
		Help: "Background jobs skipped because the worker pool was full",
	}, func() float64 { return float64(engine.WorkerStats().Skipped) })

	return m
}

// observe updates the collectors from one engine event.
func (m *serverMetrics) observe(ev analytics.Event) {
	switch ev.Kind {
	case analytics.EventAnalyticsUpdated:
		m.snapshotsPublished.Inc()
		if ev.Metrics == nil {
			return
		}
		h := ev.Metrics.Health
		m.healthScore.WithLabelValues("stability").Set(h.Stability)
		m.healthScore.WithLabelValues("reliability").Set(h.Reliability)
		m.healthScore.WithLabelValues("user_experience").Set(h.UserExperience)
		m.healthScore.WithLabelValues("energy_efficiency").Set(h.Energy)
		m.healthScore.WithLabelValues("overall").Set(h.Overall())
		for subsystem, potential := range ev.Metrics.Optimization {
			m.optimization.WithLabelValues(subsystem).Set(potential)
		}
	case analytics.EventAnomalyDetected:
		if ev.Anomaly != nil {
			m.anomaliesDetected.WithLabelValues(string(ev.Anomaly.Kind)).Inc()
		}
	case analytics.EventPerformanceAlert:
		if ev.Alert != nil {
			m.alertsRaised.WithLabelValues(ev.Alert.Metric).Inc()
		}
	}
}
