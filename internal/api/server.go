// Package api exposes the analytics engine over HTTP: sample ingestion,
// snapshot queries, a websocket event stream and Prometheus metrics.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"perf-analytics/internal/analytics"
	"perf-analytics/internal/config"
	"perf-analytics/internal/models"
	"perf-analytics/internal/persist"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

const defaultAnomalyLimit = 10

// Server routes HTTP requests to the engine.
type Server struct {
	router   *mux.Router
	engine   *analytics.Engine
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *serverMetrics
	hub      *Hub
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	subID  int
}

// NewServer wires the routes, subscribes to engine events and starts the
// event hub. Call Close to release it.
func NewServer(engine *analytics.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	registry := prometheus.NewRegistry()

	s := &Server{
		router:   mux.NewRouter(),
		engine:   engine,
		logger:   logger,
		registry: registry,
		metrics:  newServerMetrics(registry, engine),
		hub:      NewHub(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	s.hub.onCount = func(n int) { s.metrics.wsClients.Set(float64(n)) }

	s.setupRoutes()
	go s.hub.Run(ctx)

	s.subID = engine.Subscribe(func(ev analytics.Event) {
		s.metrics.observe(ev)
		s.hub.Broadcast(ev)
	})

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.instrument)

	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/samples", s.ingestHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/analytics/current", s.currentHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/analytics/history", s.historyHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/analytics/anomalies", s.anomaliesHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/analytics/patterns", s.patternsHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/analytics/predict/{metric}", s.predictHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/analytics/stats", s.statsHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/analytics/export", s.exportHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/events", s.eventsHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics/prometheus", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close unsubscribes from the engine and disconnects stream clients.
func (s *Server) Close() {
	s.engine.Unsubscribe(s.subID)
	s.cancel()
}

// Run serves on cfg.Addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, cfg config.Server) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout.GetDuration(10 * time.Second),
		WriteTimeout: cfg.WriteTimeout.GetDuration(10 * time.Second),
		IdleTimeout:  cfg.IdleTimeout.GetDuration(30 * time.Second),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server is ready to handle requests", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("could not listen on %s: %w", cfg.Addr, err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("server is shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv.SetKeepAlivesEnabled(false)
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("could not gracefully shutdown the server: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (conn net.Conn, rw *bufio.ReadWriter, err error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		s.metrics.requestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		s.metrics.httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   Version,
		"session":   s.engine.SessionID(),
		"running":   s.engine.Running(),
	}
	if current, ok := s.engine.Current(); ok {
		health["systemState"] = current.SystemState
		health["overall"] = current.Health.Overall()
	}
	writeJSON(w, http.StatusOK, health)
}

// ingestHandler queues a sample for the next tick. With ?sync=true the
// tick runs inline and the published snapshot is returned.
func (s *Server) ingestHandler(w http.ResponseWriter, r *http.Request) {
	var sample models.BaseSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	if sync, _ := strconv.ParseBool(r.URL.Query().Get("sync")); sync {
		snapshot, err := s.engine.Process(sample)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
		return
	}

	if err := s.engine.Ingest(sample); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) currentHandler(w http.ResponseWriter, _ *http.Request) {
	current, ok := s.engine.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "no analytics yet")
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	since := r.URL.Query().Get("since")
	if since == "" {
		writeJSON(w, http.StatusOK, nonNil(s.engine.History()))
		return
	}

	d, err := time.ParseDuration(since)
	if err != nil || d < 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since: %q", since))
		return
	}
	writeJSON(w, http.StatusOK, nonNil(s.engine.HistorySince(d)))
}

func (s *Server) anomaliesHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultAnomalyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %q", raw))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, nonNil(s.engine.RecentAnomalies(limit)))
}

func (s *Server) patternsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"patterns": s.engine.Patterns(),
		"known":    s.engine.KnownPatterns(),
	})
}

func (s *Server) predictHandler(w http.ResponseWriter, r *http.Request) {
	metric := mux.Vars(r)["metric"]

	horizon := s.engine.Config().PredictionHorizon.Std()
	if raw := r.URL.Query().Get("horizon"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid horizon: %q", raw))
			return
		}
		horizon = d
	}

	if len(s.engine.Series(metric, 1)) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown metric: %s", metric))
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Predict(metric, horizon))
}

func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"engine":  s.engine.Stats(),
		"workers": s.engine.WorkerStats(),
		"clients": s.hub.ClientCount(),
	})
}

// exportHandler streams the export document, json by default or yaml with
// ?format=yaml.
func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	doc := persist.NewDocument(s.engine.SessionID(), s.engine.History(), s.engine.Config(), time.Now())

	data, err := persist.Marshal(doc, format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	contentType := "application/json"
	if persist.FormatFromPath("export."+format) == persist.FormatYAML {
		contentType = "application/yaml"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// eventsHandler upgrades to a websocket streaming engine events. ?kinds=
// takes a comma separated list of event kinds to receive.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.hub.serve(s.ctx, newClient(conn, r.URL.Query().Get("kinds")))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
