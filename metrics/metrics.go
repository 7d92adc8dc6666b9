// Package metrics provides Prometheus metrics and the health endpoint for
// the ingestion service.
package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g., ":9090"
}

// ApplyDefaults sets default values for metrics config.
func (c *Config) ApplyDefaults() {
	if c.Address == "" {
		c.Address = ":9090"
	}
}

// Metrics holds all ingestion metrics.
type Metrics struct {
	// Counters
	UpdatesIngested *prometheus.CounterVec
	EventsIngested  *prometheus.CounterVec
	DuplicatesTotal *prometheus.CounterVec
	EmptyResponses  *prometheus.CounterVec
	FetchRetries    prometheus.Counter
	FilesWritten    prometheus.Counter
	VerifyFailures  *prometheus.CounterVec
	BoundsSnaps     *prometheus.CounterVec

	// Gauges
	Progress        *prometheus.GaugeVec
	PendingUpdates  *prometheus.GaugeVec
	PendingEvents   *prometheus.GaugeVec
	OutstandingJobs prometheus.Gauge
	WalkPointer     *prometheus.GaugeVec

	// Histograms
	FetchDuration  prometheus.Histogram
	FlushDuration  prometheus.Histogram
	VerifyDuration prometheus.Histogram

	registry *prometheus.Registry
	enabled  bool
}

// New creates a new metrics instance with a private registry.
func New(cfg Config) *Metrics {
	cfg.ApplyDefaults()

	m := &Metrics{
		enabled:  cfg.Enabled,
		registry: prometheus.NewRegistry(),
	}
	if !cfg.Enabled {
		return m
	}

	session := []string{"migration", "synchronizer", "shard"}

	m.UpdatesIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scan_ingest", Name: "updates_total",
		Help: "Total updates confirmed durable",
	}, session)
	m.EventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scan_ingest", Name: "events_total",
		Help: "Total events confirmed durable",
	}, session)
	m.DuplicatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scan_ingest", Name: "duplicates_total",
		Help: "Overlap duplicates dropped in-session",
	}, session)
	m.EmptyResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scan_ingest", Name: "empty_responses_total",
		Help: "Empty fetch results",
	}, session)
	m.FetchRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scan_ingest", Name: "fetch_retries_total",
		Help: "Fetch attempts that were retried",
	})
	m.FilesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scan_ingest", Name: "files_written_total",
		Help: "Partition files written",
	})
	m.VerifyFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scan_ingest", Name: "verify_failures_total",
		Help: "Write verifications that failed and were left for retry",
	}, session)
	m.BoundsSnaps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scan_ingest", Name: "bounds_snaps_total",
		Help: "Walk pointer snaps to an upstream-reported valid bound",
	}, session)

	m.Progress = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scan_ingest", Name: "progress_ratio",
		Help: "Walked fraction of the session time window",
	}, session)
	m.PendingUpdates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scan_ingest", Name: "pending_updates",
		Help: "Claimed but unconfirmed updates",
	}, session)
	m.PendingEvents = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scan_ingest", Name: "pending_events",
		Help: "Claimed but unconfirmed events",
	}, session)
	m.OutstandingJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scan_ingest", Name: "outstanding_write_jobs",
		Help: "Write jobs queued or running",
	})
	m.WalkPointer = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scan_ingest", Name: "walk_pointer_seconds",
		Help: "Current before-pointer as unix seconds",
	}, session)

	m.FetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scan_ingest", Name: "fetch_duration_seconds",
		Help:    "Scan API fetch latency",
		Buckets: prometheus.DefBuckets,
	})
	m.FlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scan_ingest", Name: "flush_duration_seconds",
		Help:    "Writer flush latency",
		Buckets: prometheus.DefBuckets,
	})
	m.VerifyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scan_ingest", Name: "verify_duration_seconds",
		Help:    "Flush-and-verify cycle latency",
		Buckets: prometheus.DefBuckets,
	})

	m.registry.MustRegister(
		m.UpdatesIngested, m.EventsIngested, m.DuplicatesTotal, m.EmptyResponses,
		m.FetchRetries, m.FilesWritten, m.VerifyFailures, m.BoundsSnaps,
		m.Progress, m.PendingUpdates, m.PendingEvents, m.OutstandingJobs, m.WalkPointer,
		m.FetchDuration, m.FlushDuration, m.VerifyDuration,
	)
	return m
}

// Enabled reports whether metrics collection is on.
func (m *Metrics) Enabled() bool { return m != nil && m.enabled }

// Handler returns the /metrics handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HealthFunc supplies the health payload for /health.
type HealthFunc func() any

// Server serves /metrics and /health.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer builds the HTTP surface over the given metrics and health
// snapshot function.
func NewServer(cfg Config, m *Metrics, health HealthFunc, logger *zap.Logger) *Server {
	r := mux.NewRouter()
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health())
	}).Methods(http.MethodGet)

	return &Server{
		srv: &http.Server{
			Addr:         cfg.Address,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("metrics server listening", zap.String("address", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	return s.srv.Close()
}
