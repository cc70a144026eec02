// Package metrics exposes prometheus instrumentation for the orchestration
// engine: operation lifecycle counters, step timings, sampler health, and the
// /metrics endpoint served alongside /health.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// OperationsStarted counts accepted operations by type and environment.
	OperationsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dayops_operations_started_total",
			Help: "Operations accepted for execution",
		},
		[]string{"operation_type", "environment"},
	)

	// OperationsCompleted counts terminal operations by type and final status.
	OperationsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dayops_operations_completed_total",
			Help: "Operations that reached a terminal status",
		},
		[]string{"operation_type", "status"},
	)

	// ActiveOperations tracks operations currently running.
	ActiveOperations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dayops_active_operations",
			Help: "Number of operations currently running",
		},
	)

	// StepDuration tracks per-step execution time.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dayops_step_duration_seconds",
			Help:    "Time spent executing a single operation step",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation_type", "status"},
	)

	// StepRetries counts step retry attempts.
	StepRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dayops_step_retries_total",
			Help: "Step retry attempts across all operations",
		},
	)

	// RollbacksExecuted counts rollback passes triggered by failures.
	RollbacksExecuted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dayops_rollbacks_total",
			Help: "Rollback passes triggered by operation failures",
		},
	)

	// SamplerErrors counts per-operation sampler failures.
	SamplerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dayops_sampler_errors_total",
			Help: "Monitor sampler failures, isolated per operation",
		},
	)

	// MonitoredOperations tracks registry entries under active monitoring.
	MonitoredOperations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dayops_monitored_operations",
			Help: "Operations currently tracked by the monitor registry",
		},
	)
)

// Server exposes /metrics and /health over HTTP and fits the lifecycle.Resource shape.
type Server struct {
	addr   string
	log    *zap.Logger
	srv    *http.Server
	health func(ctx context.Context) map[string]error
}

// NewServer creates a metrics server bound to addr. The health callback may be nil.
func NewServer(addr string, health func(ctx context.Context) map[string]error, log *zap.Logger) *Server {
	return &Server{addr: addr, health: health, log: log}
}

func (s *Server) Name() string { return "metrics-server" }

// Start begins serving in a background goroutine.
func (s *Server) Start(_ context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if s.health != nil {
			for name, err := range s.health(r.Context()) {
				if err != nil {
					s.log.Warn("Health check failed", zap.String("check", name), zap.Error(err))
					status = http.StatusServiceUnavailable
				}
			}
		}
		w.WriteHeader(status)
	})

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("Metrics server exited", zap.Error(err))
		}
	}()

	s.log.Info("Metrics server started", zap.String("addr", s.addr))
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Health reports whether the server has been started.
func (s *Server) Health() error {
	if s.srv == nil {
		return &notStartedError{}
	}
	return nil
}

type notStartedError struct{}

func (*notStartedError) Error() string { return "metrics server not started" }
