// Package metrics exposes the controller's own operational metrics in
// Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics bundles the controller's instruments on a private registry so
// tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	Cycles        prometheus.Counter
	PhaseDuration *prometheus.HistogramVec
	Utility       *prometheus.GaugeVec
	WindowFill    *prometheus.GaugeVec
	Decisions     *prometheus.CounterVec
	ApplyFailures prometheus.Counter
	Rollbacks     prometheus.Counter
}

// New creates the instrument set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Cycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "tunectl_cycles_total",
			Help: "Completed adaptation cycles.",
		}),
		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tunectl_phase_duration_seconds",
			Help:    "Wall time per MAPE phase.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		Utility: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tunectl_service_utility",
			Help: "Windowed QoS utility per service.",
		}, []string{"service"}),
		WindowFill: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tunectl_window_fill_ratio",
			Help: "Sliding window fill fraction per service.",
		}, []string{"service"}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tunectl_decisions_total",
			Help: "Adaptation decisions by situation tag.",
		}, []string{"situation"}),
		ApplyFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "tunectl_apply_failures_total",
			Help: "Failed adaptation transactions.",
		}),
		Rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "tunectl_rollbacks_total",
			Help: "Transactions that triggered a rollback.",
		}),
	}
}

// ObservePhase times one MAPE phase.
func (m *Metrics) ObservePhase(phase string, start time.Time) {
	m.PhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// Serve exposes /metrics on addr until ctx is cancelled. An empty addr
// disables the listener.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.SugaredLogger) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("metrics listener failed", zap.Error(err))
		}
	}()
}
