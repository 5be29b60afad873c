// Package metrics exports every subsystem's internal counters as
// Prometheus metrics on a dedicated registry, and serves them alongside
// a liveness endpoint.
//
// Metric naming convention: sentryd_<subsystem>_<name>_<unit>. All
// metrics are registered on a private prometheus.Registry rather than
// the global default, to avoid collisions with other instrumented
// libraries sharing the process.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus descriptor sentryd exposes.
type Metrics struct {
	registry *prometheus.Registry

	EventsDetectedTotal *prometheus.CounterVec // labels: event_type, severity

	EngineBreakerState  *prometheus.GaugeVec // labels: mode (native, pooled)
	EngineFailuresTotal prometheus.Counter

	ExecutorExecutedTotal prometheus.Counter
	ExecutorFailedTotal   prometheus.Counter
	ExecutorCurrentRate   prometheus.Gauge

	FileWatcherEventsTotal prometheus.Counter

	AlertsSentTotal        prometheus.Counter
	AlertsFailedTotal      prometheus.Counter
	AlertSignatureFailures prometheus.Counter
	AlertCertPinFailures   prometheus.Counter

	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// New creates and registers every sentryd metric on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		EventsDetectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "events",
			Name:      "detected_total",
			Help:      "Total security events detected, by event type and severity.",
		}, []string{"event_type", "severity"}),

		EngineBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentryd",
			Subsystem: "engine",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per engine adapter mode (0=closed, 1=half-open, 2=open).",
		}, []string{"mode"}),

		EngineFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "engine",
			Name:      "failures_total",
			Help:      "Total engine adapter call failures.",
		}),

		ExecutorExecutedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "executor",
			Name:      "executed_total",
			Help:      "Total calls run through the bounded executor.",
		}),

		ExecutorFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "executor",
			Name:      "failed_total",
			Help:      "Total bounded executor calls that returned an error.",
		}),

		ExecutorCurrentRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentryd",
			Subsystem: "executor",
			Name:      "current_rate_limit",
			Help:      "Current adaptive rate limit ceiling, calls per second.",
		}),

		FileWatcherEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "filewatcher",
			Name:      "events_total",
			Help:      "Total filesystem change events detected (post-filter).",
		}),

		AlertsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "alert",
			Name:      "sent_total",
			Help:      "Total alert webhook deliveries that succeeded.",
		}),

		AlertsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "alert",
			Name:      "failed_total",
			Help:      "Total alert webhook deliveries that failed after all retries.",
		}),

		AlertSignatureFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "alert",
			Name:      "signature_failures_total",
			Help:      "Total inbound webhook signature verification failures.",
		}),

		AlertCertPinFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "alert",
			Name:      "cert_pin_failures_total",
			Help:      "Total failures loading or matching a pinned certificate.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentryd",
			Subsystem: "monitor",
			Name:      "uptime_seconds",
			Help:      "Seconds since the monitor process started.",
		}),
	}

	reg.MustRegister(
		m.EventsDetectedTotal,
		m.EngineBreakerState,
		m.EngineFailuresTotal,
		m.ExecutorExecutedTotal,
		m.ExecutorFailedTotal,
		m.ExecutorCurrentRate,
		m.FileWatcherEventsTotal,
		m.AlertsSentTotal,
		m.AlertsFailedTotal,
		m.AlertSignatureFailures,
		m.AlertCertPinFailures,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Serve starts the Prometheus /metrics and /healthz HTTP endpoints on
// addr, blocking until ctx is cancelled or the server fails.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
