// Package observability — metrics.go
//
// Prometheus metrics for corridord.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: the configured address (loopback by default); the address is not
// checked to be loopback.
//
// Metric naming convention: corridor_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Stage/violation labels use closed, small enums (5 stages, <20 codes).
//   - Actor/client IDs are NEVER used as labels (unbounded cardinality).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for corridord.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Gate pipeline ────────────────────────────────────────────────────────

	// StageLatencySeconds records per-stage latency.
	// Labels: stage (cif_ingress, cdi_action, handler, cdi_output, cif_egress)
	StageLatencySeconds *prometheus.HistogramVec

	// RequestsTotal counts requests by final verdict.
	// Labels: verdict (allow, deny)
	RequestsTotal *prometheus.CounterVec

	// DenialsTotal counts denials by error code.
	// Labels: code (CIF_QUARANTINED, CDI_CAPABILITY_CEILING, ...)
	DenialsTotal *prometheus.CounterVec

	// ─── CIF ──────────────────────────────────────────────────────────────────

	// RateLimitEvictionsTotal counts idle per-client bucket evictions.
	RateLimitEvictionsTotal prometheus.Counter

	// QuarantinedTotal counts ingress requests quarantined by pattern match.
	QuarantinedTotal prometheus.Counter

	// SecretLeaksBlockedTotal counts egress responses blocked for containing
	// a detected secret.
	SecretLeaksBlockedTotal prometheus.Counter

	// ─── Posture ──────────────────────────────────────────────────────────────

	// PostureTransitionsTotal counts posture ladder transitions.
	// Labels: from_state, to_state, automatic (true, false)
	PostureTransitionsTotal *prometheus.CounterVec

	// CurrentPosture is the current posture level (0=NORMAL, 1=DEFENSIVE,
	// 2=FAIL_CLOSED).
	CurrentPosture prometheus.Gauge

	// ─── Audit ────────────────────────────────────────────────────────────────

	// AuditQueueDepth is the current depth of the in-memory audit flush
	// queue.
	AuditQueueDepth prometheus.Gauge

	// AuditDroppedTotal counts low-severity audit entries dropped due to
	// queue saturation.
	AuditDroppedTotal prometheus.Counter

	// ─── Integrity ────────────────────────────────────────────────────────────

	// CanaryFailuresTotal counts integrity canary failures, by canary name.
	CanaryFailuresTotal *prometheus.CounterVec

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageWriteLatency records bbolt write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// ─── Process ──────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the process started.
	UptimeSeconds prometheus.Gauge

	// startTime records when the process started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all corridord Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		StageLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "corridor",
			Subsystem: "gate",
			Name:      "stage_latency_seconds",
			Help:      "Per-stage latency through the action gate pipeline.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corridor",
			Subsystem: "gate",
			Name:      "requests_total",
			Help:      "Total governed requests, by final verdict.",
		}, []string{"verdict"}),

		DenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corridor",
			Subsystem: "gate",
			Name:      "denials_total",
			Help:      "Total denials, by stable error code.",
		}, []string{"code"}),

		RateLimitEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corridor",
			Subsystem: "cif",
			Name:      "rate_limit_evictions_total",
			Help:      "Total idle per-client rate-limit buckets evicted.",
		}),

		QuarantinedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corridor",
			Subsystem: "cif",
			Name:      "quarantined_total",
			Help:      "Total ingress requests quarantined by suspicious-pattern match.",
		}),

		SecretLeaksBlockedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corridor",
			Subsystem: "cif",
			Name:      "secret_leaks_blocked_total",
			Help:      "Total egress responses blocked for containing a detected secret.",
		}),

		PostureTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corridor",
			Subsystem: "posture",
			Name:      "transitions_total",
			Help:      "Total posture ladder transitions, by from_state, to_state, and automatic.",
		}, []string{"from_state", "to_state", "automatic"}),

		CurrentPosture: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "corridor",
			Subsystem: "posture",
			Name:      "current_level",
			Help:      "Current posture level: 0=NORMAL, 1=DEFENSIVE, 2=FAIL_CLOSED.",
		}),

		AuditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "corridor",
			Subsystem: "audit",
			Name:      "queue_depth",
			Help:      "Current depth of the in-memory audit flush queue.",
		}),

		AuditDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corridor",
			Subsystem: "audit",
			Name:      "dropped_total",
			Help:      "Total low-severity audit entries dropped due to queue saturation.",
		}),

		CanaryFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corridor",
			Subsystem: "integrity",
			Name:      "canary_failures_total",
			Help:      "Total integrity canary failures, by canary name.",
		}, []string{"canary"}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "corridor",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "bbolt write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "corridor",
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since corridord started.",
		}),
	}

	reg.MustRegister(
		m.StageLatencySeconds,
		m.RequestsTotal,
		m.DenialsTotal,
		m.RateLimitEvictionsTotal,
		m.QuarantinedTotal,
		m.SecretLeaksBlockedTotal,
		m.PostureTransitionsTotal,
		m.CurrentPosture,
		m.AuditQueueDepth,
		m.AuditDroppedTotal,
		m.CanaryFailuresTotal,
		m.StorageWriteLatency,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails. Binds to addr
// (e.g. "127.0.0.1:9091") and serves GET /metrics and GET /healthz.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
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

// updateUptime periodically updates the UptimeSeconds gauge.
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

// RecordPostureTransition records a transition for dashboards/alerting.
func (m *Metrics) RecordPostureTransition(from, to string, automatic bool) {
	m.PostureTransitionsTotal.WithLabelValues(from, to, boolLabel(automatic)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
