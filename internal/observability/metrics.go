// Package observability implements the Observability surface referenced
// throughout spec.md §4.7: Prometheus counters/histograms for every
// subsystem plus a bounded in-memory ledger of detected runtime issues
// (memory-leak suspicion, excessive update frequency, stale state).
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	namespace = "live_components"
)

// Metrics wires the runtime's counters and histograms to a dedicated
// Prometheus registry (never the global one, so a process can host more
// than one runtime instance in tests without collector collisions).
type Metrics struct {
	log zerolog.Logger

	registry *prometheus.Registry

	connectionsActive   prometheus.Gauge
	connectionsTotal    *prometheus.CounterVec
	componentsActive    prometheus.Gauge
	componentsMounted   *prometheus.CounterVec
	eventsProcessed     *prometheus.CounterVec
	eventsFailed        *prometheus.CounterVec
	eventProcessingTime prometheus.Histogram
	commitLatency       prometheus.Histogram
	conflictsDetected   *prometheus.CounterVec
	cleanupTotal        *prometheus.CounterVec
	cleanupDuration     prometheus.Histogram

	mu            sync.Mutex
	cleanupCount  int64
	cleanupTotalD time.Duration

	issuesMu sync.Mutex
	issues   []Issue
	maxIssues int
}

// Issue is a single detected anomaly, kept for the debug/inspection
// surface (spec.md §4.7 "memory-leak suspicion, excessive update
// frequency, stale-state detection").
type Issue struct {
	Kind        string
	ComponentID string
	Detail      string
	DetectedAt  time.Time
}

// New builds a Metrics instance registered against reg. If reg is nil a
// fresh private registry is created.
func New(reg *prometheus.Registry, log zerolog.Logger) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		log:       log,
		registry:  reg,
		maxIssues: 200,

		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connections", Name: "active",
			Help: "Currently open client connections.",
		}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connections", Name: "total",
			Help: "Total connections accepted, by close reason once closed.",
		}, []string{"event"}),
		componentsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "components", Name: "active",
			Help: "Currently mounted component instances.",
		}),
		componentsMounted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "components", Name: "lifecycle_total",
			Help: "Component lifecycle transitions, by event and type.",
		}, []string{"event", "type"}),
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "processed_total",
			Help: "Events dispatched by the event engine, by scope.",
		}, []string{"scope"}),
		eventsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "failed_total",
			Help: "Events that could not be dispatched or were dead-lettered.",
		}, []string{"reason"}),
		eventProcessingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "events", Name: "processing_seconds",
			Help:    "Time from start of dispatch to dispatch completion.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sync", Name: "commit_latency_seconds",
			Help:    "Time to commit a state operation (local or remote) and bump version.",
			Buckets: prometheus.ExponentialBuckets(0.0002, 2, 14),
		}),
		conflictsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "conflicts_total",
			Help: "State conflicts detected, by severity.",
		}, []string{"severity"}),
		cleanupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cleanup", Name: "runs_total",
			Help: "Cleanup operations, by outcome.",
		}, []string{"outcome"}),
		cleanupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "cleanup", Name: "duration_seconds",
			Help:    "Duration of a single cleanup target's teardown.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}

	m.registry.MustRegister(
		m.connectionsActive,
		m.connectionsTotal,
		m.componentsActive,
		m.componentsMounted,
		m.eventsProcessed,
		m.eventsFailed,
		m.eventProcessingTime,
		m.commitLatency,
		m.conflictsDetected,
		m.cleanupTotal,
		m.cleanupDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registered collectors for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ConnectionOpened/ConnectionClosed track the Connection Multiplexer's
// live socket count (spec.md §4.1).
func (m *Metrics) ConnectionOpened() {
	m.connectionsActive.Inc()
	m.connectionsTotal.WithLabelValues("opened").Inc()
}

func (m *Metrics) ConnectionClosed(reason string) {
	m.connectionsActive.Dec()
	m.connectionsTotal.WithLabelValues(reason).Inc()
}

// ComponentMounted/ComponentUnmounted track live instance counts.
func (m *Metrics) ComponentMounted(typeName string) {
	m.componentsActive.Inc()
	m.componentsMounted.WithLabelValues("mount", typeName).Inc()
}

func (m *Metrics) ComponentUnmounted(typeName string) {
	m.componentsActive.Dec()
	m.componentsMounted.WithLabelValues("unmount", typeName).Inc()
}

// RecordEvent records a single dispatched event's scope and processing
// latency (eventengine.Observer-shaped, wired from the Event Engine).
func (m *Metrics) RecordEvent(scope string, d time.Duration) {
	m.eventsProcessed.WithLabelValues(scope).Inc()
	m.eventProcessingTime.Observe(d.Seconds())
}

// RecordEventFailure records a dispatch failure or dead-letter, by cause.
func (m *Metrics) RecordEventFailure(reason string) {
	m.eventsFailed.WithLabelValues(reason).Inc()
}

// RecordCommit records the latency of a state operation commit
// (syncengine.Observer-shaped, wired from the Sync Engine).
func (m *Metrics) RecordCommit(d time.Duration) {
	m.commitLatency.Observe(d.Seconds())
}

// RecordConflict tallies a detected conflict by severity.
func (m *Metrics) RecordConflict(severity string) {
	m.conflictsDetected.WithLabelValues(severity).Inc()
}

// RecordCleanup satisfies cleanup.Observer: it tallies a cleanup outcome
// and derives a running average duration for diagnostics.
func (m *Metrics) RecordCleanup(success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.cleanupTotal.WithLabelValues(outcome).Inc()
	m.cleanupDuration.Observe(duration.Seconds())

	m.mu.Lock()
	m.cleanupCount++
	m.cleanupTotalD += duration
	m.mu.Unlock()
}

// AverageCleanupDuration reports the mean duration across every recorded
// cleanup so far, for the debug snapshot endpoint.
func (m *Metrics) AverageCleanupDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cleanupCount == 0 {
		return 0
	}
	return m.cleanupTotalD / time.Duration(m.cleanupCount)
}

// ReportIssue appends a detected anomaly to the bounded ledger and logs
// it at warn level. Kinds are free-form: "memory_leak_suspected",
// "excessive_update_frequency", "stale_state".
func (m *Metrics) ReportIssue(kind, componentID, detail string) {
	m.issuesMu.Lock()
	m.issues = append(m.issues, Issue{Kind: kind, ComponentID: componentID, Detail: detail, DetectedAt: time.Now()})
	if len(m.issues) > m.maxIssues {
		m.issues = m.issues[len(m.issues)-m.maxIssues:]
	}
	m.issuesMu.Unlock()

	m.log.Warn().Str("kind", kind).Str("component_id", componentID).Str("detail", detail).Msg("runtime issue detected")
}

// Issues returns a snapshot of the ledger, most recent last.
func (m *Metrics) Issues() []Issue {
	m.issuesMu.Lock()
	defer m.issuesMu.Unlock()
	out := make([]Issue, len(m.issues))
	copy(out, m.issues)
	return out
}
