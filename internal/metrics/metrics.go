// Package metrics exposes prometheus metrics for the connection cache and the
// SSH server. A nil *Collector is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sshutil"

// Collector is a prometheus.Collector for cache and server activity.
type Collector struct {
	transportsOpened   prometheus.Counter
	transportsClosed   prometheus.Counter
	transportsLive     prometheus.Gauge
	sessionsLive       prometheus.Gauge
	cacheLookups       *prometheus.CounterVec
	closeErrors        prometheus.Counter
	flushDuration      prometheus.Histogram
	serverConnections  prometheus.Gauge
	authFailures       *prometheus.CounterVec
	bindRetries        prometheus.Counter
	connectionDuration prometheus.Histogram
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		transportsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "transports_opened_total",
			Help:      "The number of transports created by the cache.",
		}),
		transportsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "transports_closed_total",
			Help:      "The number of transports closed by the cache.",
		}),
		transportsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "transports",
			Help:      "The number of open transports.",
		}),
		sessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "sessions",
			Help:      "The number of sessions holding a transport reference.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Transport lookups by result (hit or miss).",
		}, []string{"result"}),
		closeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "close_errors_total",
			Help:      "The number of transports that failed to close cleanly.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "flush_seconds",
			Help:      "The time taken by a flush, including waiting for sessions.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		}),
		serverConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "connection_count",
			Help:      "The number of active connections to the SSH server.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "authentication_failures",
			Help:      "The number of authentication failures.",
		}, []string{"auth_method"}),
		bindRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "bind_retries_total",
			Help:      "The number of busy ports skipped while binding.",
		}),
		connectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "connection_seconds",
			Help:      "The duration a client keeps an SSH connection open.",
			Buckets:   []float64{0.01, 0.1, 1, 10, 60, 300, 3600},
		}),
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.transportsOpened,
		c.transportsClosed,
		c.transportsLive,
		c.sessionsLive,
		c.cacheLookups,
		c.closeErrors,
		c.flushDuration,
		c.serverConnections,
		c.authFailures,
		c.bindRetries,
		c.connectionDuration,
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.collectors() {
		m.Describe(ch)
	}
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.collectors() {
		m.Collect(ch)
	}
}

// TransportOpened records a new transport.
func (c *Collector) TransportOpened() {
	if c == nil {
		return
	}
	c.transportsOpened.Inc()
	c.transportsLive.Inc()
}

// TransportClosed records a closed transport and whether the close failed.
func (c *Collector) TransportClosed(err error) {
	if c == nil {
		return
	}
	c.transportsClosed.Inc()
	c.transportsLive.Dec()
	if err != nil {
		c.closeErrors.Inc()
	}
}

// SessionAcquired records a new transport reference.
func (c *Collector) SessionAcquired() {
	if c == nil {
		return
	}
	c.sessionsLive.Inc()
}

// SessionReleased records a dropped transport reference.
func (c *Collector) SessionReleased() {
	if c == nil {
		return
	}
	c.sessionsLive.Dec()
}

// CacheLookup records whether an acquire reused a transport.
func (c *Collector) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// FlushObserved records how long a flush took.
func (c *Collector) FlushObserved(seconds float64) {
	if c == nil {
		return
	}
	c.flushDuration.Observe(seconds)
}

// ConnectionOpened records an accepted server connection.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.serverConnections.Inc()
}

// ConnectionClosed records a finished server connection and how long it lasted.
func (c *Collector) ConnectionClosed(seconds float64) {
	if c == nil {
		return
	}
	c.serverConnections.Dec()
	c.connectionDuration.Observe(seconds)
}

// AuthFailed records a rejected authentication attempt.
func (c *Collector) AuthFailed(method string) {
	if c == nil {
		return
	}
	c.authFailures.WithLabelValues(method).Inc()
}

// BindRetried records a busy port skipped during bind.
func (c *Collector) BindRetried() {
	if c == nil {
		return
	}
	c.bindRetries.Inc()
}
