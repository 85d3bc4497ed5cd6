// Package metrics exports session lifecycle counters to Prometheus.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gamelink/internal/auth"
	"gamelink/internal/server"
)

type Config struct {
	// Namespace is the metrics namespace (default: "gamelink").
	Namespace string
	// Registry defaults to a private registry so tests can create many collectors.
	Registry *prometheus.Registry
}

// Collector is a server.Observer that records session metrics.
type Collector struct {
	registry *prometheus.Registry

	opened        prometheus.Counter
	authenticated prometheus.Counter
	rejected      *prometheus.CounterVec
	closed        prometheus.Counter
	connections   prometheus.Gauge
	sessions      prometheus.Gauge
	duration      prometheus.Histogram

	mu      sync.Mutex
	started map[string]time.Time
	authed  map[string]struct{}
}

var _ server.Observer = (*Collector)(nil)

func New(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = "gamelink"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	factory := promauto.With(cfg.Registry)

	return &Collector{
		registry: cfg.Registry,

		opened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "connections_opened_total",
			Help:      "Connections that completed the TLS handshake",
		}),
		authenticated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "sessions_authenticated_total",
			Help:      "Sessions whose identity was accepted",
		}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "sessions_rejected_total",
			Help:      "Sessions refused during authentication, by outcome (timeout, failed, rejected)",
		}, []string{"reason"}),
		closed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "connections_closed_total",
			Help:      "Connections that have been torn down",
		}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "open_connections",
			Help:      "Connections currently open, authenticated or not",
		}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "active_sessions",
			Help:      "Authenticated sessions currently open",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of a connection from handshake to close",
			Buckets:   []float64{0.05, 0.5, 5, 30, 120, 600, 3600},
		}),

		started: make(map[string]time.Time),
		authed:  make(map[string]struct{}),
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) SessionOpened(s server.Session) {
	c.mu.Lock()
	c.started[s.ID()] = time.Now()
	c.mu.Unlock()

	c.opened.Inc()
	c.connections.Inc()
}

func (c *Collector) SessionAuthenticated(s server.Session) {
	c.mu.Lock()
	c.authed[s.ID()] = struct{}{}
	c.mu.Unlock()

	c.authenticated.Inc()
	c.sessions.Inc()
}

// Rejection outcomes used as the reason label. Free-text reasons can carry
// peer-controlled text and stay in the logs and the Disconnect frame.
const (
	OutcomeTimeout  = "timeout"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

func outcome(reason string) string {
	switch reason {
	case server.ReasonAuthTimeout:
		return OutcomeTimeout
	case auth.ReasonFailed:
		return OutcomeFailed
	default:
		return OutcomeRejected
	}
}

func (c *Collector) SessionRejected(_ server.Session, reason string) {
	c.rejected.WithLabelValues(outcome(reason)).Inc()
}

func (c *Collector) SessionClosed(s server.Session) {
	c.mu.Lock()
	started, ok := c.started[s.ID()]
	delete(c.started, s.ID())
	_, wasAuthed := c.authed[s.ID()]
	delete(c.authed, s.ID())
	c.mu.Unlock()

	c.closed.Inc()
	c.connections.Dec()
	if wasAuthed {
		c.sessions.Dec()
	}
	if ok {
		c.duration.Observe(time.Since(started).Seconds())
	}
}
