// Package telemetry exposes Prometheus metrics for the portal: HTTP
// request counts and latencies, authentication outcomes and database pool
// gauges, served from /metrics.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/careportal/portal/internal/platform/db"
)

// Config holds the telemetry settings.
type Config struct {
	Namespace   string
	ServiceName string
	// RuntimeMetrics adds the Go runtime and process collectors.
	RuntimeMetrics bool
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "portal"
	}
	if c.ServiceName == "" {
		c.ServiceName = "portal-server"
	}
}

// Provider owns a private Prometheus registry so tests can build as many
// providers as they like without colliding on the global one.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	inFlight     prometheus.Gauge
	authAttempts *prometheus.CounterVec
}

func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()
	constLabels := prometheus.Labels{"service": cfg.ServiceName}

	p := &Provider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests.",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status_code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "http_request_duration_seconds",
			Help:        "Duration of HTTP requests in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "http_requests_in_flight",
			Help:        "Number of HTTP requests currently being served.",
			ConstLabels: constLabels,
		}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "auth_attempts_total",
			Help:        "Login and registration attempts by role and outcome.",
			ConstLabels: constLabels,
		}, []string{"action", "role", "outcome"}),
	}

	p.registry.MustRegister(p.requests, p.duration, p.inFlight, p.authAttempts)
	if cfg.RuntimeMetrics {
		p.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return p
}

// Registry is exposed for tests and for registering extra collectors.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// RecordAuthAttempt counts one login or registration outcome.
func (p *Provider) RecordAuthAttempt(action, role, outcome string) {
	p.authAttempts.WithLabelValues(action, role, outcome).Inc()
}

// RegisterDBPool exports pool statistics as gauges read at scrape time.
func (p *Provider) RegisterDBPool(stats func() *db.PoolStats) {
	gauge := func(name, help string, read func(*db.PoolStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   p.cfg.Namespace,
			Subsystem:   "db_pool",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"service": p.cfg.ServiceName},
		}, func() float64 { return read(stats()) })
	}
	p.registry.MustRegister(
		gauge("total_conns", "Total connections in the pool.", func(s *db.PoolStats) float64 { return float64(s.TotalConns) }),
		gauge("idle_conns", "Idle connections in the pool.", func(s *db.PoolStats) float64 { return float64(s.IdleConns) }),
		gauge("acquired_conns", "Connections currently checked out.", func(s *db.PoolStats) float64 { return float64(s.AcquiredConns) }),
		gauge("max_conns", "Configured maximum pool size.", func(s *db.PoolStats) float64 { return float64(s.MaxConns) }),
	)
}

// MetricsMiddleware records request count, latency and in-flight requests.
// Errors are resolved through the echo error handler first so the recorded
// status matches the response.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.inFlight.Inc()
			defer p.inFlight.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			method := c.Request().Method
			p.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			p.duration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
