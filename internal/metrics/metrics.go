// Package metrics exposes the daemon's Prometheus instrumentation:
// connection, delivery, and table-size gauges/counters, scraped over a
// side HTTP listener separate from the dispatcher's own socket.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds every collector the dispatcher updates. It carries no
// behavior of its own beyond exposing these to the dispatcher; reads and
// writes are all atomic through the prometheus client's own thread-safe
// collectors, so the HTTP exporter goroutine can scrape concurrently with
// the dispatcher loop without touching dispatcher state directly.
type Metrics struct {
	ClientsConnected    prometheus.Gauge
	ClientsTotal        prometheus.Counter
	SubscriptionsActive prometheus.Gauge
	CratesAttached      prometheus.Gauge

	DeliveriesTotal    prometheus.Counter
	DeliveriesACKed    prometheus.Counter
	DeliveriesNAKed    prometheus.Counter
	DeliveriesTimedOut prometheus.Counter
	DeliveriesNoMatch  prometheus.Counter
	LinesDisabledTotal prometheus.Counter

	RequestsTotal *prometheus.CounterVec
	registry      *prometheus.Registry
}

// New constructs and registers every collector against a fresh registry
// (not the global default registry, so tests can construct independent
// instances without collector-already-registered panics).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "v120irqd_clients_connected",
			Help: "Current number of connected clients.",
		}),
		ClientsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "v120irqd_clients_total",
			Help: "Total number of client connections accepted.",
		}),
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "v120irqd_subscriptions_active",
			Help: "Current number of active subscriptions in the table.",
		}),
		CratesAttached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "v120irqd_crates_attached",
			Help: "Number of crates successfully attached at start-up.",
		}),
		DeliveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "v120irqd_deliveries_total",
			Help: "Total number of SIGNAL frames sent to clients.",
		}),
		DeliveriesACKed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "v120irqd_deliveries_acked_total",
			Help: "Total number of deliveries acknowledged by the client.",
		}),
		DeliveriesNAKed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "v120irqd_deliveries_naked_total",
			Help: "Total number of deliveries explicitly NAKed by the client.",
		}),
		DeliveriesTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "v120irqd_deliveries_timed_out_total",
			Help: "Total number of deliveries that exceeded the delivery timeout.",
		}),
		DeliveriesNoMatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "v120irqd_deliveries_no_match_total",
			Help: "Total number of pending interrupts with no registered subscriber.",
		}),
		LinesDisabledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "v120irqd_lines_disabled_total",
			Help: "Total number of times an IRQ line was disabled after a stuck delivery.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "v120irqd_requests_total",
			Help: "Total number of client requests by tag and outcome.",
		}, []string{"tag", "outcome"}),
		registry: reg,
	}

	reg.MustRegister(
		m.ClientsConnected, m.ClientsTotal, m.SubscriptionsActive, m.CratesAttached,
		m.DeliveriesTotal, m.DeliveriesACKed, m.DeliveriesNAKed, m.DeliveriesTimedOut,
		m.DeliveriesNoMatch, m.LinesDisabledTotal, m.RequestsTotal,
	)
	return m
}

// Server wraps the HTTP exporter for the daemon's metrics endpoint.
type Server struct {
	http *http.Server
}

// NewServer builds an HTTP server for addr exposing m's registry at
// /metrics. It does not start listening; Run serves and Shutdown stops it.
func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return &Server{http: &http.Server{Addr: addr, Handler: mux}}
}

// Run serves until the listener fails or Shutdown is called, logging
// panics instead of letting them escape since this runs on its own
// goroutine alongside the dispatcher loop.
func (s *Server) Run(logger zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("metrics server panic recovered")
		}
	}()
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

// Shutdown gracefully stops the exporter.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
