package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	Edits        *prometheus.CounterVec // kind: insert|update|delete, outcome: ok|invalid|failed
	EditDuration prometheus.Histogram

	RoutingRequests *prometheus.CounterVec // outcome: ok|fallback|failed
	RoutingDuration prometheus.Histogram

	OpenSessions prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	RoutingTimeout prometheus.Gauge // seconds
	UndoLimit      prometheus.Gauge
}

func NewCollector(routingTimeout time.Duration, undoLimit int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Edits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pattern_editor_edits_total",
			Help: "Shape recalculations by intent and outcome.",
		}, []string{"kind", "outcome"}),
		EditDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pattern_editor_edit_duration_seconds",
			Help:    "Duration of a shape recalculation including routing.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		RoutingRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pattern_editor_routing_requests_total",
			Help: "Street routing requests by outcome.",
		}, []string{"outcome"}),
		RoutingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pattern_editor_routing_duration_seconds",
			Help:    "Duration of street routing requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		OpenSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pattern_editor_open_sessions",
			Help: "Number of patterns currently being edited.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pattern_editor_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pattern_editor_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pattern_editor_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pattern_editor_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		RoutingTimeout: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pattern_editor_routing_timeout_seconds",
			Help: "Configured street routing timeout in seconds.",
		}),
		UndoLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pattern_editor_undo_limit",
			Help: "Configured number of undoable edits per session.",
		}),
	}

	// Register
	reg.MustRegister(
		c.Edits, c.EditDuration,
		c.RoutingRequests, c.RoutingDuration,
		c.OpenSessions,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.RoutingTimeout, c.UndoLimit,
	)

	// Set static gauges
	c.RoutingTimeout.Set(routingTimeout.Seconds())
	c.UndoLimit.Set(float64(undoLimit))

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}

func (c *Collector) EditObserve(kind, outcome string, d time.Duration) {
	c.Edits.WithLabelValues(kind, outcome).Inc()
	c.EditDuration.Observe(d.Seconds())
}

func (c *Collector) RoutingObserve(outcome string, d time.Duration) {
	c.RoutingRequests.WithLabelValues(outcome).Inc()
	c.RoutingDuration.Observe(d.Seconds())
}

func (c *Collector) SessionsOpen(n int) { c.OpenSessions.Set(float64(n)) }
