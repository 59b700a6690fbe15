package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/airchase-telemetry/internal/logging"
)

// TelemetryCollector bundles the Prometheus metrics of a simulator or fusion
// process. It satisfies the scheduler tick recorder and the publisher and
// inbound recorders; every method is safe on a nil receiver.
type TelemetryCollector struct {
	gatherer prometheus.Gatherer

	Ticks          *prometheus.CounterVec
	TickSnaps      *prometheus.CounterVec
	TickDurations  *prometheus.HistogramVec
	Published      *prometheus.CounterVec
	PublishErrors  *prometheus.CounterVec
	Inbound        *prometheus.CounterVec
	InboundDropped *prometheus.CounterVec
	EntryAge       *prometheus.GaugeVec
}

// NewTelemetryCollector registers the metrics against reg, defaulting to the
// global Prometheus registry when nil. Registering twice against the same
// registry reuses the existing collectors.
func NewTelemetryCollector(reg prometheus.Registerer) (*TelemetryCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "airchase_ticks_total",
		Help: "Scheduled actions executed, labeled by timeline.",
	}, []string{"timeline"}), "airchase_ticks_total")
	if err != nil {
		return nil, err
	}
	snaps, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "airchase_tick_snaps_total",
		Help: "Times a timeline fell more than one period behind and was re-anchored.",
	}, []string{"timeline"}), "airchase_tick_snaps_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "airchase_tick_duration_seconds",
		Help:    "Wall time spent inside one scheduled action.",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"timeline"}), "airchase_tick_duration_seconds")
	if err != nil {
		return nil, err
	}
	published, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "airchase_published_total",
		Help: "Messages handed to the transport, labeled by payload kind.",
	}, []string{"kind"}), "airchase_published_total")
	if err != nil {
		return nil, err
	}
	publishErrors, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "airchase_publish_errors_total",
		Help: "Messages the transport refused, labeled by payload kind.",
	}, []string{"kind"}), "airchase_publish_errors_total")
	if err != nil {
		return nil, err
	}
	inbound, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "airchase_inbound_total",
		Help: "Inbound samples applied to the fusion store, labeled by fusion key.",
	}, []string{"key"}), "airchase_inbound_total")
	if err != nil {
		return nil, err
	}
	dropped, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "airchase_inbound_dropped_total",
		Help: "Inbound messages discarded, labeled by reason.",
	}, []string{"reason"}), "airchase_inbound_dropped_total")
	if err != nil {
		return nil, err
	}
	age, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "airchase_fusion_entry_age_seconds",
		Help: "Age of the latest sample held for each fusion key at the last fused tick.",
	}, []string{"key"}), "airchase_fusion_entry_age_seconds")
	if err != nil {
		return nil, err
	}

	return &TelemetryCollector{
		gatherer:       gatherer,
		Ticks:          ticks,
		TickSnaps:      snaps,
		TickDurations:  durations,
		Published:      published,
		PublishErrors:  publishErrors,
		Inbound:        inbound,
		InboundDropped: dropped,
		EntryAge:       age,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *TelemetryCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveTick records one executed action.
func (c *TelemetryCollector) ObserveTick(timeline string, took time.Duration) {
	if c == nil {
		return
	}
	c.Ticks.WithLabelValues(timeline).Inc()
	c.TickDurations.WithLabelValues(timeline).Observe(took.Seconds())
}

// IncTickSnap records a drift re-anchor.
func (c *TelemetryCollector) IncTickSnap(timeline string) {
	if c == nil {
		return
	}
	c.TickSnaps.WithLabelValues(timeline).Inc()
}

// IncPublished counts one outbound message of the given kind.
func (c *TelemetryCollector) IncPublished(kind string) {
	if c == nil {
		return
	}
	c.Published.WithLabelValues(kind).Inc()
}

// IncPublishError counts one failed outbound publish of the given kind.
func (c *TelemetryCollector) IncPublishError(kind string) {
	if c == nil {
		return
	}
	c.PublishErrors.WithLabelValues(kind).Inc()
}

// IncInbound counts one inbound sample applied to a fusion key.
func (c *TelemetryCollector) IncInbound(key string) {
	if c == nil {
		return
	}
	c.Inbound.WithLabelValues(key).Inc()
}

// IncInboundDropped counts one inbound message discarded for reason.
func (c *TelemetryCollector) IncInboundDropped(reason string) {
	if c == nil {
		return
	}
	c.InboundDropped.WithLabelValues(reason).Inc()
}

// SetEntryAge publishes the staleness of one fusion key.
func (c *TelemetryCollector) SetEntryAge(key string, age time.Duration) {
	if c == nil {
		return
	}
	c.EntryAge.WithLabelValues(key).Set(age.Seconds())
}

// Handler exposes a ready-to-use /metrics handler.
func (c *TelemetryCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ServeMetrics starts an HTTP server exposing /metrics on addr. It returns
// nil when addr is empty or the collector is nil.
func ServeMetrics(addr string, c *TelemetryCollector, log logging.Logger) *http.Server {
	if addr == "" || c == nil {
		return nil
	}
	if log == nil {
		log = logging.Noop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
