package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	Cycles          *prometheus.CounterVec // source label: live|cached|unavailable; failed label: true|false
	SkippedTriggers *prometheus.CounterVec // trigger label: foreground|background|manual
	SignOuts        *prometheus.CounterVec // reason label: malformed|expired|unauthorized
	ClosedTrips     prometheus.Counter
	Mode            *prometheus.GaugeVec // state label, 1 for the current state

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	CycleDuration   prometheus.Histogram
	PublishDuration prometheus.Histogram

	ForegroundInterval prometheus.Gauge // seconds
	BackgroundInterval prometheus.Gauge // seconds
	TripGap            prometheus.Gauge // seconds
}

func NewCollector(foregroundInterval, backgroundInterval, tripGap time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_fetch_cycles_total",
			Help: "Fetch cycles run, by result source.",
		}, []string{"source", "failed"}),
		SkippedTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_skipped_triggers_total",
			Help: "Triggers dropped because a fetch cycle was in flight.",
		}, []string{"trigger"}),
		SignOuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_sign_outs_total",
			Help: "Sign-outs requested by the engine.",
		}, []string{"reason"}),
		ClosedTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_closed_trips_total",
			Help: "Closed trips persisted.",
		}),
		Mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "telemetry_scheduler_state",
			Help: "1 for the scheduler's current state, 0 otherwise.",
		}, []string{"state"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "telemetry_fetch_cycle_duration_seconds",
			Help:    "Duration of a fetch cycle including the network call.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "telemetry_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		ForegroundInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_foreground_interval_seconds",
			Help: "Foreground polling interval in seconds.",
		}),
		BackgroundInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_background_interval_seconds",
			Help: "Background refresh minimum interval in seconds.",
		}),
		TripGap: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_trip_gap_seconds",
			Help: "Gap that closes a trip, in seconds.",
		}),
	}

	reg.MustRegister(
		c.Cycles, c.SkippedTriggers, c.SignOuts, c.ClosedTrips, c.Mode,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.CycleDuration, c.PublishDuration,
		c.ForegroundInterval, c.BackgroundInterval, c.TripGap,
	)

	c.ForegroundInterval.Set(foregroundInterval.Seconds())
	c.BackgroundInterval.Set(backgroundInterval.Seconds())
	c.TripGap.Set(tripGap.Seconds())

	return c
}

// SetMode marks state as current and clears the others.
func (c *Collector) SetMode(state string, all ...string) {
	for _, s := range all {
		c.Mode.WithLabelValues(s).Set(0)
	}
	c.Mode.WithLabelValues(state).Set(1)
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "err", err)
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return srv
}
