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

	MatchRequests *prometheus.CounterVec // outcome label: matched|local|fallback
	MatchDuration prometheus.Histogram

	Polls      prometheus.Counter
	PollErrors prometheus.Counter
	Vehicles   prometheus.Gauge

	SceneSources prometheus.Gauge
	SceneLayers  prometheus.Gauge
	SceneMarkers prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	PollInterval prometheus.Gauge // seconds
}

func NewCollector(pollInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		MatchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routemap_match_requests_total",
			Help: "Map matching requests by outcome.",
		}, []string{"outcome"}),
		MatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routemap_match_duration_seconds",
			Help:    "Duration of calls to the routing service.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routemap_live_polls_total",
			Help: "Total vehicle feed polls.",
		}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routemap_live_poll_errors_total",
			Help: "Total failed vehicle feed polls.",
		}),
		Vehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routemap_live_vehicles",
			Help: "Vehicles in the last feed poll.",
		}),
		SceneSources: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routemap_scene_sources",
			Help: "Map sources tracked by the renderer.",
		}),
		SceneLayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routemap_scene_layers",
			Help: "Map layers tracked by the renderer.",
		}),
		SceneMarkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routemap_scene_markers",
			Help: "Map markers tracked by the renderer.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routemap_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routemap_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routemap_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routemap_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		PollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routemap_poll_interval_seconds",
			Help: "Vehicle feed poll interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.MatchRequests, c.MatchDuration,
		c.Polls, c.PollErrors, c.Vehicles,
		c.SceneSources, c.SceneLayers, c.SceneMarkers,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.PollInterval,
	)

	c.PollInterval.Set(pollInterval.Seconds())

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

// Hook methods. A nil *Collector is a valid no-op sink, so callers can wire
// it unconditionally.

func (c *Collector) MatchOutcomeInc(outcome string) {
	if c == nil {
		return
	}
	c.MatchRequests.WithLabelValues(outcome).Inc()
}

func (c *Collector) MatchObserve(d time.Duration) {
	if c == nil {
		return
	}
	c.MatchDuration.Observe(d.Seconds())
}

func (c *Collector) PollInc() {
	if c == nil {
		return
	}
	c.Polls.Inc()
}

func (c *Collector) PollErrInc() {
	if c == nil {
		return
	}
	c.PollErrors.Inc()
}

func (c *Collector) VehiclesSet(n int) {
	if c == nil {
		return
	}
	c.Vehicles.Set(float64(n))
}

func (c *Collector) SceneSizes(sources, layers, markers int) {
	if c == nil {
		return
	}
	c.SceneSources.Set(float64(sources))
	c.SceneLayers.Set(float64(layers))
	c.SceneMarkers.Set(float64(markers))
}
