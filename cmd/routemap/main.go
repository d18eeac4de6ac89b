package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"routemap/internal/api"
	"routemap/internal/config"
	"routemap/internal/db"
	"routemap/internal/editor"
	"routemap/internal/live"
	"routemap/internal/mapmatch"
	"routemap/internal/metrics"
	"routemap/internal/pipeline"
	"routemap/internal/publisher"
	"routemap/internal/render"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sqlDB, driver, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		log.Fatalf("db ping error: %v", err)
	}
	store := db.NewStore(sqlDB, driver)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("db schema error: %v", err)
	}
	log.Printf("database connected driver=%s", driver)

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.PollInterval)
		metricsSrv = mcol.Serve(cfg.MetricsAddr)
	}

	// Optional NATS publisher for live positions
	var pub live.Publisher
	if cfg.NATSURL != "" {
		np, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer np.Close()
		pub = np
	}

	matcher := mapmatch.NewMatcher(cfg.RoutingURL, cfg.RoutingTimeout, matchMetrics(mcol))
	if cfg.RoutingAPIKey == "" {
		log.Printf("ROUTING_API_KEY not set; routes use local geometry")
	}

	scene := render.NewScene()
	renderer := render.NewRenderer(scene, sceneMetrics(mcol))
	colors := render.NewColorCache(store.FetchCompanyName, 0)

	var feed live.Feed = store
	if cfg.PositionsURL != "" {
		feed = live.NewHTTPFeed(cfg.PositionsURL, cfg.PositionsAPIKey, 5*time.Second)
	}
	tracker := live.NewTracker(feed, store, renderer, colors, pub, liveMetrics(mcol), live.Config{
		Interval:    cfg.PollInterval,
		OffsetTotal: cfg.LineOffsetTotal,
	})
	tracker.Start(ctx)

	p := pipeline.New(store, matcher, renderer, cfg.RoutingAPIKey)
	ed := editor.NewManager(store, matcher, renderer, cfg.RoutingAPIKey)
	apiSrv := api.NewServer(scene, p, ed, matcher, sqlDB, api.Options{
		APIKey:      cfg.RoutingAPIKey,
		MapMatching: cfg.MapMatching,
		CORSOrigins: cfg.CORSOrigins,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server error: %v", err)
			cancel()
		}
	}()
	log.Printf("http listening on %s", cfg.HTTPAddr)

	// Block until context cancelled
	<-ctx.Done()

	// Allow graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	apiSrv.Close()
	_ = httpSrv.Shutdown(shutdownCtx)
	tracker.Stop()
	renderer.ClearAllRoutes()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Println("shutdown complete")
}

// The hook interfaces are satisfied by *metrics.Collector directly, but a nil
// collector must become a nil interface so that callers skip the hooks.

func matchMetrics(c *metrics.Collector) mapmatch.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func sceneMetrics(c *metrics.Collector) render.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func liveMetrics(c *metrics.Collector) live.Metrics {
	if c == nil {
		return nil
	}
	return c
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
