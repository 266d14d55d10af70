package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetstops/internal/anchor"
	"fleetstops/internal/config"
	"fleetstops/internal/ingest"
	"fleetstops/internal/logger"
	"fleetstops/internal/maps"
	"fleetstops/internal/metrics"
	"fleetstops/internal/processor"
	"fleetstops/internal/publisher"
	"fleetstops/internal/storage"
	"fleetstops/internal/stream"
	"fleetstops/internal/traccar"
	"fleetstops/internal/web"
	"fleetstops/internal/webhook"
	"fleetstops/internal/worker"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	l := logger.InitLogger(cfg.ServiceName, cfg.LogLevel)
	startCtx := logger.WithAction(context.Background(), "startup")

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		l.Error(startCtx, "open db", err, "path", cfg.DatabasePath)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.InitSchema(context.Background()); err != nil {
		l.Error(startCtx, "init schema", err)
		os.Exit(1)
	}

	collector := metrics.NewCollector()

	backend := &traccar.Client{
		BaseURL:    cfg.BackendBaseURL,
		Token:      cfg.BackendToken,
		HTTPClient: &http.Client{Timeout: cfg.BackendTimeout()},
		Log:        l,
	}
	ingestor := &ingest.Ingestor{Store: store, Backend: backend, Log: l}

	var places maps.API
	if !cfg.DisablePlaces {
		places = &maps.OverpassClient{
			BaseURL:    cfg.OverpassURL,
			MirrorURLs: cfg.OverpassURLs,
			Timeout:    time.Duration(cfg.OverpassTimeoutSec) * time.Second,
			CacheTTL:   time.Duration(cfg.OverpassCacheHours) * time.Hour,
		}
	}

	hub := stream.NewHub(l)
	hub.Metrics = collector
	defer hub.Close()

	stopOpts := cfg.StopOptions()
	stopProcessor := &processor.StopProcessor{
		Store:   store,
		Places:  places,
		Options: stopOpts,
		Live:    hub,
		Metrics: collector,
		Log:     l,
	}
	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, l, wrapPublisherMetrics(collector))
		if err != nil {
			l.Warn(startCtx, "nats unavailable, stop events will not be published", "error", err)
		} else {
			defer pub.Close()
			stopProcessor.Publisher = pub
		}
	}

	pipeline := &processor.PipelineProcessor{Ingest: ingestor, Stops: stopProcessor}
	queueWorker := &worker.Worker{
		Store:       store,
		Processor:   pipeline,
		MaxAttempts: cfg.WorkerMaxAttempts,
		Metrics:     collector,
		Log:         l,
	}

	anchors := &anchor.Service{
		Backend:        backend,
		Store:          store,
		RadiusM:        cfg.AnchorRadiusM,
		GeofencePrefix: cfg.AnchorGeofencePrefix,
		RulePrefix:     cfg.AnchorRulePrefix,
		Log:            l,
	}

	webServer := web.NewServer(web.Options{
		Store:       store,
		Anchors:     anchors,
		Live:        hub,
		StopOptions: stopOpts,
		Metrics:     collector,
		Log:         l,
	})

	mux := http.NewServeMux()
	webServer.Register(mux)
	mux.Handle("POST /webhook/positions", &webhook.Handler{
		Store:         store,
		Positions:     ingestor,
		SigningSecret: cfg.ForwardVerifySecret,
		Live:          hub,
		Metrics:       collector,
		Log:           l,
	})
	mux.Handle("GET /metrics", collector.Handler())

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      web.RequestLogger(l, collector, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		ErrorLog:     slog.NewLogLogger(l.Slog().Handler(), slog.LevelError),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		l.Info(startCtx, "http server listening", "addr", cfg.ServerAddr, "policy", string(stopOpts.Policy))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error(startCtx, "http server error", err)
			stop()
		}
	}()

	go queueWorker.Run(logger.WithAction(ctx, "worker"), time.Duration(cfg.WorkerPollIntervalMS)*time.Millisecond)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	l.Info(logger.WithAction(context.Background(), "shutdown"), "server stopped")
}

// wrapPublisherMetrics adapts the Collector to the PublisherMetrics interface.
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
