// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adxyz/adserver/core"
	"github.com/adxyz/adserver/pkg/api"
	"github.com/adxyz/adserver/pkg/cache"
	"github.com/adxyz/adserver/pkg/config"
	"github.com/adxyz/adserver/pkg/log"
	"github.com/adxyz/adserver/pkg/metric"
	"github.com/adxyz/adserver/pkg/storage"
)

var (
	configPath = flag.String("config", "", "Config file path")
	addr       = flag.String("addr", "", "Public API listen address (overrides config)")
	opsAddr    = flag.String("ops-addr", "", "Ops listen address (overrides config)")
	dataDir    = flag.String("data-dir", "", "Storage directory (overrides config)")
	logLevel   = flag.String("log-level", "", "Log level (overrides config)")

	// Version info
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Daemon bundles the running services.
type Daemon struct {
	cfg     *config.Config
	store   *storage.Storage
	engine  *core.Engine
	api     *api.Server
	metrics *metric.Metrics

	recorder    *core.EventRecorder
	aggregator  *core.Aggregator
	resultCache *cache.Cache

	apiServer *http.Server
	opsServer *http.Server

	log log.Logger
}

func main() {
	flag.Parse()

	fmt.Printf("Ad server daemon (adserverd) %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg)

	logger := log.NewWithLevel(cfg.Log.Level)
	defer logger.Sync()

	daemon, err := NewDaemon(cfg, logger)
	if err != nil {
		fmt.Printf("Failed to create daemon: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	daemon.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := daemon.Shutdown(shutdownCtx); err != nil {
		fmt.Printf("Error during shutdown: %v\n", err)
	}

	fmt.Println("Daemon stopped")
}

func applyFlagOverrides(cfg *config.Config) {
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *opsAddr != "" {
		cfg.Server.OpsAddr = *opsAddr
	}
	if *dataDir != "" {
		cfg.Storage.Path = *dataDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
}

// NewDaemon assembles storage, the selection engine and both HTTP
// servers.
func NewDaemon(cfg *config.Config, logger log.Logger) (*Daemon, error) {
	store, err := storage.NewStorage(storage.Options{
		Backend:   cfg.Storage.Backend,
		Path:      cfg.Storage.Path,
		Retention: cfg.Storage.Retention,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	metrics, err := metric.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	creatives := store.Creatives()
	events := store.Events()
	stats := store.Stats()

	var resultCache *cache.Cache
	targeting := core.NewTargetingFilter(creatives, nil, logger)
	if cfg.Cache.Enabled {
		resultCache = cache.New(cfg.Cache.TTL)
		targeting = core.NewTargetingFilter(creatives, resultCache, logger)
	}
	targeting.SetObserver(cacheObserver{metrics})

	frequency := core.NewFrequencyController(events, creatives, logger)
	rotation := core.NewRotationSelector(creatives, logger)

	fraud := core.NewFraudDetector(events, logger)
	fraud.SetThresholds(cfg.Fraud.Window, cfg.Fraud.ClickThreshold, cfg.Fraud.ImpressionThreshold)

	recorder := core.NewEventRecorder(events, creatives, fraud, logger)
	recorder.SetObserver(fraudObserver{metrics})
	aggregator := core.NewAggregator(events, stats, creatives, logger)
	statsReader := core.NewStatsReader(stats, events, logger)

	engine := core.NewEngine(targeting, frequency, rotation, recorder, logger)
	engine.AutoRecord = cfg.Server.AutoRecord

	apiOpts := api.Options{
		EventRateLimit: cfg.Server.EventRateLimit,
		EventRateBurst: cfg.Server.EventRateBurst,
		Admin:          creatives,
	}
	if resultCache != nil {
		apiOpts.Cache = resultCache
	}
	apiServer := api.NewServer(engine, recorder, statsReader, aggregator, metrics, logger, apiOpts)

	return &Daemon{
		cfg:         cfg,
		store:       store,
		engine:      engine,
		api:         apiServer,
		metrics:     metrics,
		recorder:    recorder,
		aggregator:  aggregator,
		resultCache: resultCache,
		log:         logger,
	}, nil
}

// Start launches the HTTP servers and the aggregation scheduler.
func (d *Daemon) Start(ctx context.Context) {
	d.api.Start()

	d.apiServer = &http.Server{
		Addr:         d.cfg.Server.Addr,
		Handler:      d.api.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		d.log.Info("api server listening", "addr", d.cfg.Server.Addr)
		if err := d.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Fatal("api server failed", "error", err)
		}
	}()

	ops := mux.NewRouter()
	ops.Handle("/metrics", promhttp.HandlerFor(d.metrics.Gatherer(), promhttp.HandlerOpts{}))
	ops.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, Version)
	}).Methods("GET")

	d.opsServer = &http.Server{
		Addr:    d.cfg.Server.OpsAddr,
		Handler: ops,
	}
	go func() {
		d.log.Info("ops server listening", "addr", d.cfg.Server.OpsAddr)
		if err := d.opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Error("ops server failed", "error", err)
		}
	}()

	if d.cfg.Aggregation.Enabled {
		go d.aggregationLoop(ctx)
	}
	go d.gcLoop(ctx)
}

// aggregationLoop runs the previous-day fold once per day at the
// configured hour, resuming any run a crash interrupted.
func (d *Daemon) aggregationLoop(ctx context.Context) {
	for {
		next := nextRunAt(time.Now().UTC(), d.cfg.Aggregation.HourUTC)
		d.log.Info("aggregation scheduled", "at", next)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		res, err := d.aggregator.RunPreviousDay(ctx)
		if err != nil {
			d.log.Error("scheduled aggregation failed", "error", err)
			continue
		}
		d.log.Info("scheduled aggregation done",
			"day", res.Day,
			"creatives", res.Creatives,
			"failed", res.Failed)
	}
}

func nextRunAt(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// gcLoop compacts badger value logs periodically.
func (d *Daemon) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.store.RunGC(); err != nil {
				d.log.Debug("value log gc", "result", err)
			}
		}
	}
}

// Shutdown stops the servers and flushes pending counter updates.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var firstErr error

	if d.apiServer != nil {
		if err := d.apiServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.opsServer != nil {
		if err := d.opsServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	d.api.Stop()
	d.recorder.Close()
	if d.resultCache != nil {
		d.resultCache.Close()
	}

	if err := d.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// cacheObserver bridges the targeting cache to Prometheus.
type cacheObserver struct {
	m *metric.Metrics
}

func (o cacheObserver) CacheHit()  { o.m.CacheHits.Inc() }
func (o cacheObserver) CacheMiss() { o.m.CacheMisses.Inc() }

// fraudObserver bridges recorder fraud annotations to Prometheus.
type fraudObserver struct {
	m *metric.Metrics
}

func (o fraudObserver) FraudFlagged(rule string) {
	o.m.FraudFlags.WithLabelValues(rule).Inc()
}
