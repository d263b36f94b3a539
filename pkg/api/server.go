// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package api exposes the ad server over HTTP: selection, event
// ingestion, stats reads and the live event feed.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/adxyz/adserver/core"
	"github.com/adxyz/adserver/pkg/log"
	"github.com/adxyz/adserver/pkg/metric"
)

// Server holds the HTTP surface of the ad engine.
type Server struct {
	engine     *core.Engine
	recorder   *core.EventRecorder
	stats      *core.StatsReader
	aggregator *core.Aggregator
	metrics    *metric.Metrics
	log        log.Logger

	limiter      *clientLimiter
	hub          *liveHub
	admin        AdminStore
	cacheFlusher CacheFlusher

	router *gin.Engine
}

// Options configures the API server.
type Options struct {
	// EventRateLimit / EventRateBurst throttle the ingestion endpoint
	// per client. Zero disables throttling.
	EventRateLimit float64
	EventRateBurst int

	// Admin enables the management endpoints when set.
	Admin AdminStore

	// Cache, when set, is flushed after admin writes so targeting
	// changes take effect without waiting out the TTL.
	Cache CacheFlusher
}

// NewServer wires the HTTP handlers. metrics may be nil.
func NewServer(engine *core.Engine, recorder *core.EventRecorder, stats *core.StatsReader, aggregator *core.Aggregator, metrics *metric.Metrics, logger log.Logger, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine:       engine,
		recorder:     recorder,
		stats:        stats,
		aggregator:   aggregator,
		metrics:      metrics,
		log:          logger,
		hub:          newLiveHub(logger),
		admin:        opts.Admin,
		cacheFlusher: opts.Cache,
	}
	if opts.EventRateLimit > 0 {
		s.limiter = newClientLimiter(opts.EventRateLimit, opts.EventRateBurst)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	{
		v1.POST("/ads/select", s.handleSelect)
		v1.POST("/events", s.rateLimit, s.handleEvent)
		v1.GET("/stats", s.handleStats)
		v1.GET("/stats/live", s.handleLiveStats)
		v1.GET("/events/live", s.handleLiveFeed)
		v1.POST("/aggregate/run", s.handleAggregateRun)
	}
	if s.admin != nil {
		s.registerAdminRoutes(router.Group("/v1/admin"))
	}

	s.router = router
	return s
}

// Handler returns the http handler for the public API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins pumping recorded events into the live feed hub.
func (s *Server) Start() {
	go s.hub.run(s.recorder.Stream())
}

// Stop disconnects live feed clients.
func (s *Server) Stop() {
	s.hub.stop()
}
