// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// clientLimiter hands out one token bucket per client, keyed by session
// token when present, else remote address.
type clientLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucketEntry
	limit   rate.Limit
	burst   int
}

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	cl := &clientLimiter{
		buckets: make(map[string]*bucketEntry),
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
	go cl.pruneLoop()
	return cl
}

func (cl *clientLimiter) allow(key string) bool {
	cl.mu.Lock()
	b, ok := cl.buckets[key]
	if !ok {
		b = &bucketEntry{limiter: rate.NewLimiter(cl.limit, cl.burst)}
		cl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	cl.mu.Unlock()
	return b.limiter.Allow()
}

func (cl *clientLimiter) pruneLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-30 * time.Minute)
		cl.mu.Lock()
		for k, b := range cl.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(cl.buckets, k)
			}
		}
		cl.mu.Unlock()
	}
}

// rateLimit throttles event ingestion per client.
func (s *Server) rateLimit(c *gin.Context) {
	if s.limiter == nil {
		c.Next()
		return
	}

	key := c.GetHeader("X-Session-Token")
	if key == "" {
		key = c.ClientIP()
	}

	if !s.limiter.allow(key) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}
	c.Next()
}
