// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the ad server.
type Metrics struct {
	registry *prometheus.Registry

	// Selection metrics
	SelectionsTotal   *prometheus.CounterVec
	CreativesServed   prometheus.Counter
	EmptySelections   *prometheus.CounterVec
	SelectionDuration prometheus.Histogram

	// Event metrics
	EventsRecorded  *prometheus.CounterVec
	EventsDuplicate prometheus.Counter
	EventsRejected  *prometheus.CounterVec

	// Fraud metrics
	FraudFlags *prometheus.CounterVec

	// Cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Aggregation metrics
	AggregationRuns     *prometheus.CounterVec
	AggregationDuration prometheus.Histogram
}

// NewMetrics creates and registers all ad server metrics on a fresh registry.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		SelectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adserver",
			Name:      "selections_total",
			Help:      "Total number of ad selection requests by placement",
		}, []string{"placement"}),

		CreativesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adserver",
			Name:      "creatives_served_total",
			Help:      "Total number of creatives returned to callers",
		}),

		EmptySelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adserver",
			Name:      "selections_empty_total",
			Help:      "Selection requests that returned no creative, by reason",
		}, []string{"reason"}),

		SelectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "adserver",
			Name:      "selection_duration_seconds",
			Help:      "Time to run the full selection pipeline",
			Buckets:   prometheus.DefBuckets,
		}),

		EventsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adserver",
			Name:      "events_recorded_total",
			Help:      "Total number of events recorded by type",
		}, []string{"type"}),

		EventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adserver",
			Name:      "events_duplicate_total",
			Help:      "Total number of duplicate event submissions discarded",
		}),

		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adserver",
			Name:      "events_rejected_total",
			Help:      "Total number of rejected event submissions by reason",
		}, []string{"reason"}),

		FraudFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adserver",
			Name:      "fraud_flags_total",
			Help:      "Total number of events flagged by fraud heuristics, by rule",
		}, []string{"rule"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adserver",
			Name:      "targeting_cache_hits_total",
			Help:      "Targeting result cache hits",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adserver",
			Name:      "targeting_cache_misses_total",
			Help:      "Targeting result cache misses",
		}),

		AggregationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adserver",
			Name:      "aggregation_runs_total",
			Help:      "Aggregation job runs by outcome",
		}, []string{"outcome"}),

		AggregationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "adserver",
			Name:      "aggregation_duration_seconds",
			Help:      "Time to aggregate one day of events",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
	}

	collectors := []prometheus.Collector{
		m.SelectionsTotal,
		m.CreativesServed,
		m.EmptySelections,
		m.SelectionDuration,
		m.EventsRecorded,
		m.EventsDuplicate,
		m.EventsRejected,
		m.FraudFlags,
		m.CacheHits,
		m.CacheMisses,
		m.AggregationRuns,
		m.AggregationDuration,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Registry returns the prometheus registry for metrics export.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Gatherer returns the prometheus gatherer for metrics export.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
