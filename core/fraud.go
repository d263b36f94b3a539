// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"context"
	"time"

	"github.com/adxyz/adserver/pkg/log"
)

// Fraud rule reason codes.
const (
	FraudClickBurst      = "click_burst"
	FraudClicksNoImpress = "clicks_without_impressions"
	FraudImpressionBurst = "impression_burst"
)

// FraudDetector evaluates lightweight burst heuristics over a short
// recent window of events for one (creative, identity) pair. Output is
// advisory only: it annotates events and never blocks serving or
// recording. Detection failures degrade to "not flagged".
type FraudDetector struct {
	events EventStore
	log    log.Logger
	now    func() time.Time

	window              time.Duration
	clickThreshold      int
	impressionThreshold int
}

// NewFraudDetector creates a detector with the default 60s window,
// click threshold 5 and impression threshold 10.
func NewFraudDetector(events EventStore, logger log.Logger) *FraudDetector {
	return &FraudDetector{
		events:              events,
		log:                 logger,
		now:                 time.Now,
		window:              60 * time.Second,
		clickThreshold:      5,
		impressionThreshold: 10,
	}
}

// SetThresholds overrides the detection thresholds.
func (fd *FraudDetector) SetThresholds(window time.Duration, clicks, impressions int) {
	fd.window = window
	fd.clickThreshold = clicks
	fd.impressionThreshold = impressions
}

// SetClock overrides the window clock. Tests only.
func (fd *FraudDetector) SetClock(now func() time.Time) {
	fd.now = now
}

// Check evaluates the heuristics for one identity against one creative.
// Returns nil when nothing is suspicious or detection itself fails.
func (fd *FraudDetector) Check(ctx context.Context, creativeID, identityKey string) *FraudFlag {
	if identityKey == "" {
		return nil
	}

	since := fd.now().Add(-fd.window)

	clicks, err := fd.events.CountRecent(ctx, creativeID, identityKey, EventClick, since)
	if err != nil {
		fd.log.Warn("fraud click count failed", "creative", creativeID, "error", err)
		return nil
	}
	impressions, err := fd.events.CountRecent(ctx, creativeID, identityKey, EventImpression, since)
	if err != nil {
		fd.log.Warn("fraud impression count failed", "creative", creativeID, "error", err)
		return nil
	}

	var rule string
	switch {
	case clicks > fd.clickThreshold:
		rule = FraudClickBurst
	case clicks > impressions:
		rule = FraudClicksNoImpress
	case impressions > fd.impressionThreshold:
		rule = FraudImpressionBurst
	default:
		return nil
	}

	fd.log.Debug("fraud heuristic flagged",
		"creative", creativeID,
		"rule", rule,
		"clicks", clicks,
		"impressions", impressions)

	return &FraudFlag{Rule: rule, Clicks: clicks, Impressions: impressions}
}
