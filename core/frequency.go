// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"context"
	"time"

	"github.com/adxyz/adserver/pkg/log"
)

// FrequencyController removes candidates already used up under their
// frequency policy or global caps.
//
// Reads are best-effort and eventually consistent: two near-simultaneous
// requests from one identity may both pass, which is acceptable bounded
// over-delivery. Hard enforcement lives in the event recorder's dedupe
// constraint, not here.
type FrequencyController struct {
	events    EventStore
	creatives CreativeStore
	log       log.Logger
	now       func() time.Time
}

// NewFrequencyController creates a frequency controller.
func NewFrequencyController(events EventStore, creatives CreativeStore, logger log.Logger) *FrequencyController {
	return &FrequencyController{
		events:    events,
		creatives: creatives,
		log:       logger,
		now:       time.Now,
	}
}

// SetClock overrides the day-boundary clock. Tests only.
func (fc *FrequencyController) SetClock(now func() time.Time) {
	fc.now = now
}

// Filter returns the candidates still eligible for the identity on the
// given page, preserving input order.
func (fc *FrequencyController) Filter(ctx context.Context, candidates []*Creative, identity Identity, pageKey string) []*Creative {
	out := make([]*Creative, 0, len(candidates))
	for _, c := range candidates {
		if fc.eligible(ctx, c, identity, pageKey) {
			out = append(out, c)
		}
	}
	return out
}

func (fc *FrequencyController) eligible(ctx context.Context, c *Creative, identity Identity, pageKey string) bool {
	// Absolute caps apply across all identities.
	if c.MaxImpressions > 0 || c.MaxClicks > 0 {
		impressions, clicks, err := fc.events.Counts(ctx, c.ID)
		if err != nil {
			fc.log.Warn("frequency count read failed", "creative", c.ID, "error", err)
			return false
		}
		if c.MaxImpressions > 0 && impressions >= c.MaxImpressions {
			return false
		}
		if c.MaxClicks > 0 && clicks >= c.MaxClicks {
			return false
		}
	}

	policy := fc.resolvePolicy(ctx, c)
	if policy == FreqUnlimited || policy == "" {
		return true
	}

	scopeKey := fc.scopingKey(policy, identity)
	if scopeKey == "" {
		// No identity at all: per-visitor policies fail open so a
		// cookie-less client still sees ads. Only the caps above apply.
		return true
	}

	var since time.Time
	var page string
	switch policy {
	case FreqOncePerDay:
		now := fc.now().UTC()
		since = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case FreqOncePerPage:
		page = pageKey
	}

	seen, err := fc.events.ImpressionSeen(ctx, c.ID, scopeKey, since, page)
	if err != nil {
		fc.log.Warn("frequency lookup failed", "creative", c.ID, "error", err)
		return false
	}
	return !seen
}

// resolvePolicy returns the creative's policy, inheriting from its
// campaign when unset.
func (fc *FrequencyController) resolvePolicy(ctx context.Context, c *Creative) FrequencyPolicy {
	if c.Frequency != "" {
		return c.Frequency
	}
	if c.CampaignID == "" {
		return FreqUnlimited
	}
	campaign, err := fc.creatives.GetCampaign(ctx, c.CampaignID)
	if err != nil {
		fc.log.Warn("campaign lookup failed", "campaign", c.CampaignID, "error", err)
		return FreqUnlimited
	}
	if campaign.Frequency == "" {
		return FreqUnlimited
	}
	return campaign.Frequency
}

// scopingKey resolves the identity the policy counts against. User-bound
// policies prefer the user id when present; session-bound policies stick
// to the session token so a mid-session login does not reset them.
func (fc *FrequencyController) scopingKey(policy FrequencyPolicy, identity Identity) string {
	switch policy {
	case FreqOncePerUser, FreqOncePerDay:
		return IdentityKey(identity)
	default:
		return SessionScopedKey(identity)
	}
}
