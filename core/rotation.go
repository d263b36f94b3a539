// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/adxyz/adserver/pkg/log"
)

// RotationSelector picks the final creatives from sorted candidates.
//
// Two-level scheme: priority tiers are primary and always serve in
// descending order; within a tier, fairness is probabilistic and
// proportional to weight. The campaign's declared strategy acts as the
// tie-break when a single creative must come out of a tied set.
type RotationSelector struct {
	creatives CreativeStore
	log       log.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRotationSelector creates a selector seeded from the clock.
// creatives may be nil; tied sets then fall back to a uniform pick.
func NewRotationSelector(creatives CreativeStore, logger log.Logger) *RotationSelector {
	return &RotationSelector{
		creatives: creatives,
		log:       logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetSeed reseeds the random source. Tests only.
func (rs *RotationSelector) SetSeed(seed int64) {
	rs.mu.Lock()
	rs.rng = rand.New(rand.NewSource(seed))
	rs.mu.Unlock()
}

// Select returns up to limit creatives. Candidates must already be
// sorted by (priority desc, weight desc). limit <= 0 means no cap.
func (rs *RotationSelector) Select(ctx context.Context, candidates []*Creative, limit int) []*Creative {
	if len(candidates) == 0 {
		return nil
	}

	tiers := groupByPriority(candidates)

	out := make([]*Creative, 0, len(candidates))
	for _, tier := range tiers {
		if len(tier) > 1 {
			// Single pick from a tied top set follows the campaign's
			// declared strategy instead of the generic shuffle.
			if limit == 1 && len(out) == 0 {
				out = append(out, rs.pickOne(ctx, tier))
				break
			}
			tier = rs.weightedShuffle(tier)
		}
		out = append(out, tier...)
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// weightedShuffle orders a tier by score = weight × U with a fresh
// uniform draw U in (0,1] per member.
func (rs *RotationSelector) weightedShuffle(tier []*Creative) []*Creative {
	type scored struct {
		c     *Creative
		score float64
	}
	scores := make([]scored, len(tier))

	rs.mu.Lock()
	for i, c := range tier {
		u := 1 - rs.rng.Float64() // (0,1]
		scores[i] = scored{c: c, score: float64(c.EffectiveWeight()) * u}
	}
	rs.mu.Unlock()

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].score > scores[j].score
	})

	out := make([]*Creative, len(tier))
	for i, s := range scores {
		out[i] = s.c
	}
	return out
}

// pickOne chooses a single creative from a tied set using the campaign
// rotation strategy.
func (rs *RotationSelector) pickOne(ctx context.Context, tier []*Creative) *Creative {
	switch rs.resolveStrategy(ctx, tier[0]) {
	case RotationSequential:
		return tier[0]
	case RotationWeighted:
		return rs.weightedPick(tier)
	default: // random, ab_test
		rs.mu.Lock()
		i := rs.rng.Intn(len(tier))
		rs.mu.Unlock()
		return tier[i]
	}
}

// weightedPick draws proportionally to weight using cumulative-weight
// partitioning over a single uniform draw.
func (rs *RotationSelector) weightedPick(tier []*Creative) *Creative {
	total := 0
	for _, c := range tier {
		total += c.EffectiveWeight()
	}

	rs.mu.Lock()
	draw := rs.rng.Float64() * float64(total)
	rs.mu.Unlock()

	cum := 0.0
	for _, c := range tier {
		cum += float64(c.EffectiveWeight())
		if draw < cum {
			return c
		}
	}
	return tier[len(tier)-1]
}

func (rs *RotationSelector) resolveStrategy(ctx context.Context, c *Creative) RotationStrategy {
	if c.CampaignID == "" || rs.creatives == nil {
		return RotationRandom
	}
	campaign, err := rs.creatives.GetCampaign(ctx, c.CampaignID)
	if err != nil {
		rs.log.Warn("campaign lookup failed", "campaign", c.CampaignID, "error", err)
		return RotationRandom
	}
	if campaign.Rotation == "" {
		return RotationRandom
	}
	return campaign.Rotation
}

// groupByPriority splits pre-sorted candidates into tiers, preserving
// descending priority order.
func groupByPriority(candidates []*Creative) [][]*Creative {
	var tiers [][]*Creative
	var tier []*Creative
	for _, c := range candidates {
		if len(tier) > 0 && tier[0].Priority != c.Priority {
			tiers = append(tiers, tier)
			tier = nil
		}
		tier = append(tier, c)
	}
	if len(tier) > 0 {
		tiers = append(tiers, tier)
	}
	return tiers
}
