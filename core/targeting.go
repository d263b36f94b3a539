// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"context"
	"sort"
	"time"

	"github.com/adxyz/adserver/pkg/log"
)

// ResultCache is the optional short-TTL memo of targeting output keyed
// by context signature. Stale reads are acceptable; targeting state
// changes slowly relative to the TTL.
type ResultCache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

// CacheObserver receives cache hit/miss notifications.
type CacheObserver interface {
	CacheHit()
	CacheMiss()
}

// TargetingFilter selects the creatives whose predicates and schedule
// match a normalized context.
type TargetingFilter struct {
	store    CreativeStore
	cache    ResultCache
	observer CacheObserver
	log      log.Logger
	now      func() time.Time
}

// NewTargetingFilter creates a targeting filter. cache may be nil.
func NewTargetingFilter(store CreativeStore, cache ResultCache, logger log.Logger) *TargetingFilter {
	return &TargetingFilter{
		store: store,
		cache: cache,
		log:   logger,
		now:   time.Now,
	}
}

// SetObserver attaches a cache hit/miss observer.
func (f *TargetingFilter) SetObserver(o CacheObserver) {
	f.observer = o
}

// SetClock overrides the schedule clock. Tests only.
func (f *TargetingFilter) SetClock(now func() time.Time) {
	f.now = now
}

// FindCandidates returns every creative matching the context, sorted by
// (priority desc, weight desc, creation time desc) so downstream stages
// see a stable, priority-respecting order.
func (f *TargetingFilter) FindCandidates(ctx context.Context, sc ServingContext) ([]*Creative, error) {
	sig := ContextSignature(sc.Placement, sc, sc.ExcludeIDs)

	if f.cache != nil {
		if v, ok := f.cache.Get(sig); ok {
			if cached, ok := v.([]*Creative); ok {
				if f.observer != nil {
					f.observer.CacheHit()
				}
				return cached, nil
			}
		}
		if f.observer != nil {
			f.observer.CacheMiss()
		}
	}

	creatives, err := f.store.ListActiveByPlacement(ctx, sc.Placement)
	if err != nil {
		return nil, err
	}

	now := f.now()
	excluded := make(map[string]bool, len(sc.ExcludeIDs))
	for _, id := range sc.ExcludeIDs {
		excluded[id] = true
	}

	candidates := make([]*Creative, 0, len(creatives))
	for _, c := range creatives {
		if !f.matches(c, sc, now) {
			continue
		}
		// Caller-supplied exclusions are removed last.
		if excluded[c.ID] {
			continue
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	if f.cache != nil {
		f.cache.Set(sig, candidates)
	}

	f.log.Debug("targeting candidates",
		"placement", sc.Placement,
		"page_key", sc.PageKey,
		"candidates", len(candidates))

	return candidates, nil
}

// matches evaluates every targeting predicate. All must hold.
func (f *TargetingFilter) matches(c *Creative, sc ServingContext, now time.Time) bool {
	t := c.Targeting

	if !t.HasPlacement(sc.Placement) {
		return false
	}
	if !c.Schedule.ActiveAt(now) {
		return false
	}
	if !f.matchesPageScope(t, sc) {
		return false
	}
	if !t.AllowsDevice(sc.Device) {
		return false
	}
	if sc.Identity.UserID != "" {
		if !t.LoggedIn {
			return false
		}
	} else if !t.Guests {
		return false
	}
	if len(t.Categories) > 0 && !containsString(t.Categories, sc.CategoryID) {
		return false
	}
	if sc.CategoryID != "" && containsString(t.ExcludeCategories, sc.CategoryID) {
		return false
	}
	if len(t.Articles) > 0 && !containsString(t.Articles, sc.ArticleID) {
		return false
	}
	if t.GeoEnabled {
		if len(t.Countries) > 0 && !containsString(t.Countries, sc.Country) {
			return false
		}
		if sc.Country != "" && containsString(t.ExcludeCountries, sc.Country) {
			return false
		}
	}
	return true
}

func (f *TargetingFilter) matchesPageScope(t Targeting, sc ServingContext) bool {
	switch t.PageScope {
	case ScopeAll, "":
		return true
	case ScopeCustom:
		if len(t.URLAllowList) == 0 {
			return true
		}
		return containsString(t.URLAllowList, sc.PagePath)
	default: // ScopeListed
		for _, pt := range t.PageTypes {
			if pt == sc.PageType {
				return true
			}
		}
		return false
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
