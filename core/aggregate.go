// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adxyz/adserver/pkg/log"
)

// topPagesLimit caps the per-day top referring pages breakdown.
const topPagesLimit = 5

// Aggregator folds raw events for a calendar day into DailyStat rows
// and refreshes creative live counters with authoritative totals.
//
// Runs are single-flight per day and idempotent: re-running an already
// processed day overwrites rather than adds. Per-creative progress is
// persisted so a crashed run resumes instead of redoing.
type Aggregator struct {
	events    EventStore
	stats     StatsStore
	creatives CreativeStore
	log       log.Logger

	mu      sync.Mutex
	running map[string]bool
}

// DayResult summarizes one aggregated day.
type DayResult struct {
	Day       string `json:"day"`
	Events    int64  `json:"events"`
	Creatives int    `json:"creatives"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// NewAggregator creates an aggregation job runner.
func NewAggregator(events EventStore, stats StatsStore, creatives CreativeStore, logger log.Logger) *Aggregator {
	return &Aggregator{
		events:    events,
		stats:     stats,
		creatives: creatives,
		log:       logger,
		running:   make(map[string]bool),
	}
}

// RunDay aggregates one UTC day (YYYY-MM-DD). With resume set, creatives
// already marked done by an interrupted run are skipped; otherwise all
// progress for the day is cleared first and every creative recomputed.
func (a *Aggregator) RunDay(ctx context.Context, day string, resume bool) (*DayResult, error) {
	if _, err := time.Parse(DayFormat, day); err != nil {
		return nil, fmt.Errorf("aggregate: bad day %q: %w", day, err)
	}

	a.mu.Lock()
	if a.running[day] {
		a.mu.Unlock()
		return nil, ErrAggregationBusy
	}
	a.running[day] = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.running, day)
		a.mu.Unlock()
	}()

	if !resume {
		if err := a.stats.ClearAggregationProgress(ctx, day); err != nil {
			return nil, fmt.Errorf("aggregate: clear progress: %w", err)
		}
	}

	start := time.Now()
	result := &DayResult{Day: day}

	accs := make(map[string]*dayAccumulator)
	err := a.events.ScanDay(ctx, day, func(ev *Event) error {
		acc, ok := accs[ev.CreativeID]
		if !ok {
			acc = newDayAccumulator(ev.CreativeID)
			accs[ev.CreativeID] = acc
		}
		acc.add(ev)
		result.Events++
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("aggregate: scan day %s: %w", day, err)
	}

	// Deterministic order so interrupted runs resume predictably.
	ids := make([]string, 0, len(accs))
	for id := range accs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			result.Error = err.Error()
			return result, err
		}

		if resume {
			done, err := a.stats.IsAggregated(ctx, day, id)
			if err == nil && done {
				result.Skipped++
				continue
			}
		}

		// One bad creative must not halt the others.
		if err := a.finalizeCreative(ctx, day, accs[id]); err != nil {
			a.log.Error("aggregation failed for creative", "creative", id, "day", day, "error", err)
			result.Failed++
			continue
		}
		result.Creatives++
	}

	// A clean finish drops the markers so the next run recomputes fully.
	if result.Failed == 0 {
		if err := a.stats.ClearAggregationProgress(ctx, day); err != nil {
			a.log.Warn("clearing aggregation progress failed", "day", day, "error", err)
		}
	}

	a.log.Info("aggregation run complete",
		"day", day,
		"events", result.Events,
		"creatives", result.Creatives,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"duration", time.Since(start))

	return result, nil
}

// Backfill aggregates each day in the inclusive [from, to] range,
// capturing per-day outcomes independently so one bad day does not
// abort the run.
func (a *Aggregator) Backfill(ctx context.Context, from, to string) ([]DayResult, error) {
	start, err := time.Parse(DayFormat, from)
	if err != nil {
		return nil, fmt.Errorf("aggregate: bad from day %q: %w", from, err)
	}
	end, err := time.Parse(DayFormat, to)
	if err != nil {
		return nil, fmt.Errorf("aggregate: bad to day %q: %w", to, err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("aggregate: backfill range inverted")
	}

	var results []DayResult
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		day := d.Format(DayFormat)
		res, err := a.RunDay(ctx, day, false)
		if res == nil {
			res = &DayResult{Day: day}
		}
		if err != nil && res.Error == "" {
			res.Error = err.Error()
		}
		results = append(results, *res)
	}
	return results, nil
}

// RunPreviousDay aggregates yesterday (UTC). Scheduler entry point;
// resumes a crashed run instead of redoing it.
func (a *Aggregator) RunPreviousDay(ctx context.Context) (*DayResult, error) {
	day := time.Now().UTC().AddDate(0, 0, -1).Format(DayFormat)
	return a.RunDay(ctx, day, true)
}

func (a *Aggregator) finalizeCreative(ctx context.Context, day string, acc *dayAccumulator) error {
	stat := acc.toStat(day)
	if err := a.stats.UpsertDailyStat(ctx, stat); err != nil {
		return fmt.Errorf("upsert stat: %w", err)
	}
	if err := a.stats.MarkAggregated(ctx, day, acc.creativeID); err != nil {
		return fmt.Errorf("mark progress: %w", err)
	}

	// Live counters become authoritative: totals over every stored day,
	// not a blind add, so reruns cannot double-count.
	impressions, clicks, err := a.stats.SumDailyStats(ctx, acc.creativeID)
	if err != nil {
		return fmt.Errorf("sum stats: %w", err)
	}
	ctr := computeCTR(clicks, impressions)

	var lastServed *time.Time
	if !acc.lastServed.IsZero() {
		t := acc.lastServed
		lastServed = &t
	}
	if err := a.creatives.SetCounters(ctx, acc.creativeID, impressions, clicks, ctr, lastServed); err != nil {
		return fmt.Errorf("set counters: %w", err)
	}
	return nil
}

// computeCTR returns clicks/impressions×100 rounded to 2 decimals,
// and 0 when there are no impressions.
func computeCTR(clicks, impressions int64) float64 {
	if impressions == 0 {
		return 0
	}
	ctr := decimal.NewFromInt(clicks).
		Div(decimal.NewFromInt(impressions)).
		Mul(decimal.NewFromInt(100)).
		Round(2)
	f, _ := ctr.Float64()
	return f
}

// dayAccumulator folds one creative's events for one day.
type dayAccumulator struct {
	creativeID string

	counts     map[EventType]int64
	identities map[EventType]map[string]struct{}
	byDevice   map[DeviceClass]int64
	byPageType map[PageType]int64
	byPage     map[string]int64
	lastServed time.Time
}

func newDayAccumulator(creativeID string) *dayAccumulator {
	return &dayAccumulator{
		creativeID: creativeID,
		counts:     make(map[EventType]int64),
		identities: make(map[EventType]map[string]struct{}),
		byDevice:   make(map[DeviceClass]int64),
		byPageType: make(map[PageType]int64),
		byPage:     make(map[string]int64),
	}
}

func (acc *dayAccumulator) add(ev *Event) {
	acc.counts[ev.Type]++

	if ev.IdentityKey != "" {
		set, ok := acc.identities[ev.Type]
		if !ok {
			set = make(map[string]struct{})
			acc.identities[ev.Type] = set
		}
		set[ev.IdentityKey] = struct{}{}
	}

	if ev.Type == EventImpression {
		if ev.Device != "" {
			acc.byDevice[ev.Device]++
		}
		if ev.PageType != "" {
			acc.byPageType[ev.PageType]++
		}
		if ev.PagePath != "" {
			acc.byPage[ev.PagePath]++
		}
		if ev.Timestamp.After(acc.lastServed) {
			acc.lastServed = ev.Timestamp
		}
	}
}

func (acc *dayAccumulator) toStat(day string) *DailyStat {
	impressions := acc.counts[EventImpression]
	clicks := acc.counts[EventClick]

	stat := &DailyStat{
		CreativeID:        acc.creativeID,
		Day:               day,
		Impressions:       impressions,
		Clicks:            clicks,
		Views:             acc.counts[EventView],
		Conversions:       acc.counts[EventConversion],
		UniqueImpressions: int64(len(acc.identities[EventImpression])),
		UniqueClicks:      int64(len(acc.identities[EventClick])),
		CTR:               computeCTR(clicks, impressions),
		ByDevice:          acc.byDevice,
		ByPageType:        acc.byPageType,
		TopPages:          topPages(acc.byPage, topPagesLimit),
		GeneratedAt:       time.Now().UTC(),
	}
	return stat
}

func topPages(byPage map[string]int64, limit int) []PageCount {
	if len(byPage) == 0 {
		return nil
	}
	pages := make([]PageCount, 0, len(byPage))
	for path, n := range byPage {
		pages = append(pages, PageCount{Path: path, Impressions: n})
	}
	sort.Slice(pages, func(i, j int) bool {
		if pages[i].Impressions != pages[j].Impressions {
			return pages[i].Impressions > pages[j].Impressions
		}
		return pages[i].Path < pages[j].Path
	})
	if len(pages) > limit {
		pages = pages[:limit]
	}
	return pages
}
