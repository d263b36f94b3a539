// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/adxyz/adserver/pkg/log"
)

// StatsQuery selects aggregate rows. Empty CreativeID means fleet-wide.
type StatsQuery struct {
	CreativeID string
	From       string // YYYY-MM-DD, inclusive
	To         string // YYYY-MM-DD, inclusive
	Breakdown  bool   // include the per-day rows
}

// StatsTotals are range totals across the selected rows.
type StatsTotals struct {
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Views       int64   `json:"views"`
	Conversions int64   `json:"conversions"`
	CTR         float64 `json:"ctr"`
}

// StatsReport is the answer to a stats query.
type StatsReport struct {
	CreativeID string       `json:"creative_id,omitempty"`
	From       string       `json:"from"`
	To         string       `json:"to"`
	Totals     StatsTotals  `json:"totals"`
	Days       []*DailyStat `json:"days,omitempty"`
}

// StatsReader serves aggregate reads, falling back to raw events for
// days the nightly job has not visited yet (e.g. today).
type StatsReader struct {
	stats  StatsStore
	events EventStore
	log    log.Logger
}

// NewStatsReader creates a stats reader.
func NewStatsReader(stats StatsStore, events EventStore, logger log.Logger) *StatsReader {
	return &StatsReader{stats: stats, events: events, log: logger}
}

// Query returns totals and optionally a daily breakdown for the range.
func (sr *StatsReader) Query(ctx context.Context, q StatsQuery) (*StatsReport, error) {
	from, err := time.Parse(DayFormat, q.From)
	if err != nil {
		return nil, fmt.Errorf("stats: bad from day %q: %w", q.From, err)
	}
	to, err := time.Parse(DayFormat, q.To)
	if err != nil {
		return nil, fmt.Errorf("stats: bad to day %q: %w", q.To, err)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("stats: range inverted")
	}

	stored, err := sr.stats.ListDailyStats(ctx, q.CreativeID, q.From, q.To)
	if err != nil {
		return nil, fmt.Errorf("stats: list: %w", err)
	}

	coveredDays := make(map[string]bool)
	for _, s := range stored {
		coveredDays[s.Day] = true
	}

	// Days without stat rows fall back to folding raw events directly.
	rows := stored
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		day := d.Format(DayFormat)
		if coveredDays[day] {
			continue
		}
		computed, err := sr.computeDay(ctx, day, q.CreativeID)
		if err != nil {
			sr.log.Warn("raw event fallback failed", "day", day, "error", err)
			continue
		}
		rows = append(rows, computed...)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Day != rows[j].Day {
			return rows[i].Day < rows[j].Day
		}
		return rows[i].CreativeID < rows[j].CreativeID
	})

	report := &StatsReport{CreativeID: q.CreativeID, From: q.From, To: q.To}
	for _, s := range rows {
		report.Totals.Impressions += s.Impressions
		report.Totals.Clicks += s.Clicks
		report.Totals.Views += s.Views
		report.Totals.Conversions += s.Conversions
	}
	report.Totals.CTR = computeCTR(report.Totals.Clicks, report.Totals.Impressions)

	if q.Breakdown {
		report.Days = rows
	}
	return report, nil
}

// computeDay folds one day of raw events on the fly, optionally
// restricted to a single creative.
func (sr *StatsReader) computeDay(ctx context.Context, day, creativeID string) ([]*DailyStat, error) {
	accs := make(map[string]*dayAccumulator)
	err := sr.events.ScanDay(ctx, day, func(ev *Event) error {
		if creativeID != "" && ev.CreativeID != creativeID {
			return nil
		}
		acc, ok := accs[ev.CreativeID]
		if !ok {
			acc = newDayAccumulator(ev.CreativeID)
			accs[ev.CreativeID] = acc
		}
		acc.add(ev)
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*DailyStat, 0, len(accs))
	for _, acc := range accs {
		out = append(out, acc.toStat(day))
	}
	return out, nil
}
