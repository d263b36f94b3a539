// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"context"
	"time"
)

// CreativeStore supplies creative and campaign records to the selection
// pipeline and receives counter updates from the recorder and the
// aggregation job.
type CreativeStore interface {
	GetCreative(ctx context.Context, id string) (*Creative, error)
	GetCampaign(ctx context.Context, id string) (*Campaign, error)

	// ListActiveByPlacement returns active creatives declaring the
	// placement, in no particular order.
	ListActiveByPlacement(ctx context.Context, placement string) ([]*Creative, error)

	// AddCounters atomically adds to a creative's live counters. Fast
	// path, approximate; the aggregation job reconciles.
	AddCounters(ctx context.Context, creativeID string, impressions, clicks int64, servedAt time.Time) error

	// SetCounters overwrites a creative's live counters with
	// authoritative totals from the aggregation job.
	SetCounters(ctx context.Context, creativeID string, impressions, clicks int64, ctr float64, lastServed *time.Time) error
}

// EventStore persists immutable serving facts with a uniqueness
// guarantee on the dedupe key.
type EventStore interface {
	// Insert stores the event unless one with the same dedupe key
	// already exists. Returns false (and no error) on duplicate.
	// The insert and its index writes are a single atomic operation.
	Insert(ctx context.Context, ev *Event) (bool, error)

	// Counts returns the creative's all-time impression and click
	// counts across all identities.
	Counts(ctx context.Context, creativeID string) (impressions, clicks int64, err error)

	// ImpressionSeen reports whether a prior impression exists for
	// (creative, identity) at or after since (zero = all time),
	// optionally restricted to one pageKey (empty = any page).
	ImpressionSeen(ctx context.Context, creativeID, identityKey string, since time.Time, pageKey string) (bool, error)

	// CountRecent counts events of one type for (creative, identity)
	// at or after since. Used by the fraud heuristics.
	CountRecent(ctx context.Context, creativeID, identityKey string, t EventType, since time.Time) (int, error)

	// ScanDay streams every event recorded on the given calendar day
	// (YYYY-MM-DD), grouped by creative, to fn. fn returning an error
	// stops the scan.
	ScanDay(ctx context.Context, day string, fn func(*Event) error) error
}

// StatsStore persists daily aggregates and aggregation progress.
type StatsStore interface {
	UpsertDailyStat(ctx context.Context, stat *DailyStat) error
	GetDailyStat(ctx context.Context, creativeID, day string) (*DailyStat, error)

	// ListDailyStats returns stats for the inclusive day range. An
	// empty creativeID selects the whole fleet.
	ListDailyStats(ctx context.Context, creativeID, from, to string) ([]*DailyStat, error)

	// SumDailyStats folds every stored day for one creative into
	// authoritative totals.
	SumDailyStats(ctx context.Context, creativeID string) (impressions, clicks int64, err error)

	// Aggregation progress markers, so an interrupted run resumes
	// instead of redoing completed creatives.
	MarkAggregated(ctx context.Context, day, creativeID string) error
	IsAggregated(ctx context.Context, day, creativeID string) (bool, error)
	ClearAggregationProgress(ctx context.Context, day string) error
}
