// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adxyz/adserver/core"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(Options{Backend: "memory"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testCreative(id, placement string) *core.Creative {
	now := time.Now().UTC()
	return &core.Creative{
		ID:    id,
		Name:  "creative " + id,
		Title: "Buy more things",
		Targeting: core.Targeting{
			Placements: []string{placement},
			PageScope:  core.ScopeAll,
			Desktop:    true,
			Mobile:     true,
			Tablet:     true,
			LoggedIn:   true,
			Guests:     true,
		},
		Frequency: core.FreqUnlimited,
		Priority:  1,
		Weight:    50,
		Status:    core.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreativeRoundTrip(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()

	c := testCreative("c1", "after_hero")
	require.NoError(s.Creatives().PutCreative(ctx, c))

	got, err := s.Creatives().GetCreative(ctx, "c1")
	require.NoError(err)
	require.Equal(c.ID, got.ID)
	require.Equal(c.Title, got.Title)
	require.Equal(c.Targeting.Placements, got.Targeting.Placements)

	_, err = s.Creatives().GetCreative(ctx, "missing")
	require.ErrorIs(err, core.ErrCreativeNotFound)
}

func TestPlacementIndex(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(s.Creatives().PutCreative(ctx, testCreative("c1", "after_hero")))
	require.NoError(s.Creatives().PutCreative(ctx, testCreative("c2", "after_hero")))
	require.NoError(s.Creatives().PutCreative(ctx, testCreative("c3", "in_article")))

	list, err := s.Creatives().ListActiveByPlacement(ctx, "after_hero")
	require.NoError(err)
	require.Len(list, 2)

	// Moving a creative to another placement drops the stale entry.
	moved := testCreative("c1", "in_article")
	require.NoError(s.Creatives().PutCreative(ctx, moved))

	list, err = s.Creatives().ListActiveByPlacement(ctx, "after_hero")
	require.NoError(err)
	require.Len(list, 1)
	require.Equal("c2", list[0].ID)
}

func TestSoftDeleteExcludedFromListing(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(s.Creatives().PutCreative(ctx, testCreative("c1", "after_hero")))
	require.NoError(s.Creatives().SoftDelete(ctx, "c1"))

	list, err := s.Creatives().ListActiveByPlacement(ctx, "after_hero")
	require.NoError(err)
	require.Empty(list)

	// The record itself survives for event references.
	got, err := s.Creatives().GetCreative(ctx, "c1")
	require.NoError(err)
	require.Equal(core.StatusDeleted, got.Status)
}

func TestCounterUpdates(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(s.Creatives().PutCreative(ctx, testCreative("c1", "after_hero")))

	now := time.Now().UTC()
	require.NoError(s.Creatives().AddCounters(ctx, "c1", 10, 1, now))
	require.NoError(s.Creatives().AddCounters(ctx, "c1", 5, 0, now))

	got, err := s.Creatives().GetCreative(ctx, "c1")
	require.NoError(err)
	require.EqualValues(15, got.Impressions)
	require.EqualValues(1, got.Clicks)
	require.NotNil(got.LastServedAt)

	require.NoError(s.Creatives().SetCounters(ctx, "c1", 100, 10, 10.0, nil))
	got, err = s.Creatives().GetCreative(ctx, "c1")
	require.NoError(err)
	require.EqualValues(100, got.Impressions)
	require.InDelta(10.0, got.CTR, 0.001)
}

func testEvent(creativeID, identityKey, pageKey string, typ core.EventType, ts time.Time) *core.Event {
	return &core.Event{
		ID:          identityKey + ":" + string(typ) + ":" + ts.Format(time.RFC3339Nano),
		CreativeID:  creativeID,
		Type:        typ,
		IdentityKey: identityKey,
		PageKey:     pageKey,
		DedupeKey:   core.DedupeKey(typ, creativeID, pageKey, identityKey, ts.Format(time.RFC3339Nano)),
		Timestamp:   ts,
	}
}

func TestEventInsertDeduplicates(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()

	ev := testEvent("c1", "s:tok", "article:/news/a", core.EventImpression, time.Now().UTC())

	recorded, err := s.Events().Insert(ctx, ev)
	require.NoError(err)
	require.True(recorded)

	// Identical dedupe key, different row id: must be a silent no-op.
	dup := *ev
	dup.ID = "other-id"
	recorded, err = s.Events().Insert(ctx, &dup)
	require.NoError(err)
	require.False(recorded)

	impressions, clicks, err := s.Events().Counts(ctx, "c1")
	require.NoError(err)
	require.EqualValues(1, impressions)
	require.EqualValues(0, clicks)
}

func TestEventInsertValidation(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.Events().Insert(ctx, &core.Event{ID: "x", CreativeID: "c1", DedupeKey: "k", Type: "bogus"})
	require.ErrorIs(err, core.ErrUnknownEventType)

	_, err = s.Events().Insert(ctx, &core.Event{Type: core.EventClick})
	require.ErrorIs(err, core.ErrInvalidEvent)
}

func TestImpressionSeenWindows(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)

	_, err := s.Events().Insert(ctx, testEvent("c1", "s:tok", "article:/a", core.EventImpression, old))
	require.NoError(err)

	// All-time sees it.
	seen, err := s.Events().ImpressionSeen(ctx, "c1", "s:tok", time.Time{}, "")
	require.NoError(err)
	require.True(seen)

	// A since cutoff after the event does not.
	seen, err = s.Events().ImpressionSeen(ctx, "c1", "s:tok", now.Add(-time.Hour), "")
	require.NoError(err)
	require.False(seen)

	// Page filter only matches its own page.
	seen, err = s.Events().ImpressionSeen(ctx, "c1", "s:tok", time.Time{}, "article:/a")
	require.NoError(err)
	require.True(seen)

	seen, err = s.Events().ImpressionSeen(ctx, "c1", "s:tok", time.Time{}, "article:/b")
	require.NoError(err)
	require.False(seen)

	// Other identities never see it.
	seen, err = s.Events().ImpressionSeen(ctx, "c1", "s:other", time.Time{}, "")
	require.NoError(err)
	require.False(seen)
}

func TestCountRecent(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		ev := testEvent("c1", "s:tok", "article:/a", core.EventClick, now.Add(time.Duration(i)*time.Millisecond))
		_, err := s.Events().Insert(ctx, ev)
		require.NoError(err)
	}
	old := testEvent("c1", "s:tok", "article:/a", core.EventClick, now.Add(-10*time.Minute))
	_, err := s.Events().Insert(ctx, old)
	require.NoError(err)

	n, err := s.Events().CountRecent(ctx, "c1", "s:tok", core.EventClick, now.Add(-time.Minute))
	require.NoError(err)
	require.Equal(3, n)
}

func TestScanDay(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()

	day := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	for i, cid := range []string{"c1", "c1", "c2"} {
		ev := testEvent(cid, "s:tok", "article:/a", core.EventImpression, day.Add(time.Duration(i)*time.Minute))
		_, err := s.Events().Insert(ctx, ev)
		require.NoError(err)
	}
	// A different day must not leak in.
	other := testEvent("c1", "s:tok", "article:/a", core.EventImpression, day.AddDate(0, 0, 1))
	_, err := s.Events().Insert(ctx, other)
	require.NoError(err)

	var got []string
	err = s.Events().ScanDay(ctx, "2026-08-30", func(ev *core.Event) error {
		got = append(got, ev.CreativeID)
		return nil
	})
	require.NoError(err)
	require.Equal([]string{"c1", "c1", "c2"}, got)
}

func TestDailyStatUpsertAndRange(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()

	stat := &core.DailyStat{CreativeID: "c1", Day: "2026-08-29", Impressions: 100, Clicks: 2, CTR: 2.0}
	require.NoError(s.Stats().UpsertDailyStat(ctx, stat))

	// Upsert overwrites, never adds.
	stat.Impressions = 120
	require.NoError(s.Stats().UpsertDailyStat(ctx, stat))

	got, err := s.Stats().GetDailyStat(ctx, "c1", "2026-08-29")
	require.NoError(err)
	require.EqualValues(120, got.Impressions)

	require.NoError(s.Stats().UpsertDailyStat(ctx, &core.DailyStat{CreativeID: "c1", Day: "2026-08-30", Impressions: 50}))
	require.NoError(s.Stats().UpsertDailyStat(ctx, &core.DailyStat{CreativeID: "c2", Day: "2026-08-29", Impressions: 7}))

	list, err := s.Stats().ListDailyStats(ctx, "c1", "2026-08-29", "2026-08-30")
	require.NoError(err)
	require.Len(list, 2)

	fleet, err := s.Stats().ListDailyStats(ctx, "", "2026-08-29", "2026-08-29")
	require.NoError(err)
	require.Len(fleet, 2)

	impressions, clicks, err := s.Stats().SumDailyStats(ctx, "c1")
	require.NoError(err)
	require.EqualValues(170, impressions)
	require.EqualValues(2, clicks)
}

func TestAggregationProgressMarkers(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()

	done, err := s.Stats().IsAggregated(ctx, "2026-08-29", "c1")
	require.NoError(err)
	require.False(done)

	require.NoError(s.Stats().MarkAggregated(ctx, "2026-08-29", "c1"))
	require.NoError(s.Stats().MarkAggregated(ctx, "2026-08-29", "c2"))

	done, err = s.Stats().IsAggregated(ctx, "2026-08-29", "c1")
	require.NoError(err)
	require.True(done)

	require.NoError(s.Stats().ClearAggregationProgress(ctx, "2026-08-29"))

	done, err = s.Stats().IsAggregated(ctx, "2026-08-29", "c1")
	require.NoError(err)
	require.False(done)
}
