// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/adxyz/adserver/core"
)

// ErrStatNotFound is returned when no DailyStat row exists for a
// (creative, day) pair.
var ErrStatNotFound = errors.New("storage: daily stat not found")

// StatsStore persists per-creative daily aggregates under st:<creative>:<day>
// keys, plus aggregation progress markers under agp:<day>:<creative>.
type StatsStore struct {
	s *Storage
}

// UpsertDailyStat overwrites the stat row for (creative, day).
func (ss *StatsStore) UpsertDailyStat(ctx context.Context, stat *core.DailyStat) error {
	if stat.CreativeID == "" || stat.Day == "" {
		return fmt.Errorf("storage: daily stat requires creative id and day")
	}
	data, err := json.Marshal(stat)
	if err != nil {
		return fmt.Errorf("storage: marshal daily stat: %w", err)
	}
	return ss.s.update(func(txn *badger.Txn) error {
		return txn.Set(statKey(stat.CreativeID, stat.Day), data)
	})
}

// GetDailyStat loads the stat row for (creative, day).
func (ss *StatsStore) GetDailyStat(ctx context.Context, creativeID, day string) (*core.DailyStat, error) {
	var stat core.DailyStat
	err := ss.s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(statKey(creativeID, day))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrStatNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stat)
		})
	})
	if err != nil {
		return nil, err
	}
	return &stat, nil
}

// ListDailyStats returns stats in the inclusive [from, to] day range.
// Empty creativeID scans the whole fleet.
func (ss *StatsStore) ListDailyStats(ctx context.Context, creativeID, from, to string) ([]*core.DailyStat, error) {
	var out []*core.DailyStat
	prefix := []byte(statKeyPrefix)
	if creativeID != "" {
		prefix = []byte(statKeyPrefix + creativeID + ":")
	}

	err := ss.s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var stat core.DailyStat
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &stat)
			})
			if err != nil {
				return err
			}
			if (from == "" || stat.Day >= from) && (to == "" || stat.Day <= to) {
				out = append(out, &stat)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SumDailyStats folds every stored day for a creative into totals.
func (ss *StatsStore) SumDailyStats(ctx context.Context, creativeID string) (int64, int64, error) {
	stats, err := ss.ListDailyStats(ctx, creativeID, "", "")
	if err != nil {
		return 0, 0, err
	}
	var impressions, clicks int64
	for _, stat := range stats {
		impressions += stat.Impressions
		clicks += stat.Clicks
	}
	return impressions, clicks, nil
}

// MarkAggregated records that one creative's partition of a day has been
// folded, so an interrupted run can resume.
func (ss *StatsStore) MarkAggregated(ctx context.Context, day, creativeID string) error {
	return ss.s.update(func(txn *badger.Txn) error {
		return txn.Set(aggProgressKey(day, creativeID), nil)
	})
}

// IsAggregated reports whether a progress marker exists.
func (ss *StatsStore) IsAggregated(ctx context.Context, day, creativeID string) (bool, error) {
	found := false
	err := ss.s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(aggProgressKey(day, creativeID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// ClearAggregationProgress drops all progress markers for a day, forcing
// the next run to recompute every creative.
func (ss *StatsStore) ClearAggregationProgress(ctx context.Context, day string) error {
	prefix := []byte(aggProgressPrefix + day + ":")
	var keys [][]byte
	err := ss.s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return ss.s.update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func statKey(creativeID, day string) []byte {
	return []byte(statKeyPrefix + creativeID + ":" + day)
}

func aggProgressKey(day, creativeID string) []byte {
	return []byte(aggProgressPrefix + day + ":" + creativeID)
}
