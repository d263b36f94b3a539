// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/adxyz/adserver/core"
)

// EventStore persists immutable serving facts. The dedupe marker, the
// day-partition row, the identity index entry and the per-creative
// counters are written in one transaction, so the uniqueness guarantee
// is a single atomic storage operation rather than check-then-insert.
//
// Every event key carries the retention TTL; expired facts vanish from
// the store without a sweep job. Counters are kept without TTL.
type EventStore struct {
	s *Storage
}

// Insert stores an event unless its dedupe key is already present.
func (es *EventStore) Insert(ctx context.Context, ev *core.Event) (bool, error) {
	if ev.ID == "" || ev.CreativeID == "" || ev.DedupeKey == "" {
		return false, core.ErrInvalidEvent
	}
	if !core.ValidEventType(ev.Type) {
		return false, core.ErrUnknownEventType
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("storage: marshal event: %w", err)
	}

	day := ev.Timestamp.UTC().Format(core.DayFormat)
	recorded := false

	err = es.s.update(func(txn *badger.Txn) error {
		recorded = false

		_, err := txn.Get([]byte(dedupeKeyPrefix + ev.DedupeKey))
		if err == nil {
			return nil // already recorded
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		ttl := es.s.retention
		entries := []*badger.Entry{
			badger.NewEntry([]byte(dedupeKeyPrefix+ev.DedupeKey), []byte(ev.ID)).WithTTL(ttl),
			badger.NewEntry(eventDayKey(day, ev.CreativeID, ev.ID), data).WithTTL(ttl),
			badger.NewEntry(eventIdxKey(ev.CreativeID, ev.IdentityKey, ev.Type, ev.Timestamp, ev.ID), []byte(ev.PageKey)).WithTTL(ttl),
		}
		// Session-bound frequency policies scope by session token even
		// for logged-in visitors; index under both keys when they differ.
		if ev.SessionKey != "" && ev.SessionKey != ev.IdentityKey {
			entries = append(entries,
				badger.NewEntry(eventIdxKey(ev.CreativeID, ev.SessionKey, ev.Type, ev.Timestamp, ev.ID), []byte(ev.PageKey)).WithTTL(ttl))
		}
		for _, e := range entries {
			if err := txn.SetEntry(e); err != nil {
				return err
			}
		}

		if err := incrementTxn(txn, counterKey(ev.CreativeID, ev.Type), 1); err != nil {
			return err
		}

		recorded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return recorded, nil
}

// Counts returns all-time impression and click counts for a creative.
func (es *EventStore) Counts(ctx context.Context, creativeID string) (int64, int64, error) {
	var impressions, clicks int64
	err := es.s.db.View(func(txn *badger.Txn) error {
		var err error
		if impressions, err = readCounterTxn(txn, counterKey(creativeID, core.EventImpression)); err != nil {
			return err
		}
		clicks, err = readCounterTxn(txn, counterKey(creativeID, core.EventClick))
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return impressions, clicks, nil
}

// ImpressionSeen reports whether (creative, identity) has a recorded
// impression at or after since, optionally on one page.
func (es *EventStore) ImpressionSeen(ctx context.Context, creativeID, identityKey string, since time.Time, pageKey string) (bool, error) {
	seen := false
	err := es.s.db.View(func(txn *badger.Txn) error {
		prefix := eventIdxPrefix(creativeID, identityKey, core.EventImpression)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = pageKey != ""

		it := txn.NewIterator(opts)
		defer it.Close()

		start := seekKey(prefix, since)
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if pageKey == "" {
				seen = true
				return nil
			}
			err := it.Item().Value(func(val []byte) error {
				if string(val) == pageKey {
					seen = true
				}
				return nil
			})
			if err != nil {
				return err
			}
			if seen {
				return nil
			}
		}
		return nil
	})
	return seen, err
}

// CountRecent counts events of one type for (creative, identity) at or
// after since.
func (es *EventStore) CountRecent(ctx context.Context, creativeID, identityKey string, t core.EventType, since time.Time) (int, error) {
	count := 0
	err := es.s.db.View(func(txn *badger.Txn) error {
		prefix := eventIdxPrefix(creativeID, identityKey, t)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seekKey(prefix, since)); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// ScanDay streams every event of one UTC calendar day to fn, ordered by
// creative id.
func (es *EventStore) ScanDay(ctx context.Context, day string, fn func(*core.Event) error) error {
	return es.s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(eventDayKeyPrefix + day + ":")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var ev core.Event
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			})
			if err != nil {
				return err
			}
			if err := fn(&ev); err != nil {
				return err
			}
		}
		return nil
	})
}

func counterKey(creativeID string, t core.EventType) []byte {
	return []byte(counterKeyPrefix + creativeID + ":" + string(t))
}

func eventDayKey(day, creativeID, eventID string) []byte {
	return []byte(eventDayKeyPrefix + day + ":" + creativeID + ":" + eventID)
}

// eventIdxKey orders entries by timestamp within an identity prefix so
// window scans can seek straight to the window start.
func eventIdxKey(creativeID, identityKey string, t core.EventType, ts time.Time, eventID string) []byte {
	return []byte(fmt.Sprintf("%s:%020d:%s", eventIdxPrefix(creativeID, identityKey, t), ts.UTC().UnixNano(), eventID))
}

func eventIdxPrefix(creativeID, identityKey string, t core.EventType) []byte {
	return []byte(eventIdxKeyPrefix + creativeID + ":" + identityKey + ":" + string(t))
}

func seekKey(prefix []byte, since time.Time) []byte {
	if since.IsZero() {
		return prefix
	}
	return []byte(fmt.Sprintf("%s:%020d", prefix, since.UTC().UnixNano()))
}

func incrementTxn(txn *badger.Txn, key []byte, delta int64) error {
	current, err := readCounterTxn(txn, key)
	if err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(current+delta))
	return txn.Set(key, buf[:])
}

func readCounterTxn(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v int64
	err = item.Value(func(val []byte) error {
		if len(val) == 8 {
			v = int64(binary.BigEndian.Uint64(val))
		}
		return nil
	})
	return v, err
}
