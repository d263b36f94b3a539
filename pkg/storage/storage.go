// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes. Events and their indexes carry a TTL so retention is
// enforced by the store itself.
const (
	creativeKeyPrefix  = "cr:"
	campaignKeyPrefix  = "cam:"
	placementKeyPrefix = "crpl:"
	counterKeyPrefix   = "ct:"
	dedupeKeyPrefix    = "ev:"
	eventDayKeyPrefix  = "evd:"
	eventIdxKeyPrefix  = "evi:"
	statKeyPrefix      = "st:"
	aggProgressPrefix  = "agp:"
)

// maxTxnRetries bounds retries of transactions that read-modify-write
// counter keys and can conflict under concurrent commits.
const maxTxnRetries = 16

var ErrTooManyConflicts = errors.New("storage: transaction retries exhausted")

// Storage wraps a Badger database and hands out the typed stores.
type Storage struct {
	db        *badger.DB
	retention time.Duration
}

// Options configures a Storage.
type Options struct {
	// Backend is "memory" or "badger".
	Backend string
	// Path is the data directory for the badger backend.
	Path string
	// Retention is the event TTL. Zero means the 90 day default.
	Retention time.Duration
}

// DefaultRetention is how long raw events are kept before expiry.
const DefaultRetention = 90 * 24 * time.Hour

// NewStorage opens a storage instance.
func NewStorage(opts Options) (*Storage, error) {
	var bopts badger.Options
	switch opts.Backend {
	case "memory":
		bopts = badger.DefaultOptions("").WithInMemory(true)
	case "badger", "":
		if opts.Path == "" {
			return nil, fmt.Errorf("storage: badger backend requires a path")
		}
		bopts = badger.DefaultOptions(opts.Path)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", opts.Backend)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}

	return &Storage{db: db, retention: retention}, nil
}

// Creatives returns the creative/campaign store.
func (s *Storage) Creatives() *CreativeStore {
	return &CreativeStore{s: s}
}

// Events returns the event store.
func (s *Storage) Events() *EventStore {
	return &EventStore{s: s}
}

// Stats returns the daily statistics store.
func (s *Storage) Stats() *StatsStore {
	return &StatsStore{s: s}
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs one round of Badger value log garbage collection. Safe to
// call periodically; returns badger.ErrNoRewrite when nothing to do.
func (s *Storage) RunGC() error {
	return s.db.RunValueLogGC(0.5)
}

// update runs fn in a read-write transaction, retrying on commit
// conflicts from concurrent counter writes.
func (s *Storage) update(fn func(txn *badger.Txn) error) error {
	for i := 0; i < maxTxnRetries; i++ {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return ErrTooManyConflicts
}
