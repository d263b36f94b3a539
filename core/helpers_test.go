// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adxyz/adserver/core"
	"github.com/adxyz/adserver/pkg/log"
	"github.com/adxyz/adserver/pkg/storage"
)

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.NewStorage(storage.Options{Backend: "memory"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// openCreative targets every page, device and audience so single tests
// can flip one predicate at a time.
func openCreative(id, placement string) *core.Creative {
	now := time.Now().UTC()
	return &core.Creative{
		ID:    id,
		Name:  "creative " + id,
		Title: "title " + id,
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
		Weight:    1,
		Status:    core.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func putCreatives(t *testing.T, s *storage.Storage, creatives ...*core.Creative) {
	t.Helper()
	for _, c := range creatives {
		require.NoError(t, s.Creatives().PutCreative(context.Background(), c))
	}
}

func recordImpression(t *testing.T, s *storage.Storage, creativeID string, identity core.Identity, pageKey string, ts time.Time) {
	t.Helper()
	insertEvent(t, s, creativeID, core.EventImpression, identity, pageKey, ts)
}

func insertEvent(t *testing.T, s *storage.Storage, creativeID string, typ core.EventType, identity core.Identity, pageKey string, ts time.Time) {
	t.Helper()
	key := core.IdentityKey(identity)
	ev := &core.Event{
		ID:          creativeID + ":" + string(typ) + ":" + ts.Format(time.RFC3339Nano),
		CreativeID:  creativeID,
		Type:        typ,
		Identity:    identity,
		IdentityKey: key,
		SessionKey:  core.SessionScopedKey(identity),
		PageKey:     pageKey,
		DedupeKey:   core.DedupeKey(typ, creativeID, pageKey, key, ts.Format(time.RFC3339Nano)),
		Timestamp:   ts,
	}
	recorded, err := s.Events().Insert(context.Background(), ev)
	require.NoError(t, err)
	require.True(t, recorded)
}

var testLog = log.NoOp()
