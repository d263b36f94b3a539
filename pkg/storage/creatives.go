// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/adxyz/adserver/core"
)

// CreativeStore persists creatives and campaigns. Records are stored as
// JSON under cr:/cam: keys with a per-placement secondary index.
type CreativeStore struct {
	s *Storage
}

// PutCreative stores a creative and maintains its placement index.
// Administrative path; serving never writes through here.
func (cs *CreativeStore) PutCreative(ctx context.Context, c *core.Creative) error {
	if c.ID == "" {
		return fmt.Errorf("storage: creative id required")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("storage: marshal creative: %w", err)
	}

	return cs.s.update(func(txn *badger.Txn) error {
		// Drop index entries for placements no longer declared.
		if prev, err := getCreativeTxn(txn, c.ID); err == nil {
			for _, p := range prev.Targeting.Placements {
				if !c.Targeting.HasPlacement(p) {
					if err := txn.Delete(placementKey(p, c.ID)); err != nil {
						return err
					}
				}
			}
		}
		for _, p := range c.Targeting.Placements {
			if err := txn.Set(placementKey(p, c.ID), nil); err != nil {
				return err
			}
		}
		return txn.Set([]byte(creativeKeyPrefix+c.ID), data)
	})
}

// PutCampaign stores a campaign.
func (cs *CreativeStore) PutCampaign(ctx context.Context, c *core.Campaign) error {
	if c.ID == "" {
		return fmt.Errorf("storage: campaign id required")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("storage: marshal campaign: %w", err)
	}
	return cs.s.update(func(txn *badger.Txn) error {
		return txn.Set([]byte(campaignKeyPrefix+c.ID), data)
	})
}

// GetCreative loads one creative by id.
func (cs *CreativeStore) GetCreative(ctx context.Context, id string) (*core.Creative, error) {
	var c *core.Creative
	err := cs.s.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = getCreativeTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetCampaign loads one campaign by id.
func (cs *CreativeStore) GetCampaign(ctx context.Context, id string) (*core.Campaign, error) {
	var c core.Campaign
	err := cs.s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(campaignKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return core.ErrCampaignNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		})
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SoftDelete marks a creative deleted without removing it, since events
// may still reference it.
func (cs *CreativeStore) SoftDelete(ctx context.Context, id string) error {
	return cs.s.update(func(txn *badger.Txn) error {
		c, err := getCreativeTxn(txn, id)
		if err != nil {
			return err
		}
		c.Status = core.StatusDeleted
		c.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return txn.Set([]byte(creativeKeyPrefix+id), data)
	})
}

// ListActiveByPlacement returns active creatives declaring the placement.
func (cs *CreativeStore) ListActiveByPlacement(ctx context.Context, placement string) ([]*core.Creative, error) {
	var out []*core.Creative
	err := cs.s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(placementKeyPrefix + placement + ":")
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			c, err := getCreativeTxn(txn, id)
			if errors.Is(err, core.ErrCreativeNotFound) {
				continue // stale index entry
			}
			if err != nil {
				return err
			}
			if c.Status == core.StatusActive {
				out = append(out, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddCounters adds fast-path increments to a creative's live counters.
func (cs *CreativeStore) AddCounters(ctx context.Context, creativeID string, impressions, clicks int64, servedAt time.Time) error {
	return cs.s.update(func(txn *badger.Txn) error {
		c, err := getCreativeTxn(txn, creativeID)
		if err != nil {
			return err
		}
		c.Impressions += impressions
		c.Clicks += clicks
		if c.Impressions > 0 {
			c.CTR = float64(c.Clicks) / float64(c.Impressions) * 100
		}
		if impressions > 0 {
			t := servedAt.UTC()
			c.LastServedAt = &t
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return txn.Set([]byte(creativeKeyPrefix+creativeID), data)
	})
}

// SetCounters overwrites live counters with authoritative totals.
func (cs *CreativeStore) SetCounters(ctx context.Context, creativeID string, impressions, clicks int64, ctr float64, lastServed *time.Time) error {
	return cs.s.update(func(txn *badger.Txn) error {
		c, err := getCreativeTxn(txn, creativeID)
		if err != nil {
			return err
		}
		c.Impressions = impressions
		c.Clicks = clicks
		c.CTR = ctr
		if lastServed != nil {
			t := lastServed.UTC()
			c.LastServedAt = &t
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return txn.Set([]byte(creativeKeyPrefix+creativeID), data)
	})
}

func getCreativeTxn(txn *badger.Txn, id string) (*core.Creative, error) {
	item, err := txn.Get([]byte(creativeKeyPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, core.ErrCreativeNotFound
	}
	if err != nil {
		return nil, err
	}
	var c core.Creative
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &c)
	}); err != nil {
		return nil, err
	}
	return &c, nil
}

func placementKey(placement, creativeID string) []byte {
	return []byte(placementKeyPrefix + placement + ":" + creativeID)
}
