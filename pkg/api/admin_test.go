// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/adxyz/adserver/core"
)

type flushSpy struct {
	flushes int
}

func (f *flushSpy) Flush() { f.flushes++ }

func newAdminServer(t *testing.T) (*testServer, *flushSpy) {
	t.Helper()
	spy := &flushSpy{}
	ts := newTestServerWith(t, func(opts *Options, deps testDeps) {
		opts.Admin = deps.store.Creatives()
		opts.Cache = spy
	})
	return ts, spy
}

func TestAdminCreateCreative(t *testing.T) {
	require := require.New(t)
	ts, spy := newAdminServer(t)

	w := ts.do(t, http.MethodPost, "/v1/admin/creatives", gin.H{
		"name":  "summer push",
		"title": "Big summer sale",
		"targeting": gin.H{
			"placements": []string{"after_hero"},
			"page_scope": "all",
			"desktop":    true,
			"mobile":     true,
			"tablet":     true,
			"logged_in":  true,
			"guests":     true,
		},
	}, nil)
	require.Equal(http.StatusCreated, w.Code)
	require.Equal(1, spy.flushes)

	var created core.Creative
	require.NoError(json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(created.ID)
	require.Equal(core.StatusActive, created.Status)
	require.False(created.CreatedAt.IsZero())

	// The new creative serves immediately.
	w = ts.do(t, http.MethodPost, "/v1/ads/select", gin.H{"placement": "after_hero"}, nil)
	require.Equal(http.StatusOK, w.Code)
	var resp SelectResponse
	require.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(resp.Creatives, 1)
	require.Equal(created.ID, resp.Creatives[0].ID)
}

func TestAdminUpdatePreservesServerOwnedFields(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	ts, _ := newAdminServer(t)
	ts.seedCreative(t, "c1", "after_hero")

	creatives := ts.store.Creatives()
	require.NoError(creatives.AddCounters(ctx, "c1", 100, 5, time.Now()))
	before, err := creatives.GetCreative(ctx, "c1")
	require.NoError(err)
	require.False(before.CreatedAt.IsZero())

	// Edit echoes none of the counter fields nor created_at.
	w := ts.do(t, http.MethodPost, "/v1/admin/creatives", gin.H{
		"id":    "c1",
		"name":  "renamed",
		"title": "new title",
		"targeting": gin.H{
			"placements": []string{"after_hero"},
		},
	}, nil)
	require.Equal(http.StatusOK, w.Code)

	var updated core.Creative
	require.NoError(json.Unmarshal(w.Body.Bytes(), &updated))
	require.Equal("renamed", updated.Name)
	require.True(updated.CreatedAt.Equal(before.CreatedAt))

	after, err := creatives.GetCreative(ctx, "c1")
	require.NoError(err)
	require.True(after.CreatedAt.Equal(before.CreatedAt))
	require.Equal(int64(100), after.Impressions)
	require.Equal(int64(5), after.Clicks)
	require.Equal(before.CTR, after.CTR)
	require.NotNil(after.LastServedAt)
	require.True(after.UpdatedAt.After(before.UpdatedAt) || after.UpdatedAt.Equal(before.UpdatedAt))
}

func TestAdminCreativeValidation(t *testing.T) {
	require := require.New(t)
	ts, _ := newAdminServer(t)

	// No placements.
	w := ts.do(t, http.MethodPost, "/v1/admin/creatives", gin.H{"name": "x"}, nil)
	require.Equal(http.StatusBadRequest, w.Code)
}

func TestAdminGetCreative(t *testing.T) {
	require := require.New(t)
	ts, _ := newAdminServer(t)
	ts.seedCreative(t, "c1", "after_hero")

	w := ts.do(t, http.MethodGet, "/v1/admin/creatives/c1", nil, nil)
	require.Equal(http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/admin/creatives/ghost", nil, nil)
	require.Equal(http.StatusNotFound, w.Code)
}

func TestAdminDeleteStopsServing(t *testing.T) {
	require := require.New(t)
	ts, spy := newAdminServer(t)
	ts.seedCreative(t, "c1", "after_hero")

	w := ts.do(t, http.MethodDelete, "/v1/admin/creatives/c1", nil, nil)
	require.Equal(http.StatusNoContent, w.Code)
	require.Equal(1, spy.flushes)

	w = ts.do(t, http.MethodPost, "/v1/ads/select", gin.H{"placement": "after_hero"}, nil)
	require.Equal(http.StatusOK, w.Code)
	var resp SelectResponse
	require.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	require.Empty(resp.Creatives)

	// The record survives for event references.
	w = ts.do(t, http.MethodGet, "/v1/admin/creatives/c1", nil, nil)
	require.Equal(http.StatusOK, w.Code)

	w = ts.do(t, http.MethodDelete, "/v1/admin/creatives/ghost", nil, nil)
	require.Equal(http.StatusNotFound, w.Code)
}

func TestAdminCampaignRoundTrip(t *testing.T) {
	require := require.New(t)
	ts, _ := newAdminServer(t)

	w := ts.do(t, http.MethodPost, "/v1/admin/campaigns", gin.H{
		"name":      "spring push",
		"rotation":  "weighted",
		"frequency": "once_per_session",
	}, nil)
	require.Equal(http.StatusOK, w.Code)

	var campaign core.Campaign
	require.NoError(json.Unmarshal(w.Body.Bytes(), &campaign))
	require.NotEmpty(campaign.ID)
	require.Equal(core.RotationWeighted, campaign.Rotation)

	w = ts.do(t, http.MethodGet, "/v1/admin/campaigns/"+campaign.ID, nil, nil)
	require.Equal(http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/admin/campaigns/ghost", nil, nil)
	require.Equal(http.StatusNotFound, w.Code)
}

func TestAdminRoutesDisabledWithoutStore(t *testing.T) {
	require := require.New(t)
	ts := newTestServer(t, Options{})

	w := ts.do(t, http.MethodPost, "/v1/admin/creatives", gin.H{"name": "x"}, nil)
	require.Equal(http.StatusNotFound, w.Code)
}
