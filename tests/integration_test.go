// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adxyz/adserver/core"
	"github.com/adxyz/adserver/pkg/api"
	"github.com/adxyz/adserver/pkg/cache"
	"github.com/adxyz/adserver/pkg/log"
	"github.com/adxyz/adserver/pkg/metric"
	"github.com/adxyz/adserver/pkg/storage"
)

// newStack assembles the whole server on the in-memory backend, wired
// the way the daemon wires it.
func newStack(t *testing.T) http.Handler {
	t.Helper()
	logger := log.NoOp()

	store, err := storage.NewStorage(storage.Options{Backend: "memory"})
	require.NoError(t, err)

	metrics, err := metric.NewMetrics()
	require.NoError(t, err)

	resultCache := cache.New(time.Minute)

	targeting := core.NewTargetingFilter(store.Creatives(), resultCache, logger)
	frequency := core.NewFrequencyController(store.Events(), store.Creatives(), logger)
	rotation := core.NewRotationSelector(store.Creatives(), logger)
	rotation.SetSeed(1)
	fraud := core.NewFraudDetector(store.Events(), logger)
	recorder := core.NewEventRecorder(store.Events(), store.Creatives(), fraud, logger)
	aggregator := core.NewAggregator(store.Events(), store.Stats(), store.Creatives(), logger)
	reader := core.NewStatsReader(store.Stats(), store.Events(), logger)
	engine := core.NewEngine(targeting, frequency, rotation, recorder, logger)

	srv := api.NewServer(engine, recorder, reader, aggregator, metrics, logger, api.Options{
		Admin: store.Creatives(),
		Cache: resultCache,
	})

	t.Cleanup(func() {
		srv.Stop()
		recorder.Close()
		resultCache.Close()
		store.Close()
	})
	return srv.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// TestServeTrackReport drives the public API through a full publisher
// flow: provision a creative, select it, track events, aggregate and
// read the report back.
func TestServeTrackReport(t *testing.T) {
	require := require.New(t)
	h := newStack(t)

	// Provision.
	w := doJSON(t, h, http.MethodPost, "/v1/admin/creatives", map[string]any{
		"title": "Autumn deal",
		"targeting": map[string]any{
			"placements": []string{"after_hero"},
			"page_scope": "all",
			"desktop":    true,
			"mobile":     true,
			"tablet":     true,
			"logged_in":  true,
			"guests":     true,
		},
	})
	require.Equal(http.StatusCreated, w.Code)
	var creative core.Creative
	require.NoError(json.Unmarshal(w.Body.Bytes(), &creative))

	// Select; anonymous caller receives a session token to reuse.
	w = doJSON(t, h, http.MethodPost, "/v1/ads/select", map[string]any{
		"placement": "after_hero",
		"page_type": "article",
		"page_path": "/news/launch",
		"device":    "mobile",
	})
	require.Equal(http.StatusOK, w.Code)
	var sel api.SelectResponse
	require.NoError(json.Unmarshal(w.Body.Bytes(), &sel))
	require.Len(sel.Creatives, 1)
	require.NotEmpty(sel.SessionToken)
	token := sel.SessionToken

	// Track impression and click; retry the click to exercise dedupe.
	for _, ev := range []map[string]any{
		{"creative_id": creative.ID, "type": "impression", "page_type": "article", "page_path": "/news/launch", "session_token": token, "event_id": "imp-1"},
		{"creative_id": creative.ID, "type": "click", "page_type": "article", "page_path": "/news/launch", "session_token": token, "event_id": "click-1"},
	} {
		w = doJSON(t, h, http.MethodPost, "/v1/events", ev)
		require.Equal(http.StatusOK, w.Code)
		var resp api.EventResponse
		require.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
		require.True(resp.Recorded)
	}

	w = doJSON(t, h, http.MethodPost, "/v1/events", map[string]any{
		"creative_id": creative.ID, "type": "click", "page_type": "article",
		"page_path": "/news/launch", "session_token": token, "event_id": "click-1",
	})
	require.Equal(http.StatusOK, w.Code)
	var dup api.EventResponse
	require.NoError(json.Unmarshal(w.Body.Bytes(), &dup))
	require.False(dup.Recorded)

	// Live totals reflect the unique facts only.
	w = doJSON(t, h, http.MethodGet, "/v1/stats/live", nil)
	require.Equal(http.StatusOK, w.Code)
	var totals map[string]uint64
	require.NoError(json.Unmarshal(w.Body.Bytes(), &totals))
	require.EqualValues(1, totals["impressions"])
	require.EqualValues(1, totals["clicks"])
	require.EqualValues(1, totals["duplicates"])

	// Aggregate today and read the report.
	day := time.Now().UTC().Format(core.DayFormat)
	w = doJSON(t, h, http.MethodPost, "/v1/aggregate/run", map[string]any{"day": day})
	require.Equal(http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/v1/stats?creative_id="+creative.ID+"&from="+day+"&to="+day+"&breakdown=true", nil)
	require.Equal(http.StatusOK, w.Code)
	var report core.StatsReport
	require.NoError(json.Unmarshal(w.Body.Bytes(), &report))
	require.EqualValues(1, report.Totals.Impressions)
	require.EqualValues(1, report.Totals.Clicks)
	require.InDelta(100.0, report.Totals.CTR, 0.001)
	require.Len(report.Days, 1)
}

// TestDeleteTakesEffectImmediately verifies the admin cache flush: a
// soft delete stops serving without waiting out the cache TTL.
func TestDeleteTakesEffectImmediately(t *testing.T) {
	require := require.New(t)
	h := newStack(t)

	w := doJSON(t, h, http.MethodPost, "/v1/admin/creatives", map[string]any{
		"id":    "cr-1",
		"title": "short lived",
		"targeting": map[string]any{
			"placements": []string{"after_hero"},
			"page_scope": "all",
			"desktop":    true,
			"mobile":     true,
			"tablet":     true,
			"logged_in":  true,
			"guests":     true,
		},
	})
	require.Equal(http.StatusCreated, w.Code)

	sel := map[string]any{"placement": "after_hero", "session_token": "tok"}

	w = doJSON(t, h, http.MethodPost, "/v1/ads/select", sel)
	require.Equal(http.StatusOK, w.Code)
	var resp api.SelectResponse
	require.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(resp.Creatives, 1)

	w = doJSON(t, h, http.MethodDelete, "/v1/admin/creatives/cr-1", nil)
	require.Equal(http.StatusNoContent, w.Code)

	w = doJSON(t, h, http.MethodPost, "/v1/ads/select", sel)
	require.Equal(http.StatusOK, w.Code)
	require.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	require.Empty(resp.Creatives)
	require.Equal(core.ReasonNoMatchingCreatives, resp.Reason)
}
