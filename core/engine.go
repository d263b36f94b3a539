// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"context"
	"time"

	"github.com/adxyz/adserver/pkg/log"
)

// Machine-readable reasons for an empty selection.
const (
	ReasonNoMatchingCreatives = "no_matching_creatives"
	ReasonFrequencyCapped     = "frequency_capped"
	ReasonStoreUnavailable    = "store_unavailable"
)

// SelectionResult is the outcome of one selection call. Creatives carry
// display payloads only; targeting fields never leak to callers.
type SelectionResult struct {
	Creatives []Display `json:"creatives"`
	Reason    string    `json:"reason,omitempty"`
}

// Engine wires the selection pipeline: normalize, target, frequency
// filter, rotate. The served impression is recorded asynchronously.
//
// Nothing in the pipeline is fatal to the surrounding page render: any
// failure degrades to an empty result with a reason code.
type Engine struct {
	targeting *TargetingFilter
	frequency *FrequencyController
	rotation  *RotationSelector
	recorder  *EventRecorder
	log       log.Logger

	// AutoRecord makes Select record an impression for every served
	// creative. Off when the client tracks impressions itself.
	AutoRecord bool
}

// NewEngine assembles the selection pipeline. recorder may be nil when
// impressions are tracked client-side.
func NewEngine(targeting *TargetingFilter, frequency *FrequencyController, rotation *RotationSelector, recorder *EventRecorder, logger log.Logger) *Engine {
	return &Engine{
		targeting: targeting,
		frequency: frequency,
		rotation:  rotation,
		recorder:  recorder,
		log:       logger,
	}
}

// Select runs the full pipeline for one raw request. limit <= 0 serves
// a single creative.
func (e *Engine) Select(ctx context.Context, raw RawContext, limit int) SelectionResult {
	if limit <= 0 {
		limit = 1
	}

	sc := NormalizeContext(raw)

	candidates, err := e.targeting.FindCandidates(ctx, sc)
	if err != nil {
		// Transient store failure must not fail the page render.
		e.log.Error("targeting read failed", "placement", sc.Placement, "error", err)
		return SelectionResult{Reason: ReasonStoreUnavailable}
	}
	if len(candidates) == 0 {
		return SelectionResult{Reason: ReasonNoMatchingCreatives}
	}

	eligible := e.frequency.Filter(ctx, candidates, sc.Identity, sc.PageKey)
	if len(eligible) == 0 {
		return SelectionResult{Reason: ReasonFrequencyCapped}
	}

	selected := e.rotation.Select(ctx, eligible, limit)
	if len(selected) == 0 {
		return SelectionResult{Reason: ReasonNoMatchingCreatives}
	}

	displays := make([]Display, len(selected))
	for i, c := range selected {
		displays[i] = c.ToDisplay()
	}

	if e.AutoRecord && e.recorder != nil {
		e.recordServed(sc, selected)
	}

	return SelectionResult{Creatives: displays}
}

// recordServed records an impression per served creative off the
// request path. Failures are logged and swallowed; the client-side
// tracker resubmits with the same logical identity, and dedupe keys
// collapse the retries.
func (e *Engine) recordServed(sc ServingContext, selected []*Creative) {
	for _, c := range selected {
		req := RecordRequest{
			CreativeID: c.ID,
			Type:       EventImpression,
			Identity:   sc.Identity,
			PageKey:    sc.PageKey,
			PagePath:   sc.PagePath,
			PageType:   sc.PageType,
			Device:     sc.Device,
			Country:    sc.Country,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := e.recorder.Record(ctx, req); err != nil {
				e.log.Warn("auto impression record failed", "creative", req.CreativeID, "error", err)
			}
		}()
	}
}
