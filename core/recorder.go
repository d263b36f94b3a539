// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/adxyz/adserver/pkg/log"
)

// RecordRequest is one event submission.
type RecordRequest struct {
	CreativeID string
	Type       EventType
	Identity   Identity
	PageKey    string
	PagePath   string
	PageType   PageType
	Device     DeviceClass
	Country    string

	// ExternalEventID is the optional client-generated event id that
	// strengthens de-duplication across retries.
	ExternalEventID string
}

// FraudObserver receives a notification for each recorded event that
// carried a fraud annotation.
type FraudObserver interface {
	FraudFlagged(rule string)
}

// EventRecorder persists de-duplicated serving facts and keeps
// best-effort live counters. The counter fast path is approximate; the
// aggregation job is the source of truth.
type EventRecorder struct {
	events    EventStore
	creatives CreativeStore
	fraud     *FraudDetector
	observer  FraudObserver
	log       log.Logger

	// Real-time totals since process start.
	TotalImpressions atomic.Uint64
	TotalClicks      atomic.Uint64
	TotalViews       atomic.Uint64
	TotalConversions atomic.Uint64
	TotalDuplicates  atomic.Uint64

	stream  chan *Event
	updates chan counterDelta
	done    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
}

type counterDelta struct {
	creativeID  string
	impressions int64
	clicks      int64
	servedAt    time.Time
}

// NewEventRecorder creates a recorder and starts its counter worker.
// fraud may be nil to disable annotation.
func NewEventRecorder(events EventStore, creatives CreativeStore, fraud *FraudDetector, logger log.Logger) *EventRecorder {
	r := &EventRecorder{
		events:    events,
		creatives: creatives,
		fraud:     fraud,
		log:       logger,
		stream:    make(chan *Event, 1024),
		updates:   make(chan counterDelta, 1024),
		done:      make(chan struct{}),
	}
	r.wg.Add(1)
	go r.counterLoop()
	return r
}

// SetObserver attaches a fraud flag observer.
func (r *EventRecorder) SetObserver(o FraudObserver) {
	r.observer = o
}

// Record persists the event unless it is a duplicate. Duplicate
// submissions are a successful no-op: (false, nil). Unknown or
// soft-deleted creatives are rejected with no side effects.
func (r *EventRecorder) Record(ctx context.Context, req RecordRequest) (bool, error) {
	if req.CreativeID == "" {
		return false, ErrInvalidEvent
	}
	if !ValidEventType(req.Type) {
		return false, ErrUnknownEventType
	}

	creative, err := r.creatives.GetCreative(ctx, req.CreativeID)
	if err != nil {
		return false, err
	}
	if creative.Status == StatusDeleted {
		return false, ErrCreativeDeleted
	}

	identityKey := IdentityKey(req.Identity)
	ev := &Event{
		ID:          uuid.NewString(),
		CreativeID:  creative.ID,
		CampaignID:  creative.CampaignID,
		Type:        req.Type,
		Identity:    req.Identity,
		IdentityKey: identityKey,
		SessionKey:  SessionScopedKey(req.Identity),
		PageKey:     req.PageKey,
		PagePath:    req.PagePath,
		PageType:    req.PageType,
		Device:      req.Device,
		Country:     req.Country,
		DedupeKey:   DedupeKey(req.Type, creative.ID, req.PageKey, identityKey, req.ExternalEventID),
		Timestamp:   time.Now().UTC(),
	}

	// Advisory only. Annotation failure never blocks recording.
	if r.fraud != nil {
		ev.Fraud = r.fraud.Check(ctx, creative.ID, identityKey)
	}

	recorded, err := r.events.Insert(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("record event: %w", err)
	}
	if !recorded {
		r.TotalDuplicates.Add(1)
		r.log.Debug("duplicate event discarded",
			"creative", creative.ID,
			"type", ev.Type,
			"dedupe_key", ev.DedupeKey)
		return false, nil
	}

	r.bumpTotals(ev.Type)
	r.enqueueCounters(ev)
	if ev.Fraud != nil && r.observer != nil {
		r.observer.FraudFlagged(ev.Fraud.Rule)
	}

	select {
	case r.stream <- ev:
	default:
		// Stream full, drop. Listeners are best-effort.
	}

	return true, nil
}

// Stream exposes recorded events for live consumers.
func (r *EventRecorder) Stream() <-chan *Event {
	return r.stream
}

// RealTimeTotals returns process-lifetime counters.
func (r *EventRecorder) RealTimeTotals() map[string]uint64 {
	return map[string]uint64{
		"impressions": r.TotalImpressions.Load(),
		"clicks":      r.TotalClicks.Load(),
		"views":       r.TotalViews.Load(),
		"conversions": r.TotalConversions.Load(),
		"duplicates":  r.TotalDuplicates.Load(),
	}
}

// Close stops the counter worker after draining pending updates.
func (r *EventRecorder) Close() {
	if r.closed.CompareAndSwap(false, true) {
		close(r.done)
		r.wg.Wait()
	}
}

func (r *EventRecorder) bumpTotals(t EventType) {
	switch t {
	case EventImpression:
		r.TotalImpressions.Add(1)
	case EventClick:
		r.TotalClicks.Add(1)
	case EventView:
		r.TotalViews.Add(1)
	case EventConversion:
		r.TotalConversions.Add(1)
	}
}

func (r *EventRecorder) enqueueCounters(ev *Event) {
	var d counterDelta
	d.creativeID = ev.CreativeID
	d.servedAt = ev.Timestamp
	switch ev.Type {
	case EventImpression:
		d.impressions = 1
	case EventClick:
		d.clicks = 1
	default:
		return
	}

	select {
	case r.updates <- d:
	default:
		// Queue full, drop. The aggregation job reconciles.
	}
}

func (r *EventRecorder) counterLoop() {
	defer r.wg.Done()
	for {
		select {
		case d := <-r.updates:
			r.applyDelta(d)
		case <-r.done:
			for {
				select {
				case d := <-r.updates:
					r.applyDelta(d)
				default:
					return
				}
			}
		}
	}
}

func (r *EventRecorder) applyDelta(d counterDelta) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.creatives.AddCounters(ctx, d.creativeID, d.impressions, d.clicks, d.servedAt); err != nil {
		r.log.Warn("live counter update failed", "creative", d.creativeID, "error", err)
	}
}
