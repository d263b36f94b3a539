// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"errors"
	"time"
)

var (
	ErrCreativeNotFound = errors.New("creative not found")
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrCreativeDeleted  = errors.New("creative deleted")
	ErrInvalidEvent     = errors.New("invalid event")
	ErrUnknownEventType = errors.New("unknown event type")
	ErrAggregationBusy  = errors.New("aggregation already running for day")
)

// EventType is the kind of fact recorded against a creative.
type EventType string

const (
	EventImpression EventType = "impression"
	EventClick      EventType = "click"
	EventView       EventType = "view"
	EventConversion EventType = "conversion"
)

// ValidEventType reports whether t is a recordable event type.
func ValidEventType(t EventType) bool {
	switch t {
	case EventImpression, EventClick, EventView, EventConversion:
		return true
	}
	return false
}

// FrequencyPolicy caps how often one identity may be shown the same creative.
type FrequencyPolicy string

const (
	FreqUnlimited      FrequencyPolicy = "unlimited"
	FreqOncePerPage    FrequencyPolicy = "once_per_page"
	FreqOncePerSession FrequencyPolicy = "once_per_session"
	FreqOncePerDay     FrequencyPolicy = "once_per_day"
	FreqOncePerUser    FrequencyPolicy = "once_per_user"
)

// RotationStrategy picks a single creative from a tied priority set.
type RotationStrategy string

const (
	RotationSequential RotationStrategy = "sequential"
	RotationRandom     RotationStrategy = "random"
	RotationWeighted   RotationStrategy = "weighted"
	RotationABTest     RotationStrategy = "ab_test"
)

// PageType classifies the page a request or event came from.
type PageType string

const (
	PageArticle  PageType = "article"
	PageCategory PageType = "category"
	PageHome     PageType = "home"
	PageSearch   PageType = "search"
	PageCustom   PageType = "custom"
	PageOther    PageType = "other"
)

// DeviceClass is the normalized device bucket of a request.
type DeviceClass string

const (
	DeviceDesktop DeviceClass = "desktop"
	DeviceMobile  DeviceClass = "mobile"
	DeviceTablet  DeviceClass = "tablet"
)

// CreativeStatus is the lifecycle state of a creative or campaign.
type CreativeStatus string

const (
	StatusActive  CreativeStatus = "active"
	StatusPaused  CreativeStatus = "paused"
	StatusDeleted CreativeStatus = "deleted" // soft delete, events may still reference it
)

// PageScope declares which pages a creative targets.
type PageScope string

const (
	ScopeAll    PageScope = "all"
	ScopeListed PageScope = "listed"
	ScopeCustom PageScope = "custom"
)

// TimeWindow is a minute-of-day serving window, inclusive on both ends.
type TimeWindow struct {
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

// Contains reports whether the minute-of-day m falls inside the window.
// Windows may wrap midnight (e.g. 1380..120).
func (w TimeWindow) Contains(m int) bool {
	if w.StartMinute <= w.EndMinute {
		return m >= w.StartMinute && m <= w.EndMinute
	}
	return m >= w.StartMinute || m <= w.EndMinute
}

// Schedule is the active window of a creative.
type Schedule struct {
	StartDate  *time.Time     `json:"start_date,omitempty"`
	EndDate    *time.Time     `json:"end_date,omitempty"`
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"` // empty = every day
	Window     *TimeWindow    `json:"window,omitempty"`       // nil = whole day
}

// ActiveAt reports whether the schedule permits serving at t.
func (s Schedule) ActiveAt(t time.Time) bool {
	if s.StartDate != nil && t.Before(*s.StartDate) {
		return false
	}
	if s.EndDate != nil && t.After(*s.EndDate) {
		return false
	}
	if len(s.DaysOfWeek) > 0 {
		ok := false
		for _, d := range s.DaysOfWeek {
			if d == t.Weekday() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if s.Window != nil {
		return s.Window.Contains(t.Hour()*60 + t.Minute())
	}
	return true
}

// Targeting holds all serving predicates of a creative.
type Targeting struct {
	Placements []string `json:"placements"`

	PageScope    PageScope  `json:"page_scope"`
	PageTypes    []PageType `json:"page_types,omitempty"`
	URLAllowList []string   `json:"url_allow_list,omitempty"` // normalized paths, PageScope=custom only

	Desktop bool `json:"desktop"`
	Mobile  bool `json:"mobile"`
	Tablet  bool `json:"tablet"`

	LoggedIn bool `json:"logged_in"`
	Guests   bool `json:"guests"`

	Categories        []string `json:"categories,omitempty"`
	ExcludeCategories []string `json:"exclude_categories,omitempty"`
	Articles          []string `json:"articles,omitempty"`

	GeoEnabled       bool     `json:"geo_enabled"`
	Countries        []string `json:"countries,omitempty"`
	ExcludeCountries []string `json:"exclude_countries,omitempty"`
}

// AllowsDevice reports whether the device flag for d is enabled.
func (t Targeting) AllowsDevice(d DeviceClass) bool {
	switch d {
	case DeviceMobile:
		return t.Mobile
	case DeviceTablet:
		return t.Tablet
	default:
		return t.Desktop
	}
}

// HasPlacement reports whether the creative declares the given placement.
func (t Targeting) HasPlacement(placement string) bool {
	for _, p := range t.Placements {
		if p == placement {
			return true
		}
	}
	return false
}

// Display is the caller-visible payload of a creative. Targeting and
// policy fields never leak through it.
type Display struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Body     string `json:"body,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	LinkURL  string `json:"link_url,omitempty"`
	AltText  string `json:"alt_text,omitempty"`
}

// Creative is a single advertisement with its serving policy and live counters.
//
// Targeting, schedule and policy fields are mutated only by administrative
// edits. Counter fields are written by the event recorder (fast path,
// approximate) and the aggregation job (authoritative).
type Creative struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id,omitempty"` // empty in legacy standalone mode
	Name       string `json:"name"`

	Title    string `json:"title"`
	Body     string `json:"body,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	LinkURL  string `json:"link_url,omitempty"`
	AltText  string `json:"alt_text,omitempty"`

	Targeting Targeting `json:"targeting"`
	Schedule  Schedule  `json:"schedule"`

	Frequency      FrequencyPolicy `json:"frequency"`
	MaxImpressions int64           `json:"max_impressions"` // 0 = uncapped
	MaxClicks      int64           `json:"max_clicks"`      // 0 = uncapped

	Priority int `json:"priority"` // higher serves first
	Weight   int `json:"weight"`   // weighted rotation share within a tier

	Status CreativeStatus `json:"status"`

	// Live counters, approximate between aggregation runs.
	Impressions  int64      `json:"impressions"`
	Clicks       int64      `json:"clicks"`
	CTR          float64    `json:"ctr"`
	LastServedAt *time.Time `json:"last_served_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToDisplay strips a creative to its caller-visible payload.
func (c *Creative) ToDisplay() Display {
	return Display{
		ID:       c.ID,
		Title:    c.Title,
		Body:     c.Body,
		ImageURL: c.ImageURL,
		LinkURL:  c.LinkURL,
		AltText:  c.AltText,
	}
}

// EffectiveWeight returns the rotation weight, treating unset as 1.
func (c *Creative) EffectiveWeight() int {
	if c.Weight <= 0 {
		return 1
	}
	return c.Weight
}

// Campaign groups creatives that share frequency and rotation policy.
// A creative with an unset policy inherits the campaign's.
type Campaign struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Rotation  RotationStrategy `json:"rotation"`
	Frequency FrequencyPolicy  `json:"frequency"`
	Status    CreativeStatus   `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Identity carries the visitor tokens attached to a request.
// Both may be present at once; key derivation prefers the user id.
type Identity struct {
	SessionToken string `json:"session_token,omitempty"`
	UserID       string `json:"user_id,omitempty"`
}

// Anonymous reports whether no identity token at all is available.
func (id Identity) Anonymous() bool {
	return id.SessionToken == "" && id.UserID == ""
}

// FraudFlag is the advisory annotation produced by the fraud heuristics.
type FraudFlag struct {
	Rule        string `json:"rule"`
	Clicks      int    `json:"clicks"`
	Impressions int    `json:"impressions"`
}

// Event is an immutable serving fact. Exactly one event exists per
// distinct dedupe key; events expire after the retention window and are
// never mutated.
type Event struct {
	ID          string      `json:"id"`
	CreativeID  string      `json:"creative_id"`
	CampaignID  string      `json:"campaign_id,omitempty"`
	Type        EventType   `json:"type"`
	Identity    Identity    `json:"identity"`
	IdentityKey string      `json:"identity_key"`
	SessionKey  string      `json:"session_key,omitempty"` // session-scoped key when it differs
	PageKey     string      `json:"page_key"`
	PagePath    string      `json:"page_path,omitempty"`
	PageType    PageType    `json:"page_type,omitempty"`
	Device      DeviceClass `json:"device,omitempty"`
	Country     string      `json:"country,omitempty"`
	DedupeKey   string      `json:"dedupe_key"`
	Fraud       *FraudFlag  `json:"fraud,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// PageCount is one entry of a daily top-pages breakdown.
type PageCount struct {
	Path        string `json:"path"`
	Impressions int64  `json:"impressions"`
}

// DailyStat is the per-creative, per-day aggregate derived from raw
// events. Written only by the aggregation job via idempotent upsert.
type DailyStat struct {
	CreativeID string `json:"creative_id"`
	Day        string `json:"day"` // YYYY-MM-DD

	Impressions int64 `json:"impressions"`
	Clicks      int64 `json:"clicks"`
	Views       int64 `json:"views"`
	Conversions int64 `json:"conversions"`

	UniqueImpressions int64 `json:"unique_impressions"`
	UniqueClicks      int64 `json:"unique_clicks"`

	CTR float64 `json:"ctr"`

	ByDevice   map[DeviceClass]int64 `json:"by_device,omitempty"`
	ByPageType map[PageType]int64    `json:"by_page_type,omitempty"`
	TopPages   []PageCount           `json:"top_pages,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
}

// DayFormat is the layout of DailyStat.Day keys.
const DayFormat = "2006-01-02"
