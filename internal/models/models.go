package models

import (
	"errors"
	"strings"
	"time"
)

// EventKind distinguishes the two billable event types.
type EventKind string

const (
	EventKindView  EventKind = "view"
	EventKindClick EventKind = "click"
)

// AdType describes the format/placement shape of a creative
// (e.g. sidebar image+text, text-only footer).
type AdType struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	HasImage      bool   `json:"has_image"`
	HasText       bool   `json:"has_text"`
	MaxTextLength int    `json:"max_text_length,omitempty"`
}

// Advertiser owns ads and carries the flight window and click budget
// every eligibility check runs against.
type Advertiser struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	FlightStart time.Time `json:"flight_start"`
	FlightEnd   time.Time `json:"flight_end"`

	// ClickBudget is the total number of billable clicks purchased for
	// the flight. Remaining budget lives in storage and is decremented
	// atomically per accepted click.
	ClickBudget int64 `json:"click_budget"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FlightActive reports whether the advertiser's flight window covers now.
// A zero start or end is treated as unbounded on that side.
func (a *Advertiser) FlightActive(now time.Time) bool {
	if !a.FlightStart.IsZero() && now.Before(a.FlightStart) {
		return false
	}
	if !a.FlightEnd.IsZero() && now.After(a.FlightEnd) {
		return false
	}
	return true
}

// Ad is a single creative with its targeting rules.
type Ad struct {
	ID           string `json:"id"`
	AdvertiserID string `json:"advertiser_id"`
	AdTypeID     string `json:"ad_type_id"`
	Name         string `json:"name"`
	Text         string `json:"text,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	Link         string `json:"link"`
	Live         bool   `json:"live"`

	// Exhausted is set when the advertiser's click budget drains; the
	// decision path skips exhausted ads without a budget lookup.
	Exhausted bool `json:"exhausted,omitempty"`

	// Targeting. Include lists are wildcards when empty; an unknown geo
	// never matches a non-empty include list but always passes an
	// exclude list.
	IncludedCountries  []string `json:"included_countries,omitempty"`
	ExcludedCountries  []string `json:"excluded_countries,omitempty"`
	Keywords           []string `json:"keywords,omitempty"`
	ExcludedPublishers []string `json:"excluded_publishers,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields required before an ad may be stored.
func (ad *Ad) Validate() error {
	if ad.ID == "" {
		return errors.New("ad id is required")
	}
	if ad.AdvertiserID == "" {
		return errors.New("advertiser_id is required")
	}
	if ad.Link == "" {
		return errors.New("link is required")
	}
	return nil
}

// MatchesGeo checks the ad's country include/exclude lists against a
// resolved country code. An empty code means the geo is unknown.
func (ad *Ad) MatchesGeo(countryCode string) bool {
	cc := strings.ToUpper(countryCode)
	for _, excluded := range ad.ExcludedCountries {
		if cc != "" && strings.ToUpper(excluded) == cc {
			return false
		}
	}
	if len(ad.IncludedCountries) == 0 {
		return true
	}
	if cc == "" {
		// Unknown geo cannot satisfy an inclusion list.
		return false
	}
	for _, included := range ad.IncludedCountries {
		if strings.ToUpper(included) == cc {
			return true
		}
	}
	return false
}

// MatchesKeywords reports whether the ad's keywords intersect the page
// keywords. Ads without keywords match everything.
func (ad *Ad) MatchesKeywords(pageKeywords []string) bool {
	if len(ad.Keywords) == 0 {
		return true
	}
	if len(pageKeywords) == 0 {
		return false
	}
	page := make(map[string]bool, len(pageKeywords))
	for _, k := range pageKeywords {
		page[strings.ToLower(k)] = true
	}
	for _, k := range ad.Keywords {
		if page[strings.ToLower(k)] {
			return true
		}
	}
	return false
}

// ExcludesPublisher reports whether the publisher is on the ad's deny list.
func (ad *Ad) ExcludesPublisher(publisherID string) bool {
	for _, p := range ad.ExcludedPublishers {
		if p == publisherID {
			return true
		}
	}
	return false
}

// Publisher is a site or app that requests ads.
type Publisher struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// AllowedAdvertisers is a wildcard when empty.
	AllowedAdvertisers []string `json:"allowed_advertisers,omitempty"`
	DeniedAdvertisers  []string `json:"denied_advertisers,omitempty"`
	AllowedAdTypes     []string `json:"allowed_ad_types,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllowsAdvertiser applies the publisher's allow/deny lists.
func (p *Publisher) AllowsAdvertiser(advertiserID string) bool {
	for _, d := range p.DeniedAdvertisers {
		if d == advertiserID {
			return false
		}
	}
	if len(p.AllowedAdvertisers) == 0 {
		return true
	}
	for _, a := range p.AllowedAdvertisers {
		if a == advertiserID {
			return true
		}
	}
	return false
}

// AllowsAdType applies the publisher's ad type allow list.
func (p *Publisher) AllowsAdType(adTypeID string) bool {
	if len(p.AllowedAdTypes) == 0 {
		return true
	}
	for _, t := range p.AllowedAdTypes {
		if t == adTypeID {
			return true
		}
	}
	return false
}

// Placement pairs a publisher with an ad type at a render position.
type Placement struct {
	ID          string `json:"id"`
	PublisherID string `json:"publisher_id"`
	AdTypeID    string `json:"ad_type_id"`
}

// RequestContext is the ephemeral, per-request view of the caller used
// for ad selection. It never carries raw IP or user agent beyond the
// request lifetime; the fingerprint is a derived hash.
type RequestContext struct {
	Placement   *Placement
	Publisher   *Publisher
	CountryCode string // ISO 3166-1 alpha-2, empty when unknown
	Region      string
	Keywords    []string
	Bot         bool
	BotReason   string
	Fingerprint string
	Time        time.Time
}

// Decision is the outcome of a successful ad selection. The token
// authorizes a later view and click for this ad+placement.
type Decision struct {
	Ad          *Ad       `json:"ad"`
	PlacementID string    `json:"placement_id"`
	Token       string    `json:"token"`
	IssuedAt    time.Time `json:"issued_at"`
}

// ImpressionEvent is an immutable, append-only fact recording one view
// or click. Fingerprint is a non-reversible visitor hash.
type ImpressionEvent struct {
	ID           string    `json:"id"`
	AdID         string    `json:"ad_id"`
	AdvertiserID string    `json:"advertiser_id"`
	PublisherID  string    `json:"publisher_id"`
	Kind         EventKind `json:"kind"`
	Timestamp    time.Time `json:"timestamp"`
	Fingerprint  string    `json:"fingerprint"`
	CountryCode  string    `json:"country_code,omitempty"`
}
