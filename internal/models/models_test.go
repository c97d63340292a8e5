package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdvertiserFlightActive(t *testing.T) {
	now := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)

	unbounded := &Advertiser{}
	assert.True(t, unbounded.FlightActive(now))

	active := &Advertiser{
		FlightStart: now.AddDate(0, 0, -1),
		FlightEnd:   now.AddDate(0, 0, 1),
	}
	assert.True(t, active.FlightActive(now))

	notStarted := &Advertiser{FlightStart: now.AddDate(0, 0, 1)}
	assert.False(t, notStarted.FlightActive(now))

	ended := &Advertiser{FlightEnd: now.AddDate(0, 0, -1)}
	assert.False(t, ended.FlightActive(now))
}

func TestAdValidate(t *testing.T) {
	ad := &Ad{ID: "ad-1", AdvertiserID: "adv-1", Link: "https://example.com"}
	assert.NoError(t, ad.Validate())

	assert.Error(t, (&Ad{AdvertiserID: "adv-1", Link: "x"}).Validate())
	assert.Error(t, (&Ad{ID: "ad-1", Link: "x"}).Validate())
	assert.Error(t, (&Ad{ID: "ad-1", AdvertiserID: "adv-1"}).Validate())
}

func TestAdMatchesGeo(t *testing.T) {
	t.Run("no lists match everything", func(t *testing.T) {
		ad := &Ad{}
		assert.True(t, ad.MatchesGeo("US"))
		assert.True(t, ad.MatchesGeo(""))
	})

	t.Run("exclude list", func(t *testing.T) {
		ad := &Ad{ExcludedCountries: []string{"DE"}}
		assert.False(t, ad.MatchesGeo("DE"))
		assert.False(t, ad.MatchesGeo("de"))
		assert.True(t, ad.MatchesGeo("US"))
		// Unknown geo passes exclusion lists.
		assert.True(t, ad.MatchesGeo(""))
	})

	t.Run("include list", func(t *testing.T) {
		ad := &Ad{IncludedCountries: []string{"US", "CA"}}
		assert.True(t, ad.MatchesGeo("US"))
		assert.True(t, ad.MatchesGeo("ca"))
		assert.False(t, ad.MatchesGeo("FR"))
		// Unknown geo cannot satisfy an inclusion list.
		assert.False(t, ad.MatchesGeo(""))
	})

	t.Run("exclude wins over include", func(t *testing.T) {
		ad := &Ad{
			IncludedCountries: []string{"US", "DE"},
			ExcludedCountries: []string{"DE"},
		}
		assert.False(t, ad.MatchesGeo("DE"))
		assert.True(t, ad.MatchesGeo("US"))
	})
}

func TestAdMatchesKeywords(t *testing.T) {
	untargeted := &Ad{}
	assert.True(t, untargeted.MatchesKeywords(nil))
	assert.True(t, untargeted.MatchesKeywords([]string{"python"}))

	ad := &Ad{Keywords: []string{"Python", "devops"}}
	assert.True(t, ad.MatchesKeywords([]string{"python", "rust"}))
	assert.True(t, ad.MatchesKeywords([]string{"DEVOPS"}))
	assert.False(t, ad.MatchesKeywords([]string{"cooking"}))
	assert.False(t, ad.MatchesKeywords(nil))
}

func TestAdExcludesPublisher(t *testing.T) {
	ad := &Ad{ExcludedPublishers: []string{"pub-1"}}
	assert.True(t, ad.ExcludesPublisher("pub-1"))
	assert.False(t, ad.ExcludesPublisher("pub-2"))
}

func TestPublisherAllowsAdvertiser(t *testing.T) {
	open := &Publisher{}
	assert.True(t, open.AllowsAdvertiser("adv-1"))

	denied := &Publisher{DeniedAdvertisers: []string{"adv-1"}}
	assert.False(t, denied.AllowsAdvertiser("adv-1"))
	assert.True(t, denied.AllowsAdvertiser("adv-2"))

	allowListed := &Publisher{AllowedAdvertisers: []string{"adv-1"}}
	assert.True(t, allowListed.AllowsAdvertiser("adv-1"))
	assert.False(t, allowListed.AllowsAdvertiser("adv-2"))

	// Deny wins even when also on the allow list.
	both := &Publisher{
		AllowedAdvertisers: []string{"adv-1"},
		DeniedAdvertisers:  []string{"adv-1"},
	}
	assert.False(t, both.AllowsAdvertiser("adv-1"))
}

func TestPublisherAllowsAdType(t *testing.T) {
	open := &Publisher{}
	assert.True(t, open.AllowsAdType("sidebar"))

	restricted := &Publisher{AllowedAdTypes: []string{"sidebar"}}
	assert.True(t, restricted.AllowsAdType("sidebar"))
	assert.False(t, restricted.AllowsAdType("footer"))
}
