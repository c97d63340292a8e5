// Package decision selects which ad, if any, fills a placement
// request. Backends share a common eligibility filter; they differ in
// how they choose among the eligible candidates.
package decision

import (
	"context"
	"sort"

	"github.com/ethicalads/adserver/internal/models"
	"github.com/ethicalads/adserver/internal/storage"
)

// Backend picks an ad for a resolved request. A nil ad with a nil
// error means no-fill, which is a normal outcome rather than a
// failure.
type Backend interface {
	Select(ctx context.Context, rc *models.RequestContext) (*models.Ad, error)
}

// candidate pairs an eligible ad with its selection weight.
type candidate struct {
	ad     *models.Ad
	weight float64
}

// eligibleCandidates applies every targeting and budget constraint to
// the live ads and returns the survivors sorted by ad ID. Sorting
// keeps selection deterministic for a fixed RNG seed.
func eligibleCandidates(ctx context.Context, ads storage.AdRepo, advertisers storage.AdvertiserRepo, rc *models.RequestContext) ([]candidate, error) {
	live, err := ads.ListLive(ctx)
	if err != nil {
		return nil, err
	}

	advertiserCache := make(map[string]*models.Advertiser)
	remainingCache := make(map[string]int64)

	var candidates []candidate
	for _, ad := range live {
		if rc.Placement != nil && rc.Placement.AdTypeID != "" && ad.AdTypeID != rc.Placement.AdTypeID {
			continue
		}
		if rc.Publisher != nil {
			if !rc.Publisher.AllowsAdType(ad.AdTypeID) {
				continue
			}
			if !rc.Publisher.AllowsAdvertiser(ad.AdvertiserID) {
				continue
			}
			if ad.ExcludesPublisher(rc.Publisher.ID) {
				continue
			}
		}
		if !ad.MatchesGeo(rc.CountryCode) {
			continue
		}
		if !ad.MatchesKeywords(rc.Keywords) {
			continue
		}

		adv, ok := advertiserCache[ad.AdvertiserID]
		if !ok {
			adv, err = advertisers.GetByID(ctx, ad.AdvertiserID)
			if err != nil {
				return nil, err
			}
			advertiserCache[ad.AdvertiserID] = adv
			if adv != nil {
				remaining, err := advertisers.Remaining(ctx, ad.AdvertiserID)
				if err != nil {
					return nil, err
				}
				remainingCache[ad.AdvertiserID] = remaining
			}
		}
		if adv == nil || !adv.FlightActive(rc.Time) {
			continue
		}
		remaining := remainingCache[ad.AdvertiserID]
		if remaining <= 0 {
			continue
		}

		candidates = append(candidates, candidate{
			ad:     ad,
			weight: pacingWeight(adv, remaining, rc.Time),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ad.ID < candidates[j].ad.ID
	})
	return candidates, nil
}
