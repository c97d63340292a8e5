package decision

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ethicalads/adserver/internal/models"
	"github.com/ethicalads/adserver/internal/storage"
)

// ProbabilisticBackend picks among eligible ads at random, weighted by
// how far each advertiser's budget has to stretch: an ad with a large
// remaining budget and little flight time left is favored over one
// that is pacing ahead of schedule.
type ProbabilisticBackend struct {
	ads         storage.AdRepo
	advertisers storage.AdvertiserRepo
	logger      *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProbabilisticBackend creates a backend seeded from the clock. Use
// NewProbabilisticBackendWithSeed for reproducible selection.
func NewProbabilisticBackend(ads storage.AdRepo, advertisers storage.AdvertiserRepo, logger *zap.Logger) *ProbabilisticBackend {
	return NewProbabilisticBackendWithSeed(ads, advertisers, logger, time.Now().UnixNano())
}

func NewProbabilisticBackendWithSeed(ads storage.AdRepo, advertisers storage.AdvertiserRepo, logger *zap.Logger, seed int64) *ProbabilisticBackend {
	return &ProbabilisticBackend{
		ads:         ads,
		advertisers: advertisers,
		logger:      logger,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (b *ProbabilisticBackend) Select(ctx context.Context, rc *models.RequestContext) (*models.Ad, error) {
	candidates, err := eligibleCandidates(ctx, b.ads, b.advertisers, rc)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var total float64
	for _, c := range candidates {
		total += c.weight
	}
	if total <= 0 {
		// Degenerate weights; candidates are sorted by ID so this
		// stays deterministic.
		return candidates[0].ad, nil
	}

	b.mu.Lock()
	target := b.rng.Float64() * total
	b.mu.Unlock()

	for _, c := range candidates {
		target -= c.weight
		if target < 0 {
			return c.ad, nil
		}
	}
	return candidates[len(candidates)-1].ad, nil
}

// pacingWeight spreads an advertiser's remaining click budget over the
// days left in its flight. An unbounded flight is treated as a single
// day, so its weight is simply the remaining budget.
func pacingWeight(adv *models.Advertiser, remaining int64, now time.Time) float64 {
	days := 1.0
	if !adv.FlightEnd.IsZero() {
		days = math.Max(1, adv.FlightEnd.Sub(now).Hours()/24)
	}
	return float64(remaining) / days
}
