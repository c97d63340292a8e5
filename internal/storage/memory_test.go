package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethicalads/adserver/internal/models"
)

func TestMemoryAdvertiserRepoConsumeClick(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAdvertiserRepo()
	require.NoError(t, repo.Upsert(ctx, &models.Advertiser{ID: "adv-1", Name: "Acme", ClickBudget: 3}))

	remaining, ok, err := repo.ConsumeClick(ctx, "adv-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), remaining)

	remaining, ok, _ = repo.ConsumeClick(ctx, "adv-1")
	assert.True(t, ok)
	assert.Equal(t, int64(1), remaining)

	remaining, ok, _ = repo.ConsumeClick(ctx, "adv-1")
	assert.True(t, ok)
	assert.Equal(t, int64(0), remaining)

	// Budget drained: further clicks are refused.
	_, ok, _ = repo.ConsumeClick(ctx, "adv-1")
	assert.False(t, ok)

	remaining, err = repo.Remaining(ctx, "adv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

func TestMemoryAdvertiserRepoConsumeClickUnknown(t *testing.T) {
	repo := NewMemoryAdvertiserRepo()
	_, ok, err := repo.ConsumeClick(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryAdvertiserRepoConcurrentExhaustion(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAdvertiserRepo()
	require.NoError(t, repo.Upsert(ctx, &models.Advertiser{ID: "adv-1", Name: "Acme", ClickBudget: 1}))

	const attempts = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := repo.ConsumeClick(ctx, "adv-1"); ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted, "a budget of one admits exactly one click")

	remaining, _ := repo.Remaining(ctx, "adv-1")
	assert.Equal(t, int64(0), remaining)
}

func TestMemoryAdvertiserRepoBudgetInvariant(t *testing.T) {
	// remaining budget after N accepted clicks equals initial budget - N
	ctx := context.Background()
	repo := NewMemoryAdvertiserRepo()
	require.NoError(t, repo.Upsert(ctx, &models.Advertiser{ID: "adv-1", Name: "Acme", ClickBudget: 100}))

	const n = 37
	for i := 0; i < n; i++ {
		_, ok, err := repo.ConsumeClick(ctx, "adv-1")
		require.NoError(t, err)
		require.True(t, ok)
	}

	remaining, err := repo.Remaining(ctx, "adv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100-n), remaining)
}

func TestMemoryAdRepoListLive(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAdRepo()

	require.NoError(t, repo.Upsert(ctx, &models.Ad{ID: "ad-1", AdvertiserID: "adv-1", Link: "https://a.example", Live: true}))
	require.NoError(t, repo.Upsert(ctx, &models.Ad{ID: "ad-2", AdvertiserID: "adv-1", Link: "https://b.example", Live: false}))

	live, err := repo.ListLive(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "ad-1", live[0].ID)
}

func TestMemoryAdRepoMarkExhausted(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAdRepo()
	require.NoError(t, repo.Upsert(ctx, &models.Ad{ID: "ad-1", AdvertiserID: "adv-1", Link: "https://a.example", Live: true}))

	require.NoError(t, repo.MarkExhausted(ctx, "ad-1"))

	ad, err := repo.GetByID(ctx, "ad-1")
	require.NoError(t, err)
	assert.True(t, ad.Exhausted)
}

func TestMemoryAdRepoUpsertValidates(t *testing.T) {
	repo := NewMemoryAdRepo()
	err := repo.Upsert(context.Background(), &models.Ad{ID: "ad-1"})
	assert.Error(t, err)
}

func TestMemoryEventStoreIdempotentSave(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()

	e := &models.ImpressionEvent{
		ID:        "view-nonce-1",
		AdID:      "ad-1",
		Kind:      models.EventKindView,
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, store.SaveEvent(ctx, e))
	require.NoError(t, store.SaveEvent(ctx, e))

	count, err := store.CountEvents(ctx, "ad-1", models.EventKindView, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "retried saves must not duplicate the event")
}

func TestMemoryEventStoreDailyStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()

	day1 := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 6, 2, 10, 0, 0, 0, time.UTC)

	events := []*models.ImpressionEvent{
		{ID: "e1", AdID: "ad-1", Kind: models.EventKindView, Timestamp: day1},
		{ID: "e2", AdID: "ad-1", Kind: models.EventKindView, Timestamp: day1},
		{ID: "e3", AdID: "ad-1", Kind: models.EventKindClick, Timestamp: day1},
		{ID: "e4", AdID: "ad-2", Kind: models.EventKindView, Timestamp: day1},
		{ID: "e5", AdID: "ad-1", Kind: models.EventKindClick, Timestamp: day2},
	}
	for _, e := range events {
		require.NoError(t, store.SaveEvent(ctx, e))
	}

	stats, err := store.AdDailyStats(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, stats, 3)

	assert.Equal(t, AdDailyStat{Date: "2024-06-01", AdID: "ad-1", Views: 2, Clicks: 1}, stats[0])
	assert.Equal(t, AdDailyStat{Date: "2024-06-01", AdID: "ad-2", Views: 1, Clicks: 0}, stats[1])
	assert.Equal(t, AdDailyStat{Date: "2024-06-02", AdID: "ad-1", Views: 0, Clicks: 1}, stats[2])
}

func TestMemoryTokenStoreViewThenClick(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTokenStore()
	ttl := time.Hour

	first, err := store.MarkViewed(ctx, "nonce-1", ttl)
	require.NoError(t, err)
	assert.True(t, first)

	// A repeat view is not the first.
	first, err = store.MarkViewed(ctx, "nonce-1", ttl)
	require.NoError(t, err)
	assert.False(t, first)

	ok, err := store.ConsumeView(ctx, "nonce-1", ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second click on the same token finds the view consumed.
	ok, err = store.ConsumeView(ctx, "nonce-1", ttl)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTokenStoreClickWithoutView(t *testing.T) {
	store := NewMemoryTokenStore()
	ok, err := store.ConsumeView(context.Background(), "never-viewed", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTokenStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTokenStore()

	first, err := store.MarkViewed(ctx, "nonce-1", -time.Second)
	require.NoError(t, err)
	assert.True(t, first)

	// Expired view state is gone, so the click finds nothing.
	ok, err := store.ConsumeView(ctx, "nonce-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}
