package impressions

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ethicalads/adserver/internal/models"
	"github.com/ethicalads/adserver/internal/ratelimit"
	"github.com/ethicalads/adserver/internal/storage"
	"github.com/ethicalads/adserver/internal/token"
)

type recorderFixture struct {
	recorder    *Recorder
	signer      *token.Signer
	events      *storage.MemoryEventStore
	ads         *storage.MemoryAdRepo
	advertisers *storage.MemoryAdvertiserRepo
}

type fixtureOptions struct {
	budget      int64
	clickLimits []string
	recordViews bool
}

func newRecorderFixture(t *testing.T, opts fixtureOptions) *recorderFixture {
	t.Helper()
	ctx := context.Background()

	if opts.clickLimits == nil {
		opts.clickLimits = []string{"1000/h"}
	}
	windows, err := ratelimit.ParseLimits(opts.clickLimits)
	require.NoError(t, err)

	signer := token.NewSigner("test-secret", time.Hour)
	events := storage.NewMemoryEventStore()
	ads := storage.NewMemoryAdRepo()
	advertisers := storage.NewMemoryAdvertiserRepo()

	require.NoError(t, advertisers.Upsert(ctx, &models.Advertiser{
		ID: "adv-1", Name: "Acme", ClickBudget: opts.budget,
	}))
	require.NoError(t, ads.Upsert(ctx, &models.Ad{
		ID: "ad-1", AdvertiserID: "adv-1", AdTypeID: "sidebar",
		Link: "https://example.com", Live: true,
	}))

	recorder := NewRecorder(Options{
		Signer:      signer,
		Tokens:      storage.NewMemoryTokenStore(),
		Events:      events,
		Ads:         ads,
		Advertisers: advertisers,
		Limiter:     ratelimit.NewMemoryLimiter(windows),
		Logger:      zap.NewNop(),
		RecordViews: opts.recordViews,
		TokenTTL:    time.Hour,
	})

	return &recorderFixture{
		recorder:    recorder,
		signer:      signer,
		events:      events,
		ads:         ads,
		advertisers: advertisers,
	}
}

func (f *recorderFixture) issue() string {
	tok, _ := f.signer.Issue("ad-1", "pl-1", time.Now())
	return tok
}

func (f *recorderFixture) eventCount(t *testing.T, kind models.EventKind) int64 {
	t.Helper()
	count, err := f.events.CountEvents(context.Background(), "ad-1", kind, time.Time{})
	require.NoError(t, err)
	return count
}

func TestRecordViewIdempotent(t *testing.T) {
	f := newRecorderFixture(t, fixtureOptions{budget: 10, recordViews: true})
	ctx := context.Background()
	tok := f.issue()

	event, err := f.recorder.RecordView(ctx, tok, EventContext{Fingerprint: "fp-1"})
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, models.EventKindView, event.Kind)
	assert.Equal(t, "ad-1", event.AdID)
	assert.Equal(t, "adv-1", event.AdvertiserID)

	// Replaying the same token changes nothing.
	_, err = f.recorder.RecordView(ctx, tok, EventContext{Fingerprint: "fp-1"})
	assert.ErrorIs(t, err, ErrDuplicate)

	assert.Equal(t, int64(1), f.eventCount(t, models.EventKindView))
}

func TestRecordViewInvalidToken(t *testing.T) {
	f := newRecorderFixture(t, fixtureOptions{budget: 10, recordViews: true})

	_, err := f.recorder.RecordView(context.Background(), "garbage", EventContext{})
	assert.ErrorIs(t, err, token.ErrMalformed)
	assert.Zero(t, f.eventCount(t, models.EventKindView))
}

func TestRecordViewDisabledStillGatesClicks(t *testing.T) {
	f := newRecorderFixture(t, fixtureOptions{budget: 10, recordViews: false})
	ctx := context.Background()
	tok := f.issue()

	event, err := f.recorder.RecordView(ctx, tok, EventContext{Fingerprint: "fp-1"})
	require.NoError(t, err)
	assert.Nil(t, event, "view storage is off")
	assert.Zero(t, f.eventCount(t, models.EventKindView))

	// The view state still exists, so the click goes through.
	clickEvent, err := f.recorder.RecordClick(ctx, tok, EventContext{Fingerprint: "fp-1"})
	require.NoError(t, err)
	require.NotNil(t, clickEvent)
	assert.Equal(t, models.EventKindClick, clickEvent.Kind)
}

func TestRecordClickRequiresView(t *testing.T) {
	f := newRecorderFixture(t, fixtureOptions{budget: 10, recordViews: true})
	ctx := context.Background()
	tok := f.issue()

	_, err := f.recorder.RecordClick(ctx, tok, EventContext{Fingerprint: "fp-1"})
	assert.ErrorIs(t, err, ErrNoView)

	remaining, _ := f.advertisers.Remaining(ctx, "adv-1")
	assert.Equal(t, int64(10), remaining, "a rejected click costs nothing")
}

func TestRecordClickConsumesViewOnce(t *testing.T) {
	f := newRecorderFixture(t, fixtureOptions{budget: 10, recordViews: true})
	ctx := context.Background()
	tok := f.issue()

	_, err := f.recorder.RecordView(ctx, tok, EventContext{Fingerprint: "fp-1"})
	require.NoError(t, err)

	_, err = f.recorder.RecordClick(ctx, tok, EventContext{Fingerprint: "fp-1"})
	require.NoError(t, err)

	// The second click finds the view already consumed.
	_, err = f.recorder.RecordClick(ctx, tok, EventContext{Fingerprint: "fp-2"})
	assert.ErrorIs(t, err, ErrNoView)

	remaining, _ := f.advertisers.Remaining(ctx, "adv-1")
	assert.Equal(t, int64(9), remaining)
	assert.Equal(t, int64(1), f.eventCount(t, models.EventKindClick))
}

func TestRecordClickRateLimited(t *testing.T) {
	f := newRecorderFixture(t, fixtureOptions{
		budget:      10,
		clickLimits: []string{"1/h"},
		recordViews: true,
	})
	ctx := context.Background()

	tok1 := f.issue()
	_, err := f.recorder.RecordView(ctx, tok1, EventContext{Fingerprint: "fp-1"})
	require.NoError(t, err)
	_, err = f.recorder.RecordClick(ctx, tok1, EventContext{Fingerprint: "fp-1"})
	require.NoError(t, err)

	// Same visitor, fresh token: the velocity ceiling kicks in.
	tok2 := f.issue()
	_, err = f.recorder.RecordView(ctx, tok2, EventContext{Fingerprint: "fp-1"})
	require.NoError(t, err)
	_, err = f.recorder.RecordClick(ctx, tok2, EventContext{Fingerprint: "fp-1"})
	assert.ErrorIs(t, err, ErrRateLimited)

	// A different visitor is unaffected.
	tok3 := f.issue()
	_, err = f.recorder.RecordView(ctx, tok3, EventContext{Fingerprint: "fp-2"})
	require.NoError(t, err)
	_, err = f.recorder.RecordClick(ctx, tok3, EventContext{Fingerprint: "fp-2"})
	require.NoError(t, err)

	remaining, _ := f.advertisers.Remaining(ctx, "adv-1")
	assert.Equal(t, int64(8), remaining, "only accepted clicks spend budget")
}

func TestRecordClickBotNotBilled(t *testing.T) {
	f := newRecorderFixture(t, fixtureOptions{budget: 10, recordViews: true})
	ctx := context.Background()
	tok := f.issue()

	_, err := f.recorder.RecordView(ctx, tok, EventContext{Fingerprint: "fp-1", Bot: true, BotReason: "crawler: bot"})
	assert.ErrorIs(t, err, ErrBotTraffic)

	_, err = f.recorder.RecordClick(ctx, tok, EventContext{Fingerprint: "fp-1", Bot: true, BotReason: "crawler: bot"})
	assert.ErrorIs(t, err, ErrBotTraffic)

	assert.Zero(t, f.eventCount(t, models.EventKindView))
	assert.Zero(t, f.eventCount(t, models.EventKindClick))

	remaining, _ := f.advertisers.Remaining(ctx, "adv-1")
	assert.Equal(t, int64(10), remaining)
}

func TestRecordClickBudgetInvariant(t *testing.T) {
	const budget = 5
	f := newRecorderFixture(t, fixtureOptions{budget: budget, recordViews: true})
	ctx := context.Background()

	for i := 0; i < budget; i++ {
		tok := f.issue()
		fp := fmt.Sprintf("fp-%d", i)
		_, err := f.recorder.RecordView(ctx, tok, EventContext{Fingerprint: fp})
		require.NoError(t, err)
		_, err = f.recorder.RecordClick(ctx, tok, EventContext{Fingerprint: fp})
		require.NoError(t, err, "click %d should be accepted", i+1)
	}

	remaining, _ := f.advertisers.Remaining(ctx, "adv-1")
	assert.Equal(t, int64(0), remaining)

	// The draining click marked the ad exhausted.
	ad, err := f.ads.GetByID(ctx, "ad-1")
	require.NoError(t, err)
	assert.True(t, ad.Exhausted)

	// One more viewed token, but the budget is gone.
	tok := f.issue()
	_, err = f.recorder.RecordView(ctx, tok, EventContext{Fingerprint: "fp-extra"})
	require.NoError(t, err)
	_, err = f.recorder.RecordClick(ctx, tok, EventContext{Fingerprint: "fp-extra"})
	assert.ErrorIs(t, err, ErrExhausted)

	assert.Equal(t, int64(budget), f.eventCount(t, models.EventKindClick))
}

func TestRecordClickConcurrentExhaustion(t *testing.T) {
	const attempts = 20
	f := newRecorderFixture(t, fixtureOptions{budget: 1, recordViews: true})
	ctx := context.Background()

	tokens := make([]string, attempts)
	for i := range tokens {
		tokens[i] = f.issue()
		_, err := f.recorder.RecordView(ctx, tokens[i], EventContext{Fingerprint: fmt.Sprintf("fp-%d", i)})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i, tok := range tokens {
		wg.Add(1)
		go func(i int, tok string) {
			defer wg.Done()
			_, err := f.recorder.RecordClick(ctx, tok, EventContext{Fingerprint: fmt.Sprintf("fp-%d", i)})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i, tok)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted, "a budget of one admits exactly one concurrent click")
	assert.Equal(t, int64(1), f.eventCount(t, models.EventKindClick))

	remaining, _ := f.advertisers.Remaining(ctx, "adv-1")
	assert.Equal(t, int64(0), remaining)
}

func TestStoredEventIDsDeriveFromNonce(t *testing.T) {
	f := newRecorderFixture(t, fixtureOptions{budget: 10, recordViews: true})
	ctx := context.Background()
	tok := f.issue()

	viewEvent, err := f.recorder.RecordView(ctx, tok, EventContext{Fingerprint: "fp-1"})
	require.NoError(t, err)
	clickEvent, err := f.recorder.RecordClick(ctx, tok, EventContext{Fingerprint: "fp-1"})
	require.NoError(t, err)

	claims, err := f.signer.Verify(tok, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "view-"+claims.Nonce, viewEvent.ID)
	assert.Equal(t, "click-"+claims.Nonce, clickEvent.ID)
}
