// Package impressions turns signed decision tokens into the
// append-only view and click event log, enforcing the view-then-click
// workflow, click rate limits and advertiser budgets along the way.
package impressions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ethicalads/adserver/internal/metrics"
	"github.com/ethicalads/adserver/internal/models"
	"github.com/ethicalads/adserver/internal/ratelimit"
	"github.com/ethicalads/adserver/internal/storage"
	"github.com/ethicalads/adserver/internal/token"
)

var (
	// ErrDuplicate means the token was already recorded for this kind
	// of event. The original event stands; nothing new is written.
	ErrDuplicate = errors.New("event already recorded for token")

	// ErrNoView means a click arrived for a token that was never
	// viewed, or whose view was already consumed by an earlier click.
	ErrNoView = errors.New("no unconsumed view for token")

	// ErrRateLimited means the requester exceeded a click rate limit
	// window.
	ErrRateLimited = errors.New("click rate limit exceeded")

	// ErrExhausted means the advertiser's click budget ran out before
	// this click could be accepted.
	ErrExhausted = errors.New("advertiser budget exhausted")

	// ErrBotTraffic means the requester was classified as a bot.
	// Bot traffic is served but never billed.
	ErrBotTraffic = errors.New("bot traffic is not billable")

	// ErrUnknownAd means the token references an ad that no longer
	// exists.
	ErrUnknownAd = errors.New("unknown ad")
)

// EventContext carries the per-request attributes stamped onto stored
// events.
type EventContext struct {
	Fingerprint string
	CountryCode string
	PublisherID string
	Bot         bool
	BotReason   string
}

// Recorder validates tokens and writes impression events. Stored
// event IDs derive from the token nonce, so retried writes are
// idempotent all the way down to the event store.
type Recorder struct {
	signer      *token.Signer
	tokens      storage.TokenStore
	events      storage.EventStore
	ads         storage.AdRepo
	advertisers storage.AdvertiserRepo
	limiter     ratelimit.Limiter
	metrics     *metrics.Metrics
	logger      *zap.Logger

	recordViews bool
	tokenTTL    time.Duration
	sink        func(*models.ImpressionEvent)
	now         func() time.Time
}

type Options struct {
	Signer      *token.Signer
	Tokens      storage.TokenStore
	Events      storage.EventStore
	Ads         storage.AdRepo
	Advertisers storage.AdvertiserRepo
	Limiter     ratelimit.Limiter
	Metrics     *metrics.Metrics
	Logger      *zap.Logger

	// RecordViews controls whether individual view events are stored.
	// View tokens are always marked viewed so clicks stay gated on a
	// prior view, even when view storage is off.
	RecordViews bool
	TokenTTL    time.Duration

	// Sink receives a copy of every stored event, typically for the
	// analytics pipeline. May be nil.
	Sink func(*models.ImpressionEvent)
}

func NewRecorder(opts Options) *Recorder {
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &Recorder{
		signer:      opts.Signer,
		tokens:      opts.Tokens,
		events:      opts.Events,
		ads:         opts.Ads,
		advertisers: opts.Advertisers,
		limiter:     opts.Limiter,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		recordViews: opts.RecordViews,
		tokenTTL:    ttl,
		sink:        opts.Sink,
		now:         time.Now,
	}
}

// RecordView marks the decision token as viewed and, when view storage
// is enabled, writes a view event. Repeated views of the same token
// return ErrDuplicate and leave exactly one stored event behind.
func (r *Recorder) RecordView(ctx context.Context, tok string, ec EventContext) (*models.ImpressionEvent, error) {
	claims, err := r.signer.Verify(tok, r.now())
	if err != nil {
		r.reject("view", "invalid_token")
		return nil, err
	}

	if ec.Bot {
		if r.metrics != nil {
			r.metrics.RecordBotFiltered("view")
		}
		r.logger.Debug("dropping bot view",
			zap.String("ad_id", claims.AdID),
			zap.String("reason", ec.BotReason))
		return nil, ErrBotTraffic
	}

	first, err := r.tokens.MarkViewed(ctx, claims.Nonce, r.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to mark view: %w", err)
	}
	if !first {
		if r.metrics != nil {
			r.metrics.RecordDuplicate("view")
		}
		return nil, ErrDuplicate
	}

	if !r.recordViews {
		return nil, nil
	}

	event, err := r.storeEvent(ctx, claims, models.EventKindView, ec)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.RecordView(ec.PublisherID, claims.AdID)
	}
	return event, nil
}

// RecordClick accepts a click when the token's view has not been
// consumed, the requester is under every rate limit window, and the
// advertiser still has budget. Exactly one of those checks failing
// maps to a distinct sentinel error; the rate limit counters only
// advance when the click is accepted.
func (r *Recorder) RecordClick(ctx context.Context, tok string, ec EventContext) (*models.ImpressionEvent, error) {
	claims, err := r.signer.Verify(tok, r.now())
	if err != nil {
		r.reject("click", "invalid_token")
		return nil, err
	}

	if ec.Bot {
		if r.metrics != nil {
			r.metrics.RecordBotFiltered("click")
		}
		r.logger.Debug("dropping bot click",
			zap.String("ad_id", claims.AdID),
			zap.String("reason", ec.BotReason))
		return nil, ErrBotTraffic
	}

	ok, err := r.tokens.ConsumeView(ctx, claims.Nonce, r.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to consume view: %w", err)
	}
	if !ok {
		r.reject("click", "no_view")
		return nil, ErrNoView
	}

	result, err := r.limiter.Allow(ctx, ec.Fingerprint)
	if err != nil {
		// Limiters fail open; the error is informational.
		r.logger.Warn("rate limiter unavailable", zap.Error(err))
	}
	if !result.Allowed {
		if r.metrics != nil {
			r.metrics.RecordRateLimited(result.Violated)
		}
		return nil, ErrRateLimited
	}

	ad, err := r.ads.GetByID(ctx, claims.AdID)
	if err != nil {
		return nil, err
	}
	if ad == nil {
		r.reject("click", "unknown_ad")
		return nil, ErrUnknownAd
	}

	remaining, consumed, err := r.advertisers.ConsumeClick(ctx, ad.AdvertiserID)
	if err != nil {
		return nil, fmt.Errorf("failed to consume budget: %w", err)
	}
	if !consumed {
		if r.metrics != nil {
			r.metrics.RecordBudgetExhausted(ad.AdvertiserID)
		}
		return nil, ErrExhausted
	}
	if r.metrics != nil {
		r.metrics.UpdateBudgetRemaining(ad.AdvertiserID, remaining)
	}
	if remaining == 0 {
		if err := r.ads.MarkExhausted(ctx, ad.ID); err != nil {
			r.logger.Warn("failed to mark ad exhausted",
				zap.String("ad_id", ad.ID),
				zap.Error(err))
		}
	}

	event, err := r.storeEvent(ctx, claims, models.EventKindClick, ec)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.RecordClick(ec.PublisherID, ad.ID)
	}
	return event, nil
}

func (r *Recorder) storeEvent(ctx context.Context, claims token.Claims, kind models.EventKind, ec EventContext) (*models.ImpressionEvent, error) {
	ad, err := r.ads.GetByID(ctx, claims.AdID)
	if err != nil {
		return nil, err
	}
	advertiserID := ""
	if ad != nil {
		advertiserID = ad.AdvertiserID
	}

	event := &models.ImpressionEvent{
		ID:           fmt.Sprintf("%s-%s", kind, claims.Nonce),
		AdID:         claims.AdID,
		AdvertiserID: advertiserID,
		PublisherID:  ec.PublisherID,
		Kind:         kind,
		Timestamp:    r.now().UTC(),
		Fingerprint:  ec.Fingerprint,
		CountryCode:  ec.CountryCode,
	}
	if err := r.events.SaveEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to store %s event: %w", kind, err)
	}
	if r.sink != nil {
		r.sink(event)
	}
	return event, nil
}

func (r *Recorder) reject(kind, reason string) {
	if r.metrics != nil {
		r.metrics.RecordRejection(kind, reason)
	}
}
