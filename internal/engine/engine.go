// Package engine ties placement resolution, geo targeting, bot
// classification and the decision backend together into the ad
// serving entrypoints the HTTP layer calls.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ethicalads/adserver/internal/agent"
	"github.com/ethicalads/adserver/internal/decision"
	"github.com/ethicalads/adserver/internal/geo"
	"github.com/ethicalads/adserver/internal/impressions"
	"github.com/ethicalads/adserver/internal/metrics"
	"github.com/ethicalads/adserver/internal/models"
	"github.com/ethicalads/adserver/internal/storage"
	"github.com/ethicalads/adserver/internal/token"
)

// ErrUnknownPlacement means the requested placement is not registered.
var ErrUnknownPlacement = errors.New("unknown placement")

// Engine orchestrates a decision request end to end: resolve the
// placement and publisher, classify the caller, pick an ad and issue
// the signed token that authorizes the follow-up view and click.
type Engine struct {
	placements storage.PlacementRepo
	publishers storage.PublisherRepo
	ads        storage.AdRepo
	resolver   geo.Resolver
	classifier *agent.Classifier
	backend    decision.Backend
	signer     *token.Signer
	recorder   *impressions.Recorder
	metrics    *metrics.Metrics
	logger     *zap.Logger

	fingerprintSalt string
	now             func() time.Time
}

type Options struct {
	Placements storage.PlacementRepo
	Publishers storage.PublisherRepo
	Ads        storage.AdRepo
	Resolver   geo.Resolver
	Classifier *agent.Classifier
	Backend    decision.Backend
	Signer     *token.Signer
	Recorder   *impressions.Recorder
	Metrics    *metrics.Metrics
	Logger     *zap.Logger

	// FingerprintSalt feeds the daily-rotating requester hash. Reusing
	// the token secret here is fine; the salt never leaves the process.
	FingerprintSalt string
}

func New(opts Options) *Engine {
	return &Engine{
		placements:      opts.Placements,
		publishers:      opts.Publishers,
		ads:             opts.Ads,
		resolver:        opts.Resolver,
		classifier:      opts.Classifier,
		backend:         opts.Backend,
		signer:          opts.Signer,
		recorder:        opts.Recorder,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		fingerprintSalt: opts.FingerprintSalt,
		now:             time.Now,
	}
}

// ServeAd runs one decision. A nil Decision with a nil error is a
// no-fill, which callers should treat as an empty but successful
// response. Bots get real decisions too; they are filtered later, at
// accounting time.
func (e *Engine) ServeAd(ctx context.Context, placementID, ip, userAgent string, keywords []string) (*models.Decision, error) {
	start := e.now()

	rc, err := e.resolveRequest(ctx, placementID, ip, userAgent, keywords)
	if err != nil {
		return nil, err
	}

	publisherID := ""
	if rc.Publisher != nil {
		publisherID = rc.Publisher.ID
	}

	ad, err := e.backend.Select(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("decision backend failed: %w", err)
	}
	if ad == nil {
		if e.metrics != nil {
			e.metrics.RecordNoFill(publisherID, e.now().Sub(start))
		}
		return nil, nil
	}

	tok, claims := e.signer.Issue(ad.ID, placementID, rc.Time)

	if e.metrics != nil {
		e.metrics.RecordDecision(publisherID, ad.ID, e.now().Sub(start))
	}
	e.logger.Debug("decision filled",
		zap.String("placement_id", placementID),
		zap.String("ad_id", ad.ID),
		zap.Bool("bot", rc.Bot))

	return &models.Decision{
		Ad:          ad,
		PlacementID: placementID,
		Token:       tok,
		IssuedAt:    claims.IssuedAt,
	}, nil
}

// RecordView marks the token's decision as viewed.
func (e *Engine) RecordView(ctx context.Context, tok, ip, userAgent string) (*models.ImpressionEvent, error) {
	ec := e.eventContext(ctx, tok, ip, userAgent)
	return e.recorder.RecordView(ctx, tok, ec)
}

// RecordClick accepts a click and returns the stored event along with
// the ad's destination link for the redirect.
func (e *Engine) RecordClick(ctx context.Context, tok, ip, userAgent string) (*models.ImpressionEvent, string, error) {
	ec := e.eventContext(ctx, tok, ip, userAgent)

	event, err := e.recorder.RecordClick(ctx, tok, ec)
	if err != nil {
		return nil, "", err
	}

	ad, err := e.ads.GetByID(ctx, event.AdID)
	if err != nil || ad == nil {
		return event, "", err
	}
	return event, ad.Link, nil
}

// AdLinkForToken resolves the destination link for a token's ad
// without recording anything. Click handlers use it to keep
// redirecting visitors whose clicks were rejected as unbillable.
func (e *Engine) AdLinkForToken(ctx context.Context, tok string) (string, error) {
	claims, err := e.signer.Verify(tok, e.now())
	if err != nil {
		return "", err
	}
	ad, err := e.ads.GetByID(ctx, claims.AdID)
	if err != nil {
		return "", err
	}
	if ad == nil {
		return "", nil
	}
	return ad.Link, nil
}

func (e *Engine) resolveRequest(ctx context.Context, placementID, ip, userAgent string, keywords []string) (*models.RequestContext, error) {
	placement, err := e.placements.GetByID(ctx, placementID)
	if err != nil {
		return nil, err
	}
	if placement == nil {
		return nil, ErrUnknownPlacement
	}

	publisher, err := e.publishers.GetByID(ctx, placement.PublisherID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	loc := e.resolver.Resolve(ip)
	if loc.Unknown() && e.metrics != nil {
		e.metrics.GeoUnknown.Inc()
	}

	class := e.classifier.Classify(userAgent)

	return &models.RequestContext{
		Placement:   placement,
		Publisher:   publisher,
		CountryCode: loc.CountryCode,
		Region:      loc.Region,
		Keywords:    keywords,
		Bot:         class.Bot,
		BotReason:   class.Reason,
		Fingerprint: e.Fingerprint(ip, userAgent, now),
		Time:        now,
	}, nil
}

// eventContext builds the accounting attributes for a view or click.
// Token verification failures are left for the recorder to report; the
// context just comes back without a publisher.
func (e *Engine) eventContext(ctx context.Context, tok, ip, userAgent string) impressions.EventContext {
	now := e.now()
	loc := e.resolver.Resolve(ip)
	class := e.classifier.Classify(userAgent)

	ec := impressions.EventContext{
		Fingerprint: e.Fingerprint(ip, userAgent, now),
		CountryCode: loc.CountryCode,
		Bot:         class.Bot,
		BotReason:   class.Reason,
	}

	if claims, err := e.signer.Verify(tok, now); err == nil {
		if placement, err := e.placements.GetByID(ctx, claims.PlacementID); err == nil && placement != nil {
			ec.PublisherID = placement.PublisherID
		}
	}
	return ec
}

// Fingerprint hashes the requester identity with a salt that rotates
// daily, so fingerprints cannot be joined across days.
func (e *Engine) Fingerprint(ip, userAgent string, now time.Time) string {
	day := now.UTC().Format("2006-01-02")
	sum := sha256.Sum256([]byte(ip + "|" + userAgent + "|" + e.fingerprintSalt + "|" + day))
	return hex.EncodeToString(sum[:16])
}
