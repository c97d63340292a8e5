package storage

import (
	"context"
	"time"

	"github.com/ethicalads/adserver/internal/models"
)

// =============================================
// ADVERTISER REPOSITORY
// =============================================

// AdvertiserRepo defines operations for advertiser storage, including
// the atomic budget accounting used on the click path.
type AdvertiserRepo interface {
	ListAll(ctx context.Context) ([]*models.Advertiser, error)
	GetByID(ctx context.Context, id string) (*models.Advertiser, error)
	Upsert(ctx context.Context, a *models.Advertiser) error
	Delete(ctx context.Context, id string) error

	// Remaining returns the unconsumed click budget.
	Remaining(ctx context.Context, id string) (int64, error)

	// ConsumeClick decrements the remaining budget by one if and only
	// if it is positive. It returns the budget remaining after the
	// decrement and ok=false when the budget was already exhausted.
	// The decrement is atomic: two concurrent calls against a budget
	// of one see exactly one ok=true.
	ConsumeClick(ctx context.Context, id string) (remaining int64, ok bool, err error)
}

// =============================================
// AD REPOSITORY
// =============================================

// AdRepo defines operations for ad creative storage.
type AdRepo interface {
	ListAll(ctx context.Context) ([]*models.Ad, error)
	ListLive(ctx context.Context) ([]*models.Ad, error)
	GetByID(ctx context.Context, id string) (*models.Ad, error)
	Upsert(ctx context.Context, ad *models.Ad) error
	Delete(ctx context.Context, id string) error

	// MarkExhausted flags an ad whose advertiser budget drained so the
	// decision path can skip it without a budget lookup.
	MarkExhausted(ctx context.Context, id string) error
}

// =============================================
// PUBLISHER / PLACEMENT REPOSITORIES
// =============================================

// PublisherRepo defines operations for publisher storage.
type PublisherRepo interface {
	ListAll(ctx context.Context) ([]*models.Publisher, error)
	GetByID(ctx context.Context, id string) (*models.Publisher, error)
	Upsert(ctx context.Context, p *models.Publisher) error
	Delete(ctx context.Context, id string) error
}

// PlacementRepo defines operations for placement storage.
type PlacementRepo interface {
	ListAll(ctx context.Context) ([]*models.Placement, error)
	GetByID(ctx context.Context, id string) (*models.Placement, error)
	Upsert(ctx context.Context, p *models.Placement) error
	Delete(ctx context.Context, id string) error
}

// =============================================
// EVENT STORE
// =============================================

// AdDailyStat is one row of the derived per-ad daily report.
type AdDailyStat struct {
	Date   string `json:"date"`
	AdID   string `json:"ad_id"`
	Views  int64  `json:"views"`
	Clicks int64  `json:"clicks"`
}

// EventStore persists the append-only impression event log. Saves are
// idempotent on event ID; aggregates are derived from the log and can
// always be recomputed.
type EventStore interface {
	SaveEvent(ctx context.Context, e *models.ImpressionEvent) error
	GetEvent(ctx context.Context, id string) (*models.ImpressionEvent, error)
	CountEvents(ctx context.Context, adID string, kind models.EventKind, since time.Time) (int64, error)
	AdDailyStats(ctx context.Context, since time.Time) ([]AdDailyStat, error)
}

// =============================================
// TOKEN STORE
// =============================================

// TokenStore tracks the per-token lifecycle used for deduplication:
// a token is viewed at most once and its view may be consumed by at
// most one click. Entries expire with the token lifetime so state
// never accumulates unboundedly.
type TokenStore interface {
	// MarkViewed records the view for a token nonce. first is false
	// when the token was already viewed.
	MarkViewed(ctx context.Context, nonce string, ttl time.Duration) (first bool, err error)

	// ConsumeView consumes a previously recorded, not yet consumed
	// view. ok is false when no consumable view exists, either because
	// no view was recorded or because a click already consumed it.
	ConsumeView(ctx context.Context, nonce string, ttl time.Duration) (ok bool, err error)
}
