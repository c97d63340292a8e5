package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ethicalads/adserver/internal/models"
)

// =============================================
// PostgresAdvertiserRepo
// =============================================

// PostgresAdvertiserRepo implements AdvertiserRepo using PostgreSQL.
// Budget state lives in the advertisers row (click_budget,
// spent_clicks); ConsumeClick is a single conditional UPDATE so
// concurrent clicks serialize in the database.
type PostgresAdvertiserRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresAdvertiserRepo(pool *pgxpool.Pool) *PostgresAdvertiserRepo {
	return &PostgresAdvertiserRepo{pool: pool}
}

func (r *PostgresAdvertiserRepo) ListAll(ctx context.Context) ([]*models.Advertiser, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, flight_start, flight_end, click_budget, created_at, updated_at
		FROM advertisers ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list advertisers: %w", err)
	}
	defer rows.Close()

	var advertisers []*models.Advertiser
	for rows.Next() {
		var a models.Advertiser
		if err := rows.Scan(&a.ID, &a.Name, &a.FlightStart, &a.FlightEnd, &a.ClickBudget, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		advertisers = append(advertisers, &a)
	}
	return advertisers, rows.Err()
}

func (r *PostgresAdvertiserRepo) GetByID(ctx context.Context, id string) (*models.Advertiser, error) {
	var a models.Advertiser
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, flight_start, flight_end, click_budget, created_at, updated_at
		FROM advertisers WHERE id = $1
	`, id).Scan(&a.ID, &a.Name, &a.FlightStart, &a.FlightEnd, &a.ClickBudget, &a.CreatedAt, &a.UpdatedAt)

	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get advertiser: %w", err)
	}
	return &a, nil
}

func (r *PostgresAdvertiserRepo) Upsert(ctx context.Context, a *models.Advertiser) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO advertisers (id, name, flight_start, flight_end, click_budget, spent_clicks, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			flight_start = EXCLUDED.flight_start,
			flight_end = EXCLUDED.flight_end,
			click_budget = EXCLUDED.click_budget,
			updated_at = EXCLUDED.updated_at
	`, a.ID, a.Name, a.FlightStart, a.FlightEnd, a.ClickBudget, a.CreatedAt, a.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert advertiser: %w", err)
	}
	return nil
}

func (r *PostgresAdvertiserRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM advertisers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete advertiser: %w", err)
	}
	return nil
}

func (r *PostgresAdvertiserRepo) Remaining(ctx context.Context, id string) (int64, error) {
	var remaining int64
	err := r.pool.QueryRow(ctx, `
		SELECT click_budget - spent_clicks FROM advertisers WHERE id = $1
	`, id).Scan(&remaining)

	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get remaining budget: %w", err)
	}
	return remaining, nil
}

func (r *PostgresAdvertiserRepo) ConsumeClick(ctx context.Context, id string) (int64, bool, error) {
	var remaining int64
	err := r.pool.QueryRow(ctx, `
		UPDATE advertisers
		SET spent_clicks = spent_clicks + 1
		WHERE id = $1 AND spent_clicks < click_budget
		RETURNING click_budget - spent_clicks
	`, id).Scan(&remaining)

	if err == pgx.ErrNoRows {
		// Budget already exhausted or advertiser unknown.
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to consume click budget: %w", err)
	}
	return remaining, true, nil
}

// =============================================
// PostgresAdRepo
// =============================================

// PostgresAdRepo implements AdRepo using PostgreSQL. Targeting lists
// are stored as JSONB on the ads row.
type PostgresAdRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresAdRepo(pool *pgxpool.Pool) *PostgresAdRepo {
	return &PostgresAdRepo{pool: pool}
}

type adTargeting struct {
	IncludedCountries  []string `json:"included_countries,omitempty"`
	ExcludedCountries  []string `json:"excluded_countries,omitempty"`
	Keywords           []string `json:"keywords,omitempty"`
	ExcludedPublishers []string `json:"excluded_publishers,omitempty"`
}

const adColumns = `id, advertiser_id, ad_type_id, name, text, image_url, link, live, exhausted, targeting, created_at, updated_at`

func (r *PostgresAdRepo) ListAll(ctx context.Context) ([]*models.Ad, error) {
	return r.list(ctx, `SELECT `+adColumns+` FROM ads ORDER BY id`)
}

func (r *PostgresAdRepo) ListLive(ctx context.Context) ([]*models.Ad, error) {
	return r.list(ctx, `SELECT `+adColumns+` FROM ads WHERE live AND NOT exhausted ORDER BY id`)
}

func (r *PostgresAdRepo) list(ctx context.Context, query string) ([]*models.Ad, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list ads: %w", err)
	}
	defer rows.Close()

	var ads []*models.Ad
	for rows.Next() {
		ad, err := scanAd(rows)
		if err != nil {
			return nil, err
		}
		ads = append(ads, ad)
	}
	return ads, rows.Err()
}

func (r *PostgresAdRepo) GetByID(ctx context.Context, id string) (*models.Ad, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+adColumns+` FROM ads WHERE id = $1`, id)
	ad, err := scanAd(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ad: %w", err)
	}
	return ad, nil
}

func scanAd(row pgx.Row) (*models.Ad, error) {
	var ad models.Ad
	var text, imageURL *string
	var targetingJSON []byte

	if err := row.Scan(
		&ad.ID, &ad.AdvertiserID, &ad.AdTypeID, &ad.Name, &text, &imageURL,
		&ad.Link, &ad.Live, &ad.Exhausted, &targetingJSON, &ad.CreatedAt, &ad.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if text != nil {
		ad.Text = *text
	}
	if imageURL != nil {
		ad.ImageURL = *imageURL
	}
	if len(targetingJSON) > 0 {
		var t adTargeting
		if err := json.Unmarshal(targetingJSON, &t); err != nil {
			return nil, fmt.Errorf("failed to parse targeting: %w", err)
		}
		ad.IncludedCountries = t.IncludedCountries
		ad.ExcludedCountries = t.ExcludedCountries
		ad.Keywords = t.Keywords
		ad.ExcludedPublishers = t.ExcludedPublishers
	}
	return &ad, nil
}

func (r *PostgresAdRepo) Upsert(ctx context.Context, ad *models.Ad) error {
	if err := ad.Validate(); err != nil {
		return err
	}

	targetingJSON, err := json.Marshal(adTargeting{
		IncludedCountries:  ad.IncludedCountries,
		ExcludedCountries:  ad.ExcludedCountries,
		Keywords:           ad.Keywords,
		ExcludedPublishers: ad.ExcludedPublishers,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal targeting: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO ads (id, advertiser_id, ad_type_id, name, text, image_url, link, live, exhausted, targeting, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			advertiser_id = EXCLUDED.advertiser_id,
			ad_type_id = EXCLUDED.ad_type_id,
			name = EXCLUDED.name,
			text = EXCLUDED.text,
			image_url = EXCLUDED.image_url,
			link = EXCLUDED.link,
			live = EXCLUDED.live,
			exhausted = EXCLUDED.exhausted,
			targeting = EXCLUDED.targeting,
			updated_at = EXCLUDED.updated_at
	`, ad.ID, ad.AdvertiserID, ad.AdTypeID, ad.Name, nullString(ad.Text), nullString(ad.ImageURL),
		ad.Link, ad.Live, ad.Exhausted, targetingJSON, ad.CreatedAt, ad.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert ad: %w", err)
	}
	return nil
}

func (r *PostgresAdRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM ads WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete ad: %w", err)
	}
	return nil
}

func (r *PostgresAdRepo) MarkExhausted(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `UPDATE ads SET exhausted = TRUE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to mark ad exhausted: %w", err)
	}
	return nil
}

// =============================================
// PostgresPublisherRepo
// =============================================

// PostgresPublisherRepo implements PublisherRepo using PostgreSQL.
type PostgresPublisherRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresPublisherRepo(pool *pgxpool.Pool) *PostgresPublisherRepo {
	return &PostgresPublisherRepo{pool: pool}
}

type publisherLists struct {
	AllowedAdvertisers []string `json:"allowed_advertisers,omitempty"`
	DeniedAdvertisers  []string `json:"denied_advertisers,omitempty"`
	AllowedAdTypes     []string `json:"allowed_ad_types,omitempty"`
}

func (r *PostgresPublisherRepo) ListAll(ctx context.Context) ([]*models.Publisher, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, lists, created_at, updated_at FROM publishers ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list publishers: %w", err)
	}
	defer rows.Close()

	var publishers []*models.Publisher
	for rows.Next() {
		p, err := scanPublisher(rows)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, p)
	}
	return publishers, rows.Err()
}

func (r *PostgresPublisherRepo) GetByID(ctx context.Context, id string) (*models.Publisher, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, lists, created_at, updated_at FROM publishers WHERE id = $1
	`, id)
	p, err := scanPublisher(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get publisher: %w", err)
	}
	return p, nil
}

func scanPublisher(row pgx.Row) (*models.Publisher, error) {
	var p models.Publisher
	var listsJSON []byte

	if err := row.Scan(&p.ID, &p.Name, &listsJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if len(listsJSON) > 0 {
		var lists publisherLists
		if err := json.Unmarshal(listsJSON, &lists); err != nil {
			return nil, fmt.Errorf("failed to parse publisher lists: %w", err)
		}
		p.AllowedAdvertisers = lists.AllowedAdvertisers
		p.DeniedAdvertisers = lists.DeniedAdvertisers
		p.AllowedAdTypes = lists.AllowedAdTypes
	}
	return &p, nil
}

func (r *PostgresPublisherRepo) Upsert(ctx context.Context, p *models.Publisher) error {
	listsJSON, err := json.Marshal(publisherLists{
		AllowedAdvertisers: p.AllowedAdvertisers,
		DeniedAdvertisers:  p.DeniedAdvertisers,
		AllowedAdTypes:     p.AllowedAdTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal publisher lists: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO publishers (id, name, lists, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			lists = EXCLUDED.lists,
			updated_at = EXCLUDED.updated_at
	`, p.ID, p.Name, listsJSON, p.CreatedAt, p.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert publisher: %w", err)
	}
	return nil
}

func (r *PostgresPublisherRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM publishers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete publisher: %w", err)
	}
	return nil
}

// =============================================
// PostgresPlacementRepo
// =============================================

// PostgresPlacementRepo implements PlacementRepo using PostgreSQL.
type PostgresPlacementRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresPlacementRepo(pool *pgxpool.Pool) *PostgresPlacementRepo {
	return &PostgresPlacementRepo{pool: pool}
}

func (r *PostgresPlacementRepo) ListAll(ctx context.Context) ([]*models.Placement, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, publisher_id, ad_type_id FROM placements ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list placements: %w", err)
	}
	defer rows.Close()

	var placements []*models.Placement
	for rows.Next() {
		var p models.Placement
		if err := rows.Scan(&p.ID, &p.PublisherID, &p.AdTypeID); err != nil {
			return nil, err
		}
		placements = append(placements, &p)
	}
	return placements, rows.Err()
}

func (r *PostgresPlacementRepo) GetByID(ctx context.Context, id string) (*models.Placement, error) {
	var p models.Placement
	err := r.pool.QueryRow(ctx, `
		SELECT id, publisher_id, ad_type_id FROM placements WHERE id = $1
	`, id).Scan(&p.ID, &p.PublisherID, &p.AdTypeID)

	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get placement: %w", err)
	}
	return &p, nil
}

func (r *PostgresPlacementRepo) Upsert(ctx context.Context, p *models.Placement) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO placements (id, publisher_id, ad_type_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			publisher_id = EXCLUDED.publisher_id,
			ad_type_id = EXCLUDED.ad_type_id
	`, p.ID, p.PublisherID, p.AdTypeID)

	if err != nil {
		return fmt.Errorf("failed to upsert placement: %w", err)
	}
	return nil
}

func (r *PostgresPlacementRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM placements WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete placement: %w", err)
	}
	return nil
}

// =============================================
// PostgresEventStore
// =============================================

// PostgresEventStore implements EventStore using PostgreSQL. Event
// inserts are idempotent on the event ID (ON CONFLICT DO NOTHING), so
// a retried write never produces a duplicate row.
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

func NewPostgresEventStore(pool *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

func (s *PostgresEventStore) SaveEvent(ctx context.Context, e *models.ImpressionEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO impression_events (id, ad_id, advertiser_id, publisher_id, kind, timestamp, fingerprint, country_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.AdID, e.AdvertiserID, e.PublisherID, string(e.Kind), e.Timestamp, e.Fingerprint, nullString(e.CountryCode))

	if err != nil {
		return fmt.Errorf("failed to save impression event: %w", err)
	}
	return nil
}

func (s *PostgresEventStore) GetEvent(ctx context.Context, id string) (*models.ImpressionEvent, error) {
	var e models.ImpressionEvent
	var kind string
	var countryCode *string

	err := s.pool.QueryRow(ctx, `
		SELECT id, ad_id, advertiser_id, publisher_id, kind, timestamp, fingerprint, country_code
		FROM impression_events WHERE id = $1
	`, id).Scan(&e.ID, &e.AdID, &e.AdvertiserID, &e.PublisherID, &kind, &e.Timestamp, &e.Fingerprint, &countryCode)

	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get impression event: %w", err)
	}

	e.Kind = models.EventKind(kind)
	if countryCode != nil {
		e.CountryCode = *countryCode
	}
	return &e, nil
}

func (s *PostgresEventStore) CountEvents(ctx context.Context, adID string, kind models.EventKind, since time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM impression_events
		WHERE ad_id = $1 AND kind = $2 AND timestamp > $3
	`, adID, string(kind), since).Scan(&count)

	if err != nil {
		return 0, fmt.Errorf("failed to count impression events: %w", err)
	}
	return count, nil
}

func (s *PostgresEventStore) AdDailyStats(ctx context.Context, since time.Time) ([]AdDailyStat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT to_char(timestamp AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
		       ad_id,
		       COUNT(*) FILTER (WHERE kind = 'view') AS views,
		       COUNT(*) FILTER (WHERE kind = 'click') AS clicks
		FROM impression_events
		WHERE timestamp >= $1
		GROUP BY day, ad_id
		ORDER BY day, ad_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate impression events: %w", err)
	}
	defer rows.Close()

	var stats []AdDailyStat
	for rows.Next() {
		var s AdDailyStat
		if err := rows.Scan(&s.Date, &s.AdID, &s.Views, &s.Clicks); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
