package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethicalads/adserver/internal/models"
)

// In-memory implementations back tests and let the server run without
// external infrastructure in development.

// =============================================
// MemoryAdvertiserRepo
// =============================================

// MemoryAdvertiserRepo stores advertisers and their budget state in
// process memory. Budget accounting happens under the repo mutex, so
// ConsumeClick is atomic with respect to concurrent clicks.
type MemoryAdvertiserRepo struct {
	mu          sync.Mutex
	advertisers map[string]*models.Advertiser
	spent       map[string]int64
}

// NewMemoryAdvertiserRepo creates an empty in-memory advertiser repo.
func NewMemoryAdvertiserRepo() *MemoryAdvertiserRepo {
	return &MemoryAdvertiserRepo{
		advertisers: make(map[string]*models.Advertiser),
		spent:       make(map[string]int64),
	}
}

func (r *MemoryAdvertiserRepo) ListAll(ctx context.Context) ([]*models.Advertiser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]*models.Advertiser, 0, len(r.advertisers))
	for _, a := range r.advertisers {
		copied := *a
		list = append(list, &copied)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (r *MemoryAdvertiserRepo) GetByID(ctx context.Context, id string) (*models.Advertiser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.advertisers[id]
	if !ok {
		return nil, nil
	}
	copied := *a
	return &copied, nil
}

func (r *MemoryAdvertiserRepo) Upsert(ctx context.Context, a *models.Advertiser) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *a
	r.advertisers[a.ID] = &copied
	return nil
}

func (r *MemoryAdvertiserRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.advertisers, id)
	delete(r.spent, id)
	return nil
}

func (r *MemoryAdvertiserRepo) Remaining(ctx context.Context, id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.advertisers[id]
	if !ok {
		return 0, nil
	}
	return a.ClickBudget - r.spent[id], nil
}

func (r *MemoryAdvertiserRepo) ConsumeClick(ctx context.Context, id string) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.advertisers[id]
	if !ok {
		return 0, false, nil
	}

	remaining := a.ClickBudget - r.spent[id]
	if remaining <= 0 {
		return 0, false, nil
	}

	r.spent[id]++
	return remaining - 1, true, nil
}

// =============================================
// MemoryAdRepo
// =============================================

// MemoryAdRepo stores ads in process memory.
type MemoryAdRepo struct {
	mu  sync.RWMutex
	ads map[string]*models.Ad
}

// NewMemoryAdRepo creates an empty in-memory ad repo.
func NewMemoryAdRepo() *MemoryAdRepo {
	return &MemoryAdRepo{ads: make(map[string]*models.Ad)}
}

func (r *MemoryAdRepo) ListAll(ctx context.Context) ([]*models.Ad, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*models.Ad, 0, len(r.ads))
	for _, ad := range r.ads {
		copied := *ad
		list = append(list, &copied)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (r *MemoryAdRepo) ListLive(ctx context.Context) ([]*models.Ad, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	live := make([]*models.Ad, 0, len(all))
	for _, ad := range all {
		if ad.Live {
			live = append(live, ad)
		}
	}
	return live, nil
}

func (r *MemoryAdRepo) GetByID(ctx context.Context, id string) (*models.Ad, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ad, ok := r.ads[id]
	if !ok {
		return nil, nil
	}
	copied := *ad
	return &copied, nil
}

func (r *MemoryAdRepo) Upsert(ctx context.Context, ad *models.Ad) error {
	if err := ad.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *ad
	r.ads[ad.ID] = &copied
	return nil
}

func (r *MemoryAdRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.ads, id)
	return nil
}

func (r *MemoryAdRepo) MarkExhausted(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ad, ok := r.ads[id]; ok {
		ad.Exhausted = true
	}
	return nil
}

// =============================================
// MemoryPublisherRepo / MemoryPlacementRepo
// =============================================

// MemoryPublisherRepo stores publishers in process memory.
type MemoryPublisherRepo struct {
	mu         sync.RWMutex
	publishers map[string]*models.Publisher
}

// NewMemoryPublisherRepo creates an empty in-memory publisher repo.
func NewMemoryPublisherRepo() *MemoryPublisherRepo {
	return &MemoryPublisherRepo{publishers: make(map[string]*models.Publisher)}
}

func (r *MemoryPublisherRepo) ListAll(ctx context.Context) ([]*models.Publisher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*models.Publisher, 0, len(r.publishers))
	for _, p := range r.publishers {
		copied := *p
		list = append(list, &copied)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (r *MemoryPublisherRepo) GetByID(ctx context.Context, id string) (*models.Publisher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.publishers[id]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

func (r *MemoryPublisherRepo) Upsert(ctx context.Context, p *models.Publisher) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *p
	r.publishers[p.ID] = &copied
	return nil
}

func (r *MemoryPublisherRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.publishers, id)
	return nil
}

// MemoryPlacementRepo stores placements in process memory.
type MemoryPlacementRepo struct {
	mu         sync.RWMutex
	placements map[string]*models.Placement
}

// NewMemoryPlacementRepo creates an empty in-memory placement repo.
func NewMemoryPlacementRepo() *MemoryPlacementRepo {
	return &MemoryPlacementRepo{placements: make(map[string]*models.Placement)}
}

func (r *MemoryPlacementRepo) ListAll(ctx context.Context) ([]*models.Placement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*models.Placement, 0, len(r.placements))
	for _, p := range r.placements {
		copied := *p
		list = append(list, &copied)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (r *MemoryPlacementRepo) GetByID(ctx context.Context, id string) (*models.Placement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.placements[id]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

func (r *MemoryPlacementRepo) Upsert(ctx context.Context, p *models.Placement) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *p
	r.placements[p.ID] = &copied
	return nil
}

func (r *MemoryPlacementRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.placements, id)
	return nil
}

// =============================================
// MemoryEventStore
// =============================================

// MemoryEventStore keeps the impression event log in process memory.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string]*models.ImpressionEvent
	order  []string
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]*models.ImpressionEvent)}
}

func (s *MemoryEventStore) SaveEvent(ctx context.Context, e *models.ImpressionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[e.ID]; exists {
		return nil
	}
	copied := *e
	s.events[e.ID] = &copied
	s.order = append(s.order, e.ID)
	return nil
}

func (s *MemoryEventStore) GetEvent(ctx context.Context, id string) (*models.ImpressionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	copied := *e
	return &copied, nil
}

func (s *MemoryEventStore) CountEvents(ctx context.Context, adID string, kind models.EventKind, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, e := range s.events {
		if e.AdID == adID && e.Kind == kind && e.Timestamp.After(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryEventStore) AdDailyStats(ctx context.Context, since time.Time) ([]AdDailyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct {
		date string
		adID string
	}
	agg := make(map[key]*AdDailyStat)
	for _, e := range s.events {
		if e.Timestamp.Before(since) {
			continue
		}
		k := key{date: e.Timestamp.UTC().Format("2006-01-02"), adID: e.AdID}
		stat, ok := agg[k]
		if !ok {
			stat = &AdDailyStat{Date: k.date, AdID: k.adID}
			agg[k] = stat
		}
		switch e.Kind {
		case models.EventKindView:
			stat.Views++
		case models.EventKindClick:
			stat.Clicks++
		}
	}

	stats := make([]AdDailyStat, 0, len(agg))
	for _, stat := range agg {
		stats = append(stats, *stat)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Date != stats[j].Date {
			return stats[i].Date < stats[j].Date
		}
		return stats[i].AdID < stats[j].AdID
	})
	return stats, nil
}

// =============================================
// MemoryTokenStore
// =============================================

type tokenState struct {
	consumed  bool
	expiresAt time.Time
}

// MemoryTokenStore tracks token view/click state with TTL expiry.
// Expired entries are evicted lazily on the next touch.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*tokenState
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*tokenState)}
}

func (s *MemoryTokenStore) MarkViewed(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpired()

	if _, exists := s.tokens[nonce]; exists {
		return false, nil
	}
	s.tokens[nonce] = &tokenState{expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryTokenStore) ConsumeView(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpired()

	state, exists := s.tokens[nonce]
	if !exists || state.consumed {
		return false, nil
	}
	state.consumed = true
	state.expiresAt = time.Now().Add(ttl)
	return true, nil
}

func (s *MemoryTokenStore) evictExpired() {
	now := time.Now()
	for nonce, state := range s.tokens {
		if now.After(state.expiresAt) {
			delete(s.tokens, nonce)
		}
	}
}
