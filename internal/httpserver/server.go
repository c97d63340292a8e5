// Package httpserver registers the HTTP API: the decision endpoint,
// the view and click trackers, inventory management and reporting.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ethicalads/adserver/internal/agent"
	"github.com/ethicalads/adserver/internal/config"
	"github.com/ethicalads/adserver/internal/database"
	"github.com/ethicalads/adserver/internal/decision"
	"github.com/ethicalads/adserver/internal/engine"
	"github.com/ethicalads/adserver/internal/geo"
	"github.com/ethicalads/adserver/internal/impressions"
	"github.com/ethicalads/adserver/internal/metrics"
	"github.com/ethicalads/adserver/internal/middleware"
	"github.com/ethicalads/adserver/internal/models"
	"github.com/ethicalads/adserver/internal/ratelimit"
	"github.com/ethicalads/adserver/internal/storage"
	"github.com/ethicalads/adserver/internal/token"
)

// trackingPixel is a transparent 1x1 GIF served from the view endpoint.
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Dependencies holds all external dependencies for the server.
// Components with their own lifecycle (connections, the geo resolver,
// the analytics sink) are constructed in main and injected here.
type Dependencies struct {
	DB        *database.PostgresDB
	Redis     *database.RedisDB
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Resolver  geo.Resolver
	Limiter   ratelimit.Limiter
	Analytics *storage.AnalyticsSink
}

// Server wraps HTTP handlers around the ad serving engine.
type Server struct {
	engine      *engine.Engine
	advertisers storage.AdvertiserRepo
	ads         storage.AdRepo
	publishers  storage.PublisherRepo
	placements  storage.PlacementRepo
	events      storage.EventStore
	logger      *zap.Logger
	config      *config.Config
	metrics     *metrics.Metrics
}

// NewServer wires repositories, the decision backend and the recorder,
// and returns an http.Handler with all routes registered.
func NewServer(deps *Dependencies) http.Handler {
	var advertisers storage.AdvertiserRepo
	var ads storage.AdRepo
	var publishers storage.PublisherRepo
	var placements storage.PlacementRepo
	var events storage.EventStore
	var tokens storage.TokenStore

	if deps.DB != nil {
		advertisers = storage.NewPostgresAdvertiserRepo(deps.DB.Pool)
		ads = storage.NewPostgresAdRepo(deps.DB.Pool)
		publishers = storage.NewPostgresPublisherRepo(deps.DB.Pool)
		placements = storage.NewPostgresPlacementRepo(deps.DB.Pool)
		events = storage.NewPostgresEventStore(deps.DB.Pool)
	} else {
		advertisers = storage.NewMemoryAdvertiserRepo()
		ads = storage.NewMemoryAdRepo()
		publishers = storage.NewMemoryPublisherRepo()
		placements = storage.NewMemoryPlacementRepo()
		events = storage.NewMemoryEventStore()
	}

	if deps.Redis != nil {
		tokens = storage.NewRedisTokenStore(deps.Redis.Client)
	} else {
		tokens = storage.NewMemoryTokenStore()
	}

	signer := token.NewSigner(deps.Config.Token.Secret, deps.Config.Token.TTL)
	classifier := agent.NewClassifier(deps.Config.Agent.BlacklistedUserAgents)

	var sink func(*models.ImpressionEvent)
	if deps.Analytics != nil {
		sink = deps.Analytics.Publish
	}

	recorder := impressions.NewRecorder(impressions.Options{
		Signer:      signer,
		Tokens:      tokens,
		Events:      events,
		Ads:         ads,
		Advertisers: advertisers,
		Limiter:     deps.Limiter,
		Metrics:     deps.Metrics,
		Logger:      deps.Logger,
		RecordViews: deps.Config.Decision.RecordViews,
		TokenTTL:    deps.Config.Token.TTL,
		Sink:        sink,
	})

	var backend decision.Backend
	if deps.Config.Decision.Backend == config.BackendRemote {
		backend = decision.NewRemoteBackend(
			deps.Config.Decision.RemoteURL,
			deps.Config.Decision.RemoteTimeout,
			ads,
			deps.Logger,
		)
	} else {
		backend = decision.NewProbabilisticBackend(ads, advertisers, deps.Logger)
	}

	eng := engine.New(engine.Options{
		Placements:      placements,
		Publishers:      publishers,
		Ads:             ads,
		Resolver:        deps.Resolver,
		Classifier:      classifier,
		Backend:         backend,
		Signer:          signer,
		Recorder:        recorder,
		Metrics:         deps.Metrics,
		Logger:          deps.Logger,
		FingerprintSalt: deps.Config.Token.Secret,
	})

	s := &Server{
		engine:      eng,
		advertisers: advertisers,
		ads:         ads,
		publishers:  publishers,
		placements:  placements,
		events:      events,
		logger:      deps.Logger,
		config:      deps.Config,
		metrics:     deps.Metrics,
	}

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics
	if deps.Config.Metrics.Enabled {
		mux.Handle(deps.Config.Metrics.Path, metrics.Handler())
	}

	// Ad serving
	mux.HandleFunc("/decision", s.handleDecision)
	mux.HandleFunc("/view/", s.handleViewPixel)
	mux.HandleFunc("/click/", s.handleClickRedirect)
	mux.HandleFunc("/record", s.handleRecord)

	// Inventory management
	mux.HandleFunc("/advertisers", s.handleAdvertisers)
	mux.HandleFunc("/advertisers/", s.handleAdvertiserByID)
	mux.HandleFunc("/ads", s.handleAds)
	mux.HandleFunc("/ads/", s.handleAdByID)
	mux.HandleFunc("/publishers", s.handlePublishers)
	mux.HandleFunc("/publishers/", s.handlePublisherByID)
	mux.HandleFunc("/placements", s.handlePlacements)
	mux.HandleFunc("/placements/", s.handlePlacementByID)

	// Reporting
	mux.HandleFunc("/reports/ads", s.handleAdReports)

	// Privacy disclosure
	mux.HandleFunc("/privacy", s.handlePrivacy)

	return mux
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ---- Ad Serving ----

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	placementID := r.URL.Query().Get("placement_id")
	if placementID == "" {
		s.errorResponse(w, "placement_id is required", http.StatusBadRequest)
		return
	}

	var keywords []string
	if raw := r.URL.Query().Get("keywords"); raw != "" {
		for _, kw := range strings.Split(raw, ",") {
			if kw = strings.TrimSpace(kw); kw != "" {
				keywords = append(keywords, kw)
			}
		}
	}

	d, err := s.engine.ServeAd(r.Context(), placementID, middleware.ClientIP(r), r.UserAgent(), keywords)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownPlacement) {
			s.errorResponse(w, "unknown placement", http.StatusNotFound)
			return
		}
		s.logger.Error("decision error", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	if d == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.jsonResponse(w, map[string]any{
		"ad":           d.Ad,
		"placement_id": d.PlacementID,
		"token":        d.Token,
		"issued_at":    d.IssuedAt,
		"view_url":     "/view/" + d.Token,
		"click_url":    "/click/" + d.Token,
	})
}

func (s *Server) handleViewPixel(w http.ResponseWriter, r *http.Request) {
	tok := strings.TrimPrefix(r.URL.Path, "/view/")
	if tok == "" {
		http.NotFound(w, r)
		return
	}

	_, err := s.engine.RecordView(r.Context(), tok, middleware.ClientIP(r), r.UserAgent())
	if err != nil && !expectedViewOutcome(err) {
		s.logger.Debug("view not recorded", zap.Error(err))
	}

	// The pixel always renders; accounting outcomes stay server-side.
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Write(trackingPixel)
}

// expectedViewOutcome reports whether a view outcome is routine and
// not worth logging.
func expectedViewOutcome(err error) bool {
	return errors.Is(err, impressions.ErrDuplicate) ||
		errors.Is(err, impressions.ErrBotTraffic)
}

func (s *Server) handleClickRedirect(w http.ResponseWriter, r *http.Request) {
	tok := strings.TrimPrefix(r.URL.Path, "/click/")
	if tok == "" {
		http.NotFound(w, r)
		return
	}

	_, link, err := s.engine.RecordClick(r.Context(), tok, middleware.ClientIP(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, token.ErrMalformed) || errors.Is(err, token.ErrExpired) {
			s.errorResponse(w, "invalid token", http.StatusBadRequest)
			return
		}
		// Unbillable clicks still take the visitor to the advertiser.
		link, lookupErr := s.engine.AdLinkForToken(r.Context(), tok)
		if lookupErr != nil || link == "" {
			s.logger.Warn("click rejected with no destination",
				zap.Error(err))
			s.errorResponse(w, "click not accepted", http.StatusBadRequest)
			return
		}
		s.logger.Debug("click not billed", zap.Error(err))
		http.Redirect(w, r, link, http.StatusFound)
		return
	}

	http.Redirect(w, r, link, http.StatusFound)
}

// handleRecord is the JSON alternative to the pixel and redirect
// endpoints, for server-side integrations.
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Token string `json:"token"`
		Kind  string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Token == "" {
		s.errorResponse(w, "token is required", http.StatusBadRequest)
		return
	}

	var event *models.ImpressionEvent
	var err error
	switch models.EventKind(req.Kind) {
	case models.EventKindView:
		event, err = s.engine.RecordView(r.Context(), req.Token, middleware.ClientIP(r), r.UserAgent())
	case models.EventKindClick:
		event, _, err = s.engine.RecordClick(r.Context(), req.Token, middleware.ClientIP(r), r.UserAgent())
	default:
		s.errorResponse(w, "kind must be view or click", http.StatusBadRequest)
		return
	}

	if err != nil {
		s.recordErrorResponse(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{"status": "recorded", "event": event})
}

func (s *Server) recordErrorResponse(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrMalformed), errors.Is(err, token.ErrExpired):
		s.errorResponse(w, "invalid token", http.StatusBadRequest)
	case errors.Is(err, impressions.ErrDuplicate):
		s.jsonResponse(w, map[string]string{"status": "duplicate"})
	case errors.Is(err, impressions.ErrBotTraffic):
		s.jsonResponse(w, map[string]string{"status": "ignored"})
	case errors.Is(err, impressions.ErrNoView):
		s.errorResponse(w, "no prior view for token", http.StatusConflict)
	case errors.Is(err, impressions.ErrRateLimited):
		s.errorResponse(w, "rate limit exceeded", http.StatusTooManyRequests)
	case errors.Is(err, impressions.ErrExhausted):
		s.errorResponse(w, "advertiser budget exhausted", http.StatusConflict)
	case errors.Is(err, impressions.ErrUnknownAd):
		s.errorResponse(w, "unknown ad", http.StatusNotFound)
	default:
		s.logger.Error("record error", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
	}
}

// ---- Advertisers CRUD ----

func (s *Server) handleAdvertisers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.advertisers.ListAll(r.Context())
		if err != nil {
			s.logger.Error("failed to list advertisers", zap.Error(err))
			s.errorResponse(w, "failed to list", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, list)

	case http.MethodPost:
		var a models.Advertiser
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			s.errorResponse(w, "invalid json", http.StatusBadRequest)
			return
		}
		if a.ID == "" || a.Name == "" {
			s.errorResponse(w, "id and name are required", http.StatusBadRequest)
			return
		}
		now := time.Now().UTC()
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		a.UpdatedAt = now
		if err := s.advertisers.Upsert(r.Context(), &a); err != nil {
			s.errorResponse(w, "failed to save: "+err.Error(), http.StatusBadRequest)
			return
		}
		s.jsonResponse(w, a)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAdvertiserByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/advertisers/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		a, err := s.advertisers.GetByID(r.Context(), id)
		if err != nil {
			s.logger.Error("failed to get advertiser", zap.Error(err))
			s.errorResponse(w, "internal error", http.StatusInternalServerError)
			return
		}
		if a == nil {
			http.NotFound(w, r)
			return
		}
		remaining, err := s.advertisers.Remaining(r.Context(), id)
		if err != nil {
			s.logger.Error("failed to get remaining budget", zap.Error(err))
			s.errorResponse(w, "internal error", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, map[string]any{
			"advertiser":       a,
			"remaining_clicks": remaining,
		})

	case http.MethodDelete:
		if err := s.advertisers.Delete(r.Context(), id); err != nil {
			s.errorResponse(w, "failed to delete", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, map[string]string{"status": "deleted"})

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ---- Ads CRUD ----

func (s *Server) handleAds(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.ads.ListAll(r.Context())
		if err != nil {
			s.logger.Error("failed to list ads", zap.Error(err))
			s.errorResponse(w, "failed to list", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, list)

	case http.MethodPost:
		var ad models.Ad
		if err := json.NewDecoder(r.Body).Decode(&ad); err != nil {
			s.errorResponse(w, "invalid json", http.StatusBadRequest)
			return
		}
		now := time.Now().UTC()
		if ad.CreatedAt.IsZero() {
			ad.CreatedAt = now
		}
		ad.UpdatedAt = now
		if err := s.ads.Upsert(r.Context(), &ad); err != nil {
			s.errorResponse(w, "failed to save: "+err.Error(), http.StatusBadRequest)
			return
		}
		s.jsonResponse(w, ad)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAdByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/ads/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		ad, err := s.ads.GetByID(r.Context(), id)
		if err != nil {
			s.logger.Error("failed to get ad", zap.Error(err))
			s.errorResponse(w, "internal error", http.StatusInternalServerError)
			return
		}
		if ad == nil {
			http.NotFound(w, r)
			return
		}
		s.jsonResponse(w, ad)

	case http.MethodDelete:
		if err := s.ads.Delete(r.Context(), id); err != nil {
			s.errorResponse(w, "failed to delete", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, map[string]string{"status": "deleted"})

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ---- Publishers CRUD ----

func (s *Server) handlePublishers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.publishers.ListAll(r.Context())
		if err != nil {
			s.logger.Error("failed to list publishers", zap.Error(err))
			s.errorResponse(w, "failed to list", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, list)

	case http.MethodPost:
		var p models.Publisher
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			s.errorResponse(w, "invalid json", http.StatusBadRequest)
			return
		}
		if p.ID == "" {
			s.errorResponse(w, "id is required", http.StatusBadRequest)
			return
		}
		now := time.Now().UTC()
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		if err := s.publishers.Upsert(r.Context(), &p); err != nil {
			s.errorResponse(w, "failed to save: "+err.Error(), http.StatusBadRequest)
			return
		}
		s.jsonResponse(w, p)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePublisherByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/publishers/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, err := s.publishers.GetByID(r.Context(), id)
		if err != nil {
			s.logger.Error("failed to get publisher", zap.Error(err))
			s.errorResponse(w, "internal error", http.StatusInternalServerError)
			return
		}
		if p == nil {
			http.NotFound(w, r)
			return
		}
		s.jsonResponse(w, p)

	case http.MethodDelete:
		if err := s.publishers.Delete(r.Context(), id); err != nil {
			s.errorResponse(w, "failed to delete", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, map[string]string{"status": "deleted"})

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ---- Placements CRUD ----

func (s *Server) handlePlacements(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.placements.ListAll(r.Context())
		if err != nil {
			s.logger.Error("failed to list placements", zap.Error(err))
			s.errorResponse(w, "failed to list", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, list)

	case http.MethodPost:
		var p models.Placement
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			s.errorResponse(w, "invalid json", http.StatusBadRequest)
			return
		}
		if p.ID == "" || p.PublisherID == "" {
			s.errorResponse(w, "id and publisher_id are required", http.StatusBadRequest)
			return
		}
		if err := s.placements.Upsert(r.Context(), &p); err != nil {
			s.errorResponse(w, "failed to save: "+err.Error(), http.StatusBadRequest)
			return
		}
		s.jsonResponse(w, p)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePlacementByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/placements/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, err := s.placements.GetByID(r.Context(), id)
		if err != nil {
			s.logger.Error("failed to get placement", zap.Error(err))
			s.errorResponse(w, "internal error", http.StatusInternalServerError)
			return
		}
		if p == nil {
			http.NotFound(w, r)
			return
		}
		s.jsonResponse(w, p)

	case http.MethodDelete:
		if err := s.placements.Delete(r.Context(), id); err != nil {
			s.errorResponse(w, "failed to delete", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, map[string]string{"status": "deleted"})

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ---- Reporting ----

func (s *Server) handleAdReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 365 {
			days = n
		}
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	stats, err := s.events.AdDailyStats(r.Context(), since)
	if err != nil {
		s.logger.Error("failed to aggregate reports", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.jsonResponse(w, map[string]any{
		"since": since.Format("2006-01-02"),
		"days":  days,
		"stats": stats,
	})
}

// ---- Privacy ----

func (s *Server) handlePrivacy(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]any{
		"do_not_track":       s.config.Privacy.DoNotTrack,
		"privacy_policy_url": s.config.Privacy.PrivacyPolicyURL,
		"record_views":       s.config.Decision.RecordViews,
	})
}

// ---- Helpers ----

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
