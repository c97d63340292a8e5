package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the ad server.
type Metrics struct {
	// Decision metrics
	DecisionRequests *prometheus.CounterVec
	Decisions        *prometheus.CounterVec
	NoFills          *prometheus.CounterVec
	DecisionLatency  *prometheus.HistogramVec

	// Impression metrics
	Views            *prometheus.CounterVec
	Clicks           *prometheus.CounterVec
	DuplicateEvents  *prometheus.CounterVec
	RejectedEvents   *prometheus.CounterVec
	BotFiltered      *prometheus.CounterVec

	// Rate limit metrics
	ClickRateLimited *prometheus.CounterVec

	// Budget metrics
	BudgetExhausted *prometheus.CounterVec
	BudgetRemaining *prometheus.GaugeVec

	// Geo metrics
	GeoLookupLatency *prometheus.HistogramVec
	GeoUnknown       prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		DecisionRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decision_requests_total",
				Help:      "Total number of ad decision requests received",
			},
			[]string{"publisher_id"},
		),
		Decisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Total number of filled ad decisions",
			},
			[]string{"publisher_id", "ad_id"},
		),
		NoFills: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nofills_total",
				Help:      "Decision requests with no eligible ad",
			},
			[]string{"publisher_id"},
		),
		DecisionLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decision_latency_seconds",
				Help:      "Ad decision latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
			[]string{"outcome"},
		),
		Views: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "views_total",
				Help:      "Total recorded views",
			},
			[]string{"publisher_id", "ad_id"},
		),
		Clicks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "clicks_total",
				Help:      "Total recorded clicks",
			},
			[]string{"publisher_id", "ad_id"},
		),
		DuplicateEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_events_total",
				Help:      "Events dropped as duplicates",
			},
			[]string{"kind"},
		),
		RejectedEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejected_events_total",
				Help:      "Events rejected before recording",
			},
			[]string{"kind", "reason"},
		),
		BotFiltered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bot_filtered_total",
				Help:      "Events excluded from accounting as bot traffic",
			},
			[]string{"kind"},
		),
		ClickRateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "click_rate_limited_total",
				Help:      "Clicks rejected by the velocity limiter",
			},
			[]string{"window"},
		),
		BudgetExhausted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "budget_exhausted_total",
				Help:      "Clicks that drained an advertiser budget to zero",
			},
			[]string{"advertiser_id"},
		),
		BudgetRemaining: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "budget_remaining_clicks",
				Help:      "Remaining click budget per advertiser",
			},
			[]string{"advertiser_id"},
		),
		GeoLookupLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "geo_lookup_latency_seconds",
				Help:      "GeoIP lookup latency",
				Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01},
			},
			[]string{"cache_hit"},
		),
		GeoUnknown: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "geo_unknown_total",
				Help:      "Requests whose geography could not be resolved",
			},
		),
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDecision records a filled decision.
func (m *Metrics) RecordDecision(publisherID, adID string, latency time.Duration) {
	m.DecisionRequests.WithLabelValues(publisherID).Inc()
	m.Decisions.WithLabelValues(publisherID, adID).Inc()
	m.DecisionLatency.WithLabelValues("fill").Observe(latency.Seconds())
}

// RecordNoFill records a decision request with no eligible ad.
func (m *Metrics) RecordNoFill(publisherID string, latency time.Duration) {
	m.DecisionRequests.WithLabelValues(publisherID).Inc()
	m.NoFills.WithLabelValues(publisherID).Inc()
	m.DecisionLatency.WithLabelValues("nofill").Observe(latency.Seconds())
}

// RecordView records an accepted view.
func (m *Metrics) RecordView(publisherID, adID string) {
	m.Views.WithLabelValues(publisherID, adID).Inc()
}

// RecordClick records an accepted click.
func (m *Metrics) RecordClick(publisherID, adID string) {
	m.Clicks.WithLabelValues(publisherID, adID).Inc()
}

// RecordDuplicate records a deduplicated event.
func (m *Metrics) RecordDuplicate(kind string) {
	m.DuplicateEvents.WithLabelValues(kind).Inc()
}

// RecordRejection records an event rejected before recording.
func (m *Metrics) RecordRejection(kind, reason string) {
	m.RejectedEvents.WithLabelValues(kind, reason).Inc()
}

// RecordBotFiltered records an event excluded as bot traffic.
func (m *Metrics) RecordBotFiltered(kind string) {
	m.BotFiltered.WithLabelValues(kind).Inc()
}

// RecordRateLimited records a click rejected by the velocity limiter.
func (m *Metrics) RecordRateLimited(window string) {
	m.ClickRateLimited.WithLabelValues(window).Inc()
}

// RecordBudgetExhausted records an advertiser budget reaching zero.
func (m *Metrics) RecordBudgetExhausted(advertiserID string) {
	m.BudgetExhausted.WithLabelValues(advertiserID).Inc()
}

// UpdateBudgetRemaining updates the remaining budget gauge.
func (m *Metrics) UpdateBudgetRemaining(advertiserID string, remaining int64) {
	m.BudgetRemaining.WithLabelValues(advertiserID).Set(float64(remaining))
}

// RecordGeoLookup records a geo lookup.
func (m *Metrics) RecordGeoLookup(cacheHit bool, latency time.Duration) {
	hit := "false"
	if cacheHit {
		hit = "true"
	}
	m.GeoLookupLatency.WithLabelValues(hit).Observe(latency.Seconds())
}
