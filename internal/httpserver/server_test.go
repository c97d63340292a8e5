package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ethicalads/adserver/internal/config"
	"github.com/ethicalads/adserver/internal/geo"
	"github.com/ethicalads/adserver/internal/models"
	"github.com/ethicalads/adserver/internal/ratelimit"
)

const browserUA = "Mozilla/5.0 (Macintosh) AppleWebKit/537.36 Chrome/120.0 Safari/537.36"

func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	windows, err := ratelimit.ParseLimits([]string{"1000/h"})
	require.NoError(t, err)

	resolver := geo.NewStaticResolver()
	resolver.Add("203.0.113.7", geo.Location{CountryCode: "US"})

	cfg := &config.Config{
		Decision: config.DecisionConfig{
			Backend:     config.BackendProbabilistic,
			RecordViews: true,
		},
		Token: config.TokenConfig{
			Secret: "server-test-secret",
			TTL:    time.Hour,
		},
	}

	return NewServer(&Dependencies{
		Config:   cfg,
		Logger:   zap.NewNop(),
		Resolver: resolver,
		Limiter:  ratelimit.NewMemoryLimiter(windows),
	})
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("User-Agent", browserUA)
	req.RemoteAddr = "203.0.113.7:51000"

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func seedInventory(t *testing.T, h http.Handler) {
	t.Helper()

	w := doJSON(t, h, http.MethodPost, "/advertisers", models.Advertiser{
		ID: "adv-1", Name: "Acme", ClickBudget: 10,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, h, http.MethodPost, "/publishers", models.Publisher{ID: "pub-1", Name: "Docs"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, h, http.MethodPost, "/placements", models.Placement{
		ID: "pl-1", PublisherID: "pub-1", AdTypeID: "sidebar",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, h, http.MethodPost, "/ads", models.Ad{
		ID: "ad-1", AdvertiserID: "adv-1", AdTypeID: "sidebar",
		Link: "https://example.com/product", Live: true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHealth(t *testing.T) {
	h := newTestServer(t)
	w := doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestDecisionRequiresPlacement(t *testing.T) {
	h := newTestServer(t)

	w := doJSON(t, h, http.MethodGet, "/decision", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodGet, "/decision?placement_id=missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDecisionNoFill(t *testing.T) {
	h := newTestServer(t)

	// Placement exists but there is no inventory.
	w := doJSON(t, h, http.MethodPost, "/publishers", models.Publisher{ID: "pub-1", Name: "Docs"})
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, h, http.MethodPost, "/placements", models.Placement{
		ID: "pl-1", PublisherID: "pub-1", AdTypeID: "sidebar",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/decision?placement_id=pl-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestServeViewClickFlow(t *testing.T) {
	h := newTestServer(t)
	seedInventory(t, h)

	w := doJSON(t, h, http.MethodGet, "/decision?placement_id=pl-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var d models.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	require.NotNil(t, d.Ad)
	assert.Equal(t, "ad-1", d.Ad.ID)
	require.NotEmpty(t, d.Token)
	assert.Contains(t, w.Body.String(), `"view_url":"/view/`+d.Token)
	assert.Contains(t, w.Body.String(), `"click_url":"/click/`+d.Token)

	// View pixel
	w = doJSON(t, h, http.MethodGet, "/view/"+d.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/gif", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Body.Bytes())

	// Click redirect
	w = doJSON(t, h, http.MethodGet, "/click/"+d.Token, nil)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://example.com/product", w.Header().Get("Location"))

	// The click drained one unit of budget.
	w = doJSON(t, h, http.MethodGet, "/advertisers/adv-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		RemainingClicks int64 `json:"remaining_clicks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, int64(9), detail.RemainingClicks)

	// Reports see the recorded events.
	w = doJSON(t, h, http.MethodGet, "/reports/ads", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report struct {
		Stats []struct {
			AdID   string `json:"ad_id"`
			Views  int64  `json:"views"`
			Clicks int64  `json:"clicks"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.Len(t, report.Stats, 1)
	assert.Equal(t, "ad-1", report.Stats[0].AdID)
	assert.Equal(t, int64(1), report.Stats[0].Views)
	assert.Equal(t, int64(1), report.Stats[0].Clicks)
}

func TestRecordEndpoint(t *testing.T) {
	h := newTestServer(t)
	seedInventory(t, h)

	w := doJSON(t, h, http.MethodGet, "/decision?placement_id=pl-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var d models.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))

	w = doJSON(t, h, http.MethodPost, "/record", map[string]string{"token": d.Token, "kind": "view"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// A repeated view reports duplicate instead of writing again.
	w = doJSON(t, h, http.MethodPost, "/record", map[string]string{"token": d.Token, "kind": "view"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate")

	w = doJSON(t, h, http.MethodPost, "/record", map[string]string{"token": d.Token, "kind": "click"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The view is consumed; a second click conflicts.
	w = doJSON(t, h, http.MethodPost, "/record", map[string]string{"token": d.Token, "kind": "click"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestClickWithBadToken(t *testing.T) {
	h := newTestServer(t)
	seedInventory(t, h)

	w := doJSON(t, h, http.MethodGet, "/click/garbage", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClickWithoutViewStillRedirects(t *testing.T) {
	h := newTestServer(t)
	seedInventory(t, h)

	w := doJSON(t, h, http.MethodGet, "/decision?placement_id=pl-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var d models.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))

	// No view was recorded: the click is not billed, but the visitor
	// still reaches the advertiser.
	w = doJSON(t, h, http.MethodGet, "/click/"+d.Token, nil)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://example.com/product", w.Header().Get("Location"))

	w = doJSON(t, h, http.MethodGet, "/advertisers/adv-1", nil)
	var detail struct {
		RemainingClicks int64 `json:"remaining_clicks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, int64(10), detail.RemainingClicks)
}

func TestAdvertiserCRUD(t *testing.T) {
	h := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/advertisers", models.Advertiser{ID: "adv-1", Name: "Acme", ClickBudget: 5})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/advertisers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.Advertiser
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Acme", list[0].Name)

	w = doJSON(t, h, http.MethodDelete, "/advertisers/adv-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/advertisers/adv-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdUpsertValidation(t *testing.T) {
	h := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/ads", models.Ad{ID: "ad-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPrivacyDisclosure(t *testing.T) {
	h := newTestServer(t)
	w := doJSON(t, h, http.MethodGet, "/privacy", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "record_views")
}
