package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ethicalads/adserver/internal/models"
	"github.com/ethicalads/adserver/internal/storage"
)

// RemoteBackend delegates selection to an external decision service.
// The remote call is bounded by the client timeout; any failure is
// treated as no-fill so a slow or broken remote never takes down ad
// serving.
type RemoteBackend struct {
	url    string
	client *http.Client
	ads    storage.AdRepo
	logger *zap.Logger
}

type remoteRequest struct {
	PlacementID string   `json:"placement_id"`
	PublisherID string   `json:"publisher_id,omitempty"`
	CountryCode string   `json:"country_code,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}

type remoteResponse struct {
	AdID string `json:"ad_id"`
}

func NewRemoteBackend(url string, timeout time.Duration, ads storage.AdRepo, logger *zap.Logger) *RemoteBackend {
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	return &RemoteBackend{
		url:    url,
		client: &http.Client{Timeout: timeout},
		ads:    ads,
		logger: logger,
	}
}

func (b *RemoteBackend) Select(ctx context.Context, rc *models.RequestContext) (*models.Ad, error) {
	req := remoteRequest{
		CountryCode: rc.CountryCode,
		Keywords:    rc.Keywords,
	}
	if rc.Placement != nil {
		req.PlacementID = rc.Placement.ID
	}
	if rc.Publisher != nil {
		req.PublisherID = rc.Publisher.ID
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal decision request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build decision request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		b.logger.Warn("remote decision request failed", zap.Error(err))
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		b.logger.Warn("remote decision returned unexpected status",
			zap.Int("status", resp.StatusCode))
		return nil, nil
	}

	var remote remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
		b.logger.Warn("failed to decode remote decision", zap.Error(err))
		return nil, nil
	}
	if remote.AdID == "" {
		return nil, nil
	}

	ad, err := b.ads.GetByID(ctx, remote.AdID)
	if err != nil {
		return nil, err
	}
	if ad == nil || !ad.Live || ad.Exhausted {
		b.logger.Warn("remote decision chose an unservable ad",
			zap.String("ad_id", remote.AdID))
		return nil, nil
	}
	return ad, nil
}
