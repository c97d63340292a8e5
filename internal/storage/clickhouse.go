package storage

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/ethicalads/adserver/internal/models"
)

// AnalyticsSink streams impression events into ClickHouse for offline
// reporting. It buffers events in memory and flushes batches in the
// background, so callers never block on the analytics path. The
// authoritative event log stays in the EventStore; this sink is a
// best-effort copy and drops events when its buffer is full.
type AnalyticsSink struct {
	conn      driver.Conn
	logger    *zap.Logger
	events    chan *models.ImpressionEvent
	batchSize int
	interval  time.Duration
	done      chan struct{}
}

// AnalyticsSinkConfig holds ClickHouse connection and batching settings.
type AnalyticsSinkConfig struct {
	Addr          string
	Database      string
	Username      string
	Password      string
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

func NewAnalyticsSink(cfg AnalyticsSinkConfig, logger *zap.Logger) (*AnalyticsSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}

	return &AnalyticsSink{
		conn:      conn,
		logger:    logger,
		events:    make(chan *models.ImpressionEvent, cfg.BufferSize),
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval,
		done:      make(chan struct{}),
	}, nil
}

// Publish queues an event for the next batch. It never blocks; when
// the buffer is full the event is dropped and counted in the logs.
func (s *AnalyticsSink) Publish(e *models.ImpressionEvent) {
	select {
	case s.events <- e:
	default:
		s.logger.Warn("analytics buffer full, dropping event", zap.String("event_id", e.ID))
	}
}

// Run drains the buffer until ctx is cancelled, flushing whenever a
// full batch accumulates or the flush interval elapses. Call it from
// its own goroutine.
func (s *AnalyticsSink) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	batch := make([]*models.ImpressionEvent, 0, s.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.send(batch); err != nil {
			s.logger.Warn("failed to flush analytics batch",
				zap.Int("events", len(batch)),
				zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case e := <-s.events:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *AnalyticsSink) send(events []*models.ImpressionEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO impression_events (id, ad_id, advertiser_id, publisher_id, kind, timestamp, fingerprint, country_code)
	`)
	if err != nil {
		return err
	}

	for _, e := range events {
		if err := batch.Append(
			e.ID, e.AdID, e.AdvertiserID, e.PublisherID,
			string(e.Kind), e.Timestamp, e.Fingerprint, e.CountryCode,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}

// Close waits for the Run goroutine to finish its final flush, then
// closes the connection. Cancel the Run context before calling Close.
func (s *AnalyticsSink) Close() error {
	select {
	case <-s.done:
	case <-time.After(10 * time.Second):
		s.logger.Warn("timed out waiting for analytics sink to drain")
	}
	return s.conn.Close()
}
