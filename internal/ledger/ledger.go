// Package ledger keeps the bounded, time-windowed history of requests
// received by each endpoint.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/cardhook/internal/config"
	"github.com/shohag/cardhook/internal/models"
	"github.com/shohag/cardhook/internal/storage"
)

type Ledger struct {
	store       storage.Storage
	ttl         time.Duration
	maxRequests int
	log         zerolog.Logger
}

func New(cfg config.RetentionConfig, store storage.Storage, log zerolog.Logger) *Ledger {
	return &Ledger{
		store:       store,
		ttl:         cfg.RequestTTL,
		maxRequests: cfg.MaxRequests,
		log:         log,
	}
}

// Append records an inbound request. A write failure must never block
// ingestion, so it is logged and swallowed here.
func (l *Ledger) Append(ctx context.Context, rec *models.RequestRecord) {
	if err := l.store.AppendRequest(ctx, rec); err != nil {
		l.log.Warn().Err(err).Str("endpoint_id", rec.EndpointID).Msg("failed to record request")
	}
}

// Recent returns the endpoint's records within the retention window,
// oldest first. An unknown or quiet endpoint yields an empty slice.
func (l *Ledger) Recent(ctx context.Context, endpointID string) ([]models.RequestRecord, error) {
	since := time.Now().UTC().Add(-l.ttl)
	return l.store.RecentRequests(ctx, endpointID, since, l.maxRequests)
}

// Sweeper periodically purges records past retention. Reads already
// filter by the window, so the sweep only reclaims space.
type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	log      zerolog.Logger
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewSweeper(cfg config.RetentionConfig, l *Ledger, log zerolog.Logger) *Sweeper {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		ledger:   l,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-s.ledger.ttl)
				n, err := s.ledger.store.PurgeRequestsBefore(ctx, cutoff)
				if err != nil {
					s.log.Error().Err(err).Msg("request purge failed")
					continue
				}
				if n > 0 {
					s.log.Info().Int64("purged", n).Msg("purged expired requests")
				}
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	close(s.stop)
	s.wg.Wait()
}
