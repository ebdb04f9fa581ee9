// Package ingest handles inbound webhook deliveries: resolve the
// address, filter the payload, record it, and post the result as a card
// comment.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/cardhook/internal/config"
	"github.com/shohag/cardhook/internal/filter"
	"github.com/shohag/cardhook/internal/ledger"
	"github.com/shohag/cardhook/internal/models"
	"github.com/shohag/cardhook/internal/registry"
	"github.com/shohag/cardhook/internal/tokens"
	"github.com/shohag/cardhook/internal/trello"
)

type Service struct {
	registry       *registry.Registry
	engine         *filter.Engine
	ledger         *ledger.Ledger
	trello         *trello.Client
	tokens         *tokens.Store
	sem            chan struct{}
	commentTimeout time.Duration
	log            zerolog.Logger
}

func NewService(
	cfg config.Config,
	reg *registry.Registry,
	engine *filter.Engine,
	led *ledger.Ledger,
	client *trello.Client,
	toks *tokens.Store,
	log zerolog.Logger,
) *Service {
	workers := cfg.Filter.Workers
	if workers <= 0 {
		workers = 16
	}
	return &Service{
		registry:       reg,
		engine:         engine,
		ledger:         led,
		trello:         client,
		tokens:         toks,
		sem:            make(chan struct{}, workers),
		commentTimeout: cfg.Trello.CommentTimeout,
		log:            log,
	}
}

// Handle processes one inbound delivery. Only an unknown address is an
// error the sender can act on; filter failures, ledger write failures,
// and comment-post failures are logged and swallowed so the external
// sender always gets an acknowledgment.
func (s *Service) Handle(ctx context.Context, address string, body []byte) error {
	ep, err := s.registry.ResolveByAddress(ctx, address)
	if err != nil {
		return err
	}

	log := s.log.With().Str("endpoint_id", ep.ID).Str("addr", address).Logger()

	rec := &models.RequestRecord{
		ID:         models.NewID("req"),
		EndpointID: ep.ID,
		Payload:    body,
		ReceivedAt: time.Now().UTC(),
	}

	out, ferr := s.eval(ctx, body, ep.Filter)
	if ferr != nil {
		rec.FilterError = ferr.Error()
		log.Warn().Err(ferr).Str("filter", ep.Filter).Msg("filter failed")
	} else {
		rec.Filtered = out
	}

	s.ledger.Append(ctx, rec)

	if ferr != nil || out == "" {
		return nil
	}

	token, ok := s.tokens.Get(ep.Member)
	if !ok {
		token = ep.Token
	}
	if token == "" {
		log.Warn().Str("member", ep.Member).Msg("no token for member, comment not posted")
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, s.commentTimeout)
	defer cancel()
	if err := s.trello.PostComment(cctx, token, ep.Card, out); err != nil {
		if errors.Is(err, trello.ErrTokenRejected) {
			s.tokens.Evict(ep.Member)
		}
		log.Warn().Err(err).Str("card", ep.Card).Msg("comment post failed")
	}
	return nil
}

// eval runs the filter under a bounded worker slot so a burst of slow
// expressions cannot starve the rest of the service.
func (s *Service) eval(ctx context.Context, body []byte, expression string) (string, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-s.sem }()

	return s.engine.Apply(ctx, body, expression)
}
