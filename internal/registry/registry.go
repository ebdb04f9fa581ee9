// Package registry owns endpoint lifecycle: creation with a fresh
// address, listing, filter updates, and deletion with ownership checks.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/cardhook/internal/models"
	"github.com/shohag/cardhook/internal/storage"
)

// ErrNotOwner is returned when a member tries to mutate an endpoint
// created by someone else.
var ErrNotOwner = errors.New("not the endpoint owner")

const DefaultFilter = "."

type Registry struct {
	store storage.Storage
	log   zerolog.Logger
}

func New(store storage.Storage, log zerolog.Logger) *Registry {
	return &Registry{store: store, log: log}
}

// Create persists a new endpoint with a freshly generated address. The
// address space is large enough that collisions are effectively
// impossible, but the unique index is the backstop; one retry covers it.
func (r *Registry) Create(ctx context.Context, card, member, filter, token string) (*models.Endpoint, error) {
	if filter == "" {
		filter = DefaultFilter
	}

	for attempt := 0; ; attempt++ {
		ep := &models.Endpoint{
			ID:        models.NewID("ep"),
			Address:   models.NewAddress(),
			Card:      card,
			Member:    member,
			Token:     token,
			Filter:    filter,
			CreatedAt: time.Now().UTC(),
		}
		err := r.store.CreateEndpoint(ctx, ep)
		if err == nil {
			r.log.Info().Str("endpoint_id", ep.ID).Str("card", card).Str("member", member).Msg("endpoint created")
			return ep, nil
		}
		if errors.Is(err, storage.ErrDuplicateAddress) && attempt < 1 {
			continue
		}
		return nil, fmt.Errorf("create endpoint: %w", err)
	}
}

// ListByCard returns the card's endpoints in creation order.
func (r *Registry) ListByCard(ctx context.Context, card string) ([]models.Endpoint, error) {
	return r.store.ListEndpointsByCard(ctx, card)
}

// ResolveByAddress is the ingestion hot path; backed by the address
// unique index.
func (r *Registry) ResolveByAddress(ctx context.Context, address string) (*models.Endpoint, error) {
	return r.store.GetEndpointByAddress(ctx, address)
}

// UpdateFilter replaces the endpoint's filter expression. The filter is
// the only field a caller may change; the stored token is refreshed as a
// side effect so comment posting keeps working after a re-authorization.
func (r *Registry) UpdateFilter(ctx context.Context, address, member, filter, token string) (*models.Endpoint, error) {
	ep, err := r.store.GetEndpointByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if ep.Member != member {
		return nil, ErrNotOwner
	}

	if filter == "" {
		filter = DefaultFilter
	}
	if token == "" {
		token = ep.Token
	}
	if err := r.store.UpdateEndpoint(ctx, ep.ID, filter, token); err != nil {
		return nil, err
	}
	ep.Filter = filter
	ep.Token = token
	return ep, nil
}

// Delete removes the endpoint and, through the cascade, its request
// history. A missing endpoint surfaces as storage.ErrNotFound so the
// caller can choose to treat the delete as idempotent.
func (r *Registry) Delete(ctx context.Context, idOrAddress, member string) error {
	ep, err := r.store.GetEndpoint(ctx, idOrAddress)
	if errors.Is(err, storage.ErrNotFound) {
		ep, err = r.store.GetEndpointByAddress(ctx, idOrAddress)
	}
	if err != nil {
		return err
	}
	if ep.Member != member {
		return ErrNotOwner
	}

	if err := r.store.DeleteEndpoint(ctx, ep.ID); err != nil {
		return err
	}
	r.log.Info().Str("endpoint_id", ep.ID).Str("card", ep.Card).Msg("endpoint deleted")
	return nil
}
