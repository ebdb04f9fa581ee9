package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/shohag/cardhook/internal/ledger"
	"github.com/shohag/cardhook/internal/registry"
	"github.com/shohag/cardhook/internal/storage"
	"github.com/shohag/cardhook/internal/tokens"
	"github.com/shohag/cardhook/internal/trello"
)

// CardHandler serves the endpoint management surface the Power-Up client
// talks to. Errors go out as plain-text bodies; the client surfaces them
// verbatim to its user.
type CardHandler struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	tokens   *tokens.Store
	trello   *trello.Client
	log      zerolog.Logger
}

func NewCardHandler(reg *registry.Registry, led *ledger.Ledger, toks *tokens.Store, client *trello.Client, log zerolog.Logger) *CardHandler {
	return &CardHandler{registry: reg, ledger: led, tokens: toks, trello: client, log: log}
}

// authenticate resolves the token to a member and verifies the member
// can see the card. Both checks are delegated to Trello.
func (h *CardHandler) authenticate(ctx context.Context, token, card string) (string, int, error) {
	if token == "" {
		return "", http.StatusUnauthorized, errors.New("token is required")
	}

	member, err := h.tokens.Validate(ctx, token)
	if err != nil {
		return "", statusForAuthError(err), err
	}

	if err := h.trello.CheckCard(ctx, token, card); err != nil {
		return "", statusForAuthError(err), err
	}
	return member, 0, nil
}

func statusForAuthError(err error) int {
	if errors.Is(err, trello.ErrUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusUnauthorized
}

type cardEndpoint struct {
	ID           string        `json:"id"`
	Address      string        `json:"address"`
	Filter       string        `json:"filter"`
	LastRequests []interface{} `json:"last_requests"`
}

func (h *CardHandler) Get(w http.ResponseWriter, r *http.Request) {
	card := r.URL.Query().Get("card")
	token := r.URL.Query().Get("token")

	member, status, err := h.authenticate(r.Context(), token, card)
	if err != nil {
		h.log.Warn().Err(err).Str("card", card).Msg("failed to authenticate member for card")
		http.Error(w, err.Error(), status)
		return
	}

	eps, err := h.registry.ListByCard(r.Context(), card)
	if err != nil {
		h.log.Warn().Err(err).Str("card", card).Msg("failed to fetch endpoints for card")
		http.Error(w, "failed to fetch endpoints for card: "+err.Error(), http.StatusInternalServerError)
		return
	}

	out := []cardEndpoint{}
	for _, ep := range eps {
		if ep.Member != member {
			continue
		}

		item := cardEndpoint{
			ID:           ep.ID,
			Address:      ep.Address,
			Filter:       ep.Filter,
			LastRequests: []interface{}{},
		}
		recs, err := h.ledger.Recent(r.Context(), ep.ID)
		if err != nil {
			h.log.Warn().Err(err).Str("endpoint_id", ep.ID).Msg("failed to fetch request history")
		}
		for _, rec := range recs {
			var payload interface{}
			if err := json.Unmarshal(rec.Payload, &payload); err != nil {
				payload = string(rec.Payload)
			}
			item.LastRequests = append(item.LastRequests, payload)
		}
		out = append(out, item)
	}

	writeJSON(w, http.StatusOK, out)
}

type putCardRequest struct {
	Card    string `json:"card"`
	Address string `json:"address"`
	Filter  string `json:"filter"`
	Token   string `json:"token"`
}

func (h *CardHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req putCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	member, status, err := h.authenticate(r.Context(), req.Token, req.Card)
	if err != nil {
		h.log.Warn().Err(err).Str("card", req.Card).Msg("given token doesn't have access to card")
		http.Error(w, err.Error(), status)
		return
	}

	address := req.Address
	if address == "" {
		ep, err := h.registry.Create(r.Context(), req.Card, member, req.Filter, req.Token)
		if err != nil {
			h.log.Warn().Err(err).Str("card", req.Card).Msg("failed to create endpoint")
			http.Error(w, "failed to create endpoint: "+err.Error(), http.StatusInternalServerError)
			return
		}
		address = ep.Address
	} else {
		if _, err := h.registry.UpdateFilter(r.Context(), address, member, req.Filter, req.Token); err != nil {
			h.log.Warn().Err(err).Str("card", req.Card).Str("addr", address).Msg("failed to update endpoint")
			switch {
			case errors.Is(err, registry.ErrNotOwner):
				http.Error(w, err.Error(), http.StatusForbidden)
			case errors.Is(err, storage.ErrNotFound):
				http.Error(w, "no such endpoint", http.StatusNotFound)
			default:
				http.Error(w, "failed to update endpoint: "+err.Error(), http.StatusInternalServerError)
			}
			return
		}
	}

	writeJSON(w, http.StatusOK, address)
}

func (h *CardHandler) Delete(w http.ResponseWriter, r *http.Request) {
	card := r.URL.Query().Get("card")
	token := r.URL.Query().Get("token")
	id := r.URL.Query().Get("id")
	if id == "" {
		id = r.URL.Query().Get("address")
	}

	member, status, err := h.authenticate(r.Context(), token, card)
	if err != nil {
		h.log.Warn().Err(err).Str("card", card).Msg("failed to authenticate member for card")
		http.Error(w, err.Error(), status)
		return
	}

	err = h.registry.Delete(r.Context(), id, member)
	switch {
	case err == nil, errors.Is(err, storage.ErrNotFound):
		// deleting an already-missing endpoint is fine from the
		// collaborator's perspective
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, registry.ErrNotOwner):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		h.log.Warn().Err(err).Str("card", card).Msg("failed to delete endpoint")
		http.Error(w, "failed to delete endpoint: "+err.Error(), http.StatusInternalServerError)
	}
}
