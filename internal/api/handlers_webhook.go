package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shohag/cardhook/internal/ingest"
	"github.com/shohag/cardhook/internal/storage"
)

const maxPayloadSize = 256 * 1024 // 256KB

// WebhookHandler is the public ingestion surface. Senders only ever see
// two outcomes: 404 for an unknown address, 200 for everything else.
type WebhookHandler struct {
	ingest *ingest.Service
	log    zerolog.Logger
}

func NewWebhookHandler(svc *ingest.Service, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{ingest: svc, log: log}
}

func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := h.ingest.Handle(r.Context(), address, body); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "unknown endpoint", http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("addr", address).Msg("error handling webhook")
		http.Error(w, "error handling webhook", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
