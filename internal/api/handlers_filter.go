package api

import (
	"encoding/json"
	"net/http"

	"github.com/shohag/cardhook/internal/filter"
)

// FilterHandler lets the setup UI try an expression against sample data
// before saving it. Filter errors come back as-is so the user sees the
// real message.
type FilterHandler struct {
	engine *filter.Engine
}

func NewFilterHandler(engine *filter.Engine) *FilterHandler {
	return &FilterHandler{engine: engine}
}

type previewRequest struct {
	Filter  string          `json:"filter"`
	Payload json.RawMessage `json:"payload"`
}

type previewResponse struct {
	Result string `json:"result"`
}

func (h *FilterHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Filter == "" {
		req.Filter = "."
	}

	result, err := h.engine.Apply(r.Context(), req.Payload, req.Filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{Result: result})
}
