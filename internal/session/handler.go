package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"webrtc-streamer/internal/platform/metrics"
)

// Handler exposes the signaling HTTP endpoints using go-chi.
type Handler struct {
	mgr     *Manager
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler for the given Manager. Metrics may be nil to
// disable metric recording (e.g. in tests).
func NewHandler(mgr *Manager, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{mgr: mgr, log: log, metrics: m}
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// Offer handles POST /offer. Body: {"sdp": "...", "type": "offer"}.
// Response: the locally generated answer in the same shape, or an HTTP error
// on negotiation failure. The offers counter increments once per request
// regardless of outcome.
func (h *Handler) Offer(w http.ResponseWriter, r *http.Request) {
	if h.metrics != nil {
		h.metrics.IncOffers()
	}
	setCORSHeaders(w)

	var offer Description
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		h.log.Debug("invalid offer body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if offer.SDP == "" || offer.Type == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	answer, err := h.mgr.HandleOffer(r.Context(), offer)
	if err != nil {
		if errors.Is(err, ErrNegotiation) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		h.log.Error("offer handling failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(answer); err != nil {
		h.log.Error("write answer failed", slog.String("error", err.Error()))
	}
}

// OfferPreflight handles OPTIONS /offer for browser CORS preflight.
func (h *Handler) OfferPreflight(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}
