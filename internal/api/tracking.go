package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Priya8975/promo-dispatch/internal/domain"
	"github.com/Priya8975/promo-dispatch/internal/tracking"
)

type TrackingHandler struct {
	ingest     *tracking.Ingest
	defaultURL string
	logger     *slog.Logger
}

func NewTrackingHandler(ingest *tracking.Ingest, defaultRedirectURL string, logger *slog.Logger) *TrackingHandler {
	return &TrackingHandler{ingest: ingest, defaultURL: defaultRedirectURL, logger: logger}
}

type recordEventRequest struct {
	TrackingCode string           `json:"trackingCode"`
	EventType    domain.EventType `json:"eventType"`
	ProductID    string           `json:"productId"`
	ContactID    string           `json:"contactId"`
	Metadata     map[string]any   `json:"metadata"`
}

// Redirect records a CLICK and sends the visitor on. A failed write still
// redirects, to the default URL.
func (h *TrackingHandler) Redirect(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	target, err := h.ingest.Click(r.Context(), code, r.RemoteAddr, r.UserAgent())
	if err != nil {
		h.logger.Error("failed to record click", "tracking_code", code, "error", err)
		target = h.defaultURL
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// Open records a READ, typically fired by an embedded pixel or client beacon.
func (h *TrackingHandler) Open(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	_, err := h.ingest.RecordEvent(r.Context(), tracking.EventInput{
		TrackingCode: code,
		EventType:    domain.EventRead,
		IPAddress:    r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.logger.Error("failed to record open", "tracking_code", code, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Callback accepts carrier delivery and read receipts.
func (h *TrackingHandler) Callback(w http.ResponseWriter, r *http.Request) {
	var report tracking.CarrierReport
	if err := decodeBody(r, &report, false); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ev, err := h.ingest.RecordCarrierReport(r.Context(), report, r.RemoteAddr, r.UserAgent())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, ev)
}

func (h *TrackingHandler) Record(w http.ResponseWriter, r *http.Request) {
	var req recordEventRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ev, err := h.ingest.RecordEvent(r.Context(), tracking.EventInput{
		TrackingCode: req.TrackingCode,
		EventType:    req.EventType,
		ProductID:    req.ProductID,
		ContactID:    req.ContactID,
		IPAddress:    r.RemoteAddr,
		UserAgent:    r.UserAgent(),
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, ev)
}

func (h *TrackingHandler) List(w http.ResponseWriter, r *http.Request) {
	f, err := parseEventQuery(r.URL.Query())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	events, err := h.ingest.Events(r.Context(), f)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}
