package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Priya8975/promo-dispatch/internal/cache"
	"github.com/Priya8975/promo-dispatch/internal/store"
	ws "github.com/Priya8975/promo-dispatch/internal/websocket"
)

const summaryKey = "dashboard:summary"

type DashboardHandler struct {
	repo   store.Repository
	cache  cache.Cache
	ttl    time.Duration
	hub    *ws.Hub
	logger *slog.Logger
}

func NewDashboardHandler(repo store.Repository, c cache.Cache, ttl time.Duration, hub *ws.Hub, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{repo: repo, cache: c, ttl: ttl, hub: hub, logger: logger}
}

type summaryResponse struct {
	store.Summary
	WebSocketClients int `json:"websocket_clients"`
}

// Summary returns job status counts, row outcomes and tracking totals.
func (h *DashboardHandler) Summary(w http.ResponseWriter, r *http.Request) {
	var summary store.Summary
	ok, err := cache.GetJSON(r.Context(), h.cache, summaryKey, &summary)
	if err != nil {
		h.logger.Warn("dashboard cache read failed", "error", err)
	}
	if !ok {
		fresh, err := h.repo.JobSummary(r.Context())
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		summary = *fresh
		if err := cache.SetJSON(r.Context(), h.cache, summaryKey, summary, h.ttl); err != nil {
			h.logger.Warn("dashboard cache write failed", "error", err)
		}
	}

	respondJSON(w, http.StatusOK, summaryResponse{
		Summary:          summary,
		WebSocketClients: h.hub.ClientCount(),
	})
}
