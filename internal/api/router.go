package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Priya8975/promo-dispatch/internal/cache"
	"github.com/Priya8975/promo-dispatch/internal/store"
	"github.com/Priya8975/promo-dispatch/internal/tracking"
	ws "github.com/Priya8975/promo-dispatch/internal/websocket"
)

const version = "1.0.0"

// Deps are the components the HTTP surface calls into.
type Deps struct {
	Jobs               JobService
	Repo               store.Repository
	Tracking           *tracking.Ingest
	Cache              cache.Cache
	CacheTTL           time.Duration
	Hub                *ws.Hub
	Metrics            http.Handler
	DefaultRedirectURL string
	Logger             *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	r.Use(corsMiddleware)

	jobs := NewJobHandler(d.Jobs, d.Repo, d.Cache, d.CacheTTL, d.Logger)
	track := NewTrackingHandler(d.Tracking, d.DefaultRedirectURL, d.Logger)
	dash := NewDashboardHandler(d.Repo, d.Cache, d.CacheTTL, d.Hub, d.Logger)

	r.Get("/ws", d.Hub.HandleWebSocket)
	r.Get("/health", HealthHandler(version))
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	// Short links embedded in outbound messages.
	r.Get("/t/{code}", track.Redirect)
	r.Get("/t/{code}/open", track.Open)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler(version))

		r.Route("/send-jobs", func(r chi.Router) {
			r.Post("/", jobs.Create)
			r.Get("/", jobs.List)
			r.Get("/{id}", jobs.Get)
			r.Get("/{id}/progress", jobs.Progress)
			r.Get("/{id}/logs", jobs.Logs)
			r.Post("/{id}/pause", jobs.Pause)
			r.Post("/{id}/resume", jobs.Resume)
			r.Post("/{id}/cancel", jobs.Cancel)
		})

		r.Route("/tracking", func(r chi.Router) {
			r.Post("/callback", track.Callback)
			r.Post("/events", track.Record)
			r.Get("/events", track.List)
		})

		r.Get("/dashboard/summary", dash.Summary)
	})

	return r
}

// corsMiddleware adds CORS headers for browser dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
