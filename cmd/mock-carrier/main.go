// Command mock-carrier is a local stand-in for the SMS and Kakao carrier
// APIs. Each path answers the way a carrier would for one kind of outcome.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Priya8975/promo-dispatch/internal/carrier"
	"github.com/Priya8975/promo-dispatch/internal/domain"
	"github.com/Priya8975/promo-dispatch/internal/logger"
	"github.com/Priya8975/promo-dispatch/internal/tracking"
)

type server struct {
	logger      *slog.Logger
	callbackURL string
	requests    atomic.Int64
	client      *http.Client
}

func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	log := logger.New(os.Getenv("LOG_LEVEL"))

	s := &server{
		logger:      log,
		callbackURL: os.Getenv("CALLBACK_URL"),
		client:      &http.Client{Timeout: 5 * time.Second},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/{channel}/success", s.success)
	r.Post("/{channel}/delivered", s.delivered)
	r.Post("/{channel}/slow", s.slow)
	r.Post("/{channel}/throttled", s.throttled)
	r.Post("/{channel}/fail", s.fail)
	r.Post("/{channel}/reject", s.reject)
	r.Get("/stats", s.stats)

	log.Info("mock carrier starting", "port", port, "callback_url", s.callbackURL)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func (s *server) decode(w http.ResponseWriter, r *http.Request) (*carrier.SendRequest, bool) {
	n := s.requests.Add(1)
	var req carrier.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, carrier.SendResponse{Status: "rejected", Code: "BAD_REQUEST", Message: err.Error()})
		return nil, false
	}
	s.logger.Info("carrier request",
		"n", n,
		"channel", chi.URLParam(r, "channel"),
		"path", r.URL.Path,
		"to", req.To,
		"reference", req.Reference,
		"idempotency_key", r.Header.Get("X-Idempotency-Key"),
	)
	return &req, true
}

func (s *server) success(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.decode(w, r); !ok {
		return
	}
	id := uuid.NewString()
	respond(w, http.StatusOK, carrier.SendResponse{MessageID: id, Status: "accepted"})
	if s.callbackURL != "" {
		go s.report(id)
	}
}

func (s *server) delivered(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.decode(w, r); !ok {
		return
	}
	respond(w, http.StatusOK, carrier.SendResponse{MessageID: uuid.NewString(), Status: "delivered"})
}

func (s *server) slow(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.decode(w, r); !ok {
		return
	}
	select {
	case <-time.After(3 * time.Second):
	case <-r.Context().Done():
		return
	}
	respond(w, http.StatusOK, carrier.SendResponse{MessageID: uuid.NewString(), Status: "accepted"})
}

func (s *server) throttled(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.decode(w, r); !ok {
		return
	}
	respond(w, http.StatusTooManyRequests, carrier.SendResponse{Status: "rejected", Code: "THROTTLED", Message: "rate limit exceeded"})
}

func (s *server) fail(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.decode(w, r); !ok {
		return
	}
	respond(w, http.StatusInternalServerError, carrier.SendResponse{Status: "rejected", Code: "CARRIER_ERROR", Message: "internal server error"})
}

func (s *server) reject(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.decode(w, r); !ok {
		return
	}
	respond(w, http.StatusUnprocessableEntity, carrier.SendResponse{Status: "rejected", Code: "INVALID_RECIPIENT", Message: "recipient not reachable"})
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]int64{"total_requests": s.requests.Load()})
}

// report posts a delayed delivery receipt for an accepted message.
func (s *server) report(messageID string) {
	time.Sleep(500 * time.Millisecond)

	body, _ := json.Marshal(tracking.CarrierReport{ExternalMessageID: messageID, EventType: domain.EventDelivered})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.callbackURL, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("building delivery report", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("delivery report failed", "message_id", messageID, "error", err)
		return
	}
	resp.Body.Close()
	s.logger.Debug("delivery report sent", "message_id", messageID, "status", resp.StatusCode)
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
