package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Priya8975/promo-dispatch/internal/cache"
	"github.com/Priya8975/promo-dispatch/internal/domain"
	"github.com/Priya8975/promo-dispatch/internal/store"
)

const (
	jobListPrefix    = "send_jobs"
	jobListPattern   = "^send_jobs:"
	dashboardPattern = "^dashboard:"
)

// JobService is the write side of send jobs.
type JobService interface {
	Submit(ctx context.Context, req domain.JobRequest) (*domain.SendJob, error)
	Pause(ctx context.Context, jobID, reason string) (*domain.SendJob, error)
	Resume(ctx context.Context, jobID, reason string) (*domain.SendJob, error)
	Cancel(ctx context.Context, jobID string) (*domain.SendJob, error)
	Progress(ctx context.Context, jobID string) (*domain.Progress, error)
}

type JobHandler struct {
	jobs    JobService
	repo    store.Repository
	cache   cache.Cache
	listTTL time.Duration
	logger  *slog.Logger
}

func NewJobHandler(jobs JobService, repo store.Repository, c cache.Cache, listTTL time.Duration, logger *slog.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, repo: repo, cache: c, listTTL: listTTL, logger: logger}
}

type jobListResponse struct {
	Data       []domain.SendJob `json:"data"`
	Page       int              `json:"page"`
	Limit      int              `json:"limit"`
	Total      int              `json:"total"`
	TotalPages int              `json:"total_pages"`
}

func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body createJobRequest
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, h.logger, err)
		return
	}
	req, err := body.toJobRequest()
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	job, err := h.jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.invalidate(r.Context())

	respondJSON(w, http.StatusCreated, job)
}

func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseJobQuery(q)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	key := cache.Key(jobListPrefix, map[string]string{
		"page":    strconv.Itoa(f.Page),
		"limit":   strconv.Itoa(f.Limit),
		"status":  string(f.Status),
		"channel": string(f.Channel),
		"sort":    f.SortBy + ":" + strconv.FormatBool(f.SortDesc),
	})

	var resp jobListResponse
	if ok, err := cache.GetJSON(r.Context(), h.cache, key, &resp); err == nil && ok {
		respondJSON(w, http.StatusOK, resp)
		return
	} else if err != nil {
		h.logger.Warn("job list cache read failed", "error", err)
	}

	jobs, total, err := h.repo.ListJobs(r.Context(), f)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp = jobListResponse{
		Data:       jobs,
		Page:       f.Page,
		Limit:      f.Limit,
		Total:      total,
		TotalPages: (total + f.Limit - 1) / f.Limit,
	}
	if err := cache.SetJSON(r.Context(), h.cache, key, resp, h.listTTL); err != nil {
		h.logger.Warn("job list cache write failed", "error", err)
	}

	respondJSON(w, http.StatusOK, resp)
}

func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.repo.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (h *JobHandler) Progress(w http.ResponseWriter, r *http.Request) {
	p, err := h.jobs.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *JobHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, err := parseLogQuery(id, r.URL.Query())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if _, err := h.repo.GetJob(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}

	logs, err := h.repo.ListLogs(r.Context(), f)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, logs)
}

func (h *JobHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(ctx context.Context, id, reason string) (*domain.SendJob, error) {
		return h.jobs.Pause(ctx, id, reason)
	})
}

func (h *JobHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(ctx context.Context, id, reason string) (*domain.SendJob, error) {
		return h.jobs.Resume(ctx, id, reason)
	})
}

func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(ctx context.Context, id, _ string) (*domain.SendJob, error) {
		return h.jobs.Cancel(ctx, id)
	})
}

func (h *JobHandler) control(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id, reason string) (*domain.SendJob, error)) {
	var body controlRequest
	if err := decodeBody(r, &body, true); err != nil {
		writeError(w, h.logger, err)
		return
	}

	job, err := op(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.invalidate(r.Context())

	respondJSON(w, http.StatusOK, job)
}

// invalidate drops cached list pages and dashboard aggregates after a write.
func (h *JobHandler) invalidate(ctx context.Context) {
	for _, pattern := range []string{jobListPattern, dashboardPattern} {
		if _, err := h.cache.DeleteByPattern(ctx, pattern); err != nil {
			h.logger.Warn("cache invalidation failed", "pattern", pattern, "error", err)
		}
	}
}
