package store

import (
	"context"
	"time"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

// Repository is the durable state of the dispatch engine: jobs, their send
// logs and tracking events. Lookups return domain.ErrNotFound for missing rows.
//
// Every method that changes a row's status is a compare-and-set on the
// current status; the returned bool reports whether the write applied.
type Repository interface {
	CreateJob(ctx context.Context, job *domain.SendJob) error
	GetJob(ctx context.Context, id string) (*domain.SendJob, error)
	ListJobs(ctx context.Context, f JobFilter) ([]domain.SendJob, int, error)
	JobSummary(ctx context.Context) (*Summary, error)

	// ClaimDueJobs moves due PENDING jobs to PROCESSING and returns them.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]domain.SendJob, error)
	// TransitionJob moves a job from one of the given statuses to the target.
	// It returns a *domain.StateConflictError when the job is in another status.
	TransitionJob(ctx context.Context, id string, from []domain.JobStatus, to domain.JobStatus, reason string, now time.Time) (*domain.SendJob, error)
	// AbortJob moves a non-terminal job to CANCELLED or FAILED and sweeps every
	// open row to FAILED with code, counting them into failCount.
	AbortJob(ctx context.Context, id string, to domain.JobStatus, code, msg string, now time.Time) (*domain.SendJob, int, error)

	// ExpandJob inserts the rows of a job that has not been expanded yet and
	// sets recipientCount. Calling it again is a no-op returning the row count.
	ExpandJob(ctx context.Context, jobID string, logs []domain.SendLog) (int, error)
	// ListOpenLogs returns PENDING and RETRY rows in creation order.
	ListOpenLogs(ctx context.Context, jobID string) ([]domain.SendLog, error)
	MarkRetry(ctx context.Context, m domain.RetryMark) (bool, error)
	// RecordOutcome applies a terminal row transition and the matching counter
	// increment atomically. A row that is already terminal is left untouched.
	RecordOutcome(ctx context.Context, o domain.Outcome) (*domain.SendJob, bool, error)
	MarkDelivered(ctx context.Context, logID string) (bool, error)

	GetLog(ctx context.Context, id string) (*domain.SendLog, error)
	GetLogByTrackingCode(ctx context.Context, code string) (*domain.SendLog, error)
	GetLogByExternalID(ctx context.Context, externalID string) (*domain.SendLog, error)
	ListLogs(ctx context.Context, f LogFilter) ([]domain.SendLog, error)

	InsertTrackingEvent(ctx context.Context, ev *domain.TrackingEvent) error
	ListTrackingEvents(ctx context.Context, f EventFilter) ([]domain.TrackingEvent, error)
}

// Catalog reads the product and contact reference data the renderer needs.
type Catalog interface {
	GetProducts(ctx context.Context, ids []string) ([]domain.Product, error)
	GetContact(ctx context.Context, id string) (*domain.Contact, error)
}

// CatalogWriter upserts reference data. The engine never calls it; it backs
// the catalog admin endpoints and seeding.
type CatalogWriter interface {
	PutProduct(ctx context.Context, p domain.Product) error
	PutContact(ctx context.Context, c domain.Contact) error
}

// JobFilter selects a page of jobs.
type JobFilter struct {
	Status   domain.JobStatus
	Channel  domain.Channel
	Page     int
	Limit    int
	SortBy   string
	SortDesc bool
}

// Offset is the row offset of the requested page.
func (f JobFilter) Offset() int {
	if f.Page < 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// Sortable job columns, keyed by their API name.
var JobSortColumns = map[string]string{
	"created_at":      "created_at",
	"scheduled_at":    "scheduled_at",
	"status":          "status",
	"recipient_count": "recipient_count",
	"success_count":   "success_count",
	"fail_count":      "fail_count",
}

// LogFilter selects send logs.
type LogFilter struct {
	JobID   string
	Status  domain.LogStatus
	Channel domain.Channel
	Limit   int
}

// EventFilter selects tracking events.
type EventFilter struct {
	ProductID string
	SendLogID string
	EventType domain.EventType
	Limit     int
}

// Summary aggregates job and row counts for the dashboard.
type Summary struct {
	JobsByStatus   map[domain.JobStatus]int `json:"jobs_by_status"`
	TotalJobs      int                      `json:"total_jobs"`
	TotalLogs      int                      `json:"total_logs"`
	SuccessCount   int                      `json:"success_count"`
	FailedCount    int                      `json:"failed_count"`
	SuccessRate    float64                  `json:"success_rate"`
	TrackingEvents map[domain.EventType]int `json:"tracking_events"`
}
