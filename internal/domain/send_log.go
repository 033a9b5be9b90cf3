package domain

import "time"

// LogStatus is the status of one (job, recipient, channel) delivery lineage.
type LogStatus string

const (
	LogPending   LogStatus = "PENDING"
	LogSent      LogStatus = "SENT"
	LogDelivered LogStatus = "DELIVERED"
	LogFailed    LogStatus = "FAILED"
	LogRetry     LogStatus = "RETRY"

	// LogSuccess is accepted on input as a display alias of LogSent.
	LogSuccess LogStatus = "SUCCESS"
)

// Error codes written by the engine itself. Carrier codes pass through unchanged.
const (
	CodeCancelled    = "CANCELLED"
	CodeJobFailed    = "JOB_FAILED"
	CodeTimeout      = "TIMEOUT"
	CodeRenderFailed = "RENDER_FAILED"
	CodeUnknown      = "UNKNOWN"
)

// ParseLogStatus normalizes user input, folding SUCCESS onto SENT.
func ParseLogStatus(s string) (LogStatus, bool) {
	st := LogStatus(s)
	switch st {
	case LogSuccess:
		return LogSent, true
	case LogPending, LogSent, LogDelivered, LogFailed, LogRetry:
		return st, true
	}
	return "", false
}

// Terminal reports whether no further attempt will be made for the row.
func (s LogStatus) Terminal() bool {
	return s == LogSent || s == LogDelivered || s == LogFailed
}

// Open reports whether the row still waits for admission.
func (s LogStatus) Open() bool {
	return s == LogPending || s == LogRetry
}

// Successful reports whether the status counts toward a job's successCount.
func (s LogStatus) Successful() bool {
	return s == LogSent || s == LogDelivered
}

// SendLog is one delivery lineage for a recipient on one channel within a job.
type SendLog struct {
	ID                string     `json:"id"`
	SendJobID         string     `json:"send_job_id"`
	ProductID         string     `json:"product_id"`
	ContactID         string     `json:"contact_id"`
	Channel           Channel    `json:"channel"`
	Status            LogStatus  `json:"status"`
	TrackingCode      string     `json:"tracking_code"`
	ErrorCode         *string    `json:"error_code,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	ExternalMessageID *string    `json:"external_message_id,omitempty"`
	RetryCount        int        `json:"retry_count"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	Seq               int64      `json:"-"`
}

// Outcome is a terminal transition for a row, applied together with the
// matching job counter increment.
type Outcome struct {
	LogID             string
	JobID             string
	Status            LogStatus
	ExternalMessageID string
	ErrorCode         string
	ErrorMessage      string
	At                time.Time
}

// RetryMark moves a row to RETRY after a transient failure.
type RetryMark struct {
	LogID         string
	RetryCount    int
	NextAttemptAt time.Time
	ErrorCode     string
	ErrorMessage  string
}
