package domain

import (
	"math"
	"time"
)

// JobStatus is the lifecycle state of a SendJob.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobPaused     JobStatus = "PAUSED"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobProcessing, JobCancelled},
	JobProcessing: {JobPaused, JobCompleted, JobFailed, JobCancelled},
	JobPaused:     {JobProcessing, JobCancelled},
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobProcessing, JobPaused, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is legal from s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to JobStatus) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every status that may legally move to the given status.
func SourcesOf(to JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range []JobStatus{JobPending, JobProcessing, JobPaused} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// SendJob is one bulk send request: a product set sent to a contact list over a channel.
type SendJob struct {
	ID             string     `json:"id"`
	ProductIDs     []string   `json:"product_ids"`
	ContactIDs     []string   `json:"contact_ids"`
	Channel        Channel    `json:"channel"`
	CustomMessage  *string    `json:"custom_message,omitempty"`
	RecipientCount int        `json:"recipient_count"`
	SuccessCount   int        `json:"success_count"`
	FailCount      int        `json:"fail_count"`
	Status         JobStatus  `json:"status"`
	PauseReason    *string    `json:"pause_reason,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	Expanded       bool       `json:"-"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Due reports whether the job may begin dispatch at now.
func (j *SendJob) Due(now time.Time) bool {
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}

// Processed is the number of rows that reached a terminal status.
func (j *SendJob) Processed() int {
	return j.SuccessCount + j.FailCount
}

// Progress is the pull-based read model of a job, also pushed over the progress stream.
type Progress struct {
	JobID               string     `json:"job_id"`
	Status              JobStatus  `json:"status"`
	TotalCount          int        `json:"total_count"`
	SentCount           int        `json:"sent_count"`
	SuccessCount        int        `json:"success_count"`
	FailedCount         int        `json:"failed_count"`
	Progress            float64    `json:"progress"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// Progress builds the read model. The completion estimate extrapolates the
// throughput observed since StartedAt and is only given for running jobs.
func (j *SendJob) Progress(now time.Time) Progress {
	p := Progress{
		JobID:        j.ID,
		Status:       j.Status,
		TotalCount:   j.RecipientCount,
		SentCount:    j.Processed(),
		SuccessCount: j.SuccessCount,
		FailedCount:  j.FailCount,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
	if p.TotalCount > 0 {
		p.Progress = math.Round(float64(p.SentCount)/float64(p.TotalCount)*10000) / 100
	}

	if j.Status == JobProcessing && j.StartedAt != nil && p.SentCount > 0 && p.SentCount < p.TotalCount {
		elapsed := now.Sub(*j.StartedAt)
		perRow := elapsed / time.Duration(p.SentCount)
		eta := now.Add(perRow * time.Duration(p.TotalCount-p.SentCount))
		p.EstimatedCompletion = &eta
	}
	return p
}
