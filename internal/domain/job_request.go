package domain

import "time"

// JobRequest is a validated request to create a SendJob.
type JobRequest struct {
	ProductIDs    []string   `json:"productIds"`
	ContactIDs    []string   `json:"contactIds"`
	Channel       Channel    `json:"channel"`
	ScheduledAt   *time.Time `json:"scheduledAt,omitempty"`
	CustomMessage *string    `json:"customMessage,omitempty"`
}

// Validate checks the request shape. It does not look up products or contacts.
func (r *JobRequest) Validate() error {
	verr := NewValidationError()
	if len(r.ProductIDs) == 0 {
		verr.Add("productIds", "must not be empty")
	}
	for _, id := range r.ProductIDs {
		if id == "" {
			verr.Add("productIds", "must not contain empty ids")
			break
		}
	}
	if len(r.ContactIDs) == 0 {
		verr.Add("contactIds", "must not be empty")
	}
	for _, id := range r.ContactIDs {
		if id == "" {
			verr.Add("contactIds", "must not contain empty ids")
			break
		}
	}
	if !r.Channel.ValidForJob() {
		verr.Add("channel", "must be one of SMS, KAKAO, BOTH")
	}
	return verr.Err()
}

// NewSendJob builds the PENDING job for a validated request. Repeated product
// ids keep their first position.
func (r *JobRequest) NewSendJob(id string, now time.Time) *SendJob {
	return &SendJob{
		ID:            id,
		ProductIDs:    uniqueIDs(r.ProductIDs),
		ContactIDs:    append([]string(nil), r.ContactIDs...),
		Channel:       r.Channel,
		CustomMessage: r.CustomMessage,
		Status:        JobPending,
		ScheduledAt:   r.ScheduledAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
