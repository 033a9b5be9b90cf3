package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Priya8975/promo-dispatch/internal/domain"
	"github.com/Priya8975/promo-dispatch/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	defaultLogLimit = 100
	maxLogLimit     = 1000
	defaultSort     = "created_at:desc"
)

type createJobRequest struct {
	ProductIDs    []string       `json:"productIds"`
	ContactIDs    []string       `json:"contactIds"`
	Channel       domain.Channel `json:"channel"`
	ScheduledAt   *string        `json:"scheduledAt"`
	CustomMessage *string        `json:"customMessage"`
}

// toJobRequest parses the timestamp and runs the request validation once,
// so a bad scheduledAt is reported alongside every other field problem.
func (c createJobRequest) toJobRequest() (domain.JobRequest, error) {
	req := domain.JobRequest{
		ProductIDs:    c.ProductIDs,
		ContactIDs:    c.ContactIDs,
		Channel:       domain.Channel(strings.ToUpper(string(c.Channel))),
		CustomMessage: c.CustomMessage,
	}

	verr := domain.NewValidationError()
	if c.ScheduledAt != nil && *c.ScheduledAt != "" {
		at, err := time.Parse(time.RFC3339, *c.ScheduledAt)
		if err != nil {
			verr.Add("scheduledAt", "must be an ISO-8601 timestamp")
		} else {
			req.ScheduledAt = &at
		}
	}
	if err := req.Validate(); err != nil {
		var fields *domain.ValidationError
		if errors.As(err, &fields) {
			for k, v := range fields.Fields {
				verr.Add(k, v)
			}
		} else {
			return req, err
		}
	}
	return req, verr.Err()
}

type controlRequest struct {
	Reason string `json:"reason"`
}

// decodeBody decodes JSON into v. An empty body leaves v untouched when optional.
func decodeBody(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return nil
	}
	verr := domain.NewValidationError()
	verr.Add("body", "must be a valid JSON object")
	return verr
}

// parseJobQuery validates list parameters: page >= 1, limit 1-100,
// sort as field:direction.
func parseJobQuery(q url.Values) (store.JobFilter, error) {
	verr := domain.NewValidationError()
	f := store.JobFilter{Page: 1, Limit: defaultPageSize}

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			verr.Add("page", "must be an integer >= 1")
		}
		f.Page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			verr.Add("limit", "must be an integer between 1 and 100")
		}
		f.Limit = n
	}
	if v := q.Get("status"); v != "" {
		s := domain.JobStatus(strings.ToUpper(v))
		if !s.Valid() {
			verr.Add("status", "unknown job status")
		}
		f.Status = s
	}
	if v := q.Get("channel"); v != "" {
		ch := domain.Channel(strings.ToUpper(v))
		if !ch.ValidForJob() {
			verr.Add("channel", "must be one of SMS, KAKAO, BOTH")
		}
		f.Channel = ch
	}

	sort := q.Get("sort")
	if sort == "" {
		sort = defaultSort
	}
	field, dir, ok := strings.Cut(sort, ":")
	if _, known := store.JobSortColumns[field]; !ok || !known {
		verr.Add("sort", "must be field:direction with a sortable field")
	}
	switch strings.ToLower(dir) {
	case "asc":
	case "desc":
		f.SortDesc = true
	default:
		verr.Add("sort", "direction must be asc or desc")
	}
	f.SortBy = field

	return f, verr.Err()
}

func parseLogQuery(jobID string, q url.Values) (store.LogFilter, error) {
	verr := domain.NewValidationError()
	f := store.LogFilter{JobID: jobID, Limit: defaultLogLimit}

	if v := q.Get("status"); v != "" {
		s, ok := domain.ParseLogStatus(strings.ToUpper(v))
		if !ok {
			verr.Add("status", "unknown send log status")
		}
		f.Status = s
	}
	if v := q.Get("channel"); v != "" {
		ch := domain.Channel(strings.ToUpper(v))
		if !ch.ValidForLog() {
			verr.Add("channel", "must be SMS or KAKAO")
		}
		f.Channel = ch
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLogLimit {
			verr.Add("limit", "must be an integer between 1 and 1000")
		}
		f.Limit = n
	}
	return f, verr.Err()
}

func parseEventQuery(q url.Values) (store.EventFilter, error) {
	verr := domain.NewValidationError()
	f := store.EventFilter{
		ProductID: q.Get("product_id"),
		SendLogID: q.Get("send_log_id"),
		Limit:     defaultLogLimit,
	}
	if v := q.Get("event_type"); v != "" {
		t := domain.EventType(strings.ToUpper(v))
		if !t.Valid() {
			verr.Add("event_type", "must be one of CLICK, READ, DELIVERED")
		}
		f.EventType = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLogLimit {
			verr.Add("limit", "must be an integer between 1 and 1000")
		}
		f.Limit = n
	}
	return f, verr.Err()
}
