package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

var (
	_ Repository    = (*MemoryStore)(nil)
	_ Catalog       = (*MemoryStore)(nil)
	_ CatalogWriter = (*MemoryStore)(nil)
)

// MemoryStore keeps all state in process memory behind a single mutex. It
// backs the tests and the store_backend=memory development mode.
type MemoryStore struct {
	mu sync.Mutex

	jobs       map[string]*domain.SendJob
	logs       map[string]*domain.SendLog
	jobLogs    map[string][]string
	byCode     map[string]string
	byExternal map[string]string
	events     []domain.TrackingEvent
	products   map[string]domain.Product
	contacts   map[string]domain.Contact
	seq        int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*domain.SendJob),
		logs:       make(map[string]*domain.SendLog),
		jobLogs:    make(map[string][]string),
		byCode:     make(map[string]string),
		byExternal: make(map[string]string),
		products:   make(map[string]domain.Product),
		contacts:   make(map[string]domain.Contact),
	}
}

func (s *MemoryStore) PutProduct(ctx context.Context, p domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
	return nil
}

func (s *MemoryStore) PutContact(ctx context.Context, c domain.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
	return nil
}

func cloneJob(j *domain.SendJob) *domain.SendJob {
	c := *j
	c.ProductIDs = append([]string(nil), j.ProductIDs...)
	c.ContactIDs = append([]string(nil), j.ContactIDs...)
	return &c
}

func cloneLog(l *domain.SendLog) *domain.SendLog {
	c := *l
	return &c
}

func conflict(j *domain.SendJob, to domain.JobStatus) error {
	return &domain.StateConflictError{JobID: j.ID, Current: j.Status, Requested: "transition to " + string(to)}
}

func containsStatus(list []domain.JobStatus, s domain.JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *domain.SendJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("inserting send job: duplicate id %s", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*domain.SendJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, f JobFilter) ([]domain.SendJob, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []domain.SendJob
	for _, j := range s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Channel != "" && j.Channel != f.Channel {
			continue
		}
		matched = append(matched, *cloneJob(j))
	}

	less := jobLess(f.SortBy)
	sort.SliceStable(matched, func(a, b int) bool {
		if f.SortDesc {
			return less(matched[b], matched[a])
		}
		return less(matched[a], matched[b])
	})

	total := len(matched)
	start := f.Offset()
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return matched[start:end], total, nil
}

func jobLess(field string) func(a, b domain.SendJob) bool {
	switch field {
	case "scheduled_at":
		return func(a, b domain.SendJob) bool {
			return timeOrZero(a.ScheduledAt).Before(timeOrZero(b.ScheduledAt))
		}
	case "status":
		return func(a, b domain.SendJob) bool { return a.Status < b.Status }
	case "recipient_count":
		return func(a, b domain.SendJob) bool { return a.RecipientCount < b.RecipientCount }
	case "success_count":
		return func(a, b domain.SendJob) bool { return a.SuccessCount < b.SuccessCount }
	case "fail_count":
		return func(a, b domain.SendJob) bool { return a.FailCount < b.FailCount }
	default:
		return func(a, b domain.SendJob) bool { return a.CreatedAt.Before(b.CreatedAt) }
	}
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (s *MemoryStore) JobSummary(ctx context.Context) (*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := &Summary{
		JobsByStatus:   map[domain.JobStatus]int{},
		TrackingEvents: map[domain.EventType]int{},
	}
	for _, j := range s.jobs {
		sum.JobsByStatus[j.Status]++
		sum.TotalJobs++
	}
	for _, l := range s.logs {
		sum.TotalLogs++
		if l.Status.Successful() {
			sum.SuccessCount++
		}
		if l.Status == domain.LogFailed {
			sum.FailedCount++
		}
	}
	if done := sum.SuccessCount + sum.FailedCount; done > 0 {
		sum.SuccessRate = float64(sum.SuccessCount) / float64(done) * 100
	}
	for _, ev := range s.events {
		sum.TrackingEvents[ev.EventType]++
	}
	return sum, nil
}

func (s *MemoryStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]domain.SendJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.SendJob
	for _, j := range s.jobs {
		if j.Status == domain.JobPending && j.Due(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].CreatedAt.Before(due[b].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]domain.SendJob, 0, len(due))
	for _, j := range due {
		j.Status = domain.JobProcessing
		if j.StartedAt == nil {
			started := now
			j.StartedAt = &started
		}
		j.UpdatedAt = now
		claimed = append(claimed, *cloneJob(j))
	}
	return claimed, nil
}

func (s *MemoryStore) TransitionJob(ctx context.Context, id string, from []domain.JobStatus, to domain.JobStatus, reason string, now time.Time) (*domain.SendJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !containsStatus(from, j.Status) || !domain.CanTransition(j.Status, to) {
		return nil, conflict(j, to)
	}

	j.Status = to
	j.UpdatedAt = now
	switch {
	case to == domain.JobPaused:
		if reason != "" {
			r := reason
			j.PauseReason = &r
		}
	case to == domain.JobProcessing:
		j.PauseReason = nil
		if j.StartedAt == nil {
			started := now
			j.StartedAt = &started
		}
	case to.Terminal():
		done := now
		j.CompletedAt = &done
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) AbortJob(ctx context.Context, id string, to domain.JobStatus, code, msg string, now time.Time) (*domain.SendJob, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, 0, domain.ErrNotFound
	}
	if !domain.CanTransition(j.Status, to) {
		return nil, 0, conflict(j, to)
	}

	swept := 0
	for _, logID := range s.jobLogs[id] {
		l := s.logs[logID]
		if !l.Status.Open() {
			continue
		}
		c, m := code, msg
		l.Status = domain.LogFailed
		l.ErrorCode = &c
		l.ErrorMessage = &m
		l.NextAttemptAt = nil
		swept++
	}

	j.FailCount += swept
	j.Status = to
	j.UpdatedAt = now
	done := now
	j.CompletedAt = &done
	if to == domain.JobFailed {
		m := msg
		j.LastError = &m
	}
	return cloneJob(j), swept, nil
}

func (s *MemoryStore) ExpandJob(ctx context.Context, jobID string, logs []domain.SendLog) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if j.Expanded {
		return len(s.jobLogs[jobID]), nil
	}

	for i := range logs {
		if _, dup := s.byCode[logs[i].TrackingCode]; dup {
			return 0, fmt.Errorf("inserting send log: duplicate tracking code %s", logs[i].TrackingCode)
		}
	}
	for i := range logs {
		s.seq++
		l := logs[i]
		l.Seq = s.seq
		s.logs[l.ID] = &l
		s.jobLogs[jobID] = append(s.jobLogs[jobID], l.ID)
		s.byCode[l.TrackingCode] = l.ID
	}
	j.RecipientCount = len(logs)
	j.Expanded = true
	return len(logs), nil
}

func (s *MemoryStore) ListOpenLogs(ctx context.Context, jobID string) ([]domain.SendLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []domain.SendLog
	for _, id := range s.jobLogs[jobID] {
		if l := s.logs[id]; l.Status.Open() {
			open = append(open, *cloneLog(l))
		}
	}
	return open, nil
}

func (s *MemoryStore) MarkRetry(ctx context.Context, m domain.RetryMark) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[m.LogID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !l.Status.Open() {
		return false, nil
	}
	code, msg, next := m.ErrorCode, m.ErrorMessage, m.NextAttemptAt
	l.Status = domain.LogRetry
	l.RetryCount = m.RetryCount
	l.NextAttemptAt = &next
	l.ErrorCode = &code
	l.ErrorMessage = &msg
	return true, nil
}

func (s *MemoryStore) RecordOutcome(ctx context.Context, o domain.Outcome) (*domain.SendJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[o.LogID]
	if !ok {
		return nil, false, domain.ErrNotFound
	}
	j, ok := s.jobs[l.SendJobID]
	if !ok {
		return nil, false, domain.ErrNotFound
	}
	if !l.Status.Open() {
		return cloneJob(j), false, nil
	}

	l.Status = o.Status
	l.NextAttemptAt = nil
	if o.Status.Successful() {
		l.ErrorCode = nil
		l.ErrorMessage = nil
		if o.ExternalMessageID != "" {
			ext := o.ExternalMessageID
			l.ExternalMessageID = &ext
			s.byExternal[ext] = l.ID
		}
		if l.SentAt == nil {
			at := o.At
			l.SentAt = &at
		}
		j.SuccessCount++
	} else {
		code, msg := o.ErrorCode, o.ErrorMessage
		l.ErrorCode = &code
		l.ErrorMessage = &msg
		j.FailCount++
	}
	j.UpdatedAt = o.At
	return cloneJob(j), true, nil
}

func (s *MemoryStore) MarkDelivered(ctx context.Context, logID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[logID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if l.Status != domain.LogSent {
		return false, nil
	}
	l.Status = domain.LogDelivered
	return true, nil
}

func (s *MemoryStore) GetLog(ctx context.Context, id string) (*domain.SendLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneLog(l), nil
}

func (s *MemoryStore) GetLogByTrackingCode(ctx context.Context, code string) (*domain.SendLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCode[code]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneLog(s.logs[id]), nil
}

func (s *MemoryStore) GetLogByExternalID(ctx context.Context, externalID string) (*domain.SendLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneLog(s.logs[id]), nil
}

func (s *MemoryStore) ListLogs(ctx context.Context, f LogFilter) ([]domain.SendLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	if f.JobID != "" {
		ids = s.jobLogs[f.JobID]
	} else {
		for id := range s.logs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(a, b int) bool { return s.logs[ids[a]].Seq < s.logs[ids[b]].Seq })
	}

	out := []domain.SendLog{}
	for _, id := range ids {
		l := s.logs[id]
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if f.Channel != "" && l.Channel != f.Channel {
			continue
		}
		out = append(out, *cloneLog(l))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertTrackingEvent(ctx context.Context, ev *domain.TrackingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *MemoryStore) ListTrackingEvents(ctx context.Context, f EventFilter) ([]domain.TrackingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.TrackingEvent{}
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if f.ProductID != "" && (ev.ProductID == nil || *ev.ProductID != f.ProductID) {
			continue
		}
		if f.SendLogID != "" && (ev.SendLogID == nil || *ev.SendLogID != f.SendLogID) {
			continue
		}
		if f.EventType != "" && ev.EventType != f.EventType {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetProducts(ctx context.Context, ids []string) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Product, 0, len(ids))
	for _, id := range ids {
		p, ok := s.products[id]
		if !ok {
			return nil, fmt.Errorf("product %s: %w", id, domain.ErrNotFound)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, fmt.Errorf("contact %s: %w", id, domain.ErrNotFound)
	}
	return &c, nil
}
