package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newJob(id string, status domain.JobStatus, created time.Time) *domain.SendJob {
	return &domain.SendJob{
		ID:         id,
		ProductIDs: []string{"p-1"},
		ContactIDs: []string{"c-1", "c-2", "c-3"},
		Channel:    domain.ChannelSMS,
		Status:     status,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func newLogs(jobID string, n int) []domain.SendLog {
	logs := make([]domain.SendLog, n)
	for i := range logs {
		logs[i] = domain.SendLog{
			ID:           fmt.Sprintf("%s-log-%d", jobID, i),
			SendJobID:    jobID,
			ProductID:    "p-1",
			ContactID:    fmt.Sprintf("c-%d", i+1),
			Channel:      domain.ChannelSMS,
			Status:       domain.LogPending,
			TrackingCode: fmt.Sprintf("%s-code-%d", jobID, i),
			CreatedAt:    t0,
		}
	}
	return logs
}

// expanded stores a PROCESSING job with n pending rows.
func expanded(t *testing.T, s *MemoryStore, id string, n int) []domain.SendLog {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateJob(ctx, newJob(id, domain.JobProcessing, t0)); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	logs := newLogs(id, n)
	if _, err := s.ExpandJob(ctx, id, logs); err != nil {
		t.Fatalf("ExpandJob: %v", err)
	}
	return logs
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetJob(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetJob error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetLogByTrackingCode(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetLogByTrackingCode error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetProducts(ctx, []string{"nope"}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetProducts error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ClaimDueJobs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	later := t0.Add(time.Hour)

	s.CreateJob(ctx, newJob("b", domain.JobPending, t0.Add(time.Second)))
	s.CreateJob(ctx, newJob("a", domain.JobPending, t0))
	scheduled := newJob("c", domain.JobPending, t0)
	scheduled.ScheduledAt = &later
	s.CreateJob(ctx, scheduled)
	s.CreateJob(ctx, newJob("d", domain.JobPaused, t0))

	claimed, err := s.ClaimDueJobs(ctx, t0.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != "a" || claimed[1].ID != "b" {
		t.Fatalf("claimed %+v, want a then b", claimed)
	}
	for _, j := range claimed {
		if j.Status != domain.JobProcessing || j.StartedAt == nil {
			t.Errorf("job %s: status %s started %v", j.ID, j.Status, j.StartedAt)
		}
	}

	again, _ := s.ClaimDueJobs(ctx, t0.Add(time.Minute), 10)
	if len(again) != 0 {
		t.Errorf("claimed %d jobs twice", len(again))
	}

	due, _ := s.ClaimDueJobs(ctx, later, 10)
	if len(due) != 1 || due[0].ID != "c" {
		t.Errorf("scheduled job not claimed once due: %+v", due)
	}
}

func TestMemoryStore_TransitionJobIsCompareAndSet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.CreateJob(ctx, newJob("j", domain.JobProcessing, t0))

	job, err := s.TransitionJob(ctx, "j", []domain.JobStatus{domain.JobProcessing}, domain.JobPaused, "hold", t0)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if job.PauseReason == nil || *job.PauseReason != "hold" {
		t.Errorf("pause reason = %v", job.PauseReason)
	}

	_, err = s.TransitionJob(ctx, "j", []domain.JobStatus{domain.JobProcessing}, domain.JobPaused, "", t0)
	var conflict *domain.StateConflictError
	if !errors.As(err, &conflict) || conflict.Current != domain.JobPaused {
		t.Fatalf("second pause error = %v, want conflict from PAUSED", err)
	}

	job, err = s.TransitionJob(ctx, "j", []domain.JobStatus{domain.JobPaused}, domain.JobProcessing, "", t0)
	if err != nil || job.PauseReason != nil {
		t.Fatalf("resume = %+v, %v", job, err)
	}

	// Listed as a source but illegal in the state machine.
	_, err = s.TransitionJob(ctx, "j", []domain.JobStatus{domain.JobProcessing}, domain.JobPending, "", t0)
	if !errors.As(err, &conflict) {
		t.Errorf("PROCESSING -> PENDING error = %v, want conflict", err)
	}
}

func TestMemoryStore_ExpandIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	expanded(t, s, "j", 3)

	n, err := s.ExpandJob(ctx, "j", newLogs("other", 5))
	if err != nil || n != 3 {
		t.Fatalf("re-expand = %d, %v; want 3, nil", n, err)
	}
	job, _ := s.GetJob(ctx, "j")
	if job.RecipientCount != 3 || !job.Expanded {
		t.Errorf("job after re-expand: recipients %d expanded %v", job.RecipientCount, job.Expanded)
	}
	open, _ := s.ListOpenLogs(ctx, "j")
	if len(open) != 3 {
		t.Errorf("open rows = %d, want 3", len(open))
	}
	for i := 1; i < len(open); i++ {
		if open[i-1].Seq >= open[i].Seq {
			t.Errorf("open rows out of creation order: %d then %d", open[i-1].Seq, open[i].Seq)
		}
	}
}

func TestMemoryStore_RecordOutcomeFirstTerminalWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	logs := expanded(t, s, "j", 1)

	job, applied, err := s.RecordOutcome(ctx, domain.Outcome{LogID: logs[0].ID, Status: domain.LogFailed, ErrorCode: "X", At: t0})
	if err != nil || !applied || job.FailCount != 1 {
		t.Fatalf("first outcome = %+v, %v, %v", job, applied, err)
	}

	job, applied, err = s.RecordOutcome(ctx, domain.Outcome{LogID: logs[0].ID, Status: domain.LogSent, ExternalMessageID: "late", At: t0})
	if err != nil || applied {
		t.Fatalf("late outcome applied=%v err=%v", applied, err)
	}
	if job.SuccessCount != 0 || job.FailCount != 1 {
		t.Errorf("counters changed by late outcome: %d/%d", job.SuccessCount, job.FailCount)
	}
	if _, err := s.GetLogByExternalID(ctx, "late"); !errors.Is(err, domain.ErrNotFound) {
		t.Error("late external id was indexed")
	}
}

func TestMemoryStore_ConcurrentOutcomesCountOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	logs := expanded(t, s, "j", 20)

	var wg sync.WaitGroup
	for _, l := range logs {
		for _, st := range []domain.LogStatus{domain.LogSent, domain.LogFailed} {
			wg.Add(1)
			go func(id string, st domain.LogStatus) {
				defer wg.Done()
				s.RecordOutcome(ctx, domain.Outcome{LogID: id, Status: st, At: t0})
			}(l.ID, st)
		}
	}
	wg.Wait()

	job, _ := s.GetJob(ctx, "j")
	if job.SuccessCount+job.FailCount != 20 {
		t.Errorf("success %d + fail %d != 20", job.SuccessCount, job.FailCount)
	}
}

func TestMemoryStore_MarkRetryOnlyOpenRows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	logs := expanded(t, s, "j", 2)
	next := t0.Add(time.Second)

	ok, err := s.MarkRetry(ctx, domain.RetryMark{LogID: logs[0].ID, RetryCount: 1, NextAttemptAt: next, ErrorCode: "TIMEOUT"})
	if err != nil || !ok {
		t.Fatalf("MarkRetry = %v, %v", ok, err)
	}
	got, _ := s.GetLog(ctx, logs[0].ID)
	if got.Status != domain.LogRetry || got.RetryCount != 1 || got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(next) {
		t.Errorf("row after retry: %+v", got)
	}

	s.RecordOutcome(ctx, domain.Outcome{LogID: logs[1].ID, Status: domain.LogSent, At: t0})
	ok, _ = s.MarkRetry(ctx, domain.RetryMark{LogID: logs[1].ID, RetryCount: 1, NextAttemptAt: next})
	if ok {
		t.Error("MarkRetry moved a terminal row")
	}
}

func TestMemoryStore_AbortJobSweepsOpenRows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	logs := expanded(t, s, "j", 3)
	s.RecordOutcome(ctx, domain.Outcome{LogID: logs[0].ID, Status: domain.LogSent, At: t0})
	s.MarkRetry(ctx, domain.RetryMark{LogID: logs[1].ID, RetryCount: 1, NextAttemptAt: t0})

	job, swept, err := s.AbortJob(ctx, "j", domain.JobCancelled, domain.CodeCancelled, "job cancelled", t0)
	if err != nil {
		t.Fatalf("AbortJob: %v", err)
	}
	if swept != 2 || job.SuccessCount != 1 || job.FailCount != 2 || job.Status != domain.JobCancelled {
		t.Errorf("after abort: swept %d job %+v", swept, job)
	}
	if job.LastError != nil {
		t.Error("cancel set last_error")
	}

	for _, l := range logs[1:] {
		got, _ := s.GetLog(ctx, l.ID)
		if got.Status != domain.LogFailed || got.ErrorCode == nil || *got.ErrorCode != domain.CodeCancelled || got.NextAttemptAt != nil {
			t.Errorf("row %s after sweep: %+v", l.ID, got)
		}
	}

	_, _, err = s.AbortJob(ctx, "j", domain.JobCancelled, domain.CodeCancelled, "", t0)
	var conflict *domain.StateConflictError
	if !errors.As(err, &conflict) {
		t.Errorf("second abort error = %v, want conflict", err)
	}
	again, _ := s.GetJob(ctx, "j")
	if again.FailCount != 2 {
		t.Errorf("second abort changed counters: fail %d", again.FailCount)
	}
}

func TestMemoryStore_MarkDeliveredOneWay(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	logs := expanded(t, s, "j", 2)

	if ok, _ := s.MarkDelivered(ctx, logs[0].ID); ok {
		t.Error("PENDING row moved to DELIVERED")
	}
	s.RecordOutcome(ctx, domain.Outcome{LogID: logs[0].ID, Status: domain.LogSent, At: t0})
	if ok, _ := s.MarkDelivered(ctx, logs[0].ID); !ok {
		t.Error("SENT row not moved to DELIVERED")
	}
	if ok, _ := s.MarkDelivered(ctx, logs[0].ID); ok {
		t.Error("DELIVERED row moved again")
	}
}

func TestMemoryStore_ListJobsPaging(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		j := newJob(fmt.Sprintf("j%d", i), domain.JobPending, t0.Add(time.Duration(i)*time.Minute))
		if i == 4 {
			j.Channel = domain.ChannelKakao
		}
		s.CreateJob(ctx, j)
	}

	page, total, _ := s.ListJobs(ctx, JobFilter{Page: 2, Limit: 2, SortBy: "created_at", SortDesc: true})
	if total != 5 || len(page) != 2 || page[0].ID != "j2" || page[1].ID != "j1" {
		t.Errorf("page 2 desc = %v (total %d)", ids(page), total)
	}

	page, total, _ = s.ListJobs(ctx, JobFilter{Channel: domain.ChannelKakao, Page: 1, Limit: 10})
	if total != 1 || page[0].ID != "j4" {
		t.Errorf("channel filter = %v (total %d)", ids(page), total)
	}

	page, _, _ = s.ListJobs(ctx, JobFilter{Page: 9, Limit: 10})
	if len(page) != 0 {
		t.Errorf("page past the end returned %d jobs", len(page))
	}
}

func ids(jobs []domain.SendJob) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func TestMigrationFiles_Ordered(t *testing.T) {
	fsys := fstest.MapFS{
		"002_indexes.up.sql":  {Data: []byte("--")},
		"001_init.up.sql":     {Data: []byte("--")},
		"001_init.down.sql":   {Data: []byte("--")},
		"README.md":           {Data: []byte("x")},
		"nested/003_x.up.sql": {Data: []byte("--")},
	}
	files, err := migrationFiles(fsys)
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(files) != 2 || files[0] != "001_init.up.sql" || files[1] != "002_indexes.up.sql" {
		t.Errorf("files = %v", files)
	}
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := OpenRedis(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	defer client.Close()

	if _, err := OpenRedis(context.Background(), "not a url"); err == nil {
		t.Error("expected error for malformed URL")
	}
}
