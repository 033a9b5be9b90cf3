//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

// Run with: DATABASE_URL=postgres://... go test -tags integration ./internal/store/
func openPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgres(ctx, url)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.RunMigrations(ctx, "../../migrations"); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	// A second pass must skip what is already applied.
	if err := s.RunMigrations(ctx, "../../migrations"); err != nil {
		t.Fatalf("RunMigrations again: %v", err)
	}
	return s
}

// pgJob stores a job under a fresh id. Tracking codes stay within the
// column's 16 characters.
func pgJob(t *testing.T, s *PostgresStore, status domain.JobStatus, rows int) (*domain.SendJob, []domain.SendLog) {
	t.Helper()
	ctx := context.Background()
	short := uuid.NewString()[:8]
	now := time.Now().UTC().Truncate(time.Microsecond)

	job := newJob("it-"+short, status, now)
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	logs := make([]domain.SendLog, rows)
	for i := range logs {
		logs[i] = domain.SendLog{
			ID:           fmt.Sprintf("%s-%d", job.ID, i),
			SendJobID:    job.ID,
			ProductID:    "p-1",
			ContactID:    fmt.Sprintf("c-%d", i),
			Channel:      domain.ChannelSMS,
			Status:       domain.LogPending,
			TrackingCode: fmt.Sprintf("%s%03d", short, i),
			CreatedAt:    now,
		}
	}
	if rows > 0 {
		if _, err := s.ExpandJob(ctx, job.ID, logs); err != nil {
			t.Fatalf("ExpandJob: %v", err)
		}
	}
	return job, logs
}

func TestPostgres_GetMissing(t *testing.T) {
	s := openPostgres(t)
	ctx := context.Background()

	if _, err := s.GetJob(ctx, "missing-"+uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetJob: got %v, want ErrNotFound", err)
	}
	_, _, err := s.RecordOutcome(ctx, domain.Outcome{LogID: "missing-" + uuid.NewString(), Status: domain.LogSent, At: time.Now()})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("RecordOutcome: got %v, want ErrNotFound", err)
	}
}

func TestPostgres_TransitionJobIsCompareAndSet(t *testing.T) {
	s := openPostgres(t)
	ctx := context.Background()
	job, _ := pgJob(t, s, domain.JobProcessing, 0)

	paused, err := s.TransitionJob(ctx, job.ID, []domain.JobStatus{domain.JobProcessing}, domain.JobPaused, "review", time.Now())
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Status != domain.JobPaused || paused.PauseReason == nil || *paused.PauseReason != "review" {
		t.Errorf("paused job: %+v", paused)
	}

	_, err = s.TransitionJob(ctx, job.ID, []domain.JobStatus{domain.JobProcessing}, domain.JobPaused, "again", time.Now())
	var conflict *domain.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second pause: got %v, want StateConflictError", err)
	}
	if conflict.Current != domain.JobPaused {
		t.Errorf("conflict current = %s", conflict.Current)
	}
}

func TestPostgres_ConcurrentClaimsAreDisjoint(t *testing.T) {
	s := openPostgres(t)
	ctx := context.Background()

	mine := map[string]bool{}
	for i := 0; i < 6; i++ {
		job, _ := pgJob(t, s, domain.JobPending, 0)
		mine[job.ID] = true
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		claimed = map[string]int{}
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := s.ClaimDueJobs(ctx, time.Now(), 100)
			if err != nil {
				t.Errorf("ClaimDueJobs: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, j := range jobs {
				claimed[j.ID]++
			}
		}()
	}
	wg.Wait()

	for id := range mine {
		if claimed[id] != 1 {
			t.Errorf("job %s claimed %d times", id, claimed[id])
		}
	}
}

func TestPostgres_ExpandIsIdempotent(t *testing.T) {
	s := openPostgres(t)
	ctx := context.Background()
	job, logs := pgJob(t, s, domain.JobProcessing, 3)

	n, err := s.ExpandJob(ctx, job.ID, logs)
	if err != nil {
		t.Fatalf("second ExpandJob: %v", err)
	}
	if n != 3 {
		t.Errorf("second ExpandJob reported %d rows, want 3", n)
	}
	got, err := s.ListLogs(ctx, LogFilter{JobID: job.ID})
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d rows, want 3", len(got))
	}
	for i, l := range got {
		if l.ID != logs[i].ID {
			t.Errorf("row %d = %s, want %s", i, l.ID, logs[i].ID)
		}
	}
	reloaded, _ := s.GetJob(ctx, job.ID)
	if reloaded.RecipientCount != 3 {
		t.Errorf("recipient count = %d", reloaded.RecipientCount)
	}
}

// Outcomes racing an abort must neither deadlock nor count a row twice.
func TestPostgres_AbortRacesOutcomes(t *testing.T) {
	s := openPostgres(t)
	ctx := context.Background()

	for round := 0; round < 5; round++ {
		job, logs := pgJob(t, s, domain.JobProcessing, 20)

		var wg sync.WaitGroup
		errs := make(chan error, len(logs)+1)
		for _, l := range logs {
			wg.Add(1)
			go func(l domain.SendLog) {
				defer wg.Done()
				_, _, err := s.RecordOutcome(ctx, domain.Outcome{
					LogID: l.ID, JobID: job.ID, Status: domain.LogSent, At: time.Now(),
				})
				errs <- err
			}(l)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.AbortJob(ctx, job.ID, domain.JobCancelled, domain.CodeCancelled, "job cancelled", time.Now())
			errs <- err
		}()
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("round %d: %v", round, err)
			}
		}

		final, err := s.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if final.Status != domain.JobCancelled {
			t.Errorf("round %d: status %s", round, final.Status)
		}
		if final.SuccessCount+final.FailCount != final.RecipientCount {
			t.Errorf("round %d: %d + %d != %d", round, final.SuccessCount, final.FailCount, final.RecipientCount)
		}
		open, _ := s.ListOpenLogs(ctx, job.ID)
		if len(open) != 0 {
			t.Errorf("round %d: %d rows left open", round, len(open))
		}
	}
}
