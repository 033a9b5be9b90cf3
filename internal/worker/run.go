package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Priya8975/promo-dispatch/internal/domain"
	"github.com/Priya8975/promo-dispatch/internal/engine"
)

const (
	expandBaseDelay = 100 * time.Millisecond
	expandMaxDelay  = 5 * time.Second
)

var errHalted = errors.New("job left processing")

// execute drives one run of a PROCESSING job until it completes, fails, or
// its context ends. A run that ends through shutdown leaves the job
// PROCESSING with its open rows intact.
func (d *Dispatcher) execute(parent context.Context, jobID string) {
	d.recorder.RunStarted()
	defer d.recorder.RunStopped()

	ctx, halt := context.WithCancelCause(parent)
	defer halt(nil)

	logger := d.logger.With("job_id", jobID)

	job, err := d.repo.GetJob(ctx, jobID)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("failed to load job", "error", err)
		}
		return
	}
	if job.Status != domain.JobProcessing {
		logger.Debug("run skipped", "status", job.Status)
		return
	}

	for _, ch := range job.Channel.Expand() {
		if !d.sender.Supports(ch) {
			d.failJob(ctx, halt, logger, jobID, fmt.Sprintf("no sender available for channel %s", ch))
			return
		}
	}

	if !d.expand(ctx, halt, logger, job) {
		return
	}
	if job, err = d.repo.GetJob(ctx, jobID); err != nil {
		if ctx.Err() == nil {
			logger.Error("failed to reload job", "error", err)
		}
		return
	}
	d.notifier.JobStatus(job.Progress(d.now()))

	var systemic sync.Once
	onSystemic := func(cause error) {
		systemic.Do(func() {
			d.failJob(ctx, halt, logger, jobID, cause.Error())
		})
	}

	jobSem := semaphore.NewWeighted(int64(d.opts.JobConcurrency))
	for {
		rows, err := d.repo.ListOpenLogs(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("failed to list open send logs", "error", err)
			if !sleepCtx(ctx, d.opts.PollInterval) {
				break
			}
			continue
		}
		if len(rows) == 0 {
			break
		}

		var (
			wg      sync.WaitGroup
			errored atomic.Bool
		)
		for _, row := range rows {
			if err := jobSem.Acquire(ctx, 1); err != nil {
				break
			}
			// Tickets are reserved here, in row order, so the admission queue
			// holds a job's due rows in creation order. Rows still waiting out
			// a retry delay reserve theirs when the delay ends.
			var ticket *engine.Ticket
			if !d.waiting(row) {
				ticket = d.deliverer.Reserve(job, row)
			}
			wg.Add(1)
			go func(row domain.SendLog, ticket *engine.Ticket) {
				defer wg.Done()
				if !d.lineage(ctx, halt, job, row, ticket, jobSem, onSystemic) {
					errored.Store(true)
				}
			}(row, ticket)
		}
		wg.Wait()

		if ctx.Err() != nil {
			break
		}
		if errored.Load() && !sleepCtx(ctx, d.opts.PollInterval) {
			break
		}
	}

	if ctx.Err() != nil {
		logger.Info("job run stopped", "cause", context.Cause(ctx))
		return
	}

	done, err := d.repo.TransitionJob(context.WithoutCancel(ctx), jobID,
		[]domain.JobStatus{domain.JobProcessing}, domain.JobCompleted, "", d.now())
	if err != nil {
		var conflict *domain.StateConflictError
		if errors.As(err, &conflict) {
			logger.Info("job left processing before completion", "status", conflict.Current)
			return
		}
		logger.Error("failed to complete job", "error", err)
		return
	}

	logger.Info("job completed",
		"recipients", done.RecipientCount,
		"success", done.SuccessCount,
		"failed", done.FailCount,
	)
	d.recorder.JobFinished(done.Status)
	d.notifier.JobStatus(done.Progress(d.now()))
}

// expand inserts the job's rows, retrying store errors a bounded number of
// times before failing the job. It reports whether the run may continue.
func (d *Dispatcher) expand(ctx context.Context, halt context.CancelCauseFunc, logger *slog.Logger, job *domain.SendJob) bool {
	for attempt := 1; ; attempt++ {
		_, err := d.fanout.Expand(ctx, job)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if attempt >= maxExpandAttempts {
			d.failJob(ctx, halt, logger, job.ID, "fan-out failed: "+err.Error())
			return false
		}
		logger.Warn("fan-out failed, retrying", "attempt", attempt, "error", err)
		if !sleepCtx(ctx, engine.Backoff(attempt, expandBaseDelay, expandMaxDelay)) {
			return false
		}
	}
}

// waiting reports whether the row's next attempt is still in the future.
func (d *Dispatcher) waiting(row domain.SendLog) bool {
	return row.NextAttemptAt != nil && row.NextAttemptAt.After(d.now())
}

// lineage carries one row through its attempts. The caller has acquired one
// jobSem slot for it and, for a due row, reserved its admission ticket; the
// slot is released while the row waits out a retry delay. It returns false
// when a store call failed and the row is still open.
func (d *Dispatcher) lineage(ctx context.Context, halt context.CancelCauseFunc, job *domain.SendJob, row domain.SendLog, ticket *engine.Ticket, jobSem *semaphore.Weighted, onSystemic func(error)) bool {
	held := true
	defer func() {
		if ticket != nil {
			ticket.Cancel()
		}
		if held {
			jobSem.Release(1)
		}
	}()

	for {
		if ctx.Err() != nil {
			return true
		}
		if ticket == nil && d.waiting(row) {
			jobSem.Release(1)
			held = false
			if !sleepCtx(ctx, row.NextAttemptAt.Sub(d.now())) {
				return true
			}
			if err := jobSem.Acquire(ctx, 1); err != nil {
				return true
			}
			held = true
		}

		step := d.deliverer.Attempt(ctx, job, row, ticket)
		ticket = nil
		switch step.Kind {
		case StepRetry:
			row = step.Log
		case StepSystemic:
			onSystemic(step.Err)
			return true
		case StepHalted:
			halt(errHalted)
			return true
		case StepError:
			return false
		default:
			return true
		}
	}
}

// failJob finalizes the job as FAILED, sweeps its open rows and halts the run.
// Store errors are retried until the abort lands, the job has already left
// PROCESSING, or the run ends for another reason.
func (d *Dispatcher) failJob(ctx context.Context, halt context.CancelCauseFunc, logger *slog.Logger, jobID, reason string) {
	writeCtx := context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		job, swept, err := d.repo.AbortJob(writeCtx, jobID, domain.JobFailed, domain.CodeJobFailed, reason, d.now())
		if err == nil {
			halt(errSystemic)
			logger.Error("job failed", "reason", reason, "rows_swept", swept)
			d.recorder.JobFinished(job.Status)
			d.notifier.JobStatus(job.Progress(d.now()))
			return
		}

		var conflict *domain.StateConflictError
		if errors.As(err, &conflict) {
			logger.Info("job left processing before it could be failed", "status", conflict.Current)
			halt(errHalted)
			return
		}

		logger.Error("failed to fail job, retrying", "reason", reason, "attempt", attempt, "error", err)
		if !sleepCtx(ctx, engine.Backoff(attempt, expandBaseDelay, expandMaxDelay)) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
