package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Priya8975/promo-dispatch/internal/carrier"
	"github.com/Priya8975/promo-dispatch/internal/domain"
	"github.com/Priya8975/promo-dispatch/internal/engine"
	"github.com/Priya8975/promo-dispatch/internal/metrics"
	"github.com/Priya8975/promo-dispatch/internal/render"
	"github.com/Priya8975/promo-dispatch/internal/store"
)

// Notifier receives live job updates for push delivery to clients.
type Notifier interface {
	JobProgress(p domain.Progress)
	JobStatus(p domain.Progress)
}

type nopNotifier struct{}

func (nopNotifier) JobProgress(domain.Progress) {}
func (nopNotifier) JobStatus(domain.Progress)   {}

// RetryPolicy bounds transient retries of one row.
type RetryPolicy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	SendTimeout time.Duration
}

// StepKind is what happened to a row in one attempt.
type StepKind int

const (
	// StepDone means the row is terminal, or the outcome was ignored because it already was.
	StepDone StepKind = iota
	// StepRetry means the row is in RETRY and Step.Log carries its next attempt time.
	StepRetry
	// StepAborted means the run stopped before admission; the row is unchanged.
	StepAborted
	// StepSystemic means the sender reported a capability failure.
	StepSystemic
	// StepError means a store read or write failed; the row is still open.
	StepError
	// StepHalted means the job left PROCESSING, possibly through another
	// instance, so the run must stop.
	StepHalted
)

// Step is the result of one attempt.
type Step struct {
	Kind StepKind
	Log  domain.SendLog
	Err  error
}

// Deliverer performs one render → admit → send → record attempt for a row.
type Deliverer struct {
	repo     store.Repository
	renderer render.Renderer
	sender   carrier.Sender
	admitter *engine.Admitter
	global   *semaphore.Weighted
	notifier Notifier
	recorder *metrics.Recorder
	logger   *slog.Logger
	policy   RetryPolicy
	now      func() time.Time
}

func NewDeliverer(
	repo store.Repository,
	renderer render.Renderer,
	sender carrier.Sender,
	admitter *engine.Admitter,
	globalConcurrency int,
	policy RetryPolicy,
	notifier Notifier,
	recorder *metrics.Recorder,
	logger *slog.Logger,
) *Deliverer {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if globalConcurrency < 1 {
		globalConcurrency = 1
	}
	return &Deliverer{
		repo:     repo,
		renderer: renderer,
		sender:   sender,
		admitter: admitter,
		global:   semaphore.NewWeighted(int64(globalConcurrency)),
		notifier: notifier,
		recorder: recorder,
		logger:   logger,
		policy:   policy,
		now:      time.Now,
	}
}

// Reserve takes the row's place in the channel's admission queue. Reserving
// in row order is what makes a job's admissions follow creation order.
func (d *Deliverer) Reserve(job *domain.SendJob, log domain.SendLog) *engine.Ticket {
	return d.admitter.Enqueue(job.ID, log.Channel)
}

// Attempt runs one delivery attempt on a reserved ticket, reserving one when
// ticket is nil. runCtx is the job run: once it ends no new admission is
// waited for, but an attempt that was already admitted is sent and recorded
// regardless. The ticket is always consumed or withdrawn.
func (d *Deliverer) Attempt(runCtx context.Context, job *domain.SendJob, log domain.SendLog, ticket *engine.Ticket) Step {
	logger := d.logger.With("job_id", job.ID, "send_log_id", log.ID, "channel", log.Channel, "attempt", log.RetryCount+1)
	writeCtx := context.WithoutCancel(runCtx)

	if ticket == nil {
		ticket = d.Reserve(job, log)
	}
	admitted := false
	defer func() {
		if !admitted {
			ticket.Cancel()
		}
	}()

	if step, ok := d.checkCurrent(runCtx, logger, job, log); !ok {
		return step
	}

	msg, err := d.renderer.Render(runCtx, job, &log)
	if err != nil {
		if runCtx.Err() != nil {
			return Step{Kind: StepAborted, Log: log, Err: runCtx.Err()}
		}
		logger.Warn("render failed", "error", err)
		return d.fail(writeCtx, logger, job, log, renderFailure(err))
	}

	if err := ticket.Wait(runCtx); err != nil {
		return Step{Kind: StepAborted, Log: log, Err: err}
	}
	admitted = true

	if err := d.global.Acquire(writeCtx, 1); err != nil {
		return Step{Kind: StepAborted, Log: log, Err: err}
	}
	sendCtx, cancel := context.WithTimeout(writeCtx, d.policy.SendTimeout)
	receipt, sendErr := d.sender.Send(sendCtx, msg)
	cancel()
	d.global.Release(1)

	if sendErr == nil {
		status := domain.LogSent
		if receipt.Delivered {
			status = domain.LogDelivered
		}
		return d.record(writeCtx, logger, domain.Outcome{
			LogID:             log.ID,
			JobID:             job.ID,
			Status:            status,
			ExternalMessageID: receipt.ExternalMessageID,
			At:                d.now(),
		}, log)
	}

	return d.fail(writeCtx, logger, job, log, domain.ClassifyDelivery(sendErr))
}

// checkCurrent re-reads the job and row before admission. Pause and cancel
// may have been applied by another instance, which cannot stop this run directly.
func (d *Deliverer) checkCurrent(ctx context.Context, logger *slog.Logger, job *domain.SendJob, log domain.SendLog) (Step, bool) {
	current, err := d.repo.GetJob(ctx, job.ID)
	if err != nil {
		if ctx.Err() != nil {
			return Step{Kind: StepAborted, Log: log, Err: ctx.Err()}, false
		}
		logger.Error("failed to re-read job before admission", "error", err)
		return Step{Kind: StepError, Log: log, Err: err}, false
	}
	if current.Status != domain.JobProcessing {
		logger.Info("job left processing, attempt skipped", "status", current.Status)
		return Step{Kind: StepHalted, Log: log}, false
	}

	row, err := d.repo.GetLog(ctx, log.ID)
	if err != nil {
		if ctx.Err() != nil {
			return Step{Kind: StepAborted, Log: log, Err: ctx.Err()}, false
		}
		logger.Error("failed to re-read send log before admission", "error", err)
		return Step{Kind: StepError, Log: log, Err: err}, false
	}
	if !row.Status.Open() {
		logger.Debug("send log already terminal, attempt skipped", "status", row.Status)
		return Step{Kind: StepDone, Log: *row}, false
	}
	return Step{}, true
}

// fail applies a classified failure to the row.
func (d *Deliverer) fail(ctx context.Context, logger *slog.Logger, job *domain.SendJob, log domain.SendLog, de *domain.DeliveryError) Step {
	switch {
	case de.Kind == domain.FailureCapability:
		logger.Error("sender capability failure", "code", de.Code, "error", de.Message)
		d.recorder.AttemptFinished(log.Channel, "systemic")
		return Step{Kind: StepSystemic, Log: log, Err: de}

	case de.Kind == domain.FailureTransient && log.RetryCount < d.policy.MaxRetries:
		now := d.now()
		retry := log.RetryCount + 1
		next := now.Add(engine.Backoff(retry, d.policy.BaseDelay, d.policy.MaxDelay))
		ok, err := d.repo.MarkRetry(ctx, domain.RetryMark{
			LogID:         log.ID,
			RetryCount:    retry,
			NextAttemptAt: next,
			ErrorCode:     de.Code,
			ErrorMessage:  de.Message,
		})
		if err != nil {
			logger.Error("failed to mark send log for retry", "error", err)
			return Step{Kind: StepError, Log: log, Err: err}
		}
		if !ok {
			logger.Debug("retry ignored, send log already terminal")
			return Step{Kind: StepDone, Log: log}
		}
		logger.Info("delivery will be retried", "code", de.Code, "retry_count", retry, "next_attempt_at", next)
		d.recorder.AttemptFinished(log.Channel, string(domain.LogRetry))

		log.Status = domain.LogRetry
		log.RetryCount = retry
		log.NextAttemptAt = &next
		code, msg := de.Code, de.Message
		log.ErrorCode, log.ErrorMessage = &code, &msg
		return Step{Kind: StepRetry, Log: log}

	default:
		return d.record(ctx, logger, domain.Outcome{
			LogID:        log.ID,
			JobID:        job.ID,
			Status:       domain.LogFailed,
			ErrorCode:    de.Code,
			ErrorMessage: de.Message,
			At:           d.now(),
		}, log)
	}
}

// record writes a terminal outcome and publishes the new counters.
func (d *Deliverer) record(ctx context.Context, logger *slog.Logger, o domain.Outcome, log domain.SendLog) Step {
	job, applied, err := d.repo.RecordOutcome(ctx, o)
	if err != nil {
		logger.Error("failed to record send outcome", "status", o.Status, "error", err)
		return Step{Kind: StepError, Log: log, Err: err}
	}
	if !applied {
		logger.Info("late outcome ignored, send log already terminal", "status", o.Status)
		return Step{Kind: StepDone, Log: log}
	}

	if o.Status == domain.LogFailed {
		logger.Warn("delivery failed", "code", o.ErrorCode, "error", o.ErrorMessage)
	} else {
		logger.Debug("delivery succeeded", "status", o.Status, "external_message_id", o.ExternalMessageID)
	}
	d.recorder.AttemptFinished(log.Channel, string(o.Status))
	d.notifier.JobProgress(job.Progress(o.At))

	log.Status = o.Status
	return Step{Kind: StepDone, Log: log}
}

// renderFailure keeps typed renderer errors and fails anything else permanently.
func renderFailure(err error) *domain.DeliveryError {
	var de *domain.DeliveryError
	if errors.As(err, &de) {
		return de
	}
	return &domain.DeliveryError{Kind: domain.FailurePermanent, Code: domain.CodeRenderFailed, Message: err.Error(), Err: err}
}
