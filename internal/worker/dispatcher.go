package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Priya8975/promo-dispatch/internal/carrier"
	"github.com/Priya8975/promo-dispatch/internal/domain"
	"github.com/Priya8975/promo-dispatch/internal/engine"
	"github.com/Priya8975/promo-dispatch/internal/metrics"
	"github.com/Priya8975/promo-dispatch/internal/store"
)

var (
	errPaused    = errors.New("job paused")
	errCancelled = errors.New("job cancelled")
	errSystemic  = errors.New("job failed")
)

const maxExpandAttempts = 5

// Options tune the dispatcher. Zero values fall back to defaults.
type Options struct {
	JobConcurrency int
	PollInterval   time.Duration
	ClaimBatch     int
	AdoptOrphans   bool
}

func (o Options) withDefaults() Options {
	if o.JobConcurrency < 1 {
		o.JobConcurrency = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ClaimBatch < 1 {
		o.ClaimBatch = 10
	}
	return o
}

type jobRun struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Dispatcher owns the SendJob lifecycle. It claims due jobs, expands them,
// drives their rows through the Deliverer and serves control requests.
// At most one run per job is active in this process at a time.
type Dispatcher struct {
	repo      store.Repository
	fanout    *engine.FanOut
	deliverer *Deliverer
	sender    carrier.Sender
	notifier  Notifier
	recorder  *metrics.Recorder
	logger    *slog.Logger
	opts      Options
	now       func() time.Time

	wake chan struct{}

	mu      sync.Mutex
	baseCtx context.Context
	runs    map[string]*jobRun
	wg      sync.WaitGroup
}

func NewDispatcher(
	repo store.Repository,
	fanout *engine.FanOut,
	deliverer *Deliverer,
	sender carrier.Sender,
	opts Options,
	notifier Notifier,
	recorder *metrics.Recorder,
	logger *slog.Logger,
) *Dispatcher {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Dispatcher{
		repo:      repo,
		fanout:    fanout,
		deliverer: deliverer,
		sender:    sender,
		notifier:  notifier,
		recorder:  recorder,
		logger:    logger,
		opts:      opts.withDefaults(),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		runs:      make(map[string]*jobRun),
	}
}

// Start begins the claim loop. It runs until the context is cancelled; runs
// started by it stop with the context and leave their jobs PROCESSING.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.baseCtx = ctx
	d.mu.Unlock()

	d.logger.Info("dispatcher started",
		"poll_interval", d.opts.PollInterval,
		"job_concurrency", d.opts.JobConcurrency,
	)

	if d.opts.AdoptOrphans {
		d.adoptOrphans(ctx)
	}

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	d.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.poll(ctx)
		case <-d.wake:
			d.poll(ctx)
		}
	}
}

// Wait blocks until every run has returned. Call it after cancelling Start's context.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Kick asks the claim loop to poll now instead of at the next tick.
func (d *Dispatcher) Kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// poll claims due PENDING jobs and starts a run for each.
func (d *Dispatcher) poll(ctx context.Context) {
	jobs, err := d.repo.ClaimDueJobs(ctx, d.now(), d.opts.ClaimBatch)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("failed to claim due jobs", "error", err)
		}
		return
	}
	for i := range jobs {
		job := &jobs[i]
		d.logger.Info("job claimed", "job_id", job.ID, "channel", job.Channel)
		d.notifier.JobStatus(job.Progress(d.now()))
		d.launch(job.ID)
	}
	if len(jobs) == d.opts.ClaimBatch {
		d.Kick()
	}
}

// adoptOrphans resumes jobs a previous process left PROCESSING. Only safe
// when a single engine instance uses the store.
func (d *Dispatcher) adoptOrphans(ctx context.Context) {
	jobs, _, err := d.repo.ListJobs(ctx, store.JobFilter{Status: domain.JobProcessing})
	if err != nil {
		d.logger.Error("failed to list orphaned jobs", "error", err)
		return
	}
	for _, job := range jobs {
		d.logger.Info("adopting orphaned job", "job_id", job.ID)
		d.launch(job.ID)
	}
}

// launch starts a run for a PROCESSING job. A run still finishing for the same
// job is waited for first.
func (d *Dispatcher) launch(jobID string) {
	d.mu.Lock()
	if d.baseCtx == nil {
		d.mu.Unlock()
		d.logger.Warn("dispatcher not started, run deferred", "job_id", jobID)
		return
	}
	if d.baseCtx.Err() != nil {
		d.mu.Unlock()
		return
	}
	prev := d.runs[jobID]
	ctx, cancel := context.WithCancelCause(d.baseCtx)
	run := &jobRun{cancel: cancel, done: make(chan struct{})}
	d.runs[jobID] = run
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer close(run.done)
		defer func() {
			d.mu.Lock()
			if d.runs[jobID] == run {
				delete(d.runs, jobID)
			}
			d.mu.Unlock()
			cancel(nil)
		}()

		if prev != nil {
			<-prev.done
		}
		d.execute(ctx, jobID)
	}()
}

func (d *Dispatcher) stopRun(jobID string, cause error) {
	d.mu.Lock()
	run := d.runs[jobID]
	d.mu.Unlock()
	if run != nil {
		run.cancel(cause)
	}
}

// Submit creates a PENDING job from a request and wakes the claim loop.
func (d *Dispatcher) Submit(ctx context.Context, req domain.JobRequest) (*domain.SendJob, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	job := req.NewSendJob(uuid.NewString(), d.now())
	if err := d.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	d.logger.Info("job created",
		"job_id", job.ID,
		"channel", job.Channel,
		"contacts", len(job.ContactIDs),
		"products", len(job.ProductIDs),
	)
	d.notifier.JobStatus(job.Progress(d.now()))
	if job.Due(d.now()) {
		d.Kick()
	}
	return job, nil
}

// Pause stops admitting new attempts. Attempts already admitted finish and are recorded.
func (d *Dispatcher) Pause(ctx context.Context, jobID, reason string) (*domain.SendJob, error) {
	job, err := d.repo.TransitionJob(ctx, jobID, []domain.JobStatus{domain.JobProcessing}, domain.JobPaused, reason, d.now())
	if err != nil {
		return nil, relabel(err, "pause")
	}
	d.stopRun(jobID, errPaused)

	d.logger.Info("job paused", "job_id", jobID, "reason", reason)
	d.notifier.JobStatus(job.Progress(d.now()))
	return job, nil
}

// Resume moves a PAUSED job back to PROCESSING and re-admits its open rows.
func (d *Dispatcher) Resume(ctx context.Context, jobID, reason string) (*domain.SendJob, error) {
	job, err := d.repo.TransitionJob(ctx, jobID, []domain.JobStatus{domain.JobPaused}, domain.JobProcessing, reason, d.now())
	if err != nil {
		return nil, relabel(err, "resume")
	}
	d.launch(jobID)

	d.logger.Info("job resumed", "job_id", jobID, "reason", reason)
	d.notifier.JobStatus(job.Progress(d.now()))
	return job, nil
}

// Cancel finalizes the job as CANCELLED and fails its open rows. Outcomes of
// attempts still in flight are ignored.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (*domain.SendJob, error) {
	job, swept, err := d.repo.AbortJob(ctx, jobID, domain.JobCancelled, domain.CodeCancelled, "job cancelled", d.now())
	if err != nil {
		return nil, relabel(err, "cancel")
	}
	d.stopRun(jobID, errCancelled)

	d.logger.Info("job cancelled", "job_id", jobID, "rows_swept", swept)
	d.recorder.JobFinished(job.Status)
	d.notifier.JobStatus(job.Progress(d.now()))
	return job, nil
}

// Progress returns the read model of a job.
func (d *Dispatcher) Progress(ctx context.Context, jobID string) (*domain.Progress, error) {
	job, err := d.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	p := job.Progress(d.now())
	return &p, nil
}

func relabel(err error, op string) error {
	var conflict *domain.StateConflictError
	if errors.As(err, &conflict) {
		conflict.Requested = op
	}
	return err
}
