// Package syncjob runs the accounts, balances and transactions stages for a
// consent, at most one run per consent at a time.
package syncjob

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"momali/internal/domain/consent"
	"momali/internal/domain/openbanking"
)

var (
	syncTracer = otel.Tracer("momali/sync")
	syncMeter  = otel.Meter("momali/sync")

	jobsCounter, _ = syncMeter.Int64Counter(
		"sync.jobs.total",
		metric.WithDescription("Finished sync jobs by status"),
	)
	stageAttempts, _ = syncMeter.Int64Counter(
		"sync.stage.attempts.total",
		metric.WithDescription("Stage attempts by stage and outcome"),
	)
	stageDuration, _ = syncMeter.Float64Histogram(
		"sync.stage.duration",
		metric.WithDescription("Stage attempt duration in seconds"),
		metric.WithUnit("s"),
	)
)

const defaultWriteTimeout = 30 * time.Second

// Config tunes the Orchestrator.
type Config struct {
	StagePolicy         openbanking.RetryPolicy
	CallTimeout         time.Duration
	WriteTimeout        time.Duration
	AccountsStaleAfter  time.Duration
	TransactionLookback time.Duration
	TransactionOverlap  time.Duration
	JobRetention        time.Duration
	StaleJobAfter       time.Duration
}

func DefaultConfig() Config {
	return Config{
		StagePolicy:         openbanking.DefaultStagePolicy,
		CallTimeout:         30 * time.Second,
		WriteTimeout:        defaultWriteTimeout,
		AccountsStaleAfter:  24 * time.Hour,
		TransactionLookback: 90 * 24 * time.Hour,
		TransactionOverlap:  3 * 24 * time.Hour,
		JobRetention:        30 * 24 * time.Hour,
		StaleJobAfter:       30 * time.Minute,
	}
}

// run tracks the in-process execution of a job.
type run struct {
	jobID string
	done  chan struct{}

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

func (r *run) setCancel(cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel = cancel
	if r.cancelled {
		cancel()
	}
}

func (r *run) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Orchestrator drives sync jobs.
type Orchestrator struct {
	jobs     Repository
	consents ConsentTracker
	tokens   TokenSource
	provider DataProvider
	writer   Ingestor
	cfg      Config
	now      func() time.Time

	locks openbanking.KeyedMutex

	mu         sync.Mutex
	runs       map[string]*run
	dispatcher Dispatcher
	notifier   Notifier
}

func NewOrchestrator(jobs Repository, consents ConsentTracker, tokens TokenSource, provider DataProvider, writer Ingestor, cfg Config) *Orchestrator {
	return &Orchestrator{
		jobs:     jobs,
		consents: consents,
		tokens:   tokens,
		provider: provider,
		writer:   writer,
		cfg:      cfg,
		now:      time.Now,
		runs:     make(map[string]*run),
	}
}

// SetDispatcher wires the executor. Executors call back into Run, so this
// cannot be a constructor argument.
func (o *Orchestrator) SetDispatcher(d Dispatcher) {
	o.mu.Lock()
	o.dispatcher = d
	o.mu.Unlock()
}

// SetNotifier wires completion notifications.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.mu.Lock()
	o.notifier = n
	o.mu.Unlock()
}

// SetClock overrides time.Now.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// TriggerSync starts a sync for the consent, or returns the job already in
// flight for it.
func (o *Orchestrator) TriggerSync(ctx context.Context, consentID string, trigger Trigger) (*SyncJob, error) {
	c, err := o.consents.CheckExpiry(ctx, consentID)
	if err != nil {
		return nil, err
	}
	switch {
	case c.Status.Usable():
	case c.Status == consent.StatusCreated || c.Status == consent.StatusPendingAuthorization:
		return nil, fmt.Errorf("%w: consent %s is not authorized yet", openbanking.ErrInvalidTransition, c.ID)
	default:
		return nil, fmt.Errorf("%w: consent %s is %s", openbanking.ErrReauthorizationRequired, c.ID, c.Status)
	}

	unlock := o.locks.Lock(consentID)
	defer unlock()

	o.mu.Lock()
	existing := o.runs[consentID]
	dispatcher := o.dispatcher
	o.mu.Unlock()
	if existing != nil {
		return o.jobs.GetByID(ctx, existing.jobID)
	}

	now := o.now()
	job := &SyncJob{
		ID:        uuid.NewString(),
		ConsentID: c.ID,
		UserID:    c.UserID,
		Trigger:   trigger,
		Stage:     Stages[0],
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, ErrJobInFlight) {
			return o.jobs.GetInFlight(ctx, consentID)
		}
		return nil, fmt.Errorf("failed to create sync job: %w", err)
	}

	r := &run{jobID: job.ID, done: make(chan struct{})}
	o.mu.Lock()
	o.runs[consentID] = r
	o.mu.Unlock()

	if dispatcher == nil {
		err = errors.New("no dispatcher configured")
	} else {
		err = dispatcher.Dispatch(job.Clone())
	}
	if err != nil {
		o.finish(ctx, job, fmt.Errorf("dispatch failed: %w", err), 0)
		o.release(consentID, r)
		return job, fmt.Errorf("%w: %v", openbanking.ErrTemporaryFailure, err)
	}

	log.Printf("User %d: %s sync %s queued for consent %s", job.UserID, trigger, job.ID, consentID)
	return job.Clone(), nil
}

// ConsentAuthorized starts the activation sync for a freshly authorized consent.
func (o *Orchestrator) ConsentAuthorized(ctx context.Context, c *consent.Consent) {
	if _, err := o.TriggerSync(ctx, c.ID, TriggerActivation); err != nil {
		log.Printf("User %d: failed to start activation sync for consent %s: %v", c.UserID, c.ID, err)
	}
}

// Cancel stops the consent's in-flight job at its next checkpoint. Aggregator
// calls in flight are aborted; a page already fetched is still stored.
func (o *Orchestrator) Cancel(consentID string) {
	o.mu.Lock()
	r := o.runs[consentID]
	o.mu.Unlock()
	if r == nil {
		return
	}
	r.stop()
	log.Printf("Consent %s: sync %s cancelled", consentID, r.jobID)
}

func (o *Orchestrator) release(consentID string, r *run) {
	o.mu.Lock()
	if o.runs[consentID] == r {
		delete(o.runs, consentID)
	}
	o.mu.Unlock()
	close(r.done)
}

// Run executes a dispatched job. It returns the error that failed the job.
func (o *Orchestrator) Run(ctx context.Context, job *SyncJob) error {
	o.mu.Lock()
	r := o.runs[job.ConsentID]
	o.mu.Unlock()
	if r == nil || r.jobID != job.ID {
		return fmt.Errorf("sync job %s is not tracked by this process", job.ID)
	}
	defer o.release(job.ConsentID, r)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.setCancel(cancel)

	ctx, span := syncTracer.Start(ctx, "sync.job",
		trace.WithAttributes(
			attribute.String("sync.job_id", job.ID),
			attribute.String("consent.id", job.ConsentID),
			attribute.String("sync.trigger", string(job.Trigger)),
		),
	)
	defer span.End()

	job = job.Clone()
	newTransactions, err := o.execute(ctx, job, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.finish(ctx, job, err, newTransactions)
	return err
}

func (o *Orchestrator) execute(ctx context.Context, job *SyncJob, r *run) (int, error) {
	now := o.now()
	job.Status = StatusRunning
	job.StartedAt = &now
	if err := o.save(ctx, job); err != nil {
		return 0, err
	}

	c, err := o.checkpoint(ctx, job, r)
	if err != nil {
		return 0, err
	}

	stages, err := o.plan(ctx, job, c)
	if err != nil {
		return 0, err
	}

	newTransactions := 0
	for _, stage := range stages {
		if job.StageDone(stage) {
			continue
		}
		if job.Stage != stage {
			job.Stage = stage
			job.Cursor, job.CursorAccountID = "", ""
		}
		job.Attempt = 0

		err := openbanking.Retry(ctx, o.cfg.StagePolicy, func(attempt int) error {
			if _, err := o.checkpoint(ctx, job, r); err != nil {
				return err
			}
			job.Attempt = attempt
			if err := o.save(ctx, job); err != nil {
				return err
			}

			start := o.now()
			created, err := o.runStage(ctx, job, c, r)
			outcome := "succeeded"
			if err != nil {
				outcome = "failed"
				log.Printf("User %d: sync %s stage %s attempt %d failed: %v", job.UserID, job.ID, stage, attempt, err)
			}
			attrs := metric.WithAttributes(attribute.String("stage", string(stage)), attribute.String("outcome", outcome))
			stageAttempts.Add(ctx, 1, attrs)
			stageDuration.Record(ctx, o.now().Sub(start).Seconds(), attrs)

			newTransactions += created
			return err
		})
		if err != nil {
			if r.isCancelled() {
				return newTransactions, ErrSyncCancelled
			}
			return newTransactions, fmt.Errorf("stage %s: %w", stage, err)
		}

		job.CompletedStages = append(job.CompletedStages, stage)
		job.Cursor, job.CursorAccountID = "", ""
		if err := o.save(ctx, job); err != nil {
			return newTransactions, err
		}
	}
	return newTransactions, nil
}

// plan picks the stages for this run. Scheduled runs skip accounts when they
// were refreshed recently; stages outside the consent's scopes are skipped.
func (o *Orchestrator) plan(ctx context.Context, job *SyncJob, c *consent.Consent) ([]Stage, error) {
	stages := make([]Stage, 0, len(Stages))

	includeAccounts := true
	if job.Trigger == TriggerScheduled {
		last, err := o.jobs.LastStageCompletion(ctx, job.ConsentID, StageAccounts)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read sync history: %v", openbanking.ErrTemporaryFailure, err)
		}
		if last != nil && o.now().Sub(*last) < o.cfg.AccountsStaleAfter {
			includeAccounts = false
		}
	}
	if includeAccounts {
		stages = append(stages, StageAccounts)
	}
	if openbanking.HasScope(c.Scopes, openbanking.ScopeBalances) {
		stages = append(stages, StageBalances)
	}
	if openbanking.HasScope(c.Scopes, openbanking.ScopeTransactions) {
		stages = append(stages, StageTransactions)
	}
	return stages, nil
}

// checkpoint stops the run when it was cancelled or the consent is no longer
// usable.
func (o *Orchestrator) checkpoint(ctx context.Context, job *SyncJob, r *run) (*consent.Consent, error) {
	if r.isCancelled() {
		return nil, ErrSyncCancelled
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := o.consents.CheckExpiry(ctx, job.ConsentID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load consent: %v", openbanking.ErrTemporaryFailure, err)
	}
	if !c.Status.Usable() {
		return nil, fmt.Errorf("%w: consent %s is %s", openbanking.ErrReauthorizationRequired, c.ID, c.Status)
	}
	return c, nil
}

// call bounds a single aggregator request. Running out of time on the call,
// while the job itself may continue, is a temporary failure.
func (o *Orchestrator) call(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: aggregator call exceeded %s", openbanking.ErrTemporaryFailure, o.cfg.CallTimeout)
	}
	return err
}

// write runs a store operation detached from the job's cancellation, so a
// cancelled job never leaves a page half written.
func (o *Orchestrator) write(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cmp.Or(o.cfg.WriteTimeout, defaultWriteTimeout))
	defer cancel()
	return fn(ctx)
}

func (o *Orchestrator) save(ctx context.Context, job *SyncJob) error {
	job.UpdatedAt = o.now()
	err := o.write(ctx, func(ctx context.Context) error { return o.jobs.Update(ctx, job) })
	if err != nil {
		return fmt.Errorf("%w: failed to save sync job: %v", openbanking.ErrTemporaryFailure, err)
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, job *SyncJob, runErr error, newTransactions int) {
	ctx = context.WithoutCancel(ctx)

	job.Counts.NewTransactions = newTransactions
	if runErr == nil {
		job.Status = StatusSucceeded
		job.LastError = ""
		if _, err := o.consents.MarkActive(ctx, job.ConsentID); err != nil {
			log.Printf("User %d: sync %s succeeded but consent %s could not be activated: %v",
				job.UserID, job.ID, job.ConsentID, err)
		}
	} else {
		job.Status = StatusFailed
		job.LastError = runErr.Error()
	}

	if c, err := o.consents.Get(ctx, job.ConsentID); err == nil {
		job.ConsentStatus = c.Status
	}

	now := o.now()
	job.FinishedAt = &now
	if err := o.save(ctx, job); err != nil {
		log.Printf("User %d: failed to record outcome of sync %s: %v", job.UserID, job.ID, err)
	}
	jobsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(job.Status))))

	if job.Status == StatusFailed {
		log.Printf("User %d: sync %s for consent %s failed at %s: %s",
			job.UserID, job.ID, job.ConsentID, job.Stage, job.LastError)
		return
	}

	log.Printf("User %d: sync %s for consent %s succeeded: Accounts=%d, Balances=%d, Transactions=%d, New=%d",
		job.UserID, job.ID, job.ConsentID, job.Counts.Accounts, job.Counts.Balances,
		job.Counts.Transactions, job.Counts.NewTransactions)

	o.mu.Lock()
	n := o.notifier
	o.mu.Unlock()
	if n != nil {
		n.SyncCompleted(ctx, job.UserID, job.ConsentID, newTransactions)
	}
}

// Wait blocks until the job has finished in this process or ctx ends, then
// returns its latest state.
func (o *Orchestrator) Wait(ctx context.Context, job *SyncJob) (*SyncJob, error) {
	o.mu.Lock()
	r := o.runs[job.ConsentID]
	o.mu.Unlock()

	if r != nil && r.jobID == job.ID {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.jobs.GetByID(ctx, job.ID)
}

// GetJob returns a job by id.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*SyncJob, error) {
	return o.jobs.GetByID(ctx, id)
}

// ListJobs returns the consent's most recent jobs, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, consentID string, limit int) ([]*SyncJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return o.jobs.ListByConsent(ctx, consentID, limit)
}

// TriggerScheduled starts a sync for every usable consent. Returns how many
// jobs were started or found in flight.
func (o *Orchestrator) TriggerScheduled(ctx context.Context) (int, error) {
	consents, err := o.consents.ListByStatus(ctx, consent.StatusActive, consent.StatusAuthorized)
	if err != nil {
		return 0, err
	}

	triggered := 0
	for _, c := range consents {
		if ctx.Err() != nil {
			return triggered, ctx.Err()
		}
		if _, err := o.TriggerSync(ctx, c.ID, TriggerScheduled); err != nil {
			log.Printf("User %d: scheduled sync for consent %s not started: %v", c.UserID, c.ID, err)
			continue
		}
		triggered++
	}
	return triggered, nil
}

// PruneJobs deletes finished jobs older than the retention period.
func (o *Orchestrator) PruneJobs(ctx context.Context) (int, error) {
	return o.jobs.DeleteFinishedBefore(ctx, o.now().Add(-o.cfg.JobRetention))
}

// RecoverInterrupted fails in-flight jobs that no process has touched for
// StaleJobAfter, which frees their consents for new runs.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	inFlight, err := o.jobs.ListInFlight(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range inFlight {
		o.mu.Lock()
		_, tracked := o.runs[job.ConsentID]
		o.mu.Unlock()
		if tracked || o.now().Sub(job.UpdatedAt) < o.cfg.StaleJobAfter {
			continue
		}
		o.finish(ctx, job, errors.New("interrupted before completion"), 0)
		recovered++
	}
	return recovered, nil
}
