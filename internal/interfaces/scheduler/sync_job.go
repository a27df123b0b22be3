package scheduler

import (
	"context"
	"fmt"

	"momali/internal/domain/syncjob"
)

// SyncRunner executes a dispatched sync job.
type SyncRunner interface {
	Run(ctx context.Context, job *syncjob.SyncJob) error
}

// ConsentSyncJob runs one consent sync on the pool.
type ConsentSyncJob struct {
	job    *syncjob.SyncJob
	runner SyncRunner
}

func NewConsentSyncJob(job *syncjob.SyncJob, runner SyncRunner) *ConsentSyncJob {
	return &ConsentSyncJob{job: job, runner: runner}
}

func (j *ConsentSyncJob) Execute(ctx context.Context) error {
	return j.runner.Run(ctx, j.job)
}

func (j *ConsentSyncJob) Subject() string {
	return "consent " + j.job.ConsentID
}

func (j *ConsentSyncJob) Description() string {
	return fmt.Sprintf("%s sync %s", j.job.Trigger, j.job.ID)
}

// SyncDispatcher feeds the orchestrator's jobs to a worker pool.
type SyncDispatcher struct {
	pool   *WorkerPool
	runner SyncRunner
}

var _ syncjob.Dispatcher = (*SyncDispatcher)(nil)

func NewSyncDispatcher(pool *WorkerPool, runner SyncRunner) *SyncDispatcher {
	return &SyncDispatcher{pool: pool, runner: runner}
}

func (d *SyncDispatcher) Dispatch(job *syncjob.SyncJob) error {
	return d.pool.Submit(NewConsentSyncJob(job, d.runner))
}
