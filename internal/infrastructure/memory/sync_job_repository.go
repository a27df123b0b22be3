package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"momali/internal/domain/syncjob"
)

type SyncJobRepository struct {
	mu   sync.RWMutex
	jobs map[string]*syncjob.SyncJob
}

func NewSyncJobRepository() *SyncJobRepository {
	return &SyncJobRepository{jobs: make(map[string]*syncjob.SyncJob)}
}

// Create mirrors the sync_jobs_one_in_flight_idx partial unique index.
func (r *SyncJobRepository) Create(_ context.Context, j *syncjob.SyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.jobs {
		if o.ConsentID == j.ConsentID && !o.Status.Terminal() {
			return syncjob.ErrJobInFlight
		}
	}
	r.jobs[j.ID] = j.Clone()
	return nil
}

func (r *SyncJobRepository) Update(_ context.Context, j *syncjob.SyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.ID]; !ok {
		return syncjob.ErrJobNotFound
	}
	r.jobs[j.ID] = j.Clone()
	return nil
}

func (r *SyncJobRepository) GetByID(_ context.Context, id string) (*syncjob.SyncJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, syncjob.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (r *SyncJobRepository) GetInFlight(_ context.Context, consentID string) (*syncjob.SyncJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, j := range r.jobs {
		if j.ConsentID == consentID && !j.Status.Terminal() {
			return j.Clone(), nil
		}
	}
	return nil, syncjob.ErrJobNotFound
}

func (r *SyncJobRepository) ListByConsent(_ context.Context, consentID string, limit int) ([]*syncjob.SyncJob, error) {
	r.mu.RLock()
	var out []*syncjob.SyncJob
	for _, j := range r.jobs {
		if j.ConsentID == consentID {
			out = append(out, j.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *SyncJobRepository) ListInFlight(_ context.Context) ([]*syncjob.SyncJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*syncjob.SyncJob
	for _, j := range r.jobs {
		if !j.Status.Terminal() {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

// LastStageCompletion uses the finish time of the newest finished job that
// completed the stage.
func (r *SyncJobRepository) LastStageCompletion(_ context.Context, consentID string, stage syncjob.Stage) (*time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var last *time.Time
	for _, j := range r.jobs {
		if j.ConsentID != consentID || j.FinishedAt == nil || !j.StageDone(stage) {
			continue
		}
		if last == nil || j.FinishedAt.After(*last) {
			t := *j.FinishedAt
			last = &t
		}
	}
	return last, nil
}

func (r *SyncJobRepository) DeleteFinishedBefore(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, j := range r.jobs {
		if j.FinishedAt != nil && j.FinishedAt.Before(before) {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}
