package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/promptvideos/api/internal/model"
)

// MemoryJobRepository keeps records in process memory with the same
// compare-and-set semantics as the SQL store. Used in mock mode and tests.
type MemoryJobRepository struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{jobs: make(map[string]*model.Job)}
}

func cloneJob(j *model.Job) *model.Job {
	c := *j
	c.ProviderHandle = cloneString(j.ProviderHandle)
	c.VideoLocation = cloneString(j.VideoLocation)
	c.ThumbnailLocation = cloneString(j.ThumbnailLocation)
	c.ErrorDetail = cloneString(j.ErrorDetail)
	c.LeaseOwner = cloneString(j.LeaseOwner)
	c.LeaseExpiresAt = cloneTime(j.LeaseExpiresAt)
	c.SubmittedAt = cloneTime(j.SubmittedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func isActive(s model.JobStatus) bool {
	return s == model.JobStatusPending || s == model.JobStatusProcessing
}

func (r *MemoryJobRepository) Create(ctx context.Context, job *model.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *MemoryJobRepository) GetByID(ctx context.Context, id string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (r *MemoryJobRepository) selectJobs(match func(*model.Job) bool) []*model.Job {
	var out []*model.Job
	for _, j := range r.jobs {
		if match(j) {
			out = append(out, cloneJob(j))
		}
	}
	return out
}

func (r *MemoryJobRepository) FindForDedup(ctx context.Context, userID, promptKey string, quality model.Quality, since time.Time) ([]*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.selectJobs(func(j *model.Job) bool {
		return j.UserID == userID && j.PromptKey == promptKey && j.Quality == quality &&
			(!j.CreatedAt.Before(since) || isActive(j.Status))
	})
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (r *MemoryJobRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.selectJobs(func(j *model.Job) bool { return j.UserID == userID })
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryJobRepository) ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.selectJobs(func(j *model.Job) bool { return isActive(j.Status) && j.UpdatedAt.Before(updatedBefore) })
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryJobRepository) ClaimLease(ctx context.Context, id string, expect model.JobStatus, owner string, now, until time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Status != expect {
		return false, nil
	}
	free := j.LeaseOwner == nil || j.LeaseExpiresAt == nil || j.LeaseExpiresAt.Before(now) || *j.LeaseOwner == owner
	if !free {
		return false, nil
	}
	j.LeaseOwner = &owner
	j.LeaseExpiresAt = &until
	j.Version++
	j.UpdatedAt = now
	return true, nil
}

func (r *MemoryJobRepository) ownedActive(id, owner string) (*model.Job, bool) {
	j, ok := r.jobs[id]
	if !ok || !isActive(j.Status) || j.LeaseOwner == nil || *j.LeaseOwner != owner {
		return nil, false
	}
	return j, true
}

func (r *MemoryJobRepository) RenewLease(ctx context.Context, id, owner string, now, until time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.ownedActive(id, owner)
	if !ok {
		return false, nil
	}
	j.LeaseExpiresAt = &until
	j.UpdatedAt = now
	return true, nil
}

func (r *MemoryJobRepository) ReleaseLease(ctx context.Context, id, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.ownedActive(id, owner); ok {
		j.LeaseOwner = nil
		j.LeaseExpiresAt = nil
	}
	return nil
}

func (r *MemoryJobRepository) RecordSubmitAttempt(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.ownedActive(id, owner)
	if !ok || j.Status != model.JobStatusPending {
		return false, nil
	}
	j.SubmitAttempts++
	j.UpdatedAt = now
	return true, nil
}

func (r *MemoryJobRepository) MarkProcessing(ctx context.Context, id, owner, handle string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.ownedActive(id, owner)
	if !ok || j.Status != model.JobStatusPending || j.ProviderHandle != nil {
		return false, nil
	}
	j.Status = model.JobStatusProcessing
	j.ProviderHandle = &handle
	j.SubmittedAt = &now
	j.Version++
	j.UpdatedAt = now
	return true, nil
}

func (r *MemoryJobRepository) Finish(ctx context.Context, id, owner string, from model.JobStatus, out Outcome, now time.Time) (bool, error) {
	if err := validateOutcome(from, out); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.ownedActive(id, owner)
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = out.Status
	j.VideoLocation = cloneString(out.VideoLocation)
	j.ThumbnailLocation = cloneString(out.ThumbnailLocation)
	j.ErrorDetail = cloneString(out.ErrorDetail)
	j.CompletedAt = &now
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	j.Version++
	j.UpdatedAt = now
	return true, nil
}
