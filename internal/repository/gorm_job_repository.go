package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/promptvideos/api/internal/logger"
	"github.com/promptvideos/api/internal/model"
)

type GormJobRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGormJobRepository(db *gorm.DB, baseLog *logger.Logger) *GormJobRepository {
	return &GormJobRepository{
		db:  db,
		log: baseLog.With("repo", "JobRepository"),
	}
}

func (r *GormJobRepository) Create(ctx context.Context, job *model.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *GormJobRepository) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (r *GormJobRepository) FindForDedup(ctx context.Context, userID, promptKey string, quality model.Quality, since time.Time) ([]*model.Job, error) {
	var out []*model.Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND prompt_key = ? AND quality = ?", userID, promptKey, quality).
		Where("created_at >= ? OR status IN ?", since, model.ActiveStatuses).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

func (r *GormJobRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*model.Job, error) {
	var out []*model.Job
	q := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

func (r *GormJobRepository) ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.Job, error) {
	var out []*model.Job
	q := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", model.ActiveStatuses, updatedBefore).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ClaimLease takes the record-scoped lease when the row is still in the
// expected status and the lease is free, expired, or already ours.
func (r *GormJobRepository) ClaimLease(ctx context.Context, id string, expect model.JobStatus, owner string, now, until time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND status = ?", id, expect).
		Where("lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at < ? OR lease_owner = ?", now, owner).
		Updates(map[string]interface{}{
			"lease_owner":      owner,
			"lease_expires_at": until,
			"version":          gorm.Expr("version + 1"),
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *GormJobRepository) RenewLease(ctx context.Context, id, owner string, now, until time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND lease_owner = ? AND status IN ?", id, owner, model.ActiveStatuses).
		Updates(map[string]interface{}{
			"lease_expires_at": until,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ReleaseLease drops the lease if it is still ours. Terminal rows already
// had their lease cleared by Finish.
func (r *GormJobRepository) ReleaseLease(ctx context.Context, id, owner string) error {
	return r.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND lease_owner = ? AND status IN ?", id, owner, model.ActiveStatuses).
		Updates(map[string]interface{}{
			"lease_owner":      nil,
			"lease_expires_at": nil,
		}).Error
}

func (r *GormJobRepository) RecordSubmitAttempt(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND status = ? AND lease_owner = ?", id, model.JobStatusPending, owner).
		Updates(map[string]interface{}{
			"submit_attempts": gorm.Expr("submit_attempts + 1"),
			"updated_at":      now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkProcessing records the provider handle. The handle is write-once: the
// row must still be pending with no handle.
func (r *GormJobRepository) MarkProcessing(ctx context.Context, id, owner, handle string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND status = ? AND provider_handle IS NULL AND lease_owner = ?", id, model.JobStatusPending, owner).
		Updates(map[string]interface{}{
			"status":          model.JobStatusProcessing,
			"provider_handle": handle,
			"submitted_at":    now,
			"version":         gorm.Expr("version + 1"),
			"updated_at":      now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *GormJobRepository) Finish(ctx context.Context, id, owner string, from model.JobStatus, out Outcome, now time.Time) (bool, error) {
	if err := validateOutcome(from, out); err != nil {
		return false, err
	}
	res := r.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND status = ? AND lease_owner = ?", id, from, owner).
		Updates(map[string]interface{}{
			"status":             out.Status,
			"video_location":     out.VideoLocation,
			"thumbnail_location": out.ThumbnailLocation,
			"error_detail":       out.ErrorDetail,
			"completed_at":       now,
			"lease_owner":        nil,
			"lease_expires_at":   nil,
			"version":            gorm.Expr("version + 1"),
			"updated_at":         now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		r.log.Debug("Finish lost compare-and-set", "job_id", id, "from", from, "to", out.Status)
		return false, nil
	}
	return true, nil
}
