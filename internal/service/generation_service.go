package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/promptvideos/api/internal/client"
	"github.com/promptvideos/api/internal/config"
	"github.com/promptvideos/api/internal/logger"
	"github.com/promptvideos/api/internal/model"
	"github.com/promptvideos/api/internal/repository"
	"github.com/promptvideos/api/internal/thumbnail"
)

var (
	ErrInvalidQuality = errors.New("invalid quality")
	ErrEmptyPrompt    = errors.New("prompt is required")
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// GenerationService is the single entry point both the web and the
// developer API routes use to start and inspect jobs.
type GenerationService struct {
	jobs     repository.JobRepository
	guard    *DuplicateGuard
	locker   Locker
	enqueuer Enqueuer
	storage  client.StorageGateway
	tiers    map[model.Quality]model.Tier

	videoURLTTL     time.Duration
	thumbnailURLTTL time.Duration

	log *logger.Logger
	now func() time.Time
}

func NewGenerationService(
	jobs repository.JobRepository,
	guard *DuplicateGuard,
	locker Locker,
	enqueuer Enqueuer,
	storage client.StorageGateway,
	tiers map[model.Quality]model.Tier,
	cfg *config.PipelineConfig,
	baseLog *logger.Logger,
) *GenerationService {
	return &GenerationService{
		jobs:            jobs,
		guard:           guard,
		locker:          locker,
		enqueuer:        enqueuer,
		storage:         storage,
		tiers:           tiers,
		videoURLTTL:     cfg.VideoURLTTL,
		thumbnailURLTTL: cfg.ThumbnailURLTTL,
		log:             baseLog.With("service", "GenerationService"),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func lockKey(userID string, quality model.Quality, promptKey string) string {
	return fmt.Sprintf("generate:%s:%s:%s", userID, quality, promptKey)
}

// RequestGeneration admits the request and queues a new job, or reports the
// existing one. It never waits for the video.
func (s *GenerationService) RequestGeneration(ctx context.Context, userID, prompt string, quality model.Quality) (*model.GenerateResponse, error) {
	if quality == "" {
		quality = model.QualityFree
	}
	if !quality.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQuality, quality)
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	unlock, err := s.locker.Lock(ctx, lockKey(userID, quality, model.PromptKey(prompt)))
	if err != nil {
		return nil, err
	}
	defer unlock()

	decision, err := s.guard.Admit(ctx, userID, prompt, quality)
	if err != nil {
		return nil, fmt.Errorf("duplicate check failed: %w", err)
	}
	switch decision.Kind {
	case AlreadyActive, AlreadyDone:
		s.log.Info("Duplicate generation request", "user_id", userID, "job_id", decision.JobID, "decision", decision.Kind)
		return &model.GenerateResponse{
			JobID:     decision.JobID,
			Status:    decision.Status,
			Decision:  string(decision.Kind),
			CreatedAt: decision.CreatedAt,
		}, nil
	}

	job := model.NewJob(uuid.New().String(), userID, prompt, quality, s.tiers[quality], s.now())
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if err := s.enqueuer.EnqueueGenerate(ctx, job.ID); err != nil {
		// The record stays pending and the sweeper queues it again.
		s.log.Error("Failed to enqueue generation", "job_id", job.ID, "error", err)
	}

	s.log.Info("Generation requested", "user_id", userID, "job_id", job.ID, "quality", quality)
	return &model.GenerateResponse{
		JobID:     job.ID,
		Status:    job.Status,
		Decision:  model.DecisionCreated,
		CreatedAt: job.CreatedAt,
	}, nil
}

// GetJobStatus returns a read-only snapshot with signed read URLs.
func (s *GenerationService) GetJobStatus(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.snapshot(ctx, job), nil
}

// GetUserJobStatus is GetJobStatus restricted to the owner. Other users'
// jobs look missing.
func (s *GenerationService) GetUserJobStatus(ctx context.Context, userID, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, repository.ErrJobNotFound
	}
	return s.snapshot(ctx, job), nil
}

func (s *GenerationService) ListJobs(ctx context.Context, userID string, limit int) (*model.JobListResponse, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	jobs, err := s.jobs.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	out := &model.JobListResponse{Jobs: make([]model.JobStatusResponse, 0, len(jobs))}
	for _, j := range jobs {
		out.Jobs = append(out.Jobs, *s.snapshot(ctx, j))
	}
	out.Count = len(out.Jobs)
	return out, nil
}

func (s *GenerationService) snapshot(ctx context.Context, job *model.Job) *model.JobStatusResponse {
	resp := &model.JobStatusResponse{
		JobID:             job.ID,
		Prompt:            job.Prompt,
		Quality:           job.Quality,
		Status:            job.Status,
		VideoLocation:     job.VideoLocation,
		ThumbnailLocation: job.ThumbnailLocation,
		Error:             job.ErrorDetail,
		DurationSeconds:   job.DurationSeconds,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
		CompletedAt:       job.CompletedAt,
	}
	if job.Status != model.JobStatusCompleted || job.VideoLocation == nil {
		return resp
	}

	if url, err := s.storage.SignedReadURL(ctx, *job.VideoLocation, s.videoURLTTL); err != nil {
		s.log.Warn("Failed to sign video URL", "job_id", job.ID, "error", err)
	} else {
		resp.VideoURL = url
	}

	if resp.ThumbnailLocation == nil {
		// a backfilled thumbnail lives at the derived path; the record is not touched
		candidate := thumbnail.Path(*job.VideoLocation)
		if ok, err := s.storage.Exists(ctx, candidate); err == nil && ok {
			resp.ThumbnailLocation = model.StringPtr(candidate)
		}
	}
	if resp.ThumbnailLocation != nil {
		if url, err := s.storage.SignedReadURL(ctx, *resp.ThumbnailLocation, s.thumbnailURLTTL); err != nil {
			s.log.Warn("Failed to sign thumbnail URL", "job_id", job.ID, "error", err)
		} else {
			resp.ThumbnailURL = url
		}
	}
	return resp
}
