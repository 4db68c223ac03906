package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/promptvideos/api/internal/config"
	"github.com/promptvideos/api/internal/logger"
	"github.com/promptvideos/api/internal/model"
	"github.com/promptvideos/api/internal/pipeline"
	"github.com/promptvideos/api/internal/repository"
	"github.com/promptvideos/api/internal/service"
)

// VideoWorker runs the video tasks pulled from the asynq queue
type VideoWorker struct {
	orch     *pipeline.Orchestrator
	thumbs   pipeline.ThumbnailDeriver
	jobs     repository.JobRepository
	enqueuer service.Enqueuer
	sweep    config.SweepConfig
	log      *logger.Logger
	now      func() time.Time
}

func NewVideoWorker(
	orch *pipeline.Orchestrator,
	thumbs pipeline.ThumbnailDeriver,
	jobs repository.JobRepository,
	enqueuer service.Enqueuer,
	sweep config.SweepConfig,
	baseLog *logger.Logger,
) *VideoWorker {
	return &VideoWorker{
		orch:     orch,
		thumbs:   thumbs,
		jobs:     jobs,
		enqueuer: enqueuer,
		sweep:    sweep,
		log:      baseLog.With("component", "VideoWorker"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register binds the task handlers on mux.
func (w *VideoWorker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(service.TaskTypeGenerate, w.ProcessGenerate)
	mux.HandleFunc(service.TaskTypeThumbnail, w.ProcessThumbnail)
	mux.HandleFunc(service.TaskTypeSweep, w.ProcessSweep)
}

func decodePayload(t *asynq.Task) (service.TaskPayload, error) {
	var p service.TaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.JobID == "" {
		return p, fmt.Errorf("task payload has no job id: %w", asynq.SkipRetry)
	}
	return p, nil
}

// ProcessGenerate advances one job. Provider and storage failures end up
// in the record; an error here means the job store or the context failed and
// asynq should retry.
func (w *VideoWorker) ProcessGenerate(ctx context.Context, t *asynq.Task) error {
	p, err := decodePayload(t)
	if err != nil {
		return err
	}

	out, err := w.orch.Advance(ctx, p.JobID)
	if errors.Is(err, repository.ErrJobNotFound) {
		w.log.Warn("Generate task for unknown job", "job_id", p.JobID)
		return fmt.Errorf("job %s: %w", p.JobID, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("advance job %s: %w", p.JobID, err)
	}

	if out.Abandoned {
		w.log.Debug("Generate task abandoned; job owned elsewhere", "job_id", p.JobID, "status", out.Status)
		return nil
	}
	w.log.Info("Generate task done", "job_id", p.JobID, "status", out.Status)
	return nil
}

// ProcessThumbnail re-derives a thumbnail for a completed job. Only the
// storage object is written; the record stays as it was committed.
func (w *VideoWorker) ProcessThumbnail(ctx context.Context, t *asynq.Task) error {
	p, err := decodePayload(t)
	if err != nil {
		return err
	}

	job, err := w.jobs.GetByID(ctx, p.JobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return fmt.Errorf("job %s: %w", p.JobID, asynq.SkipRetry)
		}
		return err
	}
	if job.Status != model.JobStatusCompleted || job.VideoLocation == nil {
		w.log.Warn("Skipping thumbnail backfill for job without a video", "job_id", job.ID, "status", job.Status)
		return nil
	}
	if job.ThumbnailLocation != nil {
		return nil
	}

	location, err := w.thumbs.Derive(ctx, *job.VideoLocation)
	if err != nil {
		return fmt.Errorf("thumbnail backfill for %s: %w", job.ID, err)
	}
	w.log.Info("Thumbnail backfilled", "job_id", job.ID, "thumbnail_location", location)
	return nil
}

// ProcessSweep queues another run for active jobs that stopped making
// progress, e.g. after a worker crash. Jobs past their deadline are failed
// by the orchestrator when the run picks them up.
func (w *VideoWorker) ProcessSweep(ctx context.Context, t *asynq.Task) error {
	cutoff := w.now().Add(-w.sweep.StaleAfter)
	stale, err := w.jobs.ListStale(ctx, cutoff, w.sweep.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale jobs: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	resumed := 0
	for _, job := range stale {
		if err := w.enqueuer.ResumeGenerate(ctx, job.ID); err != nil {
			w.log.Error("Failed to resume stale job", "job_id", job.ID, "error", err)
			continue
		}
		resumed++
	}
	w.log.Info("Sweep finished", "stale", len(stale), "resumed", resumed)
	return nil
}
