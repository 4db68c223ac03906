package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskTypeGenerate  = "video:generate"
	TaskTypeThumbnail = "video:thumbnail"
	TaskTypeSweep     = "video:sweep"

	QueueVideo = "video"
)

// TaskPayload is shared by the video tasks
type TaskPayload struct {
	JobID         string `json:"jobId"`
	VideoLocation string `json:"videoLocation,omitempty"`
}

// Enqueuer hands jobs to the background workers.
type Enqueuer interface {
	EnqueueGenerate(ctx context.Context, jobID string) error
	ResumeGenerate(ctx context.Context, jobID string) error
	EnqueueThumbnail(ctx context.Context, jobID, videoLocation string) error
}

// AsynqEnqueuer enqueues onto the redis-backed asynq queue.
type AsynqEnqueuer struct {
	client      *asynq.Client
	maxRetry    int
	taskTimeout time.Duration
	uniqueFor   time.Duration
}

// NewAsynqEnqueuer: taskTimeout should cover a full processing window,
// uniqueFor suppresses repeated resume requests for the same job.
func NewAsynqEnqueuer(client *asynq.Client, maxRetry int, taskTimeout, uniqueFor time.Duration) *AsynqEnqueuer {
	return &AsynqEnqueuer{client: client, maxRetry: maxRetry, taskTimeout: taskTimeout, uniqueFor: uniqueFor}
}

func newVideoTask(taskType string, payload TaskPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return asynq.NewTask(taskType, data), nil
}

func (e *AsynqEnqueuer) enqueue(ctx context.Context, taskType string, payload TaskPayload, opts ...asynq.Option) error {
	task, err := newVideoTask(taskType, payload)
	if err != nil {
		return err
	}
	opts = append([]asynq.Option{
		asynq.Queue(QueueVideo),
		asynq.MaxRetry(e.maxRetry),
		asynq.Retention(24 * time.Hour),
	}, opts...)

	_, err = e.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}
	return nil
}

// EnqueueGenerate queues the first run for a new job. The task id is the
// job id so a repeated call cannot queue it twice.
func (e *AsynqEnqueuer) EnqueueGenerate(ctx context.Context, jobID string) error {
	return e.enqueue(ctx, TaskTypeGenerate, TaskPayload{JobID: jobID},
		asynq.TaskID("generate:"+jobID),
		asynq.Timeout(e.taskTimeout),
	)
}

// ResumeGenerate queues another run for a job that stopped making progress.
func (e *AsynqEnqueuer) ResumeGenerate(ctx context.Context, jobID string) error {
	return e.enqueue(ctx, TaskTypeGenerate, TaskPayload{JobID: jobID},
		asynq.Unique(e.uniqueFor),
		asynq.Timeout(e.taskTimeout),
	)
}

func (e *AsynqEnqueuer) EnqueueThumbnail(ctx context.Context, jobID, videoLocation string) error {
	return e.enqueue(ctx, TaskTypeThumbnail, TaskPayload{JobID: jobID, VideoLocation: videoLocation},
		asynq.TaskID("thumbnail:"+jobID),
		asynq.Timeout(5*time.Minute),
	)
}

// NewSweepTask is registered with the scheduler.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskTypeSweep, nil)
}
