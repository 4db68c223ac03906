package model

import "time"

// GenerateRequest is the body accepted by both generate routes
type GenerateRequest struct {
	Prompt  string  `json:"prompt" validate:"required,min=3,max=2000"`
	Quality Quality `json:"quality" validate:"omitempty,oneof=free premium"`
}

// Admission outcomes reported to callers
const (
	DecisionCreated       = "created"
	DecisionAlreadyActive = "already_active"
	DecisionAlreadyDone   = "already_done"
)

// GenerateResponse is returned by the generate routes
type GenerateResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Decision  string    `json:"decision"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobStatusResponse is the read-only snapshot of a job
type JobStatusResponse struct {
	JobID             string     `json:"jobId"`
	Prompt            string     `json:"prompt"`
	Quality           Quality    `json:"quality"`
	Status            JobStatus  `json:"status"`
	VideoLocation     *string    `json:"videoLocation,omitempty"`
	VideoURL          string     `json:"videoUrl,omitempty"`
	ThumbnailLocation *string    `json:"thumbnailLocation,omitempty"`
	ThumbnailURL      string     `json:"thumbnailUrl,omitempty"`
	Error             *string    `json:"error,omitempty"`
	DurationSeconds   int        `json:"durationSeconds"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

// JobListResponse lists a user's recent jobs
type JobListResponse struct {
	Jobs  []JobStatusResponse `json:"jobs"`
	Count int                 `json:"count"`
}
