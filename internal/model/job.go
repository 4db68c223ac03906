package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Job is the persistent state of one video generation attempt.
type Job struct {
	ID                string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID            string     `gorm:"type:varchar(64);not null;index:idx_video_jobs_dedup,priority:1" json:"userId"`
	Prompt            string     `gorm:"type:text;not null" json:"prompt"`
	PromptKey         string     `gorm:"type:char(64);not null;index:idx_video_jobs_dedup,priority:2" json:"-"`
	Quality           Quality    `gorm:"type:varchar(16);not null;index:idx_video_jobs_dedup,priority:3" json:"quality"`
	DurationSeconds   int        `gorm:"not null" json:"durationSeconds"`
	GenerateAudio     bool       `gorm:"not null" json:"generateAudio"`
	Watermark         bool       `gorm:"not null" json:"watermark"`
	ProviderHandle    *string    `gorm:"type:varchar(512)" json:"providerHandle,omitempty"`
	Status            JobStatus  `gorm:"type:varchar(32);not null;index:idx_video_jobs_status_updated,priority:1" json:"status"`
	VideoLocation     *string    `gorm:"type:text" json:"videoLocation,omitempty"`
	ThumbnailLocation *string    `gorm:"type:text" json:"thumbnailLocation,omitempty"`
	ErrorDetail       *string    `gorm:"type:text" json:"error,omitempty"`
	SubmitAttempts    int        `gorm:"not null;default:0" json:"submitAttempts"`
	LeaseOwner        *string    `gorm:"type:varchar(64)" json:"-"`
	LeaseExpiresAt    *time.Time `json:"-"`
	Version           int64      `gorm:"not null;default:0" json:"-"`
	CreatedAt         time.Time  `gorm:"not null;index:idx_video_jobs_dedup,priority:4" json:"createdAt"`
	UpdatedAt         time.Time  `gorm:"not null;index:idx_video_jobs_status_updated,priority:2" json:"updatedAt"`
	SubmittedAt       *time.Time `json:"submittedAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

func (Job) TableName() string { return "video_jobs" }

// Invariant violations reported by Validate.
var (
	ErrMissingVideoLocation = errors.New("completed job requires a video location")
	ErrMissingErrorDetail   = errors.New("failed job requires an error detail")
	ErrUnexpectedResult     = errors.New("active job must not carry result or error fields")
	ErrUnknownStatus        = errors.New("unknown job status")
)

// Validate checks the field invariants tied to the current status.
func (j *Job) Validate() error {
	switch j.Status {
	case JobStatusPending, JobStatusProcessing:
		if j.VideoLocation != nil || j.ErrorDetail != nil || j.ThumbnailLocation != nil {
			return ErrUnexpectedResult
		}
	case JobStatusCompleted:
		if j.VideoLocation == nil || *j.VideoLocation == "" {
			return ErrMissingVideoLocation
		}
	case JobStatusFailed, JobStatusContentViolation:
		if j.ErrorDetail == nil || *j.ErrorDetail == "" {
			return ErrMissingErrorDetail
		}
	default:
		return ErrUnknownStatus
	}
	return nil
}

// HasHandle reports whether the provider accepted the job.
func (j *Job) HasHandle() bool {
	return j.ProviderHandle != nil && *j.ProviderHandle != ""
}

// Deadline is the latest moment the job may stay in processing. Zero when the
// job was never submitted.
func (j *Job) Deadline(maxProcessing time.Duration) time.Time {
	if j.SubmittedAt == nil {
		return time.Time{}
	}
	return j.SubmittedAt.Add(maxProcessing)
}

// NormalizePrompt produces the key used to match repeated submissions of the
// same prompt: surrounding whitespace dropped, inner runs collapsed, lower-cased.
func NormalizePrompt(prompt string) string {
	return strings.ToLower(strings.Join(strings.Fields(prompt), " "))
}

// PromptKey is the fixed-length lookup key for a prompt: the hex SHA-256 of
// its normalized form.
func PromptKey(prompt string) string {
	sum := sha256.Sum256([]byte(NormalizePrompt(prompt)))
	return hex.EncodeToString(sum[:])
}

// NewJob builds a pending record with the tier flags filled in.
func NewJob(id, userID, prompt string, quality Quality, tier Tier, now time.Time) *Job {
	return &Job{
		ID:              id,
		UserID:          userID,
		Prompt:          prompt,
		PromptKey:       PromptKey(prompt),
		Quality:         quality,
		DurationSeconds: tier.DurationSeconds,
		GenerateAudio:   tier.GenerateAudio,
		Watermark:       tier.Watermark,
		Status:          JobStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// StringPtr is a small helper for the nullable columns.
func StringPtr(s string) *string {
	return &s
}
