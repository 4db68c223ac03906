package repository

import (
	"context"
	"errors"
	"time"

	"github.com/promptvideos/api/internal/model"
)

var ErrJobNotFound = errors.New("job not found")

// Outcome is the terminal result written by Finish.
type Outcome struct {
	Status            model.JobStatus
	VideoLocation     *string
	ThumbnailLocation *string
	ErrorDetail       *string
}

// JobRepository persists job records. Every mutating call is a
// compare-and-set: it reports false, not an error, when the row is no longer
// in the expected state or the caller no longer holds its lease.
type JobRepository interface {
	Create(ctx context.Context, job *model.Job) error
	GetByID(ctx context.Context, id string) (*model.Job, error)

	// FindForDedup returns records for (user, prompt key, quality) that were
	// created at or after since, plus every still-active record regardless of
	// age, newest first.
	FindForDedup(ctx context.Context, userID, promptKey string, quality model.Quality, since time.Time) ([]*model.Job, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*model.Job, error)
	// ListStale returns active records last touched before updatedBefore.
	ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.Job, error)

	ClaimLease(ctx context.Context, id string, expect model.JobStatus, owner string, now, until time.Time) (bool, error)
	RenewLease(ctx context.Context, id, owner string, now, until time.Time) (bool, error)
	ReleaseLease(ctx context.Context, id, owner string) error

	RecordSubmitAttempt(ctx context.Context, id, owner string, now time.Time) (bool, error)
	MarkProcessing(ctx context.Context, id, owner, handle string, now time.Time) (bool, error)
	Finish(ctx context.Context, id, owner string, from model.JobStatus, out Outcome, now time.Time) (bool, error)
}

// validateOutcome applies the record invariants to a terminal outcome before
// it reaches storage.
func validateOutcome(from model.JobStatus, out Outcome) error {
	if !out.Status.IsTerminal() || !model.CanTransition(from, out.Status) {
		return &TransitionError{From: from, To: out.Status}
	}
	candidate := model.Job{
		Status:            out.Status,
		VideoLocation:     out.VideoLocation,
		ThumbnailLocation: out.ThumbnailLocation,
		ErrorDetail:       out.ErrorDetail,
	}
	return candidate.Validate()
}

// TransitionError rejects an edge that is not part of the state machine.
type TransitionError struct {
	From model.JobStatus
	To   model.JobStatus
}

func (e *TransitionError) Error() string {
	return "invalid job transition " + string(e.From) + " -> " + string(e.To)
}
