package service

import (
	"context"
	"time"

	"github.com/promptvideos/api/internal/model"
	"github.com/promptvideos/api/internal/repository"
)

// DecisionKind is the admission verdict for a generation request
type DecisionKind string

const (
	Proceed       DecisionKind = "proceed"
	AlreadyActive DecisionKind = "already_active"
	AlreadyDone   DecisionKind = "already_done"
)

// Decision names the existing record when the request is a duplicate.
type Decision struct {
	Kind      DecisionKind
	JobID     string
	Status    model.JobStatus
	CreatedAt time.Time
}

// DuplicateGuard decides whether a (user, prompt, quality) request may create
// a new job. It only reads; callers serialize Admit and the following Create.
type DuplicateGuard struct {
	jobs   repository.JobRepository
	window time.Duration
	now    func() time.Time
}

func NewDuplicateGuard(jobs repository.JobRepository, window time.Duration) *DuplicateGuard {
	return &DuplicateGuard{
		jobs:   jobs,
		window: window,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Admit applies the rules in order:
//   - a pending/processing record created inside the window, or one that
//     already has a provider handle regardless of age, is AlreadyActive;
//   - a record completed inside the window is AlreadyDone;
//   - failed and content_violation records never block a retry.
func (g *DuplicateGuard) Admit(ctx context.Context, userID, prompt string, quality model.Quality) (Decision, error) {
	since := g.now().Add(-g.window)
	records, err := g.jobs.FindForDedup(ctx, userID, model.PromptKey(prompt), quality, since)
	if err != nil {
		return Decision{}, err
	}

	// records are newest first
	for _, j := range records {
		switch j.Status {
		case model.JobStatusPending, model.JobStatusProcessing:
			if !j.CreatedAt.Before(since) || j.HasHandle() {
				return decisionFor(AlreadyActive, j), nil
			}
		}
	}
	for _, j := range records {
		if j.Status == model.JobStatusCompleted && !j.CreatedAt.Before(since) {
			return decisionFor(AlreadyDone, j), nil
		}
	}
	return Decision{Kind: Proceed}, nil
}

func decisionFor(kind DecisionKind, j *model.Job) Decision {
	return Decision{Kind: kind, JobID: j.ID, Status: j.Status, CreatedAt: j.CreatedAt}
}
