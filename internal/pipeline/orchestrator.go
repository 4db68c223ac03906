package pipeline

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
)

// ThumbnailDeriver extracts a still from a stored video and returns where
// it was written.
type ThumbnailDeriver interface {
	Derive(ctx context.Context, videoLocation string) (string, error)
}

// Watermarker writes a badged copy of a stored video and returns its location.
type Watermarker interface {
	Apply(ctx context.Context, videoLocation string) (string, error)
}

// BackfillEnqueuer schedules an out-of-band thumbnail derivation.
type BackfillEnqueuer interface {
	EnqueueThumbnail(ctx context.Context, jobID, videoLocation string) error
}

// Notifier is told about every status change the orchestrator commits.
type Notifier interface {
	BroadcastStatus(job *model.Job)
}

// Options bounds retries, polling and lease lifetime.
type Options struct {
	SubmitAttempts int
	Backoff        Backoff
	PollInterval   time.Duration
	MaxPolls       int
	PollErrorLimit int
	MaxProcessing  time.Duration
	LeaseDuration  time.Duration
}

func OptionsFromConfig(cfg *config.PipelineConfig) Options {
	return Options{
		SubmitAttempts: cfg.SubmitAttempts,
		Backoff:        Backoff{Base: cfg.SubmitBackoff, Max: cfg.MaxBackoff},
		PollInterval:   cfg.PollInterval,
		MaxPolls:       cfg.MaxPolls,
		PollErrorLimit: cfg.PollErrorLimit,
		MaxProcessing:  cfg.MaxProcessing,
		LeaseDuration:  cfg.LeaseDuration,
	}
}

// Outcome is what one Advance call left behind.
type Outcome struct {
	Status model.JobStatus
	Job    *model.Job
	// Abandoned is set when another worker owns the record.
	Abandoned bool
}

// Orchestrator drives a job record from pending to a terminal status.
// Every write goes through the repository's compare-and-set operations under
// a lease scoped to the one record, so concurrent Advance calls for the same
// id never submit twice.
type Orchestrator struct {
	jobs     repository.JobRepository
	provider client.GenerationProvider
	resolver *Resolver
	thumbs   ThumbnailDeriver
	stamper  Watermarker
	backfill BackfillEnqueuer
	notifier Notifier
	opts     Options
	log      *logger.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator wires the pipeline. backfill and notifier may be nil.
func NewOrchestrator(
	jobs repository.JobRepository,
	provider client.GenerationProvider,
	resolver *Resolver,
	thumbs ThumbnailDeriver,
	backfill BackfillEnqueuer,
	notifier Notifier,
	opts Options,
	baseLog *logger.Logger,
) *Orchestrator {
	if opts.SubmitAttempts < 1 {
		opts.SubmitAttempts = 1
	}
	if opts.PollErrorLimit < 1 {
		opts.PollErrorLimit = 1
	}
	return &Orchestrator{
		jobs:     jobs,
		provider: provider,
		resolver: resolver,
		thumbs:   thumbs,
		backfill: backfill,
		notifier: notifier,
		opts:     opts,
		log:      baseLog.With("component", "Orchestrator"),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
	}
}

// WithWatermarker enables watermarking for jobs whose tier asks for it.
func (o *Orchestrator) WithWatermarker(w Watermarker) *Orchestrator {
	o.stamper = w
	return o
}

// run carries the per-call state of one Advance.
type run struct {
	job   *model.Job
	owner string
	log   *logger.Logger
}

// Advance moves the record as far as it can go. Terminal records are
// returned untouched. Provider and storage failures are classified into a
// terminal status; only job-store errors and cancellation are returned.
func (o *Orchestrator) Advance(ctx context.Context, jobID string) (Outcome, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return Outcome{}, err
	}
	if job.Status.IsTerminal() {
		return Outcome{Status: job.Status, Job: job}, nil
	}

	r := &run{job: job, owner: uuid.New().String()}
	r.log = o.log.With("job_id", job.ID, "lease_owner", r.owner)

	now := o.now()
	ok, err := o.jobs.ClaimLease(ctx, job.ID, job.Status, r.owner, now, now.Add(o.opts.LeaseDuration))
	if err != nil {
		return Outcome{}, fmt.Errorf("claim lease: %w", err)
	}
	if !ok {
		return o.abandon(r, "lease held by another worker"), nil
	}
	defer o.release(ctx, r)

	if job.Status == model.JobStatusPending {
		out, done, err := o.submit(ctx, r)
		if err != nil || done {
			return out, err
		}
	}
	return o.poll(ctx, r)
}

func (o *Orchestrator) release(ctx context.Context, r *run) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.jobs.ReleaseLease(releaseCtx, r.job.ID, r.owner); err != nil {
		r.log.Warn("Failed to release lease", "error", err)
	}
}

func (o *Orchestrator) abandon(r *run, reason string) Outcome {
	r.log.Info("Abandoning job", "reason", reason, "status", r.job.Status)
	return Outcome{Status: r.job.Status, Job: r.job, Abandoned: true}
}

// heartbeat extends the lease. false means it was lost.
func (o *Orchestrator) heartbeat(ctx context.Context, r *run) (bool, error) {
	now := o.now()
	ok, err := o.jobs.RenewLease(ctx, r.job.ID, r.owner, now, now.Add(o.opts.LeaseDuration))
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	if ok {
		r.job.UpdatedAt = now
	}
	return ok, nil
}

// submit hands the prompt to the provider with bounded retries. done is
// true when the run ended here (terminal, abandoned or error).
func (o *Orchestrator) submit(ctx context.Context, r *run) (Outcome, bool, error) {
	job := r.job
	var lastErr error
	for job.SubmitAttempts < o.opts.SubmitAttempts {
		ok, err := o.jobs.RecordSubmitAttempt(ctx, job.ID, r.owner, o.now())
		if err != nil {
			return Outcome{}, true, fmt.Errorf("record submit attempt: %w", err)
		}
		if !ok {
			return o.abandon(r, "lost lease before submit"), true, nil
		}
		job.SubmitAttempts++

		handle, err := o.provider.Submit(ctx, job.Prompt, job.Quality)
		if err == nil {
			return o.markProcessing(ctx, r, handle)
		}
		if ctx.Err() != nil {
			return Outcome{}, true, ctx.Err()
		}

		lastErr = err
		retryable := client.IsRetryable(err)
		r.log.Warn("Submit failed", "attempt", job.SubmitAttempts, "retryable", retryable, "error", err)
		if !retryable || job.SubmitAttempts >= o.opts.SubmitAttempts {
			break
		}
		if err := o.sleep(ctx, o.opts.Backoff.Delay(job.SubmitAttempts)); err != nil {
			return Outcome{}, true, err
		}
		if ok, err := o.heartbeat(ctx, r); err != nil || !ok {
			if err != nil {
				return Outcome{}, true, err
			}
			return o.abandon(r, "lost lease during submit backoff"), true, nil
		}
	}

	detail := fmt.Sprintf("submission failed after %d attempt(s)", job.SubmitAttempts)
	if lastErr != nil {
		detail += ": " + lastErr.Error()
	}
	out, err := o.finish(ctx, r, repository.Outcome{
		Status:      model.JobStatusFailed,
		ErrorDetail: model.StringPtr(detail),
	})
	return out, true, err
}

func (o *Orchestrator) markProcessing(ctx context.Context, r *run, handle string) (Outcome, bool, error) {
	now := o.now()
	ok, err := o.jobs.MarkProcessing(ctx, r.job.ID, r.owner, handle, now)
	if err != nil {
		return Outcome{}, true, fmt.Errorf("mark processing: %w", err)
	}
	if !ok {
		r.log.Error("Provider accepted job but record was taken over; operation is orphaned", "provider_handle", handle)
		return o.abandon(r, "lost compare-and-set on submit"), true, nil
	}

	r.job.Status = model.JobStatusProcessing
	r.job.ProviderHandle = model.StringPtr(handle)
	r.job.SubmittedAt = &now
	r.job.UpdatedAt = now
	r.log = r.log.With("provider_handle", handle)
	r.log.Info("Job submitted")
	o.notify(r.job)
	return Outcome{}, false, nil
}

// poll waits on the provider until it reports a final state, the deadline
// passes or the poll budget is used up. It never resubmits.
func (o *Orchestrator) poll(ctx context.Context, r *run) (Outcome, error) {
	job := r.job
	if !job.HasHandle() {
		return o.finish(ctx, r, repository.Outcome{
			Status:      model.JobStatusFailed,
			ErrorDetail: model.StringPtr("processing record has no provider handle"),
		})
	}
	handle := *job.ProviderHandle
	deadline := job.Deadline(o.opts.MaxProcessing)

	polls, pollErrors := 0, 0
	for {
		if !deadline.IsZero() && !o.now().Before(deadline) {
			return o.timeout(ctx, r, fmt.Sprintf("timed out: still processing after %s", o.opts.MaxProcessing))
		}
		if o.opts.MaxPolls > 0 && polls >= o.opts.MaxPolls {
			return o.timeout(ctx, r, fmt.Sprintf("timed out: no result after %d polls", polls))
		}

		ok, err := o.heartbeat(ctx, r)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return o.abandon(r, "lost lease while polling"), nil
		}

		res, err := o.provider.Poll(ctx, handle)
		polls++
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			pollErrors++
			retryable := client.IsRetryable(err)
			r.log.Warn("Poll failed", "poll", polls, "consecutive_errors", pollErrors, "retryable", retryable, "error", err)
			if !retryable || pollErrors >= o.opts.PollErrorLimit {
				return o.finish(ctx, r, repository.Outcome{
					Status:      model.JobStatusFailed,
					ErrorDetail: model.StringPtr("status check failed: " + err.Error()),
				})
			}
			if err := o.sleep(ctx, o.opts.Backoff.Delay(pollErrors)); err != nil {
				return Outcome{}, err
			}
			continue
		}
		pollErrors = 0

		switch res.State {
		case client.PollRunning:
			if err := o.sleep(ctx, o.opts.PollInterval); err != nil {
				return Outcome{}, err
			}
		case client.PollContentFiltered:
			detail := "video blocked by the provider's content policy"
			if res.Reason != "" {
				detail += ": " + res.Reason
			}
			r.log.Info("Content filtered", "filtered_count", res.FilteredCount)
			return o.finish(ctx, r, repository.Outcome{
				Status:      model.JobStatusContentViolation,
				ErrorDetail: model.StringPtr(detail),
			})
		case client.PollFailed:
			reason := res.Reason
			if reason == "" {
				reason = "unknown provider error"
			}
			return o.finish(ctx, r, repository.Outcome{
				Status:      model.JobStatusFailed,
				ErrorDetail: model.StringPtr("generation failed: " + reason),
			})
		case client.PollSucceeded:
			return o.complete(ctx, r, handle, res.Descriptor)
		default:
			return o.finish(ctx, r, repository.Outcome{
				Status:      model.JobStatusFailed,
				ErrorDetail: model.StringPtr(fmt.Sprintf("unrecognized provider state %q", res.State)),
			})
		}
	}
}

func (o *Orchestrator) timeout(ctx context.Context, r *run, detail string) (Outcome, error) {
	r.log.Warn("Job timed out", "detail", detail)
	return o.finish(ctx, r, repository.Outcome{
		Status:      model.JobStatusFailed,
		ErrorDetail: model.StringPtr(detail),
	})
}

// complete resolves the canonical output, watermarks it when the tier asks
// for it, derives a thumbnail and commits the completed record.
func (o *Orchestrator) complete(ctx context.Context, r *run, handle string, desc *client.ResultDescriptor) (Outcome, error) {
	var (
		res *Resolution
		err error
	)
	for attempt := 1; ; attempt++ {
		res, err = o.resolver.Resolve(ctx, handle, desc)
		if err == nil || errors.Is(err, ErrNoOutput) || ctx.Err() != nil || attempt >= o.opts.PollErrorLimit {
			break
		}
		r.log.Warn("Output lookup failed", "attempt", attempt, "error", err)
		if err := o.sleep(ctx, o.opts.Backoff.Delay(attempt)); err != nil {
			return Outcome{}, err
		}
	}
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	if errors.Is(err, ErrNoOutput) {
		r.log.Error("Provider reported success but no output exists", "checked", res.Checked)
		return o.finish(ctx, r, repository.Outcome{
			Status:      model.JobStatusFailed,
			ErrorDetail: model.StringPtr("provider reported success but no video was found (checked: " + strings.Join(res.Checked, ", ") + ")"),
		})
	}
	if err != nil {
		return o.finish(ctx, r, repository.Outcome{
			Status:      model.JobStatusFailed,
			ErrorDetail: model.StringPtr("could not verify provider output: " + err.Error()),
		})
	}
	r.log.Info("Output resolved", "video_location", res.Canonical, "strategy", res.Strategy)

	video := res.Canonical
	if r.job.Watermark && o.stamper != nil {
		location, err := o.stamper.Apply(ctx, video)
		switch {
		case ctx.Err() != nil:
			return Outcome{}, ctx.Err()
		case err != nil:
			r.log.Warn("Watermarking failed; publishing the clean clip", "video_location", video, "error", err)
		default:
			video = location
		}
	}

	var thumb *string
	if location, err := o.thumbs.Derive(ctx, video); err != nil {
		r.log.Warn("Thumbnail derivation failed; leaving it for backfill", "video_location", video, "error", err)
	} else {
		thumb = model.StringPtr(location)
	}

	out, err := o.finish(ctx, r, repository.Outcome{
		Status:            model.JobStatusCompleted,
		VideoLocation:     model.StringPtr(video),
		ThumbnailLocation: thumb,
	})
	if err != nil || out.Abandoned {
		return out, err
	}

	o.resolver.RemoveSiblings(ctx, res)
	if thumb == nil && o.backfill != nil {
		if err := o.backfill.EnqueueThumbnail(ctx, r.job.ID, video); err != nil {
			r.log.Error("Failed to enqueue thumbnail backfill", "error", err)
		}
	}
	return out, nil
}

// finish commits a terminal outcome with compare-and-set on the status this
// run holds. Losing the race abandons quietly.
func (o *Orchestrator) finish(ctx context.Context, r *run, out repository.Outcome) (Outcome, error) {
	from := r.job.Status
	now := o.now()
	ok, err := o.jobs.Finish(ctx, r.job.ID, r.owner, from, out, now)
	if err != nil {
		return Outcome{}, fmt.Errorf("finish job: %w", err)
	}
	if !ok {
		return o.abandon(r, "lost compare-and-set on finish"), nil
	}

	job := r.job
	job.Status = out.Status
	job.VideoLocation = out.VideoLocation
	job.ThumbnailLocation = out.ThumbnailLocation
	job.ErrorDetail = out.ErrorDetail
	job.CompletedAt = &now
	job.UpdatedAt = now
	job.LeaseOwner = nil
	job.LeaseExpiresAt = nil

	kv := []interface{}{"from", from, "status", out.Status}
	if out.ErrorDetail != nil {
		kv = append(kv, "error_detail", *out.ErrorDetail)
	}
	r.log.Info("Job finished", kv...)
	o.notify(job)
	return Outcome{Status: job.Status, Job: job}, nil
}

func (o *Orchestrator) notify(job *model.Job) {
	if o.notifier != nil {
		o.notifier.BroadcastStatus(job)
	}
}
