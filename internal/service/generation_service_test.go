package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/promptvideos/api/internal/client"
	"github.com/promptvideos/api/internal/config"
	"github.com/promptvideos/api/internal/logger"
	"github.com/promptvideos/api/internal/model"
	"github.com/promptvideos/api/internal/pipeline"
	"github.com/promptvideos/api/internal/repository"
	"github.com/promptvideos/api/internal/thumbnail"
)

type fakeEnqueuer struct {
	mu        sync.Mutex
	err       error
	generate  []string
	resumed   []string
	thumbnail []string
}

func (f *fakeEnqueuer) EnqueueGenerate(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.generate = append(f.generate, jobID)
	return nil
}

func (f *fakeEnqueuer) ResumeGenerate(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, jobID)
	return nil
}

func (f *fakeEnqueuer) EnqueueThumbnail(ctx context.Context, jobID, videoLocation string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thumbnail = append(f.thumbnail, jobID)
	return nil
}

func testTiers() map[model.Quality]model.Tier {
	return map[model.Quality]model.Tier{
		model.QualityFree:    {Model: "veo-free", DurationSeconds: 5, Watermark: true},
		model.QualityPremium: {Model: "veo-premium", DurationSeconds: 8, GenerateAudio: true},
	}
}

type serviceFixture struct {
	svc      *GenerationService
	repo     *repository.MemoryJobRepository
	storage  *client.MemoryStorage
	enqueuer *fakeEnqueuer
}

func newServiceFixture() *serviceFixture {
	repo := repository.NewMemoryJobRepository()
	storage := client.NewMemoryStorage("bucket")
	enq := &fakeEnqueuer{}
	cfg := &config.PipelineConfig{VideoURLTTL: 7 * 24 * time.Hour, ThumbnailURLTTL: config.MaxSignedURLTTL}
	svc := NewGenerationService(repo, NewDuplicateGuard(repo, 10*time.Minute), NewLocalLocker(), enq, storage, testTiers(), cfg, logger.Nop())
	return &serviceFixture{svc: svc, repo: repo, storage: storage, enqueuer: enq}
}

func TestRequestGenerationCreatesJob(t *testing.T) {
	f := newServiceFixture()

	resp, err := f.svc.RequestGeneration(context.Background(), "user-1", "  a sunset  ", model.QualityPremium)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Decision != model.DecisionCreated || resp.Status != model.JobStatusPending {
		t.Fatalf("unexpected response %+v", resp)
	}

	job, err := f.repo.GetByID(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Prompt != "a sunset" || !job.GenerateAudio || job.Watermark || job.DurationSeconds != 8 {
		t.Errorf("tier flags not applied: %+v", job)
	}
	if len(f.enqueuer.generate) != 1 || f.enqueuer.generate[0] != resp.JobID {
		t.Errorf("expected job to be enqueued once, got %v", f.enqueuer.generate)
	}
}

func TestRequestGenerationDefaultsAndValidation(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	resp, err := f.svc.RequestGeneration(ctx, "user-1", "sunset", "")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	job, _ := f.repo.GetByID(ctx, resp.JobID)
	if job.Quality != model.QualityFree || !job.Watermark {
		t.Errorf("empty quality should default to free, got %s", job.Quality)
	}

	if _, err := f.svc.RequestGeneration(ctx, "user-1", "sunset", "ultra"); !errors.Is(err, ErrInvalidQuality) {
		t.Errorf("expected ErrInvalidQuality, got %v", err)
	}
	if _, err := f.svc.RequestGeneration(ctx, "user-1", "   ", model.QualityFree); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("expected ErrEmptyPrompt, got %v", err)
	}
}

func TestRequestGenerationReportsDuplicate(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	first, _ := f.svc.RequestGeneration(ctx, "user-1", "Sunset", model.QualityFree)
	second, err := f.svc.RequestGeneration(ctx, "user-1", "sunset ", model.QualityFree)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if second.Decision != string(AlreadyActive) || second.JobID != first.JobID {
		t.Errorf("expected already_active for %s, got %+v", first.JobID, second)
	}
	if len(f.enqueuer.generate) != 1 {
		t.Errorf("duplicate must not be enqueued, got %v", f.enqueuer.generate)
	}
}

func TestRequestGenerationLongPrompt(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()
	prompt := strings.Repeat("a slow pan across a foggy harbor ", 61)[:2000]

	first, err := f.svc.RequestGeneration(ctx, "user-1", prompt, model.QualityFree)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	job, err := f.repo.GetByID(ctx, first.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Prompt != strings.TrimSpace(prompt) || len(job.PromptKey) != 64 {
		t.Errorf("unexpected record: prompt length %d, key length %d", len(job.Prompt), len(job.PromptKey))
	}

	second, err := f.svc.RequestGeneration(ctx, "user-1", strings.ToUpper(prompt), model.QualityFree)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if second.Decision != string(AlreadyActive) || second.JobID != first.JobID {
		t.Errorf("long prompt should still be deduplicated, got %+v", second)
	}
}

func TestRequestGenerationEnqueueFailureKeepsRecord(t *testing.T) {
	f := newServiceFixture()
	f.enqueuer.err = errors.New("redis down")

	resp, err := f.svc.RequestGeneration(context.Background(), "user-1", "sunset", model.QualityFree)
	if err != nil {
		t.Fatalf("request should still succeed: %v", err)
	}
	if _, err := f.repo.GetByID(context.Background(), resp.JobID); err != nil {
		t.Errorf("record should exist for the sweeper: %v", err)
	}
}

// Concurrent identical requests, then every queued run executed twice,
// must reach the provider exactly once.
func TestConcurrentRequestsSubmitOnce(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()
	provider := client.NewMockProvider(f.storage, 1)

	prompts := []string{"Sunset", "sunset", "  SUNSET ", "sunset\t"}
	const callers = 24
	var wg sync.WaitGroup
	results := make(chan *model.GenerateResponse, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.svc.RequestGeneration(ctx, "user-1", prompts[i%len(prompts)], model.QualityFree)
			if err != nil {
				t.Errorf("request %d: %v", i, err)
				return
			}
			results <- resp
		}(i)
	}
	wg.Wait()
	close(results)

	created := 0
	ids := make(map[string]bool)
	for r := range results {
		ids[r.JobID] = true
		if r.Decision == model.DecisionCreated {
			created++
		}
	}
	if created != 1 || len(ids) != 1 {
		t.Fatalf("expected one created job, got %d created across %d ids", created, len(ids))
	}

	log := logger.Nop()
	thumbs := thumbnail.NewDeriver(f.storage, &config.ThumbnailConfig{FFmpegPath: "/nonexistent/ffmpeg", Placeholder: true}, log)
	orch := pipeline.NewOrchestrator(f.repo, provider, pipeline.NewResolver(f.storage, nil, log), thumbs, f.enqueuer, nil, pipeline.Options{
		SubmitAttempts: 3,
		Backoff:        pipeline.Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond},
		PollInterval:   time.Millisecond,
		MaxPolls:       10,
		PollErrorLimit: 3,
		MaxProcessing:  time.Minute,
		LeaseDuration:  time.Minute,
	}, log)

	var runs sync.WaitGroup
	for _, id := range f.enqueuer.generate {
		for i := 0; i < 2; i++ {
			runs.Add(1)
			go func(id string) {
				defer runs.Done()
				if _, err := orch.Advance(ctx, id); err != nil {
					t.Errorf("advance: %v", err)
				}
			}(id)
		}
	}
	runs.Wait()

	if n := provider.Submissions(); n != 1 {
		t.Errorf("expected exactly one provider submit, got %d", n)
	}
	for id := range ids {
		status, err := f.svc.GetJobStatus(ctx, id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if status.Status != model.JobStatusCompleted {
			t.Errorf("expected completed, got %s", status.Status)
		}
		if status.VideoURL == "" || status.ThumbnailURL == "" {
			t.Errorf("completed job should expose signed URLs: %+v", status)
		}
	}
}

func TestGetJobStatusReportsBackfilledThumbnail(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	job := seedJob(t, f.repo, "sunset", model.QualityFree, now0, model.JobStatusCompleted, true)
	before, _ := f.repo.GetByID(ctx, job.ID)
	if before.ThumbnailLocation != nil {
		t.Fatal("seeded job should have no thumbnail")
	}

	status, err := f.svc.GetJobStatus(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.ThumbnailLocation != nil || status.ThumbnailURL != "" {
		t.Errorf("no thumbnail exists yet: %+v", status)
	}
	if !strings.HasPrefix(status.VideoURL, "memory://bucket/videos/") {
		t.Errorf("unexpected video URL %s", status.VideoURL)
	}

	thumbKey := thumbnail.Path(*before.VideoLocation)
	_ = f.storage.Put(ctx, thumbKey, bytes.NewReader([]byte("jpg")), "image/jpeg")

	status, _ = f.svc.GetJobStatus(ctx, job.ID)
	if status.ThumbnailLocation == nil || *status.ThumbnailLocation != thumbKey || status.ThumbnailURL == "" {
		t.Errorf("backfilled thumbnail should be reported, got %+v", status)
	}

	after, _ := f.repo.GetByID(ctx, job.ID)
	if after.ThumbnailLocation != nil || after.Version != before.Version {
		t.Error("reading status must not mutate the record")
	}
}

func TestGetUserJobStatusHidesOtherUsers(t *testing.T) {
	f := newServiceFixture()
	job := seedJob(t, f.repo, "sunset", model.QualityFree, now0, model.JobStatusPending, false)

	if _, err := f.svc.GetUserJobStatus(context.Background(), "user-2", job.ID); !errors.Is(err, repository.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := f.svc.GetUserJobStatus(context.Background(), "user-1", job.ID); err != nil {
		t.Errorf("owner should see the job: %v", err)
	}
}

func TestListJobs(t *testing.T) {
	f := newServiceFixture()
	for i := 0; i < 3; i++ {
		seedJob(t, f.repo, fmt.Sprintf("prompt %d", i), model.QualityFree, now0.Add(time.Duration(i)*time.Minute), model.JobStatusPending, false)
	}

	list, err := f.svc.ListJobs(context.Background(), "user-1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list.Count != 2 || list.Jobs[0].Prompt != "prompt 2" {
		t.Errorf("expected newest two jobs, got %+v", list)
	}
}
