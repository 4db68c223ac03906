package client

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/promptvideos/api/internal/model"
)

// MockProvider stands in for the real provider in local development. Each
// operation reports running for a fixed number of polls, then writes a
// placeholder object under the nested output layout and succeeds. Prompts
// containing "[filtered]" come back content filtered.
type MockProvider struct {
	storage    StorageGateway
	pollsUntil int

	mu   sync.Mutex
	ops  map[string]*mockOperation
	subs int
}

type mockOperation struct {
	prompt string
	polls  int
}

func NewMockProvider(storage StorageGateway, pollsUntilDone int) *MockProvider {
	if pollsUntilDone < 1 {
		pollsUntilDone = 1
	}
	return &MockProvider{storage: storage, pollsUntil: pollsUntilDone, ops: make(map[string]*mockOperation)}
}

func (m *MockProvider) Submit(ctx context.Context, prompt string, quality model.Quality) (string, error) {
	if !quality.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedQuality, quality)
	}
	name := fmt.Sprintf("projects/mock/locations/local/publishers/google/models/mock-%s/operations/%s",
		quality, strings.ReplaceAll(uuid.New().String(), "-", ""))

	m.mu.Lock()
	m.ops[name] = &mockOperation{prompt: prompt}
	m.subs++
	m.mu.Unlock()
	return name, nil
}

func (m *MockProvider) Poll(ctx context.Context, handle string) (*PollResult, error) {
	m.mu.Lock()
	op, ok := m.ops[handle]
	if !ok {
		m.mu.Unlock()
		return &PollResult{State: PollFailed, Reason: "unknown operation " + handle}, nil
	}
	op.polls++
	polls, prompt := op.polls, op.prompt
	m.mu.Unlock()

	if strings.Contains(strings.ToLower(prompt), "[filtered]") {
		return &PollResult{State: PollContentFiltered, Reason: "mock safety filter", FilteredCount: 1}, nil
	}
	if polls < m.pollsUntil {
		return &PollResult{State: PollRunning}, nil
	}

	key := fmt.Sprintf("videos/%s/sample_0.mp4", path.Base(handle))
	if err := m.storage.Put(ctx, key, bytes.NewReader([]byte("mock video")), "video/mp4"); err != nil {
		return nil, err
	}
	return &PollResult{State: PollSucceeded, Descriptor: &ResultDescriptor{OutputURIs: []string{key}}}, nil
}

// Submissions counts accepted Submit calls.
func (m *MockProvider) Submissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs
}
