package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", fmt.Errorf("send: %w", context.Canceled), false},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), true},
		{"unsupported quality", fmt.Errorf("%w: x", ErrUnsupportedQuality), false},
		{"500", &ProviderError{StatusCode: 500}, true},
		{"502 wrapped", fmt.Errorf("submit: %w", &ProviderError{StatusCode: 502}), true},
		{"401", &ProviderError{StatusCode: 401}, true},
		{"403", &ProviderError{StatusCode: 403}, true},
		{"408", &ProviderError{StatusCode: 408}, true},
		{"429", &ProviderError{StatusCode: 429}, true},
		{"400", &ProviderError{StatusCode: 400}, false},
		{"404", &ProviderError{StatusCode: 404}, false},
		{"net timeout", fmt.Errorf("send: %w", timeoutErr{}), true},
		{"eof", fmt.Errorf("send: %w", io.ErrUnexpectedEOF), true},
		{"dial", fmt.Errorf("failed to send request: %w", &url.Error{Op: "Post", URL: "https://veo", Err: errors.New("connection refused")}), true},
		{"decode", &DecodeError{Err: errors.New("bad json")}, false},
		{"marshal", fmt.Errorf("failed to marshal request: %w", errors.New("json: unsupported type")), false},
		{"build request", fmt.Errorf("failed to create request: %w", errors.New("net/http: invalid method")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMockProvider(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage("bucket")
	p := NewMockProvider(storage, 2)

	handle, err := p.Submit(ctx, "a sunset", "premium")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, _ := p.Poll(ctx, handle)
	if res.State != PollRunning {
		t.Fatalf("expected running on first poll, got %s", res.State)
	}
	res, _ = p.Poll(ctx, handle)
	if res.State != PollSucceeded || len(res.Descriptor.OutputURIs) != 1 {
		t.Fatalf("expected success, got %+v", res)
	}
	if ok, _ := storage.Exists(ctx, res.Descriptor.OutputURIs[0]); !ok {
		t.Error("mock output should be written")
	}

	filtered, _ := p.Submit(ctx, "something [filtered]", "free")
	if res, _ := p.Poll(ctx, filtered); res.State != PollContentFiltered {
		t.Errorf("expected content filtered, got %s", res.State)
	}
	if p.Submissions() != 2 {
		t.Errorf("expected 2 submissions, got %d", p.Submissions())
	}
}
