package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/promptvideos/api/internal/model"
)

// GenerationProvider submits generation requests and checks their progress.
// Implementations make exactly one network round trip per call and never
// retry; retry policy belongs to the caller.
type GenerationProvider interface {
	Submit(ctx context.Context, prompt string, quality model.Quality) (string, error)
	Poll(ctx context.Context, handle string) (*PollResult, error)
}

// PollState is the provider-reported state of an operation
type PollState string

const (
	PollRunning         PollState = "running"
	PollSucceeded       PollState = "succeeded"
	PollContentFiltered PollState = "content_filtered"
	PollFailed          PollState = "failed"
)

// PollResult is a single point-in-time view of an operation.
type PollResult struct {
	State         PollState
	Descriptor    *ResultDescriptor
	Reason        string
	FilteredCount int
}

// ResultDescriptor is the raw success payload. OutputURIs holds whatever
// locations the provider reported, which are not always where it wrote.
type ResultDescriptor struct {
	OutputURIs []string
	Raw        json.RawMessage
}

// ErrUnsupportedQuality is returned before any network call for an unknown tier.
var ErrUnsupportedQuality = errors.New("unsupported quality")

// ProviderError is a non-2xx answer from the provider.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider API error (status %d): %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether a provider call failed for a transport or auth
// reason worth retrying. Context cancellation, undecodable responses and
// failures while building the request are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrUnsupportedQuality) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == http.StatusUnauthorized,
			pe.StatusCode == http.StatusForbidden,
			pe.StatusCode == http.StatusRequestTimeout,
			pe.StatusCode == http.StatusTooManyRequests,
			pe.StatusCode >= 500:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// dial, TLS and token-source failures surface from http.Client.Do
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// DecodeError is a 2xx response the client could not understand.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "failed to decode provider response: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }
