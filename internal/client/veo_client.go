package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"

	"github.com/promptvideos/api/internal/config"
	"github.com/promptvideos/api/internal/logger"
	"github.com/promptvideos/api/internal/model"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// VeoClient implements GenerationProvider against the Vertex AI Veo
// long-running prediction endpoints.
type VeoClient struct {
	httpClient *http.Client
	baseURL    string
	projectID  string
	location   string
	outputURI  string
	tiers      map[model.Quality]model.Tier
	log        *logger.Logger
}

// Tiers maps each quality to its generation parameters.
func Tiers(cfg *config.ProviderConfig) map[model.Quality]model.Tier {
	return map[model.Quality]model.Tier{
		model.QualityFree: {
			Model:           cfg.FreeModel,
			DurationSeconds: cfg.FreeSeconds,
			GenerateAudio:   false,
			Watermark:       true,
		},
		model.QualityPremium: {
			Model:           cfg.PremModel,
			DurationSeconds: cfg.PremSeconds,
			GenerateAudio:   true,
			Watermark:       false,
		},
	}
}

// NewAuthorizedHTTPClient returns an HTTP client carrying application default
// credentials for the cloud-platform scope.
func NewAuthorizedHTTPClient(ctx context.Context, cfg *config.ProviderConfig) (*http.Client, error) {
	httpClient, _, err := htransport.NewClient(ctx, option.WithScopes(cloudPlatformScope))
	if err != nil {
		return nil, fmt.Errorf("failed to create authorized client: %w", err)
	}
	httpClient.Timeout = cfg.Timeout
	return httpClient, nil
}

// NewVeoClient creates a provider client. httpClient must already carry auth.
func NewVeoClient(cfg *config.ProviderConfig, httpClient *http.Client, log *logger.Logger) *VeoClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com", cfg.Location)
	}
	return &VeoClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		projectID:  cfg.ProjectID,
		location:   cfg.Location,
		outputURI:  cfg.OutputURI,
		tiers:      Tiers(cfg),
		log:        log.With("client", "veo"),
	}
}

type predictInstance struct {
	Prompt string `json:"prompt"`
}

type predictParameters struct {
	DurationSeconds  int    `json:"durationSeconds"`
	AspectRatio      string `json:"aspectRatio"`
	EnhancePrompt    bool   `json:"enhancePrompt"`
	SampleCount      int    `json:"sampleCount"`
	PersonGeneration string `json:"personGeneration"`
	StorageURI       string `json:"storageUri"`
	GenerateAudio    bool   `json:"generateAudio,omitempty"`
}

type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters predictParameters `json:"parameters"`
}

type operationStatus struct {
	Name     string          `json:"name"`
	Done     bool            `json:"done"`
	Error    *operationError `json:"error,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

type operationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type operationResult struct {
	RaiMediaFilteredCount   int      `json:"raiMediaFilteredCount"`
	RaiMediaFilteredReasons []string `json:"raiMediaFilteredReasons"`
	Videos                  []struct {
		GcsURI     string `json:"gcsUri"`
		StorageURI string `json:"storageUri"`
	} `json:"videos"`
	GeneratedSamples []struct {
		Video struct {
			URI string `json:"uri"`
		} `json:"video"`
	} `json:"generatedSamples"`
	Predictions []struct {
		GcsURI     string `json:"gcsUri"`
		StorageURI string `json:"storageUri"`
	} `json:"predictions"`
}

func (c *VeoClient) modelEndpoint(modelID, method string) string {
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		c.baseURL, c.projectID, c.location, modelID, method)
}

// Submit starts a long-running generation and returns its operation name.
func (c *VeoClient) Submit(ctx context.Context, prompt string, quality model.Quality) (string, error) {
	tier, ok := c.tiers[quality]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedQuality, quality)
	}

	body := predictRequest{
		Instances: []predictInstance{{Prompt: prompt}},
		Parameters: predictParameters{
			DurationSeconds:  tier.DurationSeconds,
			AspectRatio:      "16:9",
			EnhancePrompt:    true,
			SampleCount:      1,
			PersonGeneration: "allow_adult",
			StorageURI:       c.outputURI,
			GenerateAudio:    tier.GenerateAudio,
		},
	}

	var op operationStatus
	if err := c.post(ctx, c.modelEndpoint(tier.Model, "predictLongRunning"), body, &op); err != nil {
		return "", err
	}
	if op.Name == "" {
		return "", &DecodeError{Err: fmt.Errorf("operation name missing")}
	}

	c.log.Info("Generation submitted", "operation", op.Name, "quality", quality, "model", tier.Model)
	return op.Name, nil
}

// Poll fetches the current state of an operation.
func (c *VeoClient) Poll(ctx context.Context, handle string) (*PollResult, error) {
	modelID := modelFromOperation(handle)
	if modelID == "" {
		modelID = c.tiers[model.QualityFree].Model
	}

	var op operationStatus
	reqBody := map[string]string{"operationName": handle}
	if err := c.post(ctx, c.modelEndpoint(modelID, "fetchPredictOperation"), reqBody, &op); err != nil {
		return nil, err
	}
	return interpretOperation(&op)
}

// interpretOperation maps an operation document onto a PollResult. The
// content filter signal wins over every other field.
func interpretOperation(op *operationStatus) (*PollResult, error) {
	var result operationResult
	if len(op.Response) > 0 {
		if err := json.Unmarshal(op.Response, &result); err != nil {
			return nil, &DecodeError{Err: err}
		}
	}

	if result.RaiMediaFilteredCount > 0 {
		reason := "generated content was blocked by the provider's safety filters"
		if len(result.RaiMediaFilteredReasons) > 0 {
			reason = strings.Join(result.RaiMediaFilteredReasons, "; ")
		}
		return &PollResult{
			State:         PollContentFiltered,
			Reason:        reason,
			FilteredCount: result.RaiMediaFilteredCount,
		}, nil
	}

	if !op.Done {
		return &PollResult{State: PollRunning}, nil
	}

	if op.Error != nil {
		reason := op.Error.Message
		if reason == "" {
			reason = fmt.Sprintf("operation failed with code %d", op.Error.Code)
		}
		return &PollResult{State: PollFailed, Reason: reason}, nil
	}

	desc := &ResultDescriptor{Raw: op.Response}
	for _, v := range result.Videos {
		desc.OutputURIs = appendNonEmpty(desc.OutputURIs, v.GcsURI, v.StorageURI)
	}
	for _, s := range result.GeneratedSamples {
		desc.OutputURIs = appendNonEmpty(desc.OutputURIs, s.Video.URI)
	}
	for _, p := range result.Predictions {
		desc.OutputURIs = appendNonEmpty(desc.OutputURIs, p.GcsURI, p.StorageURI)
	}
	return &PollResult{State: PollSucceeded, Descriptor: desc}, nil
}

// post sends a POST request and parses JSON response
func (c *VeoClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("Provider request failed", "url", endpoint, "error", err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug("Provider response", "status", resp.StatusCode, "url", endpoint)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{StatusCode: resp.StatusCode, Message: truncate(string(respBody), 512)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}

// modelFromOperation extracts MODEL from
// projects/P/locations/L/publishers/google/models/MODEL/operations/ID.
func modelFromOperation(name string) string {
	parts := strings.Split(name, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "models" {
			return parts[i+1]
		}
	}
	return ""
}

func appendNonEmpty(dst []string, values ...string) []string {
	for _, v := range values {
		if v != "" {
			dst = append(dst, v)
		}
	}
	return dst
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
