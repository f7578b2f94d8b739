package parallel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/multitask/internal/interfaces"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the base URL for the Parallel task API.
	DefaultBaseURL = "https://api.parallel.ai"

	// DefaultTimeout is the default HTTP timeout for non-streaming requests.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default rate limit (requests per second).
	DefaultRateLimit = 10

	// DefaultProcessor is used when the remote recommendation is unavailable.
	DefaultProcessor = "core"
)

// processorChoices is the candidate set offered to the processor
// recommendation endpoint, cheapest first.
var processorChoices = []string{"lite", "base", "core", "pro", "ultra"}

// Client is a Parallel task API client. API keys are supplied per call
// because every task group carries its own credential.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     arbor.ILogger
	limiter    *rate.Limiter
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets a custom rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// NewClient creates a new Parallel task API client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

var _ interfaces.TaskAPI = (*Client)(nil)

// do performs a JSON request against the API and decodes the response into
// result when it is non-nil.
func (c *Client) do(ctx context.Context, method, path, apiKey string, payload, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &RateLimitError{RetryAfter: time.Second}
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.logger != nil {
		c.logger.Debug().
			Str("method", method).
			Str("path", path).
			Msg("Parallel API request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			Endpoint:   path,
		}
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// CreateGroup creates a remote task group and returns its id plus any
// metadata the remote attached.
func (c *Client) CreateGroup(ctx context.Context, apiKey string) (string, map[string]interface{}, error) {
	var result createGroupResponse
	if err := c.do(ctx, http.MethodPost, "/v1beta/tasks/groups", apiKey, struct{}{}, &result); err != nil {
		return "", nil, err
	}
	if result.TaskGroupID == "" {
		return "", nil, fmt.Errorf("group creation returned no taskgroup_id")
	}
	return result.TaskGroupID, result.Metadata, nil
}

// AddRuns submits one batch of inputs to a task group and returns the
// assigned run ids in input order.
func (c *Client) AddRuns(ctx context.Context, apiKey, remoteGroupID string, defaultSpec json.RawMessage, inputs []json.RawMessage, processor string) ([]string, error) {
	reqBody := addRunsRequest{
		DefaultTaskSpec: defaultSpec,
		Inputs:          make([]runInput, len(inputs)),
	}
	for i, input := range inputs {
		reqBody.Inputs[i] = runInput{Input: input, Processor: processor}
	}

	var result addRunsResponse
	path := fmt.Sprintf("/v1beta/tasks/groups/%s/runs", remoteGroupID)
	if err := c.do(ctx, http.MethodPost, path, apiKey, reqBody, &result); err != nil {
		return nil, err
	}
	if len(result.RunIDs) != len(inputs) {
		return nil, fmt.Errorf("run count mismatch: submitted %d inputs, got %d run ids", len(inputs), len(result.RunIDs))
	}
	return result.RunIDs, nil
}

// FetchRunResult retrieves a single run's full result, for runs whose
// completion event arrived without an output payload.
func (c *Client) FetchRunResult(ctx context.Context, apiKey, runID string) (json.RawMessage, error) {
	var result json.RawMessage
	path := fmt.Sprintf("/v1/tasks/runs/%s/result", runID)
	if err := c.do(ctx, http.MethodGet, path, apiKey, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// SuggestTaskSpec derives input/output schemas from a free-text intent.
func (c *Client) SuggestTaskSpec(ctx context.Context, apiKey, intent string) (json.RawMessage, json.RawMessage, error) {
	var result suggestResponse
	if err := c.do(ctx, http.MethodPost, "/v1beta/tasks/suggest", apiKey, suggestRequest{UserIntent: intent}, &result); err != nil {
		return nil, nil, err
	}
	return result.InputSchema, result.OutputSchema, nil
}

// SuggestProcessor recommends a processor for a task spec. The first
// recommendation wins; an empty recommendation list is an error so callers
// can fall back to DefaultProcessor.
func (c *Client) SuggestProcessor(ctx context.Context, apiKey string, taskSpec json.RawMessage) (string, error) {
	reqBody := suggestProcessorRequest{
		TaskSpec:             taskSpec,
		ChooseProcessorsFrom: processorChoices,
	}
	var result suggestProcessorResponse
	if err := c.do(ctx, http.MethodPost, "/v1beta/tasks/suggest-processor", apiKey, reqBody, &result); err != nil {
		return "", err
	}
	if len(result.RecommendedProcessors) == 0 {
		return "", fmt.Errorf("no processor recommendation returned")
	}
	return result.RecommendedProcessors[0], nil
}
