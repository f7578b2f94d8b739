// Package parallel provides a client for the Parallel task-execution API.
// This package centralizes all remote task API interactions for the
// application.
package parallel

import (
	"encoding/json"
	"fmt"
	"time"
)

// APIError represents an error response from the task API.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("parallel API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// RateLimitError is returned when the local rate limiter rejects a request.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// createGroupResponse is the remote response to group creation.
type createGroupResponse struct {
	TaskGroupID string                 `json:"taskgroup_id"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// runInput pairs one input item with its processor.
type runInput struct {
	Input     json.RawMessage `json:"input"`
	Processor string          `json:"processor,omitempty"`
}

// addRunsRequest is the batch submission payload.
type addRunsRequest struct {
	DefaultTaskSpec json.RawMessage `json:"default_task_spec,omitempty"`
	Inputs          []runInput      `json:"inputs"`
}

// addRunsResponse carries the run ids assigned to a submitted batch, in
// input order.
type addRunsResponse struct {
	RunIDs []string `json:"run_ids"`
}

// suggestRequest asks the remote system to derive task schemas from a
// free-text intent.
type suggestRequest struct {
	UserIntent string `json:"user_intent"`
}

// suggestResponse carries the derived schemas.
type suggestResponse struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// suggestProcessorRequest asks for a processor recommendation.
type suggestProcessorRequest struct {
	TaskSpec             json.RawMessage `json:"task_spec"`
	ChooseProcessorsFrom []string        `json:"choose_processors_from"`
}

// suggestProcessorResponse lists recommended processors, best first.
type suggestProcessorResponse struct {
	RecommendedProcessors []string `json:"recommended_processors"`
}
