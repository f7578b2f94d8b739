package models

import (
	"encoding/json"
	"time"
)

// Stream event types emitted by the remote run-state feed.
const (
	EventTypeRunState    = "task_run.state"
	EventTypeGroupStatus = "task_group_status"
	EventTypeError       = "error"
)

// RunStateEvent is the run portion of a task_run.state stream event.
type RunStateEvent struct {
	RunID      string          `json:"run_id"`
	Status     string          `json:"status"`
	IsActive   bool            `json:"is_active"`
	Processor  string          `json:"processor,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ModifiedAt time.Time       `json:"modified_at"`
	Error      json.RawMessage `json:"error,omitempty"`
}

// StreamEvent is one decoded event from the remote run-state feed.
// EventID, when present, advances the resumption cursor.
type StreamEvent struct {
	Type    string         `json:"type"`
	EventID string         `json:"event_id,omitempty"`
	Run     *RunStateEvent `json:"run,omitempty"`
	// Input accompanies run-state events when include_input is requested.
	Input json.RawMessage `json:"input,omitempty"`
	// Output is the run's output object ({content, basis?}); may be absent
	// even on completed runs, in which case a supplementary fetch is needed.
	Output json.RawMessage `json:"output,omitempty"`
	// Status accompanies task_group_status events and replaces the cached
	// group status wholesale.
	Status *GroupStatus `json:"status,omitempty"`
	// Message accompanies error events.
	Message string `json:"message,omitempty"`
}

// RunOutput is the decoded shape of a run output payload.
type RunOutput struct {
	Content json.RawMessage `json:"content,omitempty"`
	Basis   []FieldBasis    `json:"basis,omitempty"`
}
