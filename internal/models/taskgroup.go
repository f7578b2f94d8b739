package models

import (
	"encoding/json"
	"time"
)

// TaskGroup represents one batch submission. The public ID is the actor
// routing key and is immutable after creation; RemoteID is the identifier
// assigned by the remote task API and may differ.
type TaskGroup struct {
	ID       string `json:"id" badgerhold:"key"`
	RemoteID string `json:"remote_id"`

	// APIKey is the credential that created the group. All outbound calls
	// for this group reuse it, and readers must present the same credential.
	APIKey string `json:"-"`

	WebhookURL   string          `json:"webhook_url,omitempty"`
	OutputType   string          `json:"output_type"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// Status is the cached remote status object. Replaced wholesale by
	// task_group_status events, never merged field-by-field.
	Status *GroupStatus `json:"status,omitempty"`

	// Cursor is the last-processed remote event id, persisted before the
	// event is applied. Applying events is idempotent, so replay after a
	// crash between persist and apply is harmless.
	Cursor string `json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	PurgeAt     *time.Time `json:"-"`
}

// GroupStatus mirrors the remote system's task group status object.
type GroupStatus struct {
	NumTaskRuns         int            `json:"num_task_runs"`
	TaskRunStatusCounts map[string]int `json:"task_run_status_counts"`
	IsActive            bool           `json:"is_active"`
	StatusMessage       string         `json:"status_message,omitempty"`
	ModifiedAt          string         `json:"modified_at,omitempty"`
}

// OutputType values accepted at creation.
const (
	OutputTypeText = "text"
	OutputTypeJSON = "json"
)

// IsComplete reports whether the group has been marked terminal.
func (g *TaskGroup) IsComplete() bool {
	return g.CompletedAt != nil
}
