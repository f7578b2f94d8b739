package models

import (
	"encoding/json"
	"time"
)

// Run statuses the remote system is known to emit. The set is open: the
// remote API may introduce new values, so these are plain strings rather
// than a closed enum. Activity is decided by the remote is_active flag,
// never inferred from the status string.
const (
	RunStatusQueued         = "queued"
	RunStatusRunning        = "running"
	RunStatusActionRequired = "action_required"
	RunStatusCompleted      = "completed"
	RunStatusFailed         = "failed"
	RunStatusCancelled      = "cancelled"
)

// Run is one unit of work within a TaskGroup, corresponding to one input
// item. Rows are created as queued placeholders at group initialization and
// updated incrementally by reconciliation events; they are never deleted
// individually, only purged with the parent group.
type Run struct {
	// Key is "<group id>/<run id>", unique across groups in the shared store.
	Key string `json:"-" badgerhold:"key"`

	RunID      string `json:"run_id"`
	GroupID    string `json:"-" badgerhold:"index"`
	InputIndex int    `json:"input_index"`

	Status    string `json:"status"`
	IsActive  bool   `json:"is_active"`
	Processor string `json:"processor,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`

	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	OutputBasis json.RawMessage `json:"output_basis,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
}

// RunKey builds the storage key for a run row.
func RunKey(groupID, runID string) string {
	return groupID + "/" + runID
}

// FieldBasis is one entry of a run output's basis array: per-field
// provenance including an optional confidence level.
type FieldBasis struct {
	Field      string `json:"field"`
	Confidence string `json:"confidence,omitempty"`
	Reasoning  string `json:"reasoning,omitempty"`
}

// RunErrorDetail is the machine-readable part of a remote run error.
type RunErrorDetail struct {
	Errors []struct {
		Error string `json:"error"`
	} `json:"errors,omitempty"`
}

// RunError is the remote error payload attached to a failed run.
type RunError struct {
	Message string          `json:"message,omitempty"`
	Detail  *RunErrorDetail `json:"detail,omitempty"`
}

// SubErrors extracts the machine-readable sub-error messages from a stored
// error payload. Malformed payloads yield nil rather than an error; the
// raw payload is still available to structured readers.
func SubErrors(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var re RunError
	if err := json.Unmarshal(raw, &re); err != nil || re.Detail == nil {
		return nil
	}
	msgs := make([]string, 0, len(re.Detail.Errors))
	for _, e := range re.Detail.Errors {
		if e.Error != "" {
			msgs = append(msgs, e.Error)
		}
	}
	return msgs
}
