package models

import (
	"encoding/json"
	"time"
)

// ResultItem is one flattened per-run projection: id, status, the input
// fields, and the output fields merged over them.
type ResultItem map[string]interface{}

// GroupView is the read-side assembly of a task group served by the result
// and live-update endpoints.
type GroupView struct {
	ID           string                 `json:"id"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Status       *GroupStatus           `json:"status"`
	OutputSchema json.RawMessage        `json:"output_schema,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	Results      []ResultItem           `json:"results"`
	Runs         []*Run                 `json:"runs,omitempty"`
}
