package interfaces

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/multitask/internal/models"
)

// RunStateStream is one attachment to the remote run-state feed. Next
// blocks until an event arrives, the stream ends (io.EOF), or the context
// the stream was opened with is cancelled.
type RunStateStream interface {
	Next() (*models.StreamEvent, error)
	Close() error
}

// TaskAPI is the boundary to the remote task-execution system.
type TaskAPI interface {
	// CreateGroup creates a remote task group and returns its remote id
	// plus the raw metadata object the remote returned.
	CreateGroup(ctx context.Context, apiKey string) (string, map[string]interface{}, error)
	// AddRuns submits one batch of inputs and returns the assigned run ids.
	AddRuns(ctx context.Context, apiKey, remoteGroupID string, defaultSpec json.RawMessage, inputs []json.RawMessage, processor string) ([]string, error)
	// StreamRunStates attaches to the run-state feed. A non-empty cursor is
	// passed as a resumption hint; replayed events are tolerated because
	// application is idempotent.
	StreamRunStates(ctx context.Context, apiKey, remoteGroupID, cursor string) (RunStateStream, error)
	// FetchRunResult retrieves a single run's full output.
	FetchRunResult(ctx context.Context, apiKey, runID string) (json.RawMessage, error)
	// SuggestTaskSpec asks the remote system to derive input/output schemas
	// from a free-text description. Best effort.
	SuggestTaskSpec(ctx context.Context, apiKey, intent string) (inputSchema, outputSchema json.RawMessage, err error)
	// SuggestProcessor recommends a processor for a task spec. Best effort.
	SuggestProcessor(ctx context.Context, apiKey string, taskSpec json.RawMessage) (string, error)
}

// LedgerService is the single source of truth for run rows. All reads and
// writes funnel through it.
type LedgerService interface {
	// InitializeRuns inserts one queued placeholder row per run id, mapped
	// to inputs by index. Upsert semantics keyed by run id make retries of
	// the initialization step safe.
	InitializeRuns(ctx context.Context, groupID string, runIDs []string, inputs []json.RawMessage) error
	// ApplyRunStateEvent applies a remote state-change notification
	// last-write-wins by modified timestamp. needsOutput is true when the
	// event reports completion but no output payload is available.
	ApplyRunStateEvent(ctx context.Context, groupID string, ev *models.StreamEvent) (needsOutput bool, err error)
	// ApplyRunOutput attaches a supplementary fetched output to a run.
	ApplyRunOutput(ctx context.Context, groupID, runID string, output json.RawMessage) error
	// AggregateStatus derives status counts and the active flag from the
	// stored rows.
	AggregateStatus(ctx context.Context, groupID string) (*models.GroupStatus, error)
	// Snapshot returns the flattened per-run projections ordered by input
	// index, together with the full run rows.
	Snapshot(ctx context.Context, groupID string) ([]models.ResultItem, []*models.Run, error)
	// View assembles the full read-side view of a group: snapshot results
	// plus status, derived from stored rows when no cached status exists.
	View(ctx context.Context, group *models.TaskGroup) (*models.GroupView, error)
}

// TrackerService manages the per-group tracking actors.
type TrackerService interface {
	// Start launches (or re-launches) the tracking actor for a group. A
	// no-op when a pass for the group is already running.
	Start(groupID string)
	// ResumeActive launches actors for every stored group that is still
	// active and has no live pass. Called on startup and by the sweep.
	ResumeActive(ctx context.Context) error
	// PurgeExpired deletes groups whose retention window has passed.
	PurgeExpired(ctx context.Context) error
	// Stop cancels all running passes and waits for them to exit.
	Stop()
}

// SchedulerService drives periodic work via cron.
type SchedulerService interface {
	Start() error
	Stop()
}
