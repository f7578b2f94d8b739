// Package ledger owns the run rows of every task group. All run reads and
// writes funnel through it, which is what makes event application
// idempotent and the projections consistent across output formats.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/multitask/internal/interfaces"
	"github.com/ternarybob/multitask/internal/models"
)

// Service implements LedgerService
type Service struct {
	runs   interfaces.RunStorage
	logger arbor.ILogger
}

// NewService creates a new ledger service
func NewService(storage interfaces.StorageManager, logger arbor.ILogger) interfaces.LedgerService {
	return &Service{
		runs:   storage.RunStorage(),
		logger: logger,
	}
}

// InitializeRuns inserts one queued placeholder row per run id. Rows are
// keyed by run id, so retrying after a partial failure rewrites the same
// placeholders instead of duplicating them.
func (s *Service) InitializeRuns(ctx context.Context, groupID string, runIDs []string, inputs []json.RawMessage) error {
	if len(runIDs) != len(inputs) {
		return fmt.Errorf("run id count %d does not match input count %d", len(runIDs), len(inputs))
	}

	now := time.Now().UTC()
	for i, runID := range runIDs {
		// ModifiedAt stays zero until the first remote event lands: the
		// remote clock stamps events, so comparing them against a locally
		// stamped placeholder would drop any event issued before the
		// placeholder write (fast-failing runs, batch submission lag, clock
		// skew).
		run := &models.Run{
			RunID:      runID,
			GroupID:    groupID,
			InputIndex: i,
			Status:     models.RunStatusQueued,
			IsActive:   true,
			CreatedAt:  now,
			Input:      inputs[i],
		}
		if err := s.runs.UpsertRun(ctx, run); err != nil {
			return fmt.Errorf("failed to initialize run %s: %w", runID, err)
		}
	}

	s.logger.Debug().
		Str("group_id", groupID).
		Int("count", len(runIDs)).
		Msg("Initialized run placeholders")

	return nil
}

// outputEnvelope is the portion of an output payload the ledger inspects.
type outputEnvelope struct {
	Basis json.RawMessage `json:"basis,omitempty"`
}

// ApplyRunStateEvent applies one remote state change. Events are dropped
// when they target an unknown run, carry a modified timestamp at or before
// one already recorded from the feed, or would flip an inactive run back to
// active. Dropping instead of erroring keeps replayed feeds harmless.
func (s *Service) ApplyRunStateEvent(ctx context.Context, groupID string, ev *models.StreamEvent) (bool, error) {
	if ev.Run == nil {
		return false, nil
	}

	run, err := s.runs.GetRun(ctx, groupID, ev.Run.RunID)
	if err != nil {
		if interfaces.IsNotFound(err) {
			s.logger.Warn().
				Str("group_id", groupID).
				Str("run_id", ev.Run.RunID).
				Msg("Dropping event for unknown run")
			return false, nil
		}
		return false, err
	}

	// Last write wins: replayed and out-of-order events lose. Untouched
	// placeholders (zero ModifiedAt) always accept their first event, whose
	// remote timestamp may legitimately predate the local placeholder write.
	if !run.ModifiedAt.IsZero() && !ev.Run.ModifiedAt.After(run.ModifiedAt) {
		return false, nil
	}

	// Activity only ever goes inactive. A reactivation is a remote anomaly;
	// log it and keep the stored row.
	if !run.IsActive && ev.Run.IsActive {
		s.logger.Warn().
			Str("group_id", groupID).
			Str("run_id", ev.Run.RunID).
			Str("status", ev.Run.Status).
			Msg("Dropping event that would reactivate an inactive run")
		return false, nil
	}

	run.Status = ev.Run.Status
	run.IsActive = ev.Run.IsActive
	run.ModifiedAt = ev.Run.ModifiedAt
	if ev.Run.Processor != "" {
		run.Processor = ev.Run.Processor
	}
	if len(ev.Run.Error) > 0 {
		run.Error = ev.Run.Error
	}
	if len(run.Input) == 0 && len(ev.Input) > 0 {
		run.Input = ev.Input
	}
	if len(ev.Output) > 0 {
		run.Output = ev.Output
		var env outputEnvelope
		if err := json.Unmarshal(ev.Output, &env); err == nil && len(env.Basis) > 0 {
			run.OutputBasis = env.Basis
		}
	}

	if err := s.runs.UpsertRun(ctx, run); err != nil {
		return false, fmt.Errorf("failed to apply run event: %w", err)
	}

	needsOutput := !run.IsActive && run.Status == models.RunStatusCompleted && len(run.Output) == 0
	return needsOutput, nil
}

// ApplyRunOutput attaches a supplementary fetched result to a run whose
// completion event arrived without an output payload. A no-op when the run
// already has an output.
func (s *Service) ApplyRunOutput(ctx context.Context, groupID, runID string, result json.RawMessage) error {
	run, err := s.runs.GetRun(ctx, groupID, runID)
	if err != nil {
		return err
	}
	if len(run.Output) > 0 {
		return nil
	}

	// Result endpoints wrap the output object; accept both the wrapped and
	// the bare shape.
	var wrapped struct {
		Output json.RawMessage `json:"output"`
	}
	output := result
	if err := json.Unmarshal(result, &wrapped); err == nil && len(wrapped.Output) > 0 {
		output = wrapped.Output
	}

	run.Output = output
	var env outputEnvelope
	if err := json.Unmarshal(output, &env); err == nil && len(env.Basis) > 0 {
		run.OutputBasis = env.Basis
	}

	if err := s.runs.UpsertRun(ctx, run); err != nil {
		return fmt.Errorf("failed to attach run output: %w", err)
	}

	s.logger.Debug().
		Str("group_id", groupID).
		Str("run_id", runID).
		Msg("Attached supplementary run output")

	return nil
}

// AggregateStatus derives group status from the stored rows: total, counts
// by status string, and whether any run is still active.
func (s *Service) AggregateStatus(ctx context.Context, groupID string) (*models.GroupStatus, error) {
	runs, err := s.runs.ListByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	isActive := false
	for _, run := range runs {
		counts[run.Status]++
		if run.IsActive {
			isActive = true
		}
	}

	return &models.GroupStatus{
		NumTaskRuns:         len(runs),
		TaskRunStatusCounts: counts,
		IsActive:            isActive,
		ModifiedAt:          time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// Snapshot flattens each run into a result item and returns the items in
// input order alongside the full rows.
func (s *Service) Snapshot(ctx context.Context, groupID string) ([]models.ResultItem, []*models.Run, error) {
	runs, err := s.runs.ListByGroup(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}

	results := make([]models.ResultItem, 0, len(runs))
	for _, run := range runs {
		results = append(results, flattenRun(run))
	}
	return results, runs, nil
}

// View assembles the read-side view of a group. The cached remote status is
// preferred; when none has arrived yet the status is derived from the rows.
func (s *Service) View(ctx context.Context, group *models.TaskGroup) (*models.GroupView, error) {
	results, runs, err := s.Snapshot(ctx, group.ID)
	if err != nil {
		return nil, err
	}

	status := group.Status
	if status == nil {
		counts := make(map[string]int)
		isActive := false
		for _, run := range runs {
			counts[run.Status]++
			if run.IsActive {
				isActive = true
			}
		}
		status = &models.GroupStatus{
			NumTaskRuns:         len(runs),
			TaskRunStatusCounts: counts,
			IsActive:            isActive,
			ModifiedAt:          time.Now().UTC().Format(time.RFC3339),
		}
	}

	return &models.GroupView{
		ID:           group.ID,
		Metadata:     group.Metadata,
		Status:       status,
		OutputSchema: group.OutputSchema,
		CreatedAt:    group.CreatedAt,
		Results:      results,
		Runs:         runs,
	}, nil
}

// flattenRun builds the flat projection for one run: the input fields, the
// output content fields merged over them, then id and status, which always
// win a name collision.
func flattenRun(run *models.Run) models.ResultItem {
	item := models.ResultItem{}

	// Input fields. Non-object inputs land under "input".
	if len(run.Input) > 0 {
		var inputFields map[string]interface{}
		if err := json.Unmarshal(run.Input, &inputFields); err == nil {
			for k, v := range inputFields {
				item[k] = v
			}
		} else {
			var scalar interface{}
			if err := json.Unmarshal(run.Input, &scalar); err == nil {
				item["input"] = scalar
			}
		}
	}

	// Output content fields. Non-object content lands under "content".
	if len(run.Output) > 0 {
		var output struct {
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(run.Output, &output); err == nil && len(output.Content) > 0 {
			var contentFields map[string]interface{}
			if err := json.Unmarshal(output.Content, &contentFields); err == nil {
				for k, v := range contentFields {
					item[k] = v
				}
			} else {
				var scalar interface{}
				if err := json.Unmarshal(output.Content, &scalar); err == nil {
					item["content"] = scalar
				}
			}
		}
	}

	item["id"] = run.RunID
	item["status"] = run.Status
	return item
}
