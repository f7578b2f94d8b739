package tracker

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/ternarybob/multitask/internal/interfaces"
	"github.com/ternarybob/multitask/internal/models"
)

// reconcile runs one bounded pass for a group: attach to the remote feed,
// apply events through the ledger, persist the cursor, and detect
// completion. Returns when the group completes, the budget expires, or the
// service shuts down.
func (s *Service) reconcile(ctx context.Context, groupID string) {
	group, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		s.logger.Warn().Err(err).Str("group_id", groupID).Msg("Cannot load group for reconciliation")
		return
	}
	if group.IsComplete() {
		return
	}

	s.logger.Debug().
		Str("group_id", groupID).
		Str("cursor", group.Cursor).
		Msg("Reconciliation pass started")

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second
	expBackoff.MaxInterval = 30 * time.Second
	expBackoff.MaxElapsedTime = 0 // the invocation budget bounds the pass

	for ctx.Err() == nil {
		stream, err := s.api.StreamRunStates(ctx, group.APIKey, group.RemoteID, group.Cursor)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Warn().Err(err).Str("group_id", groupID).Msg("Stream attach failed, backing off")
			if !s.sleep(ctx, expBackoff.NextBackOff()) {
				break
			}
			continue
		}

		expBackoff.Reset()
		streamErr := s.consume(ctx, group, stream)
		stream.Close()

		// The feed closing is the remote's signal to re-check; a short feed
		// with no activity left means the group is done.
		done, err := s.checkCompletion(ctx, group)
		if err != nil {
			s.logger.Warn().Err(err).Str("group_id", groupID).Msg("Completion check failed")
		}
		if done {
			return
		}

		if streamErr != nil && !errors.Is(streamErr, io.EOF) && ctx.Err() == nil {
			s.logger.Warn().Err(streamErr).Str("group_id", groupID).Msg("Stream read failed, backing off")
			if !s.sleep(ctx, expBackoff.NextBackOff()) {
				break
			}
			continue
		}

		// Clean feed end but the group is still active: brief pause before
		// re-attaching.
		if !s.sleep(ctx, 2*time.Second) {
			break
		}
	}

	s.logger.Debug().Str("group_id", groupID).Msg("Reconciliation pass ended")
}

// consume drains one stream attachment. The cursor is persisted before the
// event is applied; a crash in between only causes a replay, which the
// ledger's idempotent application absorbs.
func (s *Service) consume(ctx context.Context, group *models.TaskGroup, stream interfaces.RunStateStream) error {
	for {
		ev, err := stream.Next()
		if err != nil {
			return err
		}

		if ev.EventID != "" && ev.EventID != group.Cursor {
			group.Cursor = ev.EventID
			if err := s.groups.SaveGroup(ctx, group); err != nil {
				return err
			}
		}

		switch ev.Type {
		case models.EventTypeRunState:
			needsOutput, err := s.ledger.ApplyRunStateEvent(ctx, group.ID, ev)
			if err != nil {
				s.logger.Warn().Err(err).Str("group_id", group.ID).Msg("Failed to apply run event")
				continue
			}
			if needsOutput && ev.Run != nil {
				s.fetchMissingOutput(ctx, group, ev.Run.RunID)
			}

		case models.EventTypeGroupStatus:
			if ev.Status != nil {
				// Replaced wholesale, never merged.
				group.Status = ev.Status
				if err := s.groups.SaveGroup(ctx, group); err != nil {
					s.logger.Warn().Err(err).Str("group_id", group.ID).Msg("Failed to persist group status")
				}
			}

		case models.EventTypeError:
			s.logger.Warn().
				Str("group_id", group.ID).
				Str("message", ev.Message).
				Msg("Remote feed reported an error")
		}
	}
}

// fetchMissingOutput retrieves a completed run's result when the completion
// event carried no payload. Best effort: a failure leaves the run without
// an output rather than failing the pass.
func (s *Service) fetchMissingOutput(ctx context.Context, group *models.TaskGroup, runID string) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.config.Tracker.ResultFetchTimeout)
	defer cancel()

	result, err := s.api.FetchRunResult(fetchCtx, group.APIKey, runID)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("group_id", group.ID).
			Str("run_id", runID).
			Msg("Supplementary result fetch failed")
		return
	}
	if err := s.ledger.ApplyRunOutput(ctx, group.ID, runID, result); err != nil {
		s.logger.Warn().Err(err).
			Str("group_id", group.ID).
			Str("run_id", runID).
			Msg("Failed to attach fetched output")
	}
}

// sleep waits for d or until ctx is cancelled. Returns false on cancel.
func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
