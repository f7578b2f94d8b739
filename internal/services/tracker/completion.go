package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/multitask/internal/models"
)

// checkCompletion decides whether a group is done and, on first detection,
// marks it terminal. A group is complete when it has runs and none of them
// is still active; an empty group is never complete (its runs may not have
// been registered yet).
func (s *Service) checkCompletion(ctx context.Context, group *models.TaskGroup) (bool, error) {
	if group.IsComplete() {
		return true, nil
	}

	status, err := s.ledger.AggregateStatus(ctx, group.ID)
	if err != nil {
		return false, err
	}
	if status.IsActive || status.NumTaskRuns == 0 {
		return false, nil
	}

	return true, s.complete(ctx, group, status)
}

// complete marks the group terminal exactly once. CompletedAt is persisted
// before the webhook fires, so a crash mid-notification cannot cause a
// second completion on resume; the webhook is at-most-once.
func (s *Service) complete(ctx context.Context, group *models.TaskGroup, status *models.GroupStatus) error {
	now := time.Now().UTC()
	purgeAt := now.Add(s.config.Retention())

	group.CompletedAt = &now
	group.PurgeAt = &purgeAt
	if group.Status != nil {
		group.Status.IsActive = false
	} else {
		group.Status = status
	}

	if err := s.groups.SaveGroup(ctx, group); err != nil {
		return fmt.Errorf("failed to mark group complete: %w", err)
	}

	s.logger.Info().
		Str("group_id", group.ID).
		Int("runs", status.NumTaskRuns).
		Msg("Task group completed")

	if group.WebhookURL != "" {
		s.sendWebhook(ctx, group)
	}
	return nil
}

// sendWebhook notifies the configured URL that results are ready. Best
// effort: failures are logged, never retried.
func (s *Service) sendWebhook(ctx context.Context, group *models.TaskGroup) {
	payload, err := json.Marshal(map[string]string{
		"url": fmt.Sprintf("%s/%s", s.config.PublicOrigin(), group.ID),
	})
	if err != nil {
		return
	}

	webhookCtx, cancel := context.WithTimeout(ctx, s.config.Tracker.WebhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(webhookCtx, http.MethodPost, group.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		s.logger.Warn().Err(err).Str("group_id", group.ID).Msg("Invalid webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.logger.Warn().Err(err).Str("group_id", group.ID).Msg("Webhook delivery failed")
		return
	}
	resp.Body.Close()

	s.logger.Info().
		Str("group_id", group.ID).
		Int("status", resp.StatusCode).
		Msg("Completion webhook delivered")
}

// PurgeExpired deletes completed groups whose retention window has passed,
// runs first so a crash mid-purge leaves no orphaned rows behind a missing
// group.
func (s *Service) PurgeExpired(ctx context.Context) error {
	groups, err := s.groups.ListPurgeable(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	for _, group := range groups {
		if err := s.runs.DeleteByGroup(ctx, group.ID); err != nil {
			s.logger.Warn().Err(err).Str("group_id", group.ID).Msg("Failed to purge runs")
			continue
		}
		if err := s.groups.DeleteGroup(ctx, group.ID); err != nil {
			s.logger.Warn().Err(err).Str("group_id", group.ID).Msg("Failed to purge group")
			continue
		}
		s.logger.Info().Str("group_id", group.ID).Msg("Purged expired group")
	}
	return nil
}
