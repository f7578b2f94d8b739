package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/multitask/internal/interfaces"
	"github.com/ternarybob/multitask/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// GroupStorage implements the GroupStorage interface for Badger
type GroupStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewGroupStorage creates a new GroupStorage instance
func NewGroupStorage(db *BadgerDB, logger arbor.ILogger) interfaces.GroupStorage {
	return &GroupStorage{
		db:     db,
		logger: logger,
	}
}

func (s *GroupStorage) SaveGroup(ctx context.Context, group *models.TaskGroup) error {
	if group.ID == "" {
		return fmt.Errorf("group ID is required")
	}

	if err := s.db.Store().Upsert(group.ID, group); err != nil {
		return fmt.Errorf("failed to save group: %w", err)
	}
	return nil
}

func (s *GroupStorage) GetGroup(ctx context.Context, groupID string) (*models.TaskGroup, error) {
	var group models.TaskGroup
	if err := s.db.Store().Get(groupID, &group); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, &interfaces.NotFoundError{Kind: "group", ID: groupID}
		}
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return &group, nil
}

// ListActive returns groups whose stored status still reports activity.
// Groups with no status yet (creation interrupted before the first
// reconciliation pass) are included so the sweep can pick them up.
func (s *GroupStorage) ListActive(ctx context.Context) ([]*models.TaskGroup, error) {
	var groups []models.TaskGroup
	query := badgerhold.Where("ID").MatchFunc(func(ra *badgerhold.RecordAccess) (bool, error) {
		group, ok := ra.Record().(*models.TaskGroup)
		if !ok {
			return false, nil
		}
		return group.CompletedAt == nil, nil
	}).SortBy("CreatedAt")
	if err := s.db.Store().Find(&groups, query); err != nil {
		return nil, fmt.Errorf("failed to list active groups: %w", err)
	}

	result := make([]*models.TaskGroup, len(groups))
	for i := range groups {
		result[i] = &groups[i]
	}
	return result, nil
}

// ListPurgeable returns completed groups whose retention window ended at or
// before now.
func (s *GroupStorage) ListPurgeable(ctx context.Context, now time.Time) ([]*models.TaskGroup, error) {
	var groups []models.TaskGroup
	query := badgerhold.Where("PurgeAt").MatchFunc(func(ra *badgerhold.RecordAccess) (bool, error) {
		group, ok := ra.Record().(*models.TaskGroup)
		if !ok {
			return false, nil
		}
		return group.PurgeAt != nil && !group.PurgeAt.After(now), nil
	})
	if err := s.db.Store().Find(&groups, query); err != nil {
		return nil, fmt.Errorf("failed to list purgeable groups: %w", err)
	}

	result := make([]*models.TaskGroup, len(groups))
	for i := range groups {
		result[i] = &groups[i]
	}
	return result, nil
}

func (s *GroupStorage) DeleteGroup(ctx context.Context, groupID string) error {
	if err := s.db.Store().Delete(groupID, &models.TaskGroup{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	return nil
}
