package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/multitask/internal/interfaces"
	"github.com/ternarybob/multitask/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// RunStorage implements the RunStorage interface for Badger
type RunStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRunStorage creates a new RunStorage instance
func NewRunStorage(db *BadgerDB, logger arbor.ILogger) interfaces.RunStorage {
	return &RunStorage{
		db:     db,
		logger: logger,
	}
}

func (s *RunStorage) UpsertRun(ctx context.Context, run *models.Run) error {
	if run.GroupID == "" || run.RunID == "" {
		return fmt.Errorf("run group ID and run ID are required")
	}
	run.Key = models.RunKey(run.GroupID, run.RunID)

	if err := s.db.Store().Upsert(run.Key, run); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *RunStorage) GetRun(ctx context.Context, groupID, runID string) (*models.Run, error) {
	var run models.Run
	if err := s.db.Store().Get(models.RunKey(groupID, runID), &run); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, &interfaces.NotFoundError{Kind: "run", ID: runID}
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// ListByGroup returns the group's runs ordered by input index.
func (s *RunStorage) ListByGroup(ctx context.Context, groupID string) ([]*models.Run, error) {
	var runs []models.Run
	if err := s.db.Store().Find(&runs, badgerhold.Where("GroupID").Eq(groupID).Index("GroupID").SortBy("InputIndex")); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	result := make([]*models.Run, len(runs))
	for i := range runs {
		result[i] = &runs[i]
	}
	return result, nil
}

func (s *RunStorage) CountByGroup(ctx context.Context, groupID string) (int, error) {
	count, err := s.db.Store().Count(&models.Run{}, badgerhold.Where("GroupID").Eq(groupID).Index("GroupID"))
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return int(count), nil
}

func (s *RunStorage) DeleteByGroup(ctx context.Context, groupID string) error {
	if err := s.db.Store().DeleteMatching(&models.Run{}, badgerhold.Where("GroupID").Eq(groupID).Index("GroupID")); err != nil {
		return fmt.Errorf("failed to delete runs: %w", err)
	}
	return nil
}
