package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/multitask/internal/models"
)

// NotFoundError is returned by storage implementations when a record does
// not exist. Defined here so callers need not import the storage backend.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return e.Kind + " not found: " + e.ID
}

// IsNotFound reports whether err is a storage not-found error.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*NotFoundError)
	return ok
}

// GroupStorage - interface for task group persistence
type GroupStorage interface {
	SaveGroup(ctx context.Context, group *models.TaskGroup) error
	GetGroup(ctx context.Context, groupID string) (*models.TaskGroup, error)
	// ListActive returns groups that have not yet been marked complete.
	ListActive(ctx context.Context) ([]*models.TaskGroup, error)
	// ListPurgeable returns completed groups whose retention window has
	// passed as of now.
	ListPurgeable(ctx context.Context, now time.Time) ([]*models.TaskGroup, error)
	DeleteGroup(ctx context.Context, groupID string) error
}

// RunStorage - interface for run row persistence
type RunStorage interface {
	UpsertRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, groupID, runID string) (*models.Run, error)
	// ListByGroup returns all rows for a group ordered by input index.
	ListByGroup(ctx context.Context, groupID string) ([]*models.Run, error)
	CountByGroup(ctx context.Context, groupID string) (int, error)
	DeleteByGroup(ctx context.Context, groupID string) error
}

// StorageManager aggregates all storage interfaces
type StorageManager interface {
	GroupStorage() GroupStorage
	RunStorage() RunStorage
	Close() error
}
