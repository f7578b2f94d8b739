// Package tracker runs one reconciliation actor per active task group. An
// actor attaches to the remote run-state feed, applies events through the
// ledger, and tears down when its invocation budget expires or the group
// completes. The cron sweep re-launches actors for groups that are still
// active, so a group is tracked across restarts without any single pass
// needing to survive them.
package tracker

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/multitask/internal/common"
	"github.com/ternarybob/multitask/internal/interfaces"
)

// Service implements TrackerService
type Service struct {
	groups interfaces.GroupStorage
	runs   interfaces.RunStorage
	ledger interfaces.LedgerService
	api    interfaces.TaskAPI
	config *common.Config
	logger arbor.ILogger

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{} // groups with a live pass
}

// NewService creates a new tracker service
func NewService(storage interfaces.StorageManager, ledger interfaces.LedgerService, api interfaces.TaskAPI, config *common.Config, logger arbor.ILogger) interfaces.TrackerService {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		groups:  storage.GroupStorage(),
		runs:    storage.RunStorage(),
		ledger:  ledger,
		api:     api,
		config:  config,
		logger:  logger,
		rootCtx: ctx,
		cancel:  cancel,
		active:  make(map[string]struct{}),
	}
}

// Start launches a reconciliation pass for the group. At most one pass per
// group runs at a time; a second Start while one is live is a no-op.
func (s *Service) Start(groupID string) {
	s.mu.Lock()
	if _, running := s.active[groupID]; running {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.rootCtx.Done():
		s.mu.Unlock()
		return
	default:
	}
	s.active[groupID] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, groupID)
			s.mu.Unlock()
		}()

		// One pass is bounded by the invocation budget; the sweep re-invokes
		// if the group is still active afterwards.
		ctx, cancel := context.WithTimeout(s.rootCtx, s.config.Tracker.InvocationBudget)
		defer cancel()

		s.reconcile(ctx, groupID)
	}()
}

// ResumeActive launches passes for every stored group that has not
// completed. Called at startup and by every sweep tick.
func (s *Service) ResumeActive(ctx context.Context) error {
	groups, err := s.groups.ListActive(ctx)
	if err != nil {
		return err
	}

	for _, group := range groups {
		s.Start(group.ID)
	}

	if len(groups) > 0 {
		s.logger.Debug().Int("count", len(groups)).Msg("Resumed tracking for active groups")
	}
	return nil
}

// Stop cancels all running passes and waits for them to exit.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Tracker stopped")
}
