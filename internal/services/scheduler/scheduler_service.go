// Package scheduler drives the periodic sweep: re-launch tracking passes
// for groups that are still active and purge groups past retention. The
// sweep is what gives crashed or budget-expired passes their next
// invocation, so its interval must not be longer than roughly a minute.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/multitask/internal/common"
	"github.com/ternarybob/multitask/internal/interfaces"
)

// Service implements SchedulerService
type Service struct {
	tracker interfaces.TrackerService
	config  *common.Config
	cron    *cron.Cron
	logger  arbor.ILogger

	mu       sync.Mutex
	running  bool
	sweeping bool
}

// NewService creates a new scheduler service
func NewService(tracker interfaces.TrackerService, config *common.Config, logger arbor.ILogger) interfaces.SchedulerService {
	return &Service{
		tracker: tracker,
		config:  config,
		cron:    cron.New(),
		logger:  logger,
	}
}

// Start registers the sweep and begins the cron loop. An initial sweep runs
// immediately so tracking resumes without waiting for the first tick.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	schedule := s.config.Tracker.SweepSchedule
	if schedule == "" {
		schedule = "*/1 * * * *"
	}

	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return fmt.Errorf("failed to register sweep: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", schedule).
		Msg("Scheduler started")

	go s.sweep()
	return nil
}

// Stop halts the cron loop. Running sweep work finishes on its own.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.cron.Stop()
	s.running = false
	s.logger.Info().Msg("Scheduler stopped")
}

// sweep resumes tracking for active groups and purges expired ones.
// Overlapping ticks are skipped rather than queued.
func (s *Service) sweep() {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		return
	}
	s.sweeping = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.sweeping = false
		s.mu.Unlock()
	}()

	ctx := context.Background()

	if err := s.tracker.ResumeActive(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Sweep failed to resume active groups")
	}
	if err := s.tracker.PurgeExpired(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Sweep failed to purge expired groups")
	}
}
