package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/interfaces"
)

// Service runs background maintenance tasks on cron schedules: pruning
// job history past its retention window and compacting storage.
type Service struct {
	config  *common.HistoryConfig
	history interfaces.JobHistoryStorage
	gc      func() error
	cron    *cron.Cron
	logger  arbor.ILogger

	mu      sync.Mutex
	running bool
}

// NewService creates the maintenance scheduler. history and gc may be
// nil, in which case the corresponding task is not registered.
func NewService(config *common.HistoryConfig, history interfaces.JobHistoryStorage, gc func() error, logger arbor.ILogger) *Service {
	return &Service{
		config:  config,
		history: history,
		gc:      gc,
		cron:    cron.New(),
		logger:  logger,
	}
}

// Start registers the maintenance tasks and starts the cron runner
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	if s.history != nil {
		schedule := s.config.PruneSchedule
		if schedule == "" {
			schedule = "0 3 * * *"
		}
		if _, err := s.cron.AddFunc(schedule, s.pruneHistory); err != nil {
			return fmt.Errorf("failed to register history prune task: %w", err)
		}
		s.logger.Info().
			Str("schedule", schedule).
			Str("retention", s.config.RetentionDuration().String()).
			Msg("History prune task scheduled")
	}

	if s.gc != nil {
		// Hourly value-log compaction keeps the on-disk footprint bounded
		if _, err := s.cron.AddFunc("@hourly", s.compactStorage); err != nil {
			return fmt.Errorf("failed to register storage gc task: %w", err)
		}
	}

	s.cron.Start()
	s.running = true
	return nil
}

// Stop stops the cron runner, waiting for a running task to finish
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("Maintenance scheduler stopped")
}

// compactStorage runs the storage garbage collector
func (s *Service) compactStorage() {
	if err := s.gc(); err != nil {
		s.logger.Warn().Err(err).Msg("Storage compaction failed")
	}
}

// pruneHistory deletes job records past the retention window
func (s *Service) pruneHistory() {
	cutoff := time.Now().Add(-s.config.RetentionDuration())

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()

	deleted, err := s.history.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Warn().Err(err).Msg("History prune failed")
		return
	}
	if deleted > 0 {
		s.logger.Info().
			Int("deleted", deleted).
			Str("cutoff", cutoff.Format(time.RFC3339)).
			Msg("Pruned job history")
	}
}
